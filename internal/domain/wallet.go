// internal/domain/wallet.go
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Network identifies the testnet a wallet lives on.
type Network string

const (
	NetworkBaseSepolia     Network = "base-sepolia"
	NetworkEthereumSepolia Network = "ethereum-sepolia"
)

// Valid reports whether n is a supported testnet.
func (n Network) Valid() bool {
	switch n {
	case NetworkBaseSepolia, NetworkEthereumSepolia:
		return true
	}
	return false
}

// Wallet represents a user's custodial wallet.
type Wallet struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	UserID           uuid.UUID  `db:"user_id" json:"user_id"`           // Owner, supplied by the identity provider
	Address          string     `db:"address" json:"address"`           // Immutable once set, unique per network
	Network          Network    `db:"network" json:"network"`           // Testnet identifier
	DisplayName      string     `db:"display_name" json:"display_name"` // Label shown in the UI
	CredentialHandle string     `db:"credential_handle" json:"-"`       // Opaque custody reference, never inspected or logged
	ArchivedAt       *time.Time `db:"archived_at" json:"archived_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// NewWallet creates a new Wallet instance for a freshly minted account.
func NewWallet(userID uuid.UUID, address string, network Network, credentialHandle string) *Wallet {
	now := time.Now().UTC()
	return &Wallet{
		ID:               uuid.New(),
		UserID:           userID,
		Address:          address,
		Network:          network,
		DisplayName:      "Primary wallet",
		CredentialHandle: credentialHandle,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
