// internal/service/fakes_test.go
package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"chainflow-wallet/internal/client/custody"
	"chainflow-wallet/internal/domain"
	"chainflow-wallet/internal/repository"
	"chainflow-wallet/internal/util"
	"chainflow-wallet/pkg/db"
)

// memStore is an in-memory Wallet Store with the same conflict rules as the
// PostgreSQL unique indexes. It is shared between service instances to model
// several processes on one database.
type memStore struct {
	mu        sync.Mutex
	wallets   []domain.Wallet
	snapshots map[string]domain.BalanceSnapshot
	attempts  map[uuid.UUID]domain.FundingAttempt
	onInsert  func(domain.Wallet)
}

func newMemStore() *memStore {
	return &memStore{
		snapshots: make(map[string]domain.BalanceSnapshot),
		attempts:  make(map[uuid.UUID]domain.FundingAttempt),
	}
}

func snapKey(walletID uuid.UUID, asset domain.Asset) string {
	return walletID.String() + "/" + string(asset)
}

func (s *memStore) GetByUser(_ context.Context, _ repository.DBExecutor, userID uuid.UUID) (*domain.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wallets {
		if w.UserID == userID && w.ArchivedAt == nil {
			w := w
			return &w, nil
		}
	}
	return nil, util.ErrWalletNotFound
}

func (s *memStore) GetByAddress(_ context.Context, _ repository.DBExecutor, address string) (*domain.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wallets {
		if strings.EqualFold(w.Address, address) && w.ArchivedAt == nil {
			w := w
			return &w, nil
		}
	}
	return nil, util.ErrWalletNotFound
}

func (s *memStore) InsertIfAbsent(_ context.Context, _ repository.DBExecutor, wallet *domain.Wallet) error {
	s.mu.Lock()
	for _, w := range s.wallets {
		sameUser := w.UserID == wallet.UserID && w.ArchivedAt == nil
		sameAddress := w.Network == wallet.Network && strings.EqualFold(w.Address, wallet.Address)
		if sameUser || sameAddress {
			s.mu.Unlock()
			return util.ErrDuplicateEntry
		}
	}
	s.wallets = append(s.wallets, *wallet)
	hook := s.onInsert
	s.mu.Unlock()

	if hook != nil {
		hook(*wallet)
	}
	return nil
}

func (s *memStore) UpdateBalanceCache(_ context.Context, _ repository.DBExecutor, snapshot *domain.BalanceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := snapKey(snapshot.WalletID, snapshot.Asset)
	if prev, ok := s.snapshots[key]; ok && prev.ObservedAt.After(snapshot.ObservedAt) {
		return nil
	}
	s.snapshots[key] = *snapshot
	return nil
}

func (s *memStore) GetBalanceSnapshot(_ context.Context, _ repository.DBExecutor, walletID uuid.UUID, asset domain.Asset) (*domain.BalanceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.snapshots[snapKey(walletID, asset)]
	if !ok {
		return nil, util.ErrNotFound
	}
	return &snapshot, nil
}

func (s *memStore) Create(_ context.Context, _ repository.DBExecutor, attempt *domain.FundingAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[attempt.ID] = *attempt
	return nil
}

func (s *memStore) UpdateOutcome(_ context.Context, _ repository.DBExecutor, attempt *domain.FundingAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempts[attempt.ID]; !ok {
		return util.ErrNotFound
	}
	s.attempts[attempt.ID] = *attempt
	return nil
}

func (s *memStore) MarkSettled(_ context.Context, _ repository.DBExecutor, id uuid.UUID, finalBalance decimal.Decimal, settledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[id]
	if !ok || attempt.Settled {
		return nil
	}
	attempt.Settled = true
	attempt.FinalBalance = &finalBalance
	attempt.SettledAt = &settledAt
	s.attempts[id] = attempt
	return nil
}

func (s *memStore) GetByID(_ context.Context, _ repository.DBExecutor, id uuid.UUID) (*domain.FundingAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[id]
	if !ok {
		return nil, util.ErrNotFound
	}
	return &attempt, nil
}

func (s *memStore) ListByWallet(_ context.Context, _ repository.DBExecutor, walletID uuid.UUID, limit, offset int) ([]domain.FundingAttempt, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []domain.FundingAttempt
	for _, a := range s.attempts {
		if a.WalletID == walletID {
			all = append(all, a)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].RequestedAt.After(all[j].RequestedAt) })
	total := int64(len(all))
	if offset >= len(all) {
		return []domain.FundingAttempt{}, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (s *memStore) ListUnsettled(_ context.Context, _ repository.DBExecutor, cutoff time.Time, limit int) ([]domain.FundingAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.FundingAttempt
	for _, a := range s.attempts {
		if a.NeedsSettlement() && a.RequestedAt.Before(cutoff) && len(out) < limit {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) walletCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.wallets)
}

func (s *memStore) attempt(id uuid.UUID) domain.FundingAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[id]
}

func (s *memStore) addWallet(w *domain.Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets = append(s.wallets, *w)
}

// fakeTx stands in for *sqlx.Tx; memStore ignores the executor it is given.
type fakeTx struct{}

var errUnused = errors.New("fakeTx: not used by memStore")

func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }
func (fakeTx) GetContext(context.Context, interface{}, string, ...interface{}) error {
	return errUnused
}
func (fakeTx) SelectContext(context.Context, interface{}, string, ...interface{}) error {
	return errUnused
}
func (fakeTx) ExecContext(context.Context, string, ...interface{}) (sql.Result, error) {
	return nil, errUnused
}
func (fakeTx) NamedExecContext(context.Context, string, interface{}) (sql.Result, error) {
	return nil, errUnused
}

func fakeBeginTx(context.Context, db.DBTxBeginner) (db.TxController, error) { return fakeTx{}, nil }
func fakeCommitTx(tx db.TxController) error                                 { return tx.Commit() }
func fakeRollbackTx(tx db.TxController)                                     { _ = tx.Rollback() }

// reading is one scripted chain response.
type reading struct {
	amount string
	err    error
}

// scriptedChain replays readings in order and repeats the last one forever.
type scriptedChain struct {
	mu       sync.Mutex
	readings []reading
	calls    int
}

func newScriptedChain(readings ...reading) *scriptedChain {
	return &scriptedChain{readings: readings}
}

func amounts(values ...string) []reading {
	out := make([]reading, len(values))
	for i, v := range values {
		out[i] = reading{amount: v}
	}
	return out
}

func (c *scriptedChain) GetBalance(ctx context.Context, _ string, _ domain.Asset) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.readings[len(c.readings)-1]
	if c.calls < len(c.readings) {
		r = c.readings[c.calls]
	}
	c.calls++
	if r.err != nil {
		return decimal.Zero, r.err
	}
	return decimal.RequireFromString(r.amount), nil
}

func (c *scriptedChain) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// fakeCreator mints accounts through a per-call function and records discards.
type fakeCreator struct {
	network   domain.Network
	mint      func(n int) (*custody.Account, error)
	created   atomic.Int32
	mu        sync.Mutex
	discarded []string
}

func (c *fakeCreator) CreateAccount(ctx context.Context) (*custody.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := int(c.created.Add(1))
	return c.mint(n)
}

func (c *fakeCreator) DiscardAccount(_ context.Context, credentialHandle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discarded = append(c.discarded, credentialHandle)
	return nil
}

func (c *fakeCreator) Network() domain.Network {
	if c.network == "" {
		return domain.NetworkBaseSepolia
	}
	return c.network
}

func (c *fakeCreator) Discarded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.discarded...)
}

// autoAdvance fires every pending timer on fc as soon as something sleeps on it.
func autoAdvance(t *testing.T, fc *clockwork.FakeClock, step time.Duration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			if err := fc.BlockUntilContext(ctx, 1); err != nil {
				return
			}
			fc.Advance(step)
		}
	}()
}
