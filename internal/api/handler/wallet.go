// internal/api/handler/wallet.go
package handler

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chainflow-wallet/internal/api/types"
	"chainflow-wallet/internal/client/custody"
	"chainflow-wallet/internal/domain"
	"chainflow-wallet/internal/service"
	"chainflow-wallet/internal/util" // For custom errors
)

// DefaultTimeout bounds a request. It covers provisioning retries, not settlement,
// which runs in the background.
const DefaultTimeout = 60 * time.Second

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// SettlementSubmitter queues a succeeded funding attempt for background settlement.
type SettlementSubmitter interface {
	Submit(attempt *domain.FundingAttempt) error
}

// WalletHandler handles HTTP requests related to wallet operations.
type WalletHandler struct {
	wallets    service.WalletService
	balances   service.BalanceService
	funding    service.FundingService
	dispatcher SettlementSubmitter
	validator  *validator.Validate
	logger     *zap.Logger
}

// NewWalletHandler creates a new WalletHandler.
func NewWalletHandler(
	wallets service.WalletService,
	balances service.BalanceService,
	funding service.FundingService,
	dispatcher SettlementSubmitter,
	logger *zap.Logger,
) *WalletHandler {
	return &WalletHandler{
		wallets:    wallets,
		balances:   balances,
		funding:    funding,
		dispatcher: dispatcher,
		validator:  validator.New(),
		logger:     logger,
	}
}

// Helper function to send JSON responses.
func (h *WalletHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("Failed to marshal JSON response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error             string `json:"error"`
	Asset             string `json:"asset,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

// Helper function to send error responses.
func (h *WalletHandler) respondWithError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	body := ErrorResponse{Error: "Internal server error"}

	if rl, ok := util.AsRateLimited(err); ok {
		seconds := int64(math.Ceil(rl.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		h.respondWithJSON(w, http.StatusTooManyRequests, ErrorResponse{
			Error:             "Faucet rate limit reached",
			Asset:             rl.Asset,
			RetryAfterSeconds: seconds,
		})
		return
	}

	switch {
	case util.IsError(err, util.ErrInvalidInput), util.IsError(err, util.ErrUnsupportedAsset):
		statusCode = http.StatusBadRequest
		body.Error = err.Error() // Use the error message directly for invalid input
	case util.IsError(err, util.ErrNotFound), util.IsError(err, util.ErrWalletNotFound):
		statusCode = http.StatusNotFound
		body.Error = "Resource not found"
	case util.IsError(err, util.ErrOperationInFlight):
		statusCode = http.StatusConflict
		body.Error = "An identical request is already in progress"
	case util.IsError(err, util.ErrNoFundsReceived):
		statusCode = http.StatusBadGateway
		body.Error = "Faucet returned no transactions"
	case util.IsError(err, util.ErrGatewayUnavailable), util.IsError(err, custody.ErrCustodyUnavailable):
		statusCode = http.StatusServiceUnavailable
		body.Error = "Upstream service unavailable, try again later"
	case util.IsError(err, util.ErrProvisioningExhausted):
		statusCode = http.StatusServiceUnavailable
		body.Error = "Wallet could not be created, try again later"
	default:
		h.logger.Error("Unhandled service error", zap.Error(err))
	}

	h.respondWithJSON(w, statusCode, body)
}

// GetWallet returns the caller's wallet, creating it on first use.
// GET /v1/wallet
func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		h.respondWithError(w, util.ErrInvalidInput)
		return
	}

	wallet, err := h.wallets.EnsureWallet(r.Context(), userID)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, wallet)
}

// BalancesResponse lists one snapshot per asset.
type BalancesResponse struct {
	WalletID uuid.UUID                `json:"wallet_id"`
	Address  string                   `json:"address"`
	Balances []domain.BalanceSnapshot `json:"balances"`
}

// GetBalances reads every asset balance, falling back to cached values.
// GET /v1/wallet/balances
func (h *WalletHandler) GetBalances(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.callerWallet(w, r)
	if !ok {
		return
	}

	snapshots, err := h.balances.Refresh(r.Context(), wallet)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, BalancesResponse{
		WalletID: wallet.ID,
		Address:  wallet.Address,
		Balances: snapshots,
	})
}

// FundingRequest represents the request body for a faucet top-up.
type FundingRequest struct {
	Asset string `json:"asset" validate:"required,oneof=NATIVE STABLE"`
}

// RequestFunding asks the faucet for funds. Settlement continues in the background;
// the returned attempt can be polled for progress.
// POST /v1/wallet/fundings
func (h *WalletHandler) RequestFunding(w http.ResponseWriter, r *http.Request) {
	var req FundingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, util.ErrInvalidInput)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		h.respondWithError(w, errors.Join(util.ErrInvalidInput, err))
		return
	}

	wallet, ok := h.callerWallet(w, r)
	if !ok {
		return
	}

	attempt, err := h.funding.RequestFunding(r.Context(), wallet.Address, domain.Asset(req.Asset))
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	if !attempt.NeedsSettlement() {
		h.respondWithJSON(w, http.StatusOK, attempt)
		return
	}

	if err := h.dispatcher.Submit(attempt); err != nil {
		// The recheck job picks the attempt up later.
		h.logger.Warn("Settlement not queued",
			zap.String("attempt_id", attempt.ID.String()),
			zap.Error(err))
	}
	h.respondWithJSON(w, http.StatusAccepted, attempt)
}

// ListFundings returns the caller's funding attempts, newest first.
// GET /v1/wallet/fundings?limit=&offset=
func (h *WalletHandler) ListFundings(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.callerWallet(w, r)
	if !ok {
		return
	}

	// Parse query parameters for pagination
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}

	attempts, total, err := h.funding.ListAttempts(r.Context(), wallet.ID, limit, offset)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, types.NewPaginatedResponse(attempts, limit, offset, total))
}

// GetFunding returns one of the caller's funding attempts.
// GET /v1/wallet/fundings/{attemptID}
func (h *WalletHandler) GetFunding(w http.ResponseWriter, r *http.Request) {
	attemptID, err := uuid.Parse(chi.URLParam(r, "attemptID"))
	if err != nil {
		h.respondWithError(w, util.ErrInvalidInput)
		return
	}

	wallet, ok := h.callerWallet(w, r)
	if !ok {
		return
	}

	attempt, err := h.funding.GetAttempt(r.Context(), wallet.ID, attemptID)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, attempt)
}

// callerWallet loads the authenticated user's wallet without provisioning one.
func (h *WalletHandler) callerWallet(w http.ResponseWriter, r *http.Request) (*domain.Wallet, bool) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		h.respondWithError(w, util.ErrInvalidInput)
		return nil, false
	}
	wallet, err := h.wallets.GetWallet(r.Context(), userID)
	if err != nil {
		h.respondWithError(w, err)
		return nil, false
	}
	return wallet, true
}
