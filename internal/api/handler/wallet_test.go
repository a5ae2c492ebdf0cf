// internal/api/handler/wallet_test.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chainflow-wallet/internal/api/types"
	"chainflow-wallet/internal/domain"
	"chainflow-wallet/internal/util"
)

// MockWalletService is a mock implementation of service.WalletService.
type MockWalletService struct {
	mock.Mock
}

func (m *MockWalletService) EnsureWallet(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Wallet), args.Error(1)
}

func (m *MockWalletService) GetWallet(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Wallet), args.Error(1)
}

// MockBalanceService is a mock implementation of service.BalanceService.
type MockBalanceService struct {
	mock.Mock
}

func (m *MockBalanceService) Observe(ctx context.Context, walletID uuid.UUID, address string, asset domain.Asset) (decimal.Decimal, error) {
	args := m.Called(ctx, walletID, address, asset)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockBalanceService) Current(ctx context.Context, wallet *domain.Wallet, asset domain.Asset) (*domain.BalanceSnapshot, error) {
	args := m.Called(ctx, wallet, asset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.BalanceSnapshot), args.Error(1)
}

func (m *MockBalanceService) Refresh(ctx context.Context, wallet *domain.Wallet) ([]domain.BalanceSnapshot, error) {
	args := m.Called(ctx, wallet)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.BalanceSnapshot), args.Error(1)
}

// MockFundingService is a mock implementation of service.FundingService.
type MockFundingService struct {
	mock.Mock
}

func (m *MockFundingService) RequestFunding(ctx context.Context, address string, asset domain.Asset) (*domain.FundingAttempt, error) {
	args := m.Called(ctx, address, asset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.FundingAttempt), args.Error(1)
}

func (m *MockFundingService) SettleAttempt(ctx context.Context, attempt *domain.FundingAttempt) (*domain.Settlement, error) {
	args := m.Called(ctx, attempt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Settlement), args.Error(1)
}

func (m *MockFundingService) RecheckUnsettled(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	args := m.Called(ctx, olderThan, limit)
	return args.Int(0), args.Error(1)
}

func (m *MockFundingService) GetAttempt(ctx context.Context, walletID, attemptID uuid.UUID) (*domain.FundingAttempt, error) {
	args := m.Called(ctx, walletID, attemptID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.FundingAttempt), args.Error(1)
}

func (m *MockFundingService) ListAttempts(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]domain.FundingAttempt, int64, error) {
	args := m.Called(ctx, walletID, limit, offset)
	return args.Get(0).([]domain.FundingAttempt), args.Get(1).(int64), args.Error(2)
}

// MockSubmitter is a mock implementation of SettlementSubmitter.
type MockSubmitter struct {
	mock.Mock
}

func (m *MockSubmitter) Submit(attempt *domain.FundingAttempt) error {
	return m.Called(attempt).Error(0)
}

type handlerFixture struct {
	router    http.Handler
	wallets   *MockWalletService
	balances  *MockBalanceService
	funding   *MockFundingService
	submitter *MockSubmitter
	userID    uuid.UUID
	wallet    *domain.Wallet
}

func newHandlerFixture() *handlerFixture {
	f := &handlerFixture{
		wallets:   new(MockWalletService),
		balances:  new(MockBalanceService),
		funding:   new(MockFundingService),
		submitter: new(MockSubmitter),
		userID:    uuid.New(),
	}
	f.wallet = domain.NewWallet(f.userID, "0x1111111111111111111111111111111111111111", domain.NetworkBaseSepolia, "secret-handle")

	h := NewWalletHandler(f.wallets, f.balances, f.funding, f.submitter, zap.NewNop())
	r := chi.NewRouter()
	r.Route("/v1/wallet", func(r chi.Router) {
		r.Use(RequireUser)
		r.Get("/", h.GetWallet)
		r.Get("/balances", h.GetBalances)
		r.Post("/fundings", h.RequestFunding)
		r.Get("/fundings", h.ListFundings)
		r.Get("/fundings/{attemptID}", h.GetFunding)
	})
	f.router = r
	return f
}

func (f *handlerFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(UserIDHeader, f.userID.String())
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRequireUser(t *testing.T) {
	f := newHandlerFixture()

	for _, header := range []string{"", "not-a-uuid", uuid.Nil.String()} {
		req := httptest.NewRequest(http.MethodGet, "/v1/wallet", nil)
		if header != "" {
			req.Header.Set(UserIDHeader, header)
		}
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}
	f.wallets.AssertNotCalled(t, "EnsureWallet", mock.Anything, mock.Anything)
}

func TestGetWallet(t *testing.T) {
	t.Run("returns the wallet without the credential handle", func(t *testing.T) {
		f := newHandlerFixture()
		f.wallets.On("EnsureWallet", mock.Anything, f.userID).Return(f.wallet, nil).Once()

		rec := f.do(http.MethodGet, "/v1/wallet", "")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), f.wallet.Address)
		assert.NotContains(t, rec.Body.String(), "secret-handle")
		f.wallets.AssertExpectations(t)
	})

	t.Run("provisioning exhausted maps to 503", func(t *testing.T) {
		f := newHandlerFixture()
		f.wallets.On("EnsureWallet", mock.Anything, f.userID).
			Return(nil, errors.Join(util.ErrProvisioningExhausted, errors.New("custody down"))).Once()

		rec := f.do(http.MethodGet, "/v1/wallet", "")

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestGetBalances(t *testing.T) {
	f := newHandlerFixture()
	f.wallets.On("GetWallet", mock.Anything, f.userID).Return(f.wallet, nil).Once()
	f.balances.On("Refresh", mock.Anything, f.wallet).Return([]domain.BalanceSnapshot{
		*domain.NewChainSnapshot(f.wallet.ID, domain.AssetNative, decimal.RequireFromString("0.02"), time.Now()),
		*domain.NewChainSnapshot(f.wallet.ID, domain.AssetStable, decimal.NewFromInt(3), time.Now()),
	}, nil).Once()

	rec := f.do(http.MethodGet, "/v1/wallet/balances", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body BalancesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, f.wallet.ID, body.WalletID)
	require.Len(t, body.Balances, 2)
	assert.True(t, decimal.RequireFromString("0.02").Equal(body.Balances[0].Amount))
}

func TestRequestFunding(t *testing.T) {
	t.Run("succeeded attempt is queued and accepted", func(t *testing.T) {
		f := newHandlerFixture()
		attempt := domain.NewFundingAttempt(f.wallet, domain.AssetNative, decimal.Zero, decimal.RequireFromString("0.0001"), time.Now())
		attempt.Outcome = domain.FundingOutcomeSucceeded
		f.wallets.On("GetWallet", mock.Anything, f.userID).Return(f.wallet, nil).Once()
		f.funding.On("RequestFunding", mock.Anything, f.wallet.Address, domain.AssetNative).Return(attempt, nil).Once()
		f.submitter.On("Submit", attempt).Return(nil).Once()

		rec := f.do(http.MethodPost, "/v1/wallet/fundings", `{"asset":"NATIVE"}`)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Contains(t, rec.Body.String(), attempt.ID.String())
		mock.AssertExpectationsForObjects(t, f.wallets, f.funding, f.submitter)
	})

	t.Run("skipped attempt is not queued", func(t *testing.T) {
		f := newHandlerFixture()
		skipped := domain.NewSkippedAttempt(f.wallet, domain.AssetNative, decimal.NewFromInt(1), time.Now())
		f.wallets.On("GetWallet", mock.Anything, f.userID).Return(f.wallet, nil).Once()
		f.funding.On("RequestFunding", mock.Anything, f.wallet.Address, domain.AssetNative).Return(skipped, nil).Once()

		rec := f.do(http.MethodPost, "/v1/wallet/fundings", `{"asset":"NATIVE"}`)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"SKIPPED"`)
		f.submitter.AssertNotCalled(t, "Submit", mock.Anything)
	})

	t.Run("full queue still accepts", func(t *testing.T) {
		f := newHandlerFixture()
		attempt := domain.NewFundingAttempt(f.wallet, domain.AssetStable, decimal.Zero, decimal.NewFromInt(1), time.Now())
		attempt.Outcome = domain.FundingOutcomeSucceeded
		f.wallets.On("GetWallet", mock.Anything, f.userID).Return(f.wallet, nil).Once()
		f.funding.On("RequestFunding", mock.Anything, f.wallet.Address, domain.AssetStable).Return(attempt, nil).Once()
		f.submitter.On("Submit", attempt).Return(errors.New("queue full")).Once()

		rec := f.do(http.MethodPost, "/v1/wallet/fundings", `{"asset":"STABLE"}`)

		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("rate limited carries retry metadata", func(t *testing.T) {
		f := newHandlerFixture()
		f.wallets.On("GetWallet", mock.Anything, f.userID).Return(f.wallet, nil).Once()
		f.funding.On("RequestFunding", mock.Anything, f.wallet.Address, domain.AssetStable).
			Return(nil, &util.RateLimitedError{Asset: "STABLE", RetryAfter: 90 * time.Second}).Once()

		rec := f.do(http.MethodPost, "/v1/wallet/fundings", `{"asset":"STABLE"}`)

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "90", rec.Header().Get("Retry-After"))
		body := decodeError(t, rec)
		assert.Equal(t, "STABLE", body.Asset)
		assert.Equal(t, int64(90), body.RetryAfterSeconds)
	})

	errorCases := []struct {
		name string
		err  error
		want int
	}{
		{"in flight", util.ErrOperationInFlight, http.StatusConflict},
		{"no funds received", util.ErrNoFundsReceived, http.StatusBadGateway},
		{"gateway unavailable", util.ErrGatewayUnavailable, http.StatusServiceUnavailable},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newHandlerFixture()
			f.wallets.On("GetWallet", mock.Anything, f.userID).Return(f.wallet, nil).Once()
			f.funding.On("RequestFunding", mock.Anything, f.wallet.Address, domain.AssetNative).Return(nil, tc.err).Once()

			rec := f.do(http.MethodPost, "/v1/wallet/fundings", `{"asset":"NATIVE"}`)

			assert.Equal(t, tc.want, rec.Code)
		})
	}

	t.Run("invalid bodies are rejected before any lookup", func(t *testing.T) {
		f := newHandlerFixture()
		for _, body := range []string{`{`, `{}`, `{"asset":"DOGE"}`} {
			rec := f.do(http.MethodPost, "/v1/wallet/fundings", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, "body %s", body)
		}
		f.wallets.AssertNotCalled(t, "GetWallet", mock.Anything, mock.Anything)
	})

	t.Run("no wallet yet", func(t *testing.T) {
		f := newHandlerFixture()
		f.wallets.On("GetWallet", mock.Anything, f.userID).Return(nil, util.ErrWalletNotFound).Once()

		rec := f.do(http.MethodPost, "/v1/wallet/fundings", `{"asset":"NATIVE"}`)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestListFundings(t *testing.T) {
	f := newHandlerFixture()
	attempt := domain.NewFundingAttempt(f.wallet, domain.AssetStable, decimal.Zero, decimal.NewFromInt(1), time.Now())
	f.wallets.On("GetWallet", mock.Anything, f.userID).Return(f.wallet, nil)
	f.funding.On("ListAttempts", mock.Anything, f.wallet.ID, 5, 10).Return([]domain.FundingAttempt{*attempt}, int64(11), nil).Once()
	f.funding.On("ListAttempts", mock.Anything, f.wallet.ID, defaultPageSize, 0).Return([]domain.FundingAttempt{}, int64(0), nil).Once()

	rec := f.do(http.MethodGet, "/v1/wallet/fundings?limit=5&offset=10", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var page types.PaginatedResponse[domain.FundingAttempt]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 5, page.Limit)
	assert.Equal(t, 10, page.Offset)
	assert.Equal(t, int64(11), page.TotalCount)
	assert.False(t, page.HasMore, "10 + 1 of 11")
	require.Len(t, page.Data, 1)
	assert.Equal(t, attempt.ID, page.Data[0].ID)

	rec = f.do(http.MethodGet, "/v1/wallet/fundings?limit=abc&offset=-3", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
	f.funding.AssertExpectations(t)
}

func TestGetFunding(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		f := newHandlerFixture()
		attempt := domain.NewFundingAttempt(f.wallet, domain.AssetNative, decimal.Zero, decimal.RequireFromString("0.0001"), time.Now())
		f.wallets.On("GetWallet", mock.Anything, f.userID).Return(f.wallet, nil).Once()
		f.funding.On("GetAttempt", mock.Anything, f.wallet.ID, attempt.ID).Return(attempt, nil).Once()

		rec := f.do(http.MethodGet, "/v1/wallet/fundings/"+attempt.ID.String(), "")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), attempt.ID.String())
	})

	t.Run("other wallet's attempt", func(t *testing.T) {
		f := newHandlerFixture()
		id := uuid.New()
		f.wallets.On("GetWallet", mock.Anything, f.userID).Return(f.wallet, nil).Once()
		f.funding.On("GetAttempt", mock.Anything, f.wallet.ID, id).Return(nil, util.ErrNotFound).Once()

		rec := f.do(http.MethodGet, "/v1/wallet/fundings/"+id.String(), "")

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("malformed id", func(t *testing.T) {
		f := newHandlerFixture()

		rec := f.do(http.MethodGet, "/v1/wallet/fundings/123", "")

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
