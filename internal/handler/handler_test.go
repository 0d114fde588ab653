package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/investgate/internal/middleware"
	"github.com/mmeshcher/investgate/internal/model"
	"github.com/mmeshcher/investgate/internal/prices"
	"github.com/mmeshcher/investgate/internal/repository"
	"github.com/mmeshcher/investgate/internal/service"
)

const (
	testAdminToken    = "test-admin-token"
	testWebhookSecret = "test-webhook-secret"
)

type stubService struct {
	registerUserID int64
	registerErr    error

	authUserID int64
	authErr    error

	balanceResp *model.Balance
	balanceErr  error

	packagesResp []model.Package
	packagesErr  error

	investmentResp *model.Investment
	investmentErr  error

	investmentsResp []model.Investment
	investmentsErr  error

	cancelResp *model.Investment
	cancelErr  error

	depositResp *model.Transaction
	depositErr  error

	withdrawalResp *model.Transaction
	withdrawalErr  error

	transactionResp *model.Transaction
	transactionErr  error

	transactionsResp []model.Transaction
	transactionsErr  error

	summaryResp *model.TransactionSummary
	summaryErr  error

	transitionResp *model.Transaction
	transitionErr  error

	confirmResp *model.Transaction
	confirmErr  error

	maturityResp *service.MaturityResult
	maturityErr  error
}

func (s *stubService) RegisterUser(ctx context.Context, login, password, referrerLogin string) (int64, error) {
	return s.registerUserID, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	return s.authUserID, s.authErr
}

func (s *stubService) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	return s.balanceResp, s.balanceErr
}

func (s *stubService) ListPackages(ctx context.Context) ([]model.Package, error) {
	return s.packagesResp, s.packagesErr
}

func (s *stubService) CreateInvestment(ctx context.Context, userID, packageID int64, amount decimal.Decimal) (*model.Investment, error) {
	return s.investmentResp, s.investmentErr
}

func (s *stubService) CancelInvestment(ctx context.Context, investmentID uuid.UUID, userID int64) (*model.Investment, error) {
	return s.cancelResp, s.cancelErr
}

func (s *stubService) ListInvestments(ctx context.Context, userID int64) ([]model.Investment, error) {
	return s.investmentsResp, s.investmentsErr
}

func (s *stubService) CreateDepositRequest(ctx context.Context, userID int64, amount decimal.Decimal, paymentMethod string) (*model.Transaction, error) {
	return s.depositResp, s.depositErr
}

func (s *stubService) CreateWithdrawalRequest(ctx context.Context, userID int64, amount decimal.Decimal, paymentMethod, destination string) (*model.Transaction, error) {
	return s.withdrawalResp, s.withdrawalErr
}

func (s *stubService) GetTransaction(ctx context.Context, id uuid.UUID, userID int64) (*model.Transaction, error) {
	return s.transactionResp, s.transactionErr
}

func (s *stubService) ListTransactions(ctx context.Context, userID int64, txType, status string) ([]model.Transaction, error) {
	return s.transactionsResp, s.transactionsErr
}

func (s *stubService) GetTransactionSummary(ctx context.Context, userID int64) (*model.TransactionSummary, error) {
	return s.summaryResp, s.summaryErr
}

func (s *stubService) TransitionTransactionStatus(ctx context.Context, id uuid.UUID, newStatus model.TransactionStatus, actor, notes, txHash string) (*model.Transaction, error) {
	return s.transitionResp, s.transitionErr
}

func (s *stubService) ConfirmCryptoDeposit(ctx context.Context, address, txHash string, amount decimal.Decimal, confirmations int) (*model.Transaction, error) {
	return s.confirmResp, s.confirmErr
}

func (s *stubService) RunMaturityBatch(ctx context.Context) (*service.MaturityResult, error) {
	return s.maturityResp, s.maturityErr
}

type stubPrices struct {
	quotes map[string]prices.Quote
	err    error
}

func (s *stubPrices) GetQuotes(ctx context.Context, symbols []string) (map[string]prices.Quote, error) {
	return s.quotes, s.err
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, &stubPrices{}, logger, auth, testAdminToken, testWebhookSecret)
}

func authCookie(t *testing.T, h *Handler, userID int64) *http.Cookie {
	t.Helper()

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, userID)
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("expected auth cookie to be set")
	}
	return cookies[0]
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{
		registerUserID: 42,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "user",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("expected auth cookie after registration")
	}
}

func TestRegister_Conflict(t *testing.T) {
	svc := &stubService{
		registerErr: repository.ErrUserExists,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "user",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := &stubService{
		authErr: service.ErrInvalidCredentials,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "user",
		Password: "wrong",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestGetBalance_RequiresAuth(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/user/balance", nil)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestGetBalance_JSONResponse(t *testing.T) {
	svc := &stubService{
		balanceResp: &model.Balance{
			AccountBalance: decimal.RequireFromString("1500.00"),
			TotalInvested:  decimal.RequireFromString("500.00"),
			TotalProfit:    decimal.RequireFromString("50.00"),
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/user/balance", nil)
	req.AddCookie(authCookie(t, h, 1))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var balance model.Balance
	if err := json.NewDecoder(res.Body).Decode(&balance); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !balance.AccountBalance.Equal(decimal.RequireFromString("1500.00")) {
		t.Fatalf("account_balance = %s, want 1500.00", balance.AccountBalance)
	}
}

func TestCreateInvestment_Statuses(t *testing.T) {
	tests := []struct {
		name       string
		svc        *stubService
		wantStatus int
	}{
		{
			name: "created",
			svc: &stubService{
				investmentResp: &model.Investment{
					ID:     uuid.New(),
					Amount: decimal.RequireFromString("500.00"),
					Status: model.InvestmentStatusActive,
				},
			},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "package not found",
			svc:        &stubService{investmentErr: repository.ErrPackageNotFound},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "amount out of bounds",
			svc:        &stubService{investmentErr: service.ErrInvalidAmount},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "insufficient balance",
			svc:        &stubService{investmentErr: repository.ErrInsufficientBalance},
			wantStatus: http.StatusPaymentRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, tt.svc)

			body, _ := json.Marshal(investmentRequest{
				PackageID: 1,
				Amount:    decimal.RequireFromString("500.00"),
			})

			req := httptest.NewRequest(http.MethodPost, "/api/user/investments", bytes.NewReader(body))
			req.AddCookie(authCookie(t, h, 1))
			rec := httptest.NewRecorder()

			h.SetupRouter().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestCreateInvestment_RejectsBadAmount(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(map[string]any{
		"package_id": 1,
		"amount":     "-5",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/investments", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 1))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestCancelInvestment_OutsideWindow(t *testing.T) {
	svc := &stubService{
		cancelErr: repository.ErrNotCancellable,
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/user/investments/"+uuid.NewString()+"/cancel", nil)
	req.AddCookie(authCookie(t, h, 1))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestGetInvestments_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/user/investments", nil)
	req.AddCookie(authCookie(t, h, 1))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestCreateDeposit_InvalidPaymentMethod(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(depositRequest{
		Amount:        decimal.RequireFromString("200.00"),
		PaymentMethod: "paypal",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/deposits", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 1))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestCreateWithdrawal_InsufficientBalance(t *testing.T) {
	svc := &stubService{
		withdrawalErr: repository.ErrInsufficientBalance,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(withdrawalRequest{
		Amount:        decimal.RequireFromString("100.00"),
		PaymentMethod: "bitcoin",
		WalletAddress: "bc1qexampleaddress",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/withdrawals", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 1))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusPaymentRequired)
	}
}

func TestGetTransactions_WithSummary(t *testing.T) {
	svc := &stubService{
		transactionsResp: []model.Transaction{
			{
				ID:     uuid.New(),
				Type:   model.TransactionTypeDeposit,
				Amount: decimal.RequireFromString("200.00"),
				Status: model.TransactionStatusCompleted,
			},
		},
		summaryResp: &model.TransactionSummary{
			TotalDeposits: decimal.RequireFromString("200.00"),
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/user/transactions", nil)
	req.AddCookie(authCookie(t, h, 1))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp transactionsResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Transactions) != 1 {
		t.Fatalf("transactions = %d, want 1", len(resp.Transactions))
	}
	if resp.Summary == nil || !resp.Summary.TotalDeposits.Equal(decimal.RequireFromString("200.00")) {
		t.Fatalf("unexpected summary: %+v", resp.Summary)
	}
}

func TestGetTransactions_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/user/transactions", nil)
	req.AddCookie(authCookie(t, h, 1))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestGetPackages_Public(t *testing.T) {
	svc := &stubService{
		packagesResp: []model.Package{
			{
				ID:           1,
				Name:         "Starter",
				MinAmount:    decimal.RequireFromString("100"),
				MaxAmount:    decimal.RequireFromString("1000"),
				ReturnRate:   decimal.RequireFromString("10"),
				DurationDays: 30,
				RiskLevel:    "low",
			},
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/packages", nil)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var pkgs []packageResponse
	if err := json.NewDecoder(res.Body).Decode(&pkgs); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(pkgs) != 1 || pkgs[0].Name != "Starter" {
		t.Fatalf("unexpected packages response: %+v", pkgs)
	}
}
