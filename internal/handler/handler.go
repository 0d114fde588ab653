// Package handler содержит HTTP-обработчики API инвестиционной платформы.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/investgate/internal/middleware"
	"github.com/mmeshcher/investgate/internal/model"
	"github.com/mmeshcher/investgate/internal/prices"
	"github.com/mmeshcher/investgate/internal/repository"
	"github.com/mmeshcher/investgate/internal/service"
	"github.com/mmeshcher/investgate/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password, referrerLogin string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	ListPackages(ctx context.Context) ([]model.Package, error)
	CreateInvestment(ctx context.Context, userID, packageID int64, amount decimal.Decimal) (*model.Investment, error)
	CancelInvestment(ctx context.Context, investmentID uuid.UUID, userID int64) (*model.Investment, error)
	ListInvestments(ctx context.Context, userID int64) ([]model.Investment, error)
	CreateDepositRequest(ctx context.Context, userID int64, amount decimal.Decimal, paymentMethod string) (*model.Transaction, error)
	CreateWithdrawalRequest(ctx context.Context, userID int64, amount decimal.Decimal, paymentMethod, destination string) (*model.Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID, userID int64) (*model.Transaction, error)
	ListTransactions(ctx context.Context, userID int64, txType, status string) ([]model.Transaction, error)
	GetTransactionSummary(ctx context.Context, userID int64) (*model.TransactionSummary, error)
	TransitionTransactionStatus(ctx context.Context, id uuid.UUID, newStatus model.TransactionStatus, actor, notes, txHash string) (*model.Transaction, error)
	ConfirmCryptoDeposit(ctx context.Context, address, txHash string, amount decimal.Decimal, confirmations int) (*model.Transaction, error)
	RunMaturityBatch(ctx context.Context) (*service.MaturityResult, error)
}

// PriceProvider запрашивает котировки криптовалют.
type PriceProvider interface {
	GetQuotes(ctx context.Context, symbols []string) (map[string]prices.Quote, error)
}

// Handler реализует HTTP-обработчики API инвестиционной платформы.
type Handler struct {
	service        Service
	priceProvider  PriceProvider
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	adminToken     string
	webhookSecret  string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, pp PriceProvider, logger *zap.Logger, auth *middleware.AuthMiddleware, adminToken, webhookSecret string) *Handler {
	return &Handler{
		service:        s,
		priceProvider:  pp,
		logger:         logger,
		authMiddleware: auth,
		adminToken:     adminToken,
		webhookSecret:  webhookSecret,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Referrer string `json:"referrer,omitempty"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Login == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "login and password are required")
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password, req.Referrer)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrUserExists):
			writeError(w, http.StatusConflict, "user already exists")
		case errors.Is(err, repository.ErrUserNotFound):
			writeError(w, http.StatusBadRequest, "referrer not found")
		default:
			h.logger.Error("register user error", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "registration failed")
		}
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Login == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "login and password are required")
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// GetBalance возвращает состояние счёта текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusInternalServerError, "failed to fetch balance")
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

type packageResponse struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	MinAmount    decimal.Decimal `json:"min_amount"`
	MaxAmount    decimal.Decimal `json:"max_amount"`
	ReturnRate   decimal.Decimal `json:"return_rate"`
	DurationDays int             `json:"duration_days"`
	RiskLevel    string          `json:"risk_level"`
}

// GetPackages возвращает активные инвестиционные пакеты.
func (h *Handler) GetPackages(w http.ResponseWriter, r *http.Request) {
	pkgs, err := h.service.ListPackages(r.Context())
	if err != nil {
		h.logger.Error("get packages error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch packages")
		return
	}

	resp := make([]packageResponse, 0, len(pkgs))
	for _, p := range pkgs {
		resp = append(resp, packageResponse{
			ID:           p.ID,
			Name:         p.Name,
			MinAmount:    p.MinAmount,
			MaxAmount:    p.MaxAmount,
			ReturnRate:   p.ReturnRate,
			DurationDays: p.DurationDays,
			RiskLevel:    p.RiskLevel,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type investmentRequest struct {
	PackageID int64           `json:"package_id"`
	Amount    decimal.Decimal `json:"amount"`
}

type investmentResponse struct {
	ID             string          `json:"id"`
	PackageID      int64           `json:"package_id"`
	PackageName    string          `json:"package_name"`
	Amount         decimal.Decimal `json:"amount"`
	ExpectedReturn decimal.Decimal `json:"expected_return"`
	CurrentValue   decimal.Decimal `json:"current_value"`
	Status         string          `json:"status"`
	StartDate      string          `json:"start_date"`
	EndDate        string          `json:"end_date"`
}

func toInvestmentResponse(inv *model.Investment) investmentResponse {
	return investmentResponse{
		ID:             inv.ID.String(),
		PackageID:      inv.PackageID,
		PackageName:    inv.PackageName,
		Amount:         inv.Amount,
		ExpectedReturn: inv.ExpectedReturn,
		CurrentValue:   inv.CurrentValue,
		Status:         string(inv.Status),
		StartDate:      inv.StartDate.Format(time.RFC3339),
		EndDate:        inv.EndDate.Format(time.RFC3339),
	}
}

// CreateInvestment создаёт инвестицию текущего пользователя.
func (h *Handler) CreateInvestment(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req investmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !validation.IsValidAmount(req.Amount) {
		writeError(w, http.StatusBadRequest, "amount must be positive with at most two decimal places")
		return
	}

	inv, err := h.service.CreateInvestment(r.Context(), userID, req.PackageID, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrPackageNotFound):
			writeError(w, http.StatusNotFound, "investment package not found")
		case errors.Is(err, service.ErrInvalidAmount):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, repository.ErrInsufficientBalance):
			writeError(w, http.StatusPaymentRequired, "insufficient balance")
		default:
			h.logger.Error("create investment error", zap.Error(err), zap.Int64("userID", userID))
			writeError(w, http.StatusInternalServerError, "failed to create investment")
		}
		return
	}

	writeJSON(w, http.StatusCreated, toInvestmentResponse(inv))
}

// GetInvestments возвращает инвестиции текущего пользователя.
func (h *Handler) GetInvestments(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	invs, err := h.service.ListInvestments(r.Context(), userID)
	if err != nil {
		h.logger.Error("get investments error", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusInternalServerError, "failed to fetch investments")
		return
	}

	if len(invs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]investmentResponse, 0, len(invs))
	for i := range invs {
		resp = append(resp, toInvestmentResponse(&invs[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// CancelInvestment отменяет активную инвестицию текущего пользователя.
func (h *Handler) CancelInvestment(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	investmentID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid investment id")
		return
	}

	inv, err := h.service.CancelInvestment(r.Context(), investmentID, userID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrInvestmentNotFound):
			writeError(w, http.StatusNotFound, "investment not found")
		case errors.Is(err, repository.ErrNotCancellable):
			writeError(w, http.StatusConflict, "investments can only be cancelled within 24 hours of creation")
		default:
			h.logger.Error("cancel investment error", zap.Error(err), zap.Int64("userID", userID))
			writeError(w, http.StatusInternalServerError, "failed to cancel investment")
		}
		return
	}

	writeJSON(w, http.StatusOK, toInvestmentResponse(inv))
}

type depositRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
}

type transactionResponse struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Status          string          `json:"status"`
	Description     string          `json:"description"`
	ReferenceID     string          `json:"reference_id,omitempty"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
	WalletAddress   string          `json:"wallet_address,omitempty"`
	Fees            decimal.Decimal `json:"fees"`
	TransactionHash string          `json:"transaction_hash,omitempty"`
	CreatedAt       string          `json:"created_at"`
}

func toTransactionResponse(t *model.Transaction) transactionResponse {
	return transactionResponse{
		ID:              t.ID.String(),
		Type:            string(t.Type),
		Amount:          t.Amount,
		Currency:        t.Currency,
		Status:          string(t.Status),
		Description:     t.Description,
		ReferenceID:     t.ReferenceID,
		PaymentMethod:   t.PaymentMethod,
		WalletAddress:   t.WalletAddress,
		Fees:            t.Fees,
		TransactionHash: t.TransactionHash,
		CreatedAt:       t.CreatedAt.Format(time.RFC3339),
	}
}

// CreateDeposit создаёт запрос на пополнение счёта.
func (h *Handler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !validation.IsValidAmount(req.Amount) {
		writeError(w, http.StatusBadRequest, "amount must be positive with at most two decimal places")
		return
	}
	if !validation.IsValidPaymentMethod(req.PaymentMethod) {
		writeError(w, http.StatusBadRequest, "invalid payment method")
		return
	}

	t, err := h.service.CreateDepositRequest(r.Context(), userID, req.Amount, req.PaymentMethod)
	if err != nil {
		if errors.Is(err, service.ErrAmountTooLow) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("create deposit error", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusInternalServerError, "failed to create deposit request")
		return
	}

	writeJSON(w, http.StatusCreated, toTransactionResponse(t))
}

type withdrawalRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	WalletAddress string          `json:"wallet_address"`
}

// CreateWithdrawal создаёт запрос на вывод средств. Сумма с комиссией
// удерживается с баланса немедленно.
func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req withdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !validation.IsValidAmount(req.Amount) {
		writeError(w, http.StatusBadRequest, "amount must be positive with at most two decimal places")
		return
	}
	if !validation.IsValidPaymentMethod(req.PaymentMethod) {
		writeError(w, http.StatusBadRequest, "invalid payment method")
		return
	}
	if req.PaymentMethod != "bank_transfer" && !validation.IsValidWalletAddress(req.WalletAddress) {
		writeError(w, http.StatusBadRequest, "invalid wallet address")
		return
	}

	t, err := h.service.CreateWithdrawalRequest(r.Context(), userID, req.Amount, req.PaymentMethod, req.WalletAddress)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAmountTooLow):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, repository.ErrInsufficientBalance):
			writeError(w, http.StatusPaymentRequired, "insufficient balance")
		default:
			h.logger.Error("create withdrawal error", zap.Error(err), zap.Int64("userID", userID))
			writeError(w, http.StatusInternalServerError, "failed to create withdrawal request")
		}
		return
	}

	writeJSON(w, http.StatusCreated, toTransactionResponse(t))
}

type transactionsResponse struct {
	Transactions []transactionResponse     `json:"transactions"`
	Summary      *model.TransactionSummary `json:"summary"`
}

// GetTransactions возвращает операции текущего пользователя вместе с агрегатами.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	txs, err := h.service.ListTransactions(r.Context(), userID, r.URL.Query().Get("type"), r.URL.Query().Get("status"))
	if err != nil {
		h.logger.Error("get transactions error", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusInternalServerError, "failed to fetch transactions")
		return
	}

	if len(txs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	summary, err := h.service.GetTransactionSummary(r.Context(), userID)
	if err != nil {
		h.logger.Error("get transaction summary error", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusInternalServerError, "failed to fetch transactions")
		return
	}

	resp := transactionsResponse{
		Transactions: make([]transactionResponse, 0, len(txs)),
		Summary:      summary,
	}
	for i := range txs {
		resp.Transactions = append(resp.Transactions, toTransactionResponse(&txs[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetTransaction возвращает одну операцию текущего пользователя.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid transaction id")
		return
	}

	t, err := h.service.GetTransaction(r.Context(), id, userID)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			writeError(w, http.StatusNotFound, "transaction not found")
			return
		}
		h.logger.Error("get transaction error", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusInternalServerError, "failed to fetch transaction")
		return
	}

	writeJSON(w, http.StatusOK, toTransactionResponse(t))
}

// GetPrices возвращает текущие котировки криптовалют.
func (h *Handler) GetPrices(w http.ResponseWriter, r *http.Request) {
	if h.priceProvider == nil {
		writeError(w, http.StatusServiceUnavailable, "price service is not configured")
		return
	}

	quotes, err := h.priceProvider.GetQuotes(r.Context(), prices.DefaultSymbols)
	if err != nil {
		h.logger.Error("get prices error", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to fetch prices")
		return
	}

	writeJSON(w, http.StatusOK, quotes)
}
