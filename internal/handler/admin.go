package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/investgate/internal/model"
	"github.com/mmeshcher/investgate/internal/repository"
	"github.com/mmeshcher/investgate/internal/service"
)

type transitionRequest struct {
	Status          string `json:"status"`
	Notes           string `json:"notes,omitempty"`
	TransactionHash string `json:"transaction_hash,omitempty"`
}

// TransitionTransaction переводит операцию в новый статус от имени администратора.
// Повторный перевод уже завершённой операции возвращает конфликт.
func (h *Handler) TransitionTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid transaction id")
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t, err := h.service.TransitionTransactionStatus(r.Context(), id, model.TransactionStatus(req.Status), "admin", req.Notes, req.TransactionHash)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTransactionNotFound):
			writeError(w, http.StatusNotFound, "transaction not found")
		case errors.Is(err, repository.ErrInvalidTransition):
			writeError(w, http.StatusBadRequest, "invalid status transition")
		case errors.Is(err, repository.ErrAlreadyProcessed):
			writeError(w, http.StatusConflict, "transaction already processed")
		default:
			h.logger.Error("transition transaction error", zap.Error(err), zap.String("transactionID", id.String()))
			writeError(w, http.StatusInternalServerError, "failed to update transaction")
		}
		return
	}

	writeJSON(w, http.StatusOK, toTransactionResponse(t))
}

type maturityResponse struct {
	Processed   int             `json:"processed"`
	TotalPayout decimal.Decimal `json:"total_payout"`
}

// RunMaturity принудительно запускает обработку созревших инвестиций.
func (h *Handler) RunMaturity(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.RunMaturityBatch(r.Context())
	if err != nil {
		h.logger.Error("run maturity error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "maturity run failed")
		return
	}

	writeJSON(w, http.StatusOK, maturityResponse{
		Processed:   result.Processed,
		TotalPayout: result.TotalPayout,
	})
}

type cryptoDepositRequest struct {
	Address         string          `json:"address"`
	Amount          decimal.Decimal `json:"amount"`
	Confirmations   int             `json:"confirmations"`
	TransactionHash string          `json:"tx_hash"`
}

// CryptoDepositWebhook обрабатывает уведомление платёжного шлюза о входящем
// криптоплатеже. Повторная доставка и недостаточное число подтверждений
// подтверждаются без изменения состояния. После первой успешной доставки
// ожидающей операции по адресу больше нет, поэтому ненайденная операция
// тоже подтверждается, а не возвращает ошибку: иначе шлюз будет повторять
// уже обработанный вебхук бесконечно.
func (h *Handler) CryptoDepositWebhook(w http.ResponseWriter, r *http.Request) {
	var req cryptoDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Address == "" || req.TransactionHash == "" {
		writeError(w, http.StatusBadRequest, "address and tx_hash are required")
		return
	}

	t, err := h.service.ConfirmCryptoDeposit(r.Context(), req.Address, req.TransactionHash, req.Amount, req.Confirmations)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotEnoughConfirmations):
			writeJSON(w, http.StatusOK, map[string]string{"status": "awaiting_confirmations"})
		case errors.Is(err, repository.ErrAlreadyProcessed), errors.Is(err, repository.ErrTransactionNotFound):
			writeJSON(w, http.StatusOK, map[string]string{"status": "already_processed"})
		case errors.Is(err, service.ErrAmountMismatch):
			writeError(w, http.StatusBadRequest, "amount does not match the pending deposit")
		default:
			h.logger.Error("crypto deposit webhook error", zap.Error(err), zap.String("address", req.Address))
			writeError(w, http.StatusInternalServerError, "failed to process deposit notification")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":         "confirmed",
		"transaction_id": t.ID.String(),
	})
}
