package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/investgate/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware инвестиционной платформы.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/balance", h.GetBalance)

			r.Post("/deposits", h.CreateDeposit)
			r.Post("/withdrawals", h.CreateWithdrawal)

			r.Get("/transactions", h.GetTransactions)
			r.Get("/transactions/{id}", h.GetTransaction)

			r.Post("/investments", h.CreateInvestment)
			r.Get("/investments", h.GetInvestments)
			r.Post("/investments/{id}/cancel", h.CancelInvestment)
		})
	})

	r.Get("/api/packages", h.GetPackages)

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)
		r.Get("/api/prices", h.GetPrices)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(custommiddleware.AdminAuth(h.adminToken))

		r.Put("/transactions/{id}/status", h.TransitionTransaction)
		r.Post("/maturity/run", h.RunMaturity)
	})

	r.Group(func(r chi.Router) {
		r.Use(custommiddleware.VerifyWebhook(h.webhookSecret))
		r.Post("/api/webhooks/crypto-deposit", h.CryptoDepositWebhook)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
