// Package main запускает HTTP-сервер инвестиционной платформы.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/investgate/internal/config"
	"github.com/mmeshcher/investgate/internal/handler"
	"github.com/mmeshcher/investgate/internal/middleware"
	"github.com/mmeshcher/investgate/internal/notification"
	"github.com/mmeshcher/investgate/internal/prices"
	"github.com/mmeshcher/investgate/internal/repository"
	"github.com/mmeshcher/investgate/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sender notification.Sender
	if cfg.SMTPAddress != "" {
		sender = notification.NewSMTPSender(cfg.SMTPAddress, cfg.SMTPFrom, repo.GetUserLogin)
	}
	notifier := notification.NewWorker(sender, logger, 0)
	notifier.Start(ctx)

	settings := service.Settings{
		MinDeposit:             cfg.MinDeposit(),
		MinWithdrawal:          cfg.MinWithdrawal(),
		WithdrawalFeePct:       cfg.WithdrawalFeePct(),
		ReferralBonusPct:       cfg.ReferralBonusPct(),
		MinCryptoConfirmations: cfg.MinCryptoConfirmations,
	}

	svc := service.NewService(repo, notifier, settings, logger)
	defer svc.Close()

	var priceProvider handler.PriceProvider
	if cfg.PriceAPIAddress != "" {
		priceProvider = prices.NewClient(cfg.PriceAPIAddress, cfg.PriceAPIKey)
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, priceProvider, logger, authMiddleware, cfg.AdminToken, cfg.WebhookSecret)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Запуск планировщика выплат по созревшим инвестициям
	stopScheduler := svc.StartMaturityScheduler(ctx, cfg.MaturityInterval)
	defer stopScheduler()

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting investgate server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
