package service

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/investgate/internal/notification"
	"github.com/mmeshcher/investgate/internal/repository"
)

// MaturityResult содержит итоги прогона обработки созревших инвестиций.
type MaturityResult struct {
	Processed   int             `json:"processed"`
	TotalPayout decimal.Decimal `json:"total_payout"`
}

// RunMaturityBatch находит активные инвестиции с истёкшим сроком и выплачивает
// по каждой тело и доход. Каждая инвестиция обрабатывается в отдельной
// атомарной операции: сбой одной не останавливает остальные.
//
// Одновременно выполняется не больше одного прогона; параллельный вызов
// возвращает нулевой результат без обработки.
func (s *Service) RunMaturityBatch(ctx context.Context) (*MaturityResult, error) {
	select {
	case <-s.maturityGuard:
		defer func() { s.maturityGuard <- struct{}{} }()
	default:
		s.logger.Info("maturity batch already running, skipping")
		return &MaturityResult{TotalPayout: decimal.Zero}, nil
	}

	matured, err := s.repo.ListMaturedInvestments(ctx)
	if err != nil {
		return nil, err
	}

	res := &MaturityResult{TotalPayout: decimal.Zero}

	for _, inv := range matured {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		payout, userID, err := s.repo.PayoutInvestment(ctx, inv.ID)
		if err != nil {
			// Инвестицию могли завершить между выборкой и выплатой.
			if errors.Is(err, repository.ErrAlreadyProcessed) {
				continue
			}
			s.logger.Error("maturity payout failed",
				zap.String("investment", inv.ID.String()),
				zap.Int64("userID", inv.UserID),
				zap.Error(err),
			)
			continue
		}

		res.Processed++
		res.TotalPayout = res.TotalPayout.Add(payout)

		s.notify(notification.Event{
			Kind:   notification.KindInvestmentMatured,
			UserID: userID,
			Amount: payout,
			Detail: inv.PackageName,
		})
	}

	if res.Processed > 0 {
		s.logger.Info("maturity batch completed",
			zap.Int("processed", res.Processed),
			zap.String("totalPayout", res.TotalPayout.String()),
		)
	}

	return res, nil
}

// StartMaturityScheduler запускает периодический прогон обработки созревших
// инвестиций с указанным интервалом и возвращает функцию остановки.
func (s *Service) StartMaturityScheduler(ctx context.Context, interval time.Duration) func() {
	c := cron.New()

	_, err := c.AddFunc("@every "+interval.String(), func() {
		if _, err := s.RunMaturityBatch(ctx); err != nil {
			s.logger.Error("maturity batch error", zap.Error(err))
		}
	})
	if err != nil {
		s.logger.Error("schedule maturity batch", zap.Error(err))
		return func() {}
	}

	c.Start()
	s.logger.Info("maturity scheduler started", zap.Duration("interval", interval))

	return func() {
		stopCtx := c.Stop()
		<-stopCtx.Done()
	}
}
