package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/investgate/internal/model"
	"github.com/mmeshcher/investgate/internal/notification"
	"github.com/mmeshcher/investgate/internal/repository"
)

func TestRunMaturityBatch_PaysOutAllMatured(t *testing.T) {
	first := uuid.New()
	second := uuid.New()

	payouts := map[uuid.UUID]decimal.Decimal{
		first:  decimal.RequireFromString("2200.00"),
		second: decimal.RequireFromString("550.00"),
	}

	repo := &stubRepo{
		matured: []model.Investment{
			{ID: first, UserID: 1, PackageName: "Premium"},
			{ID: second, UserID: 2, PackageName: "Starter"},
		},
		payoutFn: func(id uuid.UUID) (decimal.Decimal, int64, error) {
			return payouts[id], 1, nil
		},
	}
	notifier := &recordingNotifier{}
	svc := NewService(repo, notifier, testSettings(), nil)

	res, err := svc.RunMaturityBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Processed != 2 {
		t.Fatalf("expected 2 processed investments, got %d", res.Processed)
	}
	if !res.TotalPayout.Equal(decimal.RequireFromString("2750.00")) {
		t.Fatalf("expected total payout 2750.00, got %s", res.TotalPayout)
	}
	if len(notifier.events) != 2 {
		t.Fatalf("expected 2 maturity notifications, got %d", len(notifier.events))
	}
	if notifier.events[0].Kind != notification.KindInvestmentMatured {
		t.Fatalf("expected maturity event, got %s", notifier.events[0].Kind)
	}
}

func TestRunMaturityBatch_SkipsAlreadyProcessed(t *testing.T) {
	first := uuid.New()
	second := uuid.New()

	repo := &stubRepo{
		matured: []model.Investment{
			{ID: first, UserID: 1},
			{ID: second, UserID: 2},
		},
		payoutFn: func(id uuid.UUID) (decimal.Decimal, int64, error) {
			if id == first {
				return decimal.Zero, 0, repository.ErrAlreadyProcessed
			}
			return decimal.RequireFromString("110.00"), 2, nil
		},
	}
	svc := NewService(repo, nil, testSettings(), nil)

	res, err := svc.RunMaturityBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Processed != 1 {
		t.Fatalf("already processed investment must be skipped, got %d processed", res.Processed)
	}
	if !res.TotalPayout.Equal(decimal.RequireFromString("110.00")) {
		t.Fatalf("expected total payout 110.00, got %s", res.TotalPayout)
	}
}

func TestRunMaturityBatch_ContinuesAfterFailure(t *testing.T) {
	first := uuid.New()
	second := uuid.New()

	repo := &stubRepo{
		matured: []model.Investment{
			{ID: first, UserID: 1},
			{ID: second, UserID: 2},
		},
		payoutFn: func(id uuid.UUID) (decimal.Decimal, int64, error) {
			if id == first {
				return decimal.Zero, 0, errors.New("connection reset")
			}
			return decimal.RequireFromString("220.00"), 2, nil
		},
	}
	svc := NewService(repo, nil, testSettings(), nil)

	res, err := svc.RunMaturityBatch(context.Background())
	if err != nil {
		t.Fatalf("batch must not fail because of a single payout error: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("expected remaining investment to be processed, got %d", res.Processed)
	}
}

func TestRunMaturityBatch_SingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	repo := &stubRepo{
		matured: []model.Investment{{ID: uuid.New(), UserID: 1}},
		payoutFn: func(id uuid.UUID) (decimal.Decimal, int64, error) {
			close(started)
			<-release
			return decimal.RequireFromString("110.00"), 1, nil
		},
	}
	svc := NewService(repo, nil, testSettings(), nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := svc.RunMaturityBatch(context.Background()); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}()

	<-started

	res, err := svc.RunMaturityBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Processed != 0 {
		t.Fatalf("concurrent run must be skipped, got %d processed", res.Processed)
	}

	close(release)
	wg.Wait()
}

func TestRunMaturityBatch_ListError(t *testing.T) {
	repo := &stubRepo{maturedErr: errors.New("db down")}
	svc := NewService(repo, nil, testSettings(), nil)

	if _, err := svc.RunMaturityBatch(context.Background()); err == nil {
		t.Fatalf("expected error when listing matured investments fails")
	}
}
