package notification

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type recordingSender struct {
	mu     sync.Mutex
	events []Event
	err    error
	done   chan struct{}
}

func (s *recordingSender) Send(ctx context.Context, ev Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	if s.done != nil {
		s.done <- struct{}{}
	}
	return s.err
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestWorker_DeliversQueuedEvents(t *testing.T) {
	sender := &recordingSender{done: make(chan struct{}, 2)}
	w := NewWorker(sender, nil, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	w.Notify(Event{Kind: KindDepositConfirmed, UserID: 1, Amount: decimal.NewFromInt(100)})
	w.Notify(Event{Kind: KindInvestmentMatured, UserID: 2, Amount: decimal.NewFromInt(220)})

	for i := 0; i < 2; i++ {
		select {
		case <-sender.done:
		case <-time.After(time.Second):
			t.Fatalf("event %d was not delivered", i)
		}
	}

	if sender.count() != 2 {
		t.Fatalf("delivered = %d, want 2", sender.count())
	}
}

func TestWorker_DropsWhenQueueFull(t *testing.T) {
	// Воркер не запущен: очередь не вычитывается.
	w := NewWorker(&recordingSender{}, nil, 1)

	w.Notify(Event{Kind: KindDepositConfirmed, UserID: 1})
	w.Notify(Event{Kind: KindDepositConfirmed, UserID: 2})

	if len(w.queue) != 1 {
		t.Fatalf("queue length = %d, want 1", len(w.queue))
	}
}

func TestWorker_SenderErrorDoesNotStopProcessing(t *testing.T) {
	sender := &recordingSender{
		err:  errors.New("smtp unavailable"),
		done: make(chan struct{}, 2),
	}
	w := NewWorker(sender, nil, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	w.Notify(Event{Kind: KindWithdrawalRequested, UserID: 1})
	w.Notify(Event{Kind: KindWithdrawalRequested, UserID: 2})

	for i := 0; i < 2; i++ {
		select {
		case <-sender.done:
		case <-time.After(time.Second):
			t.Fatalf("event %d was not attempted after a send failure", i)
		}
	}
}

func TestEventSubjectAndBody(t *testing.T) {
	ev := Event{
		Kind:   KindInvestmentMatured,
		UserID: 1,
		Amount: decimal.RequireFromString("2200.00"),
		Detail: "Premium",
	}

	if ev.Subject() == "" {
		t.Fatalf("expected non-empty subject")
	}
	if !strings.Contains(ev.Body(), "2200") || !strings.Contains(ev.Body(), "Premium") {
		t.Fatalf("body must mention amount and package, got %q", ev.Body())
	}
}
