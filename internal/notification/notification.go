// Package notification реализует отправку уведомлений пользователям.
//
// События ставятся в очередь после фиксации атомарной операции и обрабатываются
// отдельной горутиной: сбой отправки логируется и никогда не влияет на операцию,
// породившую событие.
package notification

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Kind описывает вид уведомления.
type Kind string

const (
	KindInvestmentCreated   Kind = "investment_created"
	KindInvestmentMatured   Kind = "investment_matured"
	KindDepositConfirmed    Kind = "deposit_confirmed"
	KindWithdrawalRequested Kind = "withdrawal_requested"
)

// Event описывает событие, о котором нужно уведомить пользователя.
type Event struct {
	Kind   Kind
	UserID int64
	Amount decimal.Decimal
	Detail string
}

// Sender выполняет фактическую доставку уведомления.
type Sender interface {
	Send(ctx context.Context, ev Event) error
}

// Worker принимает события в буферизованную очередь и доставляет их в фоне.
type Worker struct {
	sender Sender
	logger *zap.Logger
	queue  chan Event
}

// NewWorker создаёт воркер с очередью указанного размера.
func NewWorker(sender Sender, logger *zap.Logger, queueSize int) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 128
	}
	return &Worker{
		sender: sender,
		logger: logger,
		queue:  make(chan Event, queueSize),
	}
}

// Notify ставит событие в очередь. При переполненной очереди событие
// отбрасывается с записью в лог: уведомления не critical-path.
func (w *Worker) Notify(ev Event) {
	select {
	case w.queue <- ev:
	default:
		w.logger.Warn("notification queue full, dropping event",
			zap.String("kind", string(ev.Kind)),
			zap.Int64("userID", ev.UserID),
		)
	}
}

// Start запускает обработку очереди до отмены контекста.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-w.queue:
				if w.sender == nil {
					continue
				}
				if err := w.sender.Send(ctx, ev); err != nil {
					w.logger.Error("notification send failed",
						zap.String("kind", string(ev.Kind)),
						zap.Int64("userID", ev.UserID),
						zap.Error(err),
					)
				}
			}
		}
	}()
}

// Subject возвращает тему письма для события.
func (ev Event) Subject() string {
	switch ev.Kind {
	case KindInvestmentCreated:
		return "Investment confirmation"
	case KindInvestmentMatured:
		return "Investment completed"
	case KindDepositConfirmed:
		return "Deposit confirmed"
	case KindWithdrawalRequested:
		return "Withdrawal request received"
	}
	return string(ev.Kind)
}

// Body возвращает текст письма для события.
func (ev Event) Body() string {
	switch ev.Kind {
	case KindInvestmentCreated:
		return fmt.Sprintf("Your investment of %s in %s has been created.", ev.Amount, ev.Detail)
	case KindInvestmentMatured:
		return fmt.Sprintf("Your investment in %s has matured. %s has been credited to your balance.", ev.Detail, ev.Amount)
	case KindDepositConfirmed:
		return fmt.Sprintf("Your deposit of %s has been confirmed and credited.", ev.Amount)
	case KindWithdrawalRequested:
		return fmt.Sprintf("Your withdrawal request of %s via %s is pending review.", ev.Amount, ev.Detail)
	}
	return ""
}
