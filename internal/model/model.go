// Package model содержит доменные сущности инвестиционной платформы.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User представляет зарегистрированного пользователя и его счёт.
type User struct {
	ID             int64
	Login          string
	PasswordHash   []byte
	AccountBalance decimal.Decimal
	TotalInvested  decimal.Decimal
	TotalProfit    decimal.Decimal
	ReferredBy     *int64
	CreatedAt      time.Time
}

// Package описывает инвестиционный пакет с фиксированными условиями.
type Package struct {
	ID           int64
	Name         string
	MinAmount    decimal.Decimal
	MaxAmount    decimal.Decimal
	ReturnRate   decimal.Decimal
	DurationDays int
	RiskLevel    string
	IsActive     bool
}

// InvestmentStatus описывает статус инвестиции.
type InvestmentStatus string

const (
	InvestmentStatusActive    InvestmentStatus = "active"
	InvestmentStatusCompleted InvestmentStatus = "completed"
	InvestmentStatusCancelled InvestmentStatus = "cancelled"
)

// Investment описывает инвестицию пользователя в пакет.
// ExpectedReturn и EndDate фиксируются при создании и не меняются
// при последующем редактировании пакета.
type Investment struct {
	ID             uuid.UUID
	UserID         int64
	PackageID      int64
	PackageName    string
	Amount         decimal.Decimal
	ExpectedReturn decimal.Decimal
	CurrentValue   decimal.Decimal
	Status         InvestmentStatus
	StartDate      time.Time
	EndDate        time.Time
	CreatedAt      time.Time
}

// Matured сообщает, истёк ли срок активной инвестиции к моменту now.
func (i *Investment) Matured(now time.Time) bool {
	return i.Status == InvestmentStatusActive && !i.EndDate.After(now)
}

// TransactionType описывает тип операции по счёту.
// Суммы всех операций хранятся как неотрицательные величины,
// направление движения средств определяется типом.
type TransactionType string

const (
	TransactionTypeDeposit    TransactionType = "deposit"
	TransactionTypeWithdrawal TransactionType = "withdrawal"
	TransactionTypeInvestment TransactionType = "investment"
	TransactionTypePayout     TransactionType = "payout"
	TransactionTypeReferral   TransactionType = "referral"
	TransactionTypeRefund     TransactionType = "refund"
)

// TransactionStatus описывает статус операции.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusCancelled TransactionStatus = "cancelled"
)

// Valid сообщает, является ли значение допустимым статусом операции.
func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionStatusPending, TransactionStatusCompleted,
		TransactionStatusFailed, TransactionStatusCancelled:
		return true
	}
	return false
}

// Terminal сообщает, является ли статус конечным.
func (s TransactionStatus) Terminal() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusFailed || s == TransactionStatusCancelled
}

// CanTransitionTo проверяет допустимость перехода между статусами.
// Разрешены только переходы pending -> completed/failed/cancelled.
func (s TransactionStatus) CanTransitionTo(to TransactionStatus) bool {
	return s == TransactionStatusPending && to.Valid() && to != TransactionStatusPending
}

// Transaction описывает операцию по счёту пользователя.
type Transaction struct {
	ID              uuid.UUID
	UserID          int64
	Type            TransactionType
	Amount          decimal.Decimal
	Currency        string
	Status          TransactionStatus
	Description     string
	ReferenceID     string
	PaymentMethod   string
	WalletAddress   string
	Fees            decimal.Decimal
	Notes           string
	TransactionHash string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Balance содержит состояние счёта пользователя.
type Balance struct {
	AccountBalance decimal.Decimal `json:"account_balance"`
	TotalInvested  decimal.Decimal `json:"total_invested"`
	TotalProfit    decimal.Decimal `json:"total_profit"`
}

// TransactionSummary содержит агрегаты по завершённым операциям пользователя.
type TransactionSummary struct {
	TotalDeposits       decimal.Decimal `json:"total_deposits"`
	TotalWithdrawals    decimal.Decimal `json:"total_withdrawals"`
	TotalInvestments    decimal.Decimal `json:"total_investments"`
	PendingTransactions int             `json:"pending_transactions"`
}

// AuditEntry описывает запись журнала аудита. Журнал только дополняется.
type AuditEntry struct {
	ID         uuid.UUID
	Actor      string
	Action     string
	EntityType string
	EntityID   string
	OldValues  []byte
	NewValues  []byte
	CreatedAt  time.Time
}
