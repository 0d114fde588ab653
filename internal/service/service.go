// Package service реализует бизнес-логику инвестиционной платформы.
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/investgate/internal/model"
	"github.com/mmeshcher/investgate/internal/notification"
	"github.com/mmeshcher/investgate/internal/repository"
)

// ErrInvalidAmount возвращается, если сумма вне допустимых границ пакета.
var (
	ErrInvalidAmount = errors.New("amount is out of package bounds")
	// ErrAmountTooLow возвращается, если сумма меньше настроенного минимума.
	ErrAmountTooLow = errors.New("amount is below the minimum")
	// ErrInvalidCredentials возвращается при неверном логине или пароле.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNotEnoughConfirmations возвращается, если у вебхука недостаточно подтверждений сети.
	ErrNotEnoughConfirmations = errors.New("not enough confirmations")
	// ErrAmountMismatch возвращается, если полученная в сети сумма меньше суммы
	// ожидающего пополнения.
	ErrAmountMismatch = errors.New("deposit amount mismatch")
)

// CancelWindow задаёт окно, в течение которого инвестицию можно отменить.
const CancelWindow = 24 * time.Hour

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte, referredBy *int64) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	ListActivePackages(ctx context.Context) ([]model.Package, error)
	GetPackage(ctx context.Context, id int64) (*model.Package, error)
	CreateInvestment(ctx context.Context, userID int64, pkg *model.Package, amount decimal.Decimal) (*model.Investment, error)
	CancelInvestment(ctx context.Context, investmentID uuid.UUID, userID int64, window time.Duration) (*model.Investment, error)
	ListInvestmentsByUser(ctx context.Context, userID int64) ([]model.Investment, error)
	ListMaturedInvestments(ctx context.Context) ([]model.Investment, error)
	PayoutInvestment(ctx context.Context, investmentID uuid.UUID) (decimal.Decimal, int64, error)
	CreateDeposit(ctx context.Context, userID int64, amount decimal.Decimal, paymentMethod, walletAddress string) (*model.Transaction, error)
	CreateWithdrawal(ctx context.Context, userID int64, amount, fee decimal.Decimal, paymentMethod, destination string) (*model.Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID, userID int64) (*model.Transaction, error)
	ListTransactionsByUser(ctx context.Context, userID int64, txType, status string) ([]model.Transaction, error)
	GetTransactionSummary(ctx context.Context, userID int64) (*model.TransactionSummary, error)
	FindPendingDepositByAddress(ctx context.Context, address string) (*model.Transaction, error)
	TransitionTransaction(ctx context.Context, id uuid.UUID, newStatus model.TransactionStatus, actor, notes, txHash string, referralBonusPct decimal.Decimal) (*model.Transaction, error)
}

// Notifier принимает события для отправки уведомлений после фиксации
// атомарной операции. Сбой доставки не влияет на саму операцию.
type Notifier interface {
	Notify(ev notification.Event)
}

// Settings содержит настраиваемые бизнес-параметры платформы.
type Settings struct {
	MinDeposit             decimal.Decimal
	MinWithdrawal          decimal.Decimal
	WithdrawalFeePct       decimal.Decimal
	ReferralBonusPct       decimal.Decimal
	MinCryptoConfirmations int
}

var hundred = decimal.NewFromInt(100)

// Service содержит бизнес-логику инвестиционной платформы.
type Service struct {
	repo     Repository
	notifier Notifier
	settings Settings
	logger   *zap.Logger

	maturityGuard chan struct{}
}

// NewService создаёт новый сервис с указанным репозиторием и настройками.
func NewService(repo Repository, notifier Notifier, settings Settings, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	guard := make(chan struct{}, 1)
	guard <- struct{}{}
	return &Service{
		repo:          repo,
		notifier:      notifier,
		settings:      settings,
		logger:        logger,
		maturityGuard: guard,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) notify(ev notification.Event) {
	if s.notifier != nil {
		s.notifier.Notify(ev)
	}
}

// RegisterUser регистрирует нового пользователя. referrerLogin может быть пустым;
// при непустом значении новый пользователь привязывается к пригласившему.
func (s *Service) RegisterUser(ctx context.Context, login, password, referrerLogin string) (int64, error) {
	var referredBy *int64
	if referrerLogin != "" {
		referrer, err := s.repo.GetUserByLogin(ctx, referrerLogin)
		if err != nil {
			return 0, fmt.Errorf("resolve referrer: %w", err)
		}
		referredBy = &referrer.ID
	}

	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed, referredBy)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// GetBalance возвращает состояние счёта пользователя.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	return s.repo.GetBalance(ctx, userID)
}

// ListPackages возвращает активные инвестиционные пакеты.
func (s *Service) ListPackages(ctx context.Context) ([]model.Package, error) {
	return s.repo.ListActivePackages(ctx)
}

// CreateInvestment создаёт инвестицию пользователя в пакет.
// Сумма должна лежать в границах пакета, пакет должен быть активен,
// баланс должен покрывать сумму.
func (s *Service) CreateInvestment(ctx context.Context, userID, packageID int64, amount decimal.Decimal) (*model.Investment, error) {
	pkg, err := s.repo.GetPackage(ctx, packageID)
	if err != nil {
		return nil, err
	}
	if !pkg.IsActive {
		return nil, repository.ErrPackageNotFound
	}

	if amount.LessThan(pkg.MinAmount) || amount.GreaterThan(pkg.MaxAmount) {
		return nil, fmt.Errorf("%w: must be between %s and %s", ErrInvalidAmount, pkg.MinAmount, pkg.MaxAmount)
	}

	inv, err := s.repo.CreateInvestment(ctx, userID, pkg, amount)
	if err != nil {
		return nil, err
	}

	s.notify(notification.Event{
		Kind:   notification.KindInvestmentCreated,
		UserID: userID,
		Amount: amount,
		Detail: pkg.Name,
	})

	return inv, nil
}

// CancelInvestment отменяет активную инвестицию в пределах окна отмены.
func (s *Service) CancelInvestment(ctx context.Context, investmentID uuid.UUID, userID int64) (*model.Investment, error) {
	return s.repo.CancelInvestment(ctx, investmentID, userID, CancelWindow)
}

// ListInvestments возвращает инвестиции пользователя.
func (s *Service) ListInvestments(ctx context.Context, userID int64) ([]model.Investment, error) {
	return s.repo.ListInvestmentsByUser(ctx, userID)
}

// CreateDepositRequest создаёт ожидающую операцию пополнения. Для криптовалютных
// способов оплаты генерируется одноразовый адрес, по которому вебхук провайдера
// находит операцию.
func (s *Service) CreateDepositRequest(ctx context.Context, userID int64, amount decimal.Decimal, paymentMethod string) (*model.Transaction, error) {
	if amount.LessThan(s.settings.MinDeposit) {
		return nil, fmt.Errorf("%w: minimum deposit is %s", ErrAmountTooLow, s.settings.MinDeposit)
	}

	walletAddress := ""
	if paymentMethod != "bank_transfer" {
		walletAddress = newDepositAddress()
	}

	return s.repo.CreateDeposit(ctx, userID, amount, paymentMethod, walletAddress)
}

func newDepositAddress() string {
	buf := make([]byte, 20)
	_, _ = rand.Read(buf)
	return "dep_" + hex.EncodeToString(buf)
}

// WithdrawalFee возвращает комиссию за вывод указанной суммы.
func (s *Service) WithdrawalFee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(s.settings.WithdrawalFeePct).Div(hundred).Round(2)
}

// CreateWithdrawalRequest создаёт ожидающую операцию вывода. Сумма вместе с
// комиссией удерживается с баланса немедленно и возвращается только при
// переходе операции в failed или cancelled.
func (s *Service) CreateWithdrawalRequest(ctx context.Context, userID int64, amount decimal.Decimal, paymentMethod, destination string) (*model.Transaction, error) {
	if amount.LessThan(s.settings.MinWithdrawal) {
		return nil, fmt.Errorf("%w: minimum withdrawal is %s", ErrAmountTooLow, s.settings.MinWithdrawal)
	}

	fee := s.WithdrawalFee(amount)

	t, err := s.repo.CreateWithdrawal(ctx, userID, amount, fee, paymentMethod, destination)
	if err != nil {
		return nil, err
	}

	s.notify(notification.Event{
		Kind:   notification.KindWithdrawalRequested,
		UserID: userID,
		Amount: amount,
		Detail: paymentMethod,
	})

	return t, nil
}

// GetTransaction возвращает операцию пользователя по идентификатору.
func (s *Service) GetTransaction(ctx context.Context, id uuid.UUID, userID int64) (*model.Transaction, error) {
	return s.repo.GetTransaction(ctx, id, userID)
}

// ListTransactions возвращает операции пользователя с фильтрами по типу и статусу.
func (s *Service) ListTransactions(ctx context.Context, userID int64, txType, status string) ([]model.Transaction, error) {
	return s.repo.ListTransactionsByUser(ctx, userID, txType, status)
}

// GetTransactionSummary возвращает агрегаты по операциям пользователя.
func (s *Service) GetTransactionSummary(ctx context.Context, userID int64) (*model.TransactionSummary, error) {
	return s.repo.GetTransactionSummary(ctx, userID)
}

// TransitionTransactionStatus переводит операцию в новый статус от имени actor.
// Побочные эффекты перехода выполняются атомарно в репозитории; уведомление
// о зачислении пополнения отправляется после фиксации.
func (s *Service) TransitionTransactionStatus(ctx context.Context, id uuid.UUID, newStatus model.TransactionStatus, actor, notes, txHash string) (*model.Transaction, error) {
	if !newStatus.Valid() || newStatus == model.TransactionStatusPending {
		return nil, repository.ErrInvalidTransition
	}

	t, err := s.repo.TransitionTransaction(ctx, id, newStatus, actor, notes, txHash, s.settings.ReferralBonusPct)
	if err != nil {
		return nil, err
	}

	if t.Type == model.TransactionTypeDeposit && newStatus == model.TransactionStatusCompleted {
		s.notify(notification.Event{
			Kind:   notification.KindDepositConfirmed,
			UserID: t.UserID,
			Amount: t.Amount,
		})
	}

	return t, nil
}

// ConfirmCryptoDeposit обрабатывает подтверждённый провайдером криптоплатёж:
// находит ожидающее пополнение по одноразовому адресу, сверяет полученную
// сумму и переводит операцию в completed. Недоплата отклоняется: пополнение
// зачисляется на сумму операции, а не на сумму из сети.
// Повторная доставка того же вебхука безопасна: операция уже не в pending,
// и поиск либо переход сообщают об этом вызывающему.
func (s *Service) ConfirmCryptoDeposit(ctx context.Context, address, txHash string, amount decimal.Decimal, confirmations int) (*model.Transaction, error) {
	if confirmations < s.settings.MinCryptoConfirmations {
		return nil, ErrNotEnoughConfirmations
	}

	pending, err := s.repo.FindPendingDepositByAddress(ctx, address)
	if err != nil {
		return nil, err
	}

	if amount.LessThan(pending.Amount) {
		return nil, fmt.Errorf("%w: received %s, expected %s", ErrAmountMismatch, amount, pending.Amount)
	}

	return s.TransitionTransactionStatus(ctx, pending.ID, model.TransactionStatusCompleted, "system:webhook", "", txHash)
}
