// Package repository содержит реализацию доступа к данным в PostgreSQL.
//
// Все операции, изменяющие баланс счёта, выполняются в одной транзакции БД
// с блокировкой строки пользователя (SELECT ... FOR UPDATE), чтобы две
// параллельные операции не прочитали устаревший баланс.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/investgate/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrPackageNotFound возвращается, если инвестиционный пакет не найден или неактивен.
	ErrPackageNotFound = errors.New("investment package not found")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvestmentNotFound возвращается, если инвестиция не найдена.
	ErrInvestmentNotFound = errors.New("investment not found")
	// ErrNotCancellable возвращается при попытке отменить инвестицию вне окна отмены
	// или в конечном статусе.
	ErrNotCancellable = errors.New("investment cannot be cancelled")
	// ErrTransactionNotFound возвращается, если операция не найдена.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrInvalidTransition возвращается при недопустимом переходе статуса операции.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAlreadyProcessed возвращается, если операция или инвестиция уже находится
	// в конечном статусе. Для повторных вебхуков это не ошибка обработки.
	ErrAlreadyProcessed = errors.New("already processed")
)

var hundred = decimal.NewFromInt(100)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при deadlock и serialization failure.
// Конкурирующие блокировки строк пользователя делают такие сбои возможными.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя. referredBy указывает на пригласившего
// пользователя и может быть nil.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, referredBy *int64) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, referred_by) VALUES ($1, $2, $3) RETURNING id`,
		login, passwordHash, referredBy,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.UniqueViolation {
				return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
			}
			if pgErr.Code == pgerrcode.ForeignKeyViolation {
				return 0, fmt.Errorf("%w: referrer", ErrUserNotFound)
			}
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, account_balance, total_invested, total_profit, referred_by, created_at
		 FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.AccountBalance, &u.TotalInvested, &u.TotalProfit, &u.ReferredBy, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetUserLogin возвращает логин (адрес почты) пользователя по идентификатору.
func (r *PostgresRepository) GetUserLogin(ctx context.Context, userID int64) (string, error) {
	var login string
	err := r.pool.QueryRow(ctx, `SELECT login FROM users WHERE id = $1`, userID).Scan(&login)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("get user login: %w", err)
	}
	return login, nil
}

// GetBalance возвращает состояние счёта пользователя.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	var b model.Balance
	err := r.pool.QueryRow(ctx,
		`SELECT account_balance, total_invested, total_profit FROM users WHERE id = $1`,
		userID,
	).Scan(&b.AccountBalance, &b.TotalInvested, &b.TotalProfit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &b, nil
}

// ListActivePackages возвращает активные инвестиционные пакеты.
func (r *PostgresRepository) ListActivePackages(ctx context.Context) ([]model.Package, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, min_amount, max_amount, return_rate, duration_days, risk_level, is_active
		 FROM investment_packages
		 WHERE is_active
		 ORDER BY min_amount`,
	)
	if err != nil {
		return nil, fmt.Errorf("select packages: %w", err)
	}
	defer rows.Close()

	var res []model.Package
	for rows.Next() {
		var p model.Package
		if err := rows.Scan(&p.ID, &p.Name, &p.MinAmount, &p.MaxAmount, &p.ReturnRate, &p.DurationDays, &p.RiskLevel, &p.IsActive); err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetPackage возвращает инвестиционный пакет по идентификатору.
func (r *PostgresRepository) GetPackage(ctx context.Context, id int64) (*model.Package, error) {
	var p model.Package
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, min_amount, max_amount, return_rate, duration_days, risk_level, is_active
		 FROM investment_packages WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &p.MinAmount, &p.MaxAmount, &p.ReturnRate, &p.DurationDays, &p.RiskLevel, &p.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPackageNotFound
		}
		return nil, fmt.Errorf("get package: %w", err)
	}
	return &p, nil
}

// lockUserBalance блокирует строку пользователя и возвращает текущий баланс.
// Вызывается в начале каждой атомарной операции, принимающей решение по балансу.
func lockUserBalance(ctx context.Context, tx pgx.Tx, userID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRow(ctx,
		`SELECT account_balance FROM users WHERE id = $1 FOR UPDATE`,
		userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Decimal{}, ErrUserNotFound
		}
		return decimal.Decimal{}, fmt.Errorf("lock user for update: %w", err)
	}
	return balance, nil
}

// appendAudit добавляет запись журнала аудита в рамках текущей транзакции БД.
func appendAudit(ctx context.Context, tx pgx.Tx, actor, action, entityType, entityID string, oldValues, newValues []byte) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO audit_logs (id, actor, action, entity_type, entity_id, old_values, new_values)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), actor, action, entityType, entityID, oldValues, newValues,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
