package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/investgate/internal/model"
)

// CreateInvestment атомарно списывает сумму с баланса, увеличивает total_invested,
// создаёт инвестицию и завершённую операцию типа investment.
// Ожидаемый доход и дата окончания фиксируются в момент создания.
func (r *PostgresRepository) CreateInvestment(ctx context.Context, userID int64, pkg *model.Package, amount decimal.Decimal) (*model.Investment, error) {
	var inv *model.Investment
	err := r.withRetry(ctx, func() error {
		var err error
		inv, err = r.createInvestment(ctx, userID, pkg, amount)
		return err
	})
	return inv, err
}

func (r *PostgresRepository) createInvestment(ctx context.Context, userID int64, pkg *model.Package, amount decimal.Decimal) (*model.Investment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := lockUserBalance(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	if balance.LessThan(amount) {
		return nil, ErrInsufficientBalance
	}

	_, err = tx.Exec(ctx,
		`UPDATE users
		 SET account_balance = account_balance - $1, total_invested = total_invested + $1
		 WHERE id = $2`,
		amount, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("debit balance: %w", err)
	}

	expectedReturn := amount.Mul(pkg.ReturnRate).Div(hundred).Round(2)

	inv := &model.Investment{
		ID:             uuid.New(),
		UserID:         userID,
		PackageID:      pkg.ID,
		PackageName:    pkg.Name,
		Amount:         amount,
		ExpectedReturn: expectedReturn,
		CurrentValue:   amount,
		Status:         model.InvestmentStatusActive,
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO investments (id, user_id, package_id, amount, expected_return, current_value, end_date)
		 VALUES ($1, $2, $3, $4, $5, $6, now() + make_interval(days => $7))
		 RETURNING start_date, end_date, created_at`,
		inv.ID, userID, pkg.ID, amount, expectedReturn, amount, pkg.DurationDays,
	).Scan(&inv.StartDate, &inv.EndDate, &inv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert investment: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, status, description, reference_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), userID, model.TransactionTypeInvestment, amount, model.TransactionStatusCompleted,
		"Investment in "+pkg.Name, inv.ID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert investment transaction: %w", err)
	}

	newValues, _ := json.Marshal(map[string]any{
		"package_id": pkg.ID,
		"amount":     amount,
		"end_date":   inv.EndDate,
	})
	if err := appendAudit(ctx, tx, fmt.Sprintf("user:%d", userID), "investment_create", "investment", inv.ID.String(), nil, newValues); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return inv, nil
}

// CancelInvestment отменяет активную инвестицию, если с момента её создания прошло
// не больше window. Сумма возвращается на баланс, total_invested уменьшается,
// создаётся завершённая операция типа refund.
func (r *PostgresRepository) CancelInvestment(ctx context.Context, investmentID uuid.UUID, userID int64, window time.Duration) (*model.Investment, error) {
	var inv *model.Investment
	err := r.withRetry(ctx, func() error {
		var err error
		inv, err = r.cancelInvestment(ctx, investmentID, userID, window)
		return err
	})
	return inv, err
}

func (r *PostgresRepository) cancelInvestment(ctx context.Context, investmentID uuid.UUID, userID int64, window time.Duration) (*model.Investment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var inv model.Investment
	var status string
	err = tx.QueryRow(ctx,
		`SELECT i.id, i.user_id, i.package_id, p.name, i.amount, i.expected_return, i.current_value,
		        i.status, i.start_date, i.end_date, i.created_at
		 FROM investments i
		 JOIN investment_packages p ON p.id = i.package_id
		 WHERE i.id = $1 AND i.user_id = $2
		 FOR UPDATE OF i`,
		investmentID, userID,
	).Scan(&inv.ID, &inv.UserID, &inv.PackageID, &inv.PackageName, &inv.Amount, &inv.ExpectedReturn,
		&inv.CurrentValue, &status, &inv.StartDate, &inv.EndDate, &inv.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvestmentNotFound
		}
		return nil, fmt.Errorf("select investment: %w", err)
	}
	inv.Status = model.InvestmentStatus(status)

	if inv.Status != model.InvestmentStatusActive {
		return nil, ErrNotCancellable
	}
	if time.Since(inv.CreatedAt) > window {
		return nil, ErrNotCancellable
	}

	_, err = tx.Exec(ctx,
		`UPDATE investments SET status = $2, updated_at = now() WHERE id = $1`,
		investmentID, model.InvestmentStatusCancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("update investment: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE users
		 SET account_balance = account_balance + $1, total_invested = total_invested - $1
		 WHERE id = $2`,
		inv.Amount, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, status, description, reference_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), userID, model.TransactionTypeRefund, inv.Amount, model.TransactionStatusCompleted,
		"Refund for cancelled investment", investmentID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert refund transaction: %w", err)
	}

	oldValues, _ := json.Marshal(map[string]any{"status": model.InvestmentStatusActive})
	newValues, _ := json.Marshal(map[string]any{"status": model.InvestmentStatusCancelled, "refund": inv.Amount})
	if err := appendAudit(ctx, tx, fmt.Sprintf("user:%d", userID), "investment_cancel", "investment", investmentID.String(), oldValues, newValues); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	inv.Status = model.InvestmentStatusCancelled
	return &inv, nil
}

// ListInvestmentsByUser возвращает инвестиции пользователя.
func (r *PostgresRepository) ListInvestmentsByUser(ctx context.Context, userID int64) ([]model.Investment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT i.id, i.user_id, i.package_id, p.name, i.amount, i.expected_return, i.current_value,
		        i.status, i.start_date, i.end_date, i.created_at
		 FROM investments i
		 JOIN investment_packages p ON p.id = i.package_id
		 WHERE i.user_id = $1
		 ORDER BY i.created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select investments: %w", err)
	}
	defer rows.Close()

	return scanInvestments(rows)
}

// ListMaturedInvestments возвращает активные инвестиции с истёкшим сроком.
func (r *PostgresRepository) ListMaturedInvestments(ctx context.Context) ([]model.Investment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT i.id, i.user_id, i.package_id, p.name, i.amount, i.expected_return, i.current_value,
		        i.status, i.start_date, i.end_date, i.created_at
		 FROM investments i
		 JOIN investment_packages p ON p.id = i.package_id
		 WHERE i.status = $1 AND i.end_date <= now()
		 ORDER BY i.end_date`,
		model.InvestmentStatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("select matured investments: %w", err)
	}
	defer rows.Close()

	return scanInvestments(rows)
}

func scanInvestments(rows pgx.Rows) ([]model.Investment, error) {
	var res []model.Investment
	for rows.Next() {
		var inv model.Investment
		var status string
		if err := rows.Scan(&inv.ID, &inv.UserID, &inv.PackageID, &inv.PackageName, &inv.Amount,
			&inv.ExpectedReturn, &inv.CurrentValue, &status, &inv.StartDate, &inv.EndDate, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan investment: %w", err)
		}
		inv.Status = model.InvestmentStatus(status)
		res = append(res, inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// PayoutInvestment атомарно завершает созревшую инвестицию: возвращает на баланс
// тело и доход, уменьшает total_invested на тело, увеличивает total_profit на доход
// и создаёт завершённую операцию типа payout.
//
// Условный UPDATE со status = active делает операцию идемпотентной: повторный
// запуск по уже завершённой инвестиции возвращает ErrAlreadyProcessed.
func (r *PostgresRepository) PayoutInvestment(ctx context.Context, investmentID uuid.UUID) (decimal.Decimal, int64, error) {
	var payout decimal.Decimal
	var userID int64
	err := r.withRetry(ctx, func() error {
		var err error
		payout, userID, err = r.payoutInvestment(ctx, investmentID)
		return err
	})
	return payout, userID, err
}

func (r *PostgresRepository) payoutInvestment(ctx context.Context, investmentID uuid.UUID) (decimal.Decimal, int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return decimal.Decimal{}, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		userID         int64
		amount         decimal.Decimal
		expectedReturn decimal.Decimal
		packageName    string
	)
	err = tx.QueryRow(ctx,
		`UPDATE investments i
		 SET status = $2, current_value = i.amount + i.expected_return, updated_at = now()
		 FROM investment_packages p
		 WHERE i.id = $1 AND i.status = $3 AND i.end_date <= now() AND p.id = i.package_id
		 RETURNING i.user_id, i.amount, i.expected_return, p.name`,
		investmentID, model.InvestmentStatusCompleted, model.InvestmentStatusActive,
	).Scan(&userID, &amount, &expectedReturn, &packageName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Decimal{}, 0, ErrAlreadyProcessed
		}
		return decimal.Decimal{}, 0, fmt.Errorf("complete investment: %w", err)
	}

	payout := amount.Add(expectedReturn)

	_, err = tx.Exec(ctx,
		`UPDATE users
		 SET account_balance = account_balance + $1,
		     total_invested = total_invested - $2,
		     total_profit = total_profit + $3
		 WHERE id = $4`,
		payout, amount, expectedReturn, userID,
	)
	if err != nil {
		return decimal.Decimal{}, 0, fmt.Errorf("credit payout: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, status, description, reference_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), userID, model.TransactionTypePayout, payout, model.TransactionStatusCompleted,
		"Payout for completed investment in "+packageName, investmentID.String(),
	)
	if err != nil {
		return decimal.Decimal{}, 0, fmt.Errorf("insert payout transaction: %w", err)
	}

	newValues, _ := json.Marshal(map[string]any{"payout_amount": payout, "user_id": userID})
	if err := appendAudit(ctx, tx, "system", "investment_matured", "investment", investmentID.String(), nil, newValues); err != nil {
		return decimal.Decimal{}, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Decimal{}, 0, fmt.Errorf("commit tx: %w", err)
	}

	return payout, userID, nil
}
