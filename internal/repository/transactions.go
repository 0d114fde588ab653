package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/investgate/internal/model"
)

const transactionColumns = `id, user_id, type, amount, currency, status, description, reference_id,
	 payment_method, wallet_address, fees, notes, transaction_hash, created_at, updated_at`

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	var txType, status string
	err := row.Scan(&t.ID, &t.UserID, &txType, &t.Amount, &t.Currency, &status, &t.Description,
		&t.ReferenceID, &t.PaymentMethod, &t.WalletAddress, &t.Fees, &t.Notes, &t.TransactionHash,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = model.TransactionType(txType)
	t.Status = model.TransactionStatus(status)
	return &t, nil
}

// CreateDeposit создаёт ожидающую операцию пополнения. Баланс не изменяется:
// зачисление происходит только при переходе в completed.
func (r *PostgresRepository) CreateDeposit(ctx context.Context, userID int64, amount decimal.Decimal, paymentMethod, walletAddress string) (*model.Transaction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id := uuid.New()
	row := tx.QueryRow(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, status, description, payment_method, wallet_address)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+transactionColumns,
		id, userID, model.TransactionTypeDeposit, amount, model.TransactionStatusPending,
		"Deposit via "+paymentMethod, paymentMethod, walletAddress,
	)

	t, err := scanTransaction(row)
	if err != nil {
		return nil, fmt.Errorf("insert deposit: %w", err)
	}

	newValues, _ := json.Marshal(map[string]any{"amount": amount, "payment_method": paymentMethod})
	if err := appendAudit(ctx, tx, fmt.Sprintf("user:%d", userID), "deposit_request", "transaction", id.String(), nil, newValues); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return t, nil
}

// CreateWithdrawal создаёт ожидающую операцию вывода и сразу удерживает с баланса
// сумму вместе с комиссией. При переходе в failed или cancelled удержание
// возвращается на баланс.
func (r *PostgresRepository) CreateWithdrawal(ctx context.Context, userID int64, amount, fee decimal.Decimal, paymentMethod, destination string) (*model.Transaction, error) {
	var t *model.Transaction
	err := r.withRetry(ctx, func() error {
		var err error
		t, err = r.createWithdrawal(ctx, userID, amount, fee, paymentMethod, destination)
		return err
	})
	return t, err
}

func (r *PostgresRepository) createWithdrawal(ctx context.Context, userID int64, amount, fee decimal.Decimal, paymentMethod, destination string) (*model.Transaction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := lockUserBalance(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	total := amount.Add(fee)
	if balance.LessThan(total) {
		return nil, ErrInsufficientBalance
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET account_balance = account_balance - $1 WHERE id = $2`,
		total, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("hold withdrawal amount: %w", err)
	}

	id := uuid.New()
	row := tx.QueryRow(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, status, description, payment_method, wallet_address, fees)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+transactionColumns,
		id, userID, model.TransactionTypeWithdrawal, amount, model.TransactionStatusPending,
		"Withdrawal via "+paymentMethod, paymentMethod, destination, fee,
	)

	t, err := scanTransaction(row)
	if err != nil {
		return nil, fmt.Errorf("insert withdrawal: %w", err)
	}

	newValues, _ := json.Marshal(map[string]any{"amount": amount, "fee": fee, "payment_method": paymentMethod})
	if err := appendAudit(ctx, tx, fmt.Sprintf("user:%d", userID), "withdrawal_request", "transaction", id.String(), nil, newValues); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return t, nil
}

// GetTransaction возвращает операцию пользователя по идентификатору.
func (r *PostgresRepository) GetTransaction(ctx context.Context, id uuid.UUID, userID int64) (*model.Transaction, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

// ListTransactionsByUser возвращает операции пользователя с необязательными
// фильтрами по типу и статусу.
func (r *PostgresRepository) ListTransactionsByUser(ctx context.Context, userID int64, txType, status string) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE user_id = $1
		   AND ($2 = '' OR type = $2)
		   AND ($3 = '' OR status = $3)
		 ORDER BY created_at DESC`,
		userID, txType, status,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetTransactionSummary возвращает суммы завершённых операций пользователя по
// типам и число ожидающих операций.
func (r *PostgresRepository) GetTransactionSummary(ctx context.Context, userID int64) (*model.TransactionSummary, error) {
	s := &model.TransactionSummary{}
	err := r.pool.QueryRow(ctx,
		`SELECT
		    COALESCE(SUM(amount) FILTER (WHERE type = 'deposit' AND status = 'completed'), 0),
		    COALESCE(SUM(amount) FILTER (WHERE type = 'withdrawal' AND status = 'completed'), 0),
		    COALESCE(SUM(amount) FILTER (WHERE type = 'investment' AND status = 'completed'), 0),
		    COUNT(*) FILTER (WHERE status = 'pending')
		 FROM transactions
		 WHERE user_id = $1`,
		userID,
	).Scan(&s.TotalDeposits, &s.TotalWithdrawals, &s.TotalInvestments, &s.PendingTransactions)
	if err != nil {
		return nil, fmt.Errorf("transaction summary: %w", err)
	}
	return s, nil
}

// FindPendingDepositByAddress находит ожидающее пополнение по одноразовому адресу.
// Используется для сопоставления входящих вебхуков с операциями.
func (r *PostgresRepository) FindPendingDepositByAddress(ctx context.Context, address string) (*model.Transaction, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE wallet_address = $1 AND status = $2 AND type = $3`,
		address, model.TransactionStatusPending, model.TransactionTypeDeposit,
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("find deposit by address: %w", err)
	}
	return t, nil
}

// TransitionTransaction выполняет переход статуса операции вместе со всеми
// побочными эффектами в одной транзакции БД:
//
//   - deposit pending -> completed: зачисление на баланс и начисление
//     реферального бонуса за первое завершённое пополнение;
//   - withdrawal pending -> failed/cancelled: возврат удержанной суммы с комиссией.
//
// Повторный вызов для операции в конечном статусе возвращает ErrAlreadyProcessed
// без каких-либо изменений, что делает обработку дублирующихся вебхуков безопасной.
func (r *PostgresRepository) TransitionTransaction(ctx context.Context, id uuid.UUID, newStatus model.TransactionStatus, actor, notes, txHash string, referralBonusPct decimal.Decimal) (*model.Transaction, error) {
	var t *model.Transaction
	err := r.withRetry(ctx, func() error {
		var err error
		t, err = r.transitionTransaction(ctx, id, newStatus, actor, notes, txHash, referralBonusPct)
		return err
	})
	return t, err
}

func (r *PostgresRepository) transitionTransaction(ctx context.Context, id uuid.UUID, newStatus model.TransactionStatus, actor, notes, txHash string, referralBonusPct decimal.Decimal) (*model.Transaction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`,
		id,
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("select transaction: %w", err)
	}

	oldStatus := t.Status
	if oldStatus.Terminal() {
		return nil, ErrAlreadyProcessed
	}
	if !oldStatus.CanTransitionTo(newStatus) {
		return nil, ErrInvalidTransition
	}

	_, err = tx.Exec(ctx,
		`UPDATE transactions
		 SET status = $2, notes = $3, transaction_hash = $4, updated_at = now()
		 WHERE id = $1`,
		id, newStatus, notes, txHash,
	)
	if err != nil {
		return nil, fmt.Errorf("update transaction: %w", err)
	}

	switch {
	case newStatus == model.TransactionStatusCompleted && t.Type == model.TransactionTypeDeposit:
		_, err = tx.Exec(ctx,
			`UPDATE users SET account_balance = account_balance + $1 WHERE id = $2`,
			t.Amount, t.UserID,
		)
		if err != nil {
			return nil, fmt.Errorf("credit deposit: %w", err)
		}

		if err := r.awardReferralBonus(ctx, tx, t, actor, referralBonusPct); err != nil {
			return nil, err
		}

	case (newStatus == model.TransactionStatusFailed || newStatus == model.TransactionStatusCancelled) &&
		t.Type == model.TransactionTypeWithdrawal:
		_, err = tx.Exec(ctx,
			`UPDATE users SET account_balance = account_balance + $1 WHERE id = $2`,
			t.Amount.Add(t.Fees), t.UserID,
		)
		if err != nil {
			return nil, fmt.Errorf("refund withdrawal hold: %w", err)
		}
	}

	oldValues, _ := json.Marshal(map[string]any{"status": oldStatus})
	newValues, _ := json.Marshal(map[string]any{"status": newStatus, "transaction_hash": txHash, "notes": notes})
	if err := appendAudit(ctx, tx, actor, "transaction_status_update", "transaction", id.String(), oldValues, newValues); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	t.Status = newStatus
	t.Notes = notes
	t.TransactionHash = txHash
	return t, nil
}

// awardReferralBonus начисляет бонус пригласившему за первое завершённое
// пополнение приглашённого. Частичный уникальный индекс по reference_id
// гарантирует не более одного бонуса на приглашённого даже при параллельной
// доставке вебхуков: повторная вставка молча пропускается вместе с зачислением.
func (r *PostgresRepository) awardReferralBonus(ctx context.Context, tx pgx.Tx, deposit *model.Transaction, actor string, bonusPct decimal.Decimal) error {
	if !bonusPct.IsPositive() {
		return nil
	}

	var completedDeposits int
	err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM transactions WHERE user_id = $1 AND type = $2 AND status = $3`,
		deposit.UserID, model.TransactionTypeDeposit, model.TransactionStatusCompleted,
	).Scan(&completedDeposits)
	if err != nil {
		return fmt.Errorf("count completed deposits: %w", err)
	}
	// Текущая операция уже переведена в completed, поэтому 1 означает первое пополнение.
	if completedDeposits != 1 {
		return nil
	}

	var referredBy *int64
	err = tx.QueryRow(ctx,
		`SELECT referred_by FROM users WHERE id = $1`,
		deposit.UserID,
	).Scan(&referredBy)
	if err != nil {
		return fmt.Errorf("select referrer: %w", err)
	}
	if referredBy == nil {
		return nil
	}

	bonus := deposit.Amount.Mul(bonusPct).Div(hundred).Round(2)
	bonusTxID := uuid.New()

	tag, err := tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, status, description, reference_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (reference_id) WHERE type = 'referral' DO NOTHING`,
		bonusTxID, *referredBy, model.TransactionTypeReferral, bonus, model.TransactionStatusCompleted,
		fmt.Sprintf("Referral bonus from user %d", deposit.UserID), fmt.Sprintf("%d", deposit.UserID),
	)
	if err != nil {
		return fmt.Errorf("insert referral transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Бонус за этого приглашённого уже начислен.
		return nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET account_balance = account_balance + $1 WHERE id = $2`,
		bonus, *referredBy,
	)
	if err != nil {
		return fmt.Errorf("credit referral bonus: %w", err)
	}

	newValues, _ := json.Marshal(map[string]any{"referrer_id": *referredBy, "bonus_amount": bonus})
	return appendAudit(ctx, tx, actor, "referral_bonus_award", "transaction", bonusTxID.String(), nil, newValues)
}
