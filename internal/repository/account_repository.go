package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"credit-predictions/internal/domain"
	"credit-predictions/internal/errors"
)

type accountRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewAccountRepository(db SQLExecutor, logger *slog.Logger) domain.AccountRepository {
	return &accountRepository{
		db:     db,
		logger: logger,
	}
}

func (r *accountRepository) CreateAccount(ctx context.Context, ownerID int64) (*domain.Account, error) {
	query := `
		INSERT INTO accounts (owner_id, balance, created_at, updated_at)
		VALUES ($1, 0, $2, $2)
		RETURNING id
	`

	now := time.Now().UTC()
	var id int64
	err := r.db.QueryRowContext(ctx, query, ownerID, now).Scan(&id)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			if pqErr.Code == "23505" { // unique_violation
				r.logger.Warn("Duplicate account creation attempt", "owner_id", ownerID)
				return nil, errors.ErrDuplicateAccount
			}
		}
		r.logger.Error("Failed to create account", "owner_id", ownerID, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to create account").WithDetails(err.Error())
	}

	account := domain.NewAccount(id, ownerID)
	account.CreatedAt = now
	account.UpdatedAt = now

	r.logger.Info("Account created successfully", "account_id", id, "owner_id", ownerID)
	return account, nil
}

func (r *accountRepository) GetAccountByOwner(ctx context.Context, ownerID int64) (*domain.Account, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `SELECT id FROM accounts WHERE owner_id = $1`, ownerID).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrAccountNotFound
		}
		r.logger.Error("Failed to get account", "owner_id", ownerID, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to get account").WithDetails(err.Error())
	}

	return r.Load(ctx, id)
}

func (r *accountRepository) Load(ctx context.Context, id int64) (*domain.Account, error) {
	query := `
		SELECT id, owner_id, balance, created_at, updated_at
		FROM accounts WHERE id = $1
	`
	// Concurrent charges on one account serialize on this row lock.
	if inTransaction(r.db) {
		query += ` FOR UPDATE`
	}

	var (
		accountID, ownerID, balance int64
		createdAt, updatedAt        time.Time
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(&accountID, &ownerID, &balance, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			r.logger.Warn("Account not found", "account_id", id)
			return nil, errors.ErrAccountNotFound
		}
		r.logger.Error("Failed to get account", "account_id", id, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to get account").WithDetails(err.Error())
	}

	history, err := r.loadHistory(ctx, id)
	if err != nil {
		return nil, err
	}

	var last int64
	if len(history) > 0 {
		last = history[len(history)-1].BalanceAfter
	}
	if last != balance {
		r.logger.Error("Ledger out of balance", "account_id", id, "balance", balance, "last_balance_after", last)
		return nil, errors.NewAppErrorf(errors.InternalError, "ledger out of balance for account %d", id)
	}

	account := domain.RestoreAccount(accountID, ownerID, balance, history)
	account.CreatedAt = createdAt
	account.UpdatedAt = updatedAt
	return account, nil
}

func (r *accountRepository) loadHistory(ctx context.Context, accountID int64) ([]domain.Transaction, error) {
	query := `
		SELECT account_id, amount, tx_type, reason, balance_after, created_at
		FROM transactions WHERE account_id = $1
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		r.logger.Error("Failed to get transactions", "account_id", accountID, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to get transactions").WithDetails(err.Error())
	}
	defer rows.Close()

	var history []domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		var txType string
		if err := rows.Scan(&tx.AccountID, &tx.Amount, &txType, &tx.Reason, &tx.BalanceAfter, &tx.CreatedAt); err != nil {
			return nil, errors.NewAppError(errors.InternalError, "failed to scan transaction").WithDetails(err.Error())
		}
		tx.Type = domain.TxType(txType)
		history = append(history, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to read transactions").WithDetails(err.Error())
	}
	return history, nil
}

// Save writes the pending transactions and the new balance. Callers run it
// inside a unit of work so both statements commit together.
func (r *accountRepository) Save(ctx context.Context, account *domain.Account) error {
	pending := account.PendingTransactions()

	insert := `
		INSERT INTO transactions (account_id, amount, tx_type, reason, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, tx := range pending {
		_, err := r.db.ExecContext(ctx, insert, account.ID, tx.Amount, string(tx.Type), tx.Reason, tx.BalanceAfter, tx.CreatedAt)
		if err != nil {
			r.logger.Error("Failed to insert transaction", "account_id", account.ID, "amount", tx.Amount, "error", err)
			return errors.NewAppError(errors.InternalError, "failed to insert transaction").WithDetails(err.Error())
		}
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET balance = $1, updated_at = $2 WHERE id = $3`,
		account.Balance(), time.Now().UTC(), account.ID)
	if err != nil {
		r.logger.Error("Failed to update account balance", "account_id", account.ID, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to update account balance").WithDetails(err.Error())
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewAppError(errors.InternalError, "failed to get rows affected").WithDetails(err.Error())
	}

	if rowsAffected == 0 {
		r.logger.Warn("No account found to update", "account_id", account.ID)
		return errors.ErrAccountNotFound
	}

	account.MarkPersisted()
	r.logger.Info("Account saved", "account_id", account.ID, "new_balance", account.Balance(), "inserted", len(pending))
	return nil
}
