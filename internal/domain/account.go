package domain

import (
	"context"
	"time"

	"credit-predictions/internal/errors"
)

type TxType string

const (
	TxDeposit          TxType = "DEPOSIT"
	TxPredictionCharge TxType = "PREDICTION_CHARGE"
)

type Transaction struct {
	AccountID    int64     `json:"account_id"`
	Amount       int64     `json:"amount"`
	Type         TxType    `json:"tx_type"`
	Reason       string    `json:"reason"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`

	persisted bool
}

// Persisted reports whether the transaction is already stored.
func (t Transaction) Persisted() bool {
	return t.persisted
}

// Account is a credit wallet. Its balance always equals the BalanceAfter of
// the last transaction in its history and never goes negative.
type Account struct {
	ID        int64     `json:"account_id"`
	OwnerID   int64     `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	balance int64
	history []Transaction
}

// NewAccount returns an empty account with a zero balance.
func NewAccount(id, ownerID int64) *Account {
	return &Account{ID: id, OwnerID: ownerID}
}

// RestoreAccount rebuilds an account from stored state. Every transaction in
// history is flagged as persisted.
func RestoreAccount(id, ownerID, balance int64, history []Transaction) *Account {
	acc := &Account{ID: id, OwnerID: ownerID, balance: balance}
	acc.history = make([]Transaction, len(history))
	for i, tx := range history {
		tx.persisted = true
		acc.history[i] = tx
	}
	return acc
}

func (a *Account) Balance() int64 {
	return a.balance
}

// History returns a copy of the transaction history, oldest first.
func (a *Account) History() []Transaction {
	out := make([]Transaction, len(a.history))
	copy(out, a.history)
	return out
}

// Apply adds delta to the balance and records an unpersisted transaction.
// It performs no I/O.
func (a *Account) Apply(delta int64, reason string, txType TxType) error {
	newBalance := a.balance + delta
	if newBalance < 0 {
		return errors.ErrInsufficientFunds
	}

	a.balance = newBalance
	a.history = append(a.history, Transaction{
		AccountID:    a.ID,
		Amount:       delta,
		Type:         txType,
		Reason:       reason,
		BalanceAfter: newBalance,
		CreatedAt:    time.Now().UTC(),
	})
	return nil
}

// PendingTransactions returns the transactions not yet stored.
func (a *Account) PendingTransactions() []Transaction {
	var pending []Transaction
	for _, tx := range a.history {
		if !tx.persisted {
			pending = append(pending, tx)
		}
	}
	return pending
}

// MarkPersisted flags every pending transaction as stored. Repositories call
// it once the pending set has been written.
func (a *Account) MarkPersisted() {
	for i := range a.history {
		a.history[i].persisted = true
	}
}

type AccountRepository interface {
	CreateAccount(ctx context.Context, ownerID int64) (*Account, error)
	GetAccountByOwner(ctx context.Context, ownerID int64) (*Account, error)
	// Load reconstitutes the account with its full history. Inside a unit of
	// work the account row stays locked until commit.
	Load(ctx context.Context, accountID int64) (*Account, error)
	Save(ctx context.Context, account *Account) error
}
