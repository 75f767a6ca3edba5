package service

import (
	"context"
	"log/slog"
	"strings"

	"credit-predictions/internal/domain"
	"credit-predictions/internal/errors"
)

// maxTopUp caps a single deposit.
const maxTopUp = 10_000_000_000

type AccountService struct {
	store  domain.Store
	logger *slog.Logger
}

func NewAccountService(store domain.Store, logger *slog.Logger) *AccountService {
	return &AccountService{
		store:  store,
		logger: logger,
	}
}

// OpenAccount creates the user's account with a zero balance.
func (s *AccountService) OpenAccount(ctx context.Context, userID int64) (*domain.Account, error) {
	s.logger.Info("Opening account", "user_id", userID)

	if userID <= 0 {
		return nil, errors.NewAppError(errors.InvalidInput, "user ID must be positive")
	}

	account, err := s.store.Accounts().CreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Account opened", "user_id", userID, "account_id", account.ID)
	return account, nil
}

func (s *AccountService) GetAccount(ctx context.Context, userID int64) (*domain.Account, error) {
	return s.store.Accounts().GetAccountByOwner(ctx, userID)
}

// Caller resolves the identity a prediction is run and billed under.
func (s *AccountService) Caller(ctx context.Context, userID int64) (domain.Caller, error) {
	account, err := s.store.Accounts().GetAccountByOwner(ctx, userID)
	if err != nil {
		return domain.Caller{}, err
	}
	return domain.Caller{UserID: userID, AccountID: account.ID}, nil
}

// TopUp deposits amount credits into the user's account.
func (s *AccountService) TopUp(ctx context.Context, userID int64, amount int64, reason string) (*domain.Account, error) {
	s.logger.Info("Processing top-up", "user_id", userID, "amount", amount)

	if amount <= 0 {
		return nil, errors.ErrInvalidAmount
	}
	if amount > maxTopUp {
		return nil, errors.NewAppError(errors.InvalidAmount, "top-up exceeds maximum limit")
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "top-up"
	}

	var account *domain.Account
	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		owned, err := tx.Accounts().GetAccountByOwner(ctx, userID)
		if err != nil {
			return err
		}
		// Reload under lock.
		account, err = tx.Accounts().Load(ctx, owned.ID)
		if err != nil {
			return err
		}
		if err := account.Apply(amount, reason, domain.TxDeposit); err != nil {
			return err
		}
		return tx.Accounts().Save(ctx, account)
	})
	if err != nil {
		s.logger.Error("Top-up failed", "user_id", userID, "error", err)
		return nil, err
	}

	s.logger.Info("Top-up completed", "user_id", userID, "account_id", account.ID, "balance", account.Balance())
	return account, nil
}

// Transactions returns the user's ledger, oldest first.
func (s *AccountService) Transactions(ctx context.Context, userID int64) ([]domain.Transaction, error) {
	account, err := s.store.Accounts().GetAccountByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	return account.History(), nil
}
