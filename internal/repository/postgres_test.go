package repository_test

import (
	"context"
	"database/sql"
	stderrors "errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"credit-predictions/internal/domain"
	"credit-predictions/internal/errors"
	"credit-predictions/internal/ids"
	"credit-predictions/internal/model"
	"credit-predictions/internal/repository"
	"credit-predictions/internal/service"
)

type PostgresStoreTestSuite struct {
	suite.Suite
	container *postgres.PostgresContainer
	db        *sql.DB
	store     *repository.Store
	logger    *slog.Logger
}

func (s *PostgresStoreTestSuite) SetupSuite() {
	if testing.Short() {
		s.T().Skip("skipping Postgres tests in short mode")
	}

	ctx := context.Background()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("predictions"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		postgres.BasicWaitStrategies(),
	)
	s.Require().NoError(err)
	s.container = container

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	s.db, err = sql.Open("postgres", connStr)
	s.Require().NoError(err)
	s.Require().NoError(repository.Migrate(ctx, s.db, s.logger))
	s.store = repository.NewStore(s.db, s.logger)
}

func (s *PostgresStoreTestSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.container != nil {
		s.NoError(testcontainers.TerminateContainer(s.container))
	}
}

func (s *PostgresStoreTestSuite) openAccount(ownerID, balance int64) domain.Caller {
	ctx := context.Background()
	accounts := service.NewAccountService(s.store, s.logger)
	_, err := accounts.OpenAccount(ctx, ownerID)
	s.Require().NoError(err)
	if balance > 0 {
		_, err = accounts.TopUp(ctx, ownerID, balance, "seed")
		s.Require().NoError(err)
	}
	caller, err := accounts.Caller(ctx, ownerID)
	s.Require().NoError(err)
	return caller
}

func (s *PostgresStoreTestSuite) TestMigrateIsRepeatable() {
	s.NoError(repository.Migrate(context.Background(), s.db, s.logger))
}

func (s *PostgresStoreTestSuite) TestDuplicateAccount() {
	s.openAccount(1001, 0)

	_, err := s.store.Accounts().CreateAccount(context.Background(), 1001)
	s.ErrorIs(err, errors.ErrDuplicateAccount)
}

func (s *PostgresStoreTestSuite) TestAccountHistoryRoundTrip() {
	ctx := context.Background()
	caller := s.openAccount(1002, 70)

	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		acc, err := tx.Accounts().Load(ctx, caller.AccountID)
		if err != nil {
			return err
		}
		if err := acc.Apply(-20, "Prediction Demo", domain.TxPredictionCharge); err != nil {
			return err
		}
		return tx.Accounts().Save(ctx, acc)
	})
	s.Require().NoError(err)

	acc, err := s.store.Accounts().Load(ctx, caller.AccountID)
	s.Require().NoError(err)
	s.Equal(int64(50), acc.Balance())

	history := acc.History()
	s.Require().Len(history, 2)
	s.Equal(int64(50), history[len(history)-1].BalanceAfter)
}

func (s *PostgresStoreTestSuite) TestJobFinalizesOnce() {
	ctx := context.Background()
	jobs := s.store.Jobs()

	job, err := jobs.CreatePending(ctx, 1003, model.DemoName)
	s.Require().NoError(err)

	rows := []domain.NormalizedRow{{Timestamp: "2024-01-01T00:00:00Z", Price: 1.5}}
	s.Require().NoError(jobs.MarkOK(ctx, job.ID, []float64{1.5}, 7, rows, nil))

	s.ErrorIs(jobs.MarkError(ctx, job.ID, "late failure"), errors.ErrJobAlreadyFinalized)
	s.ErrorIs(jobs.MarkOK(ctx, job.ID, []float64{9}, 1, rows, nil), errors.ErrJobAlreadyFinalized)

	stored, err := jobs.Get(ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(domain.JobOK, stored.Status)
	s.Equal(int64(7), stored.Cost)
	s.Equal([]float64{1.5}, stored.Predictions)
	s.Equal(rows, stored.ValidInput)
	s.Empty(stored.InvalidRows)

	_, err = jobs.Get(ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	s.ErrorIs(err, errors.ErrJobNotFound)
}

func (s *PostgresStoreTestSuite) TestEnsurePendingIsIdempotent() {
	ctx := context.Background()
	jobs := s.store.Jobs()
	jobID := ids.NewJobID()

	created, err := jobs.EnsurePending(ctx, jobID, 1007, model.DemoName)
	s.Require().NoError(err)
	s.Equal(domain.JobPending, created.Status)
	s.Require().NoError(jobs.MarkError(ctx, jobID, "not_enough_credits"))

	again, err := jobs.EnsurePending(ctx, jobID, 1007, model.DemoName)
	s.Require().NoError(err)
	s.Equal(domain.JobError, again.Status)

	list, err := jobs.ListByOwner(ctx, 1007)
	s.Require().NoError(err)
	s.Len(list, 1)
}

func (s *PostgresStoreTestSuite) TestUnstorableInputFinalizesJob() {
	ctx := context.Background()
	caller := s.openAccount(1008, 1000)
	gateway := model.NewGateway(model.DefaultRegistry(), 10, s.logger)
	predictions := service.NewPredictionService(s.store, gateway, nil, nil, nil, s.logger)

	// NUL cannot be stored in JSONB or TEXT columns.
	job, err := predictions.MakePrediction(ctx, caller, model.DemoName, []any{
		map[string]any{"date": "2024-01-01", "value": 3.0},
		map[string]any{"date": "2024-01-02\x00", "value": 4.0},
	})
	s.Require().NoError(err)
	s.Equal(domain.JobOK, job.Status)
	s.Require().Len(job.InvalidRows, 1)
	s.Equal(map[string]any{"date": "2024-01-02\uFFFD", "value": 4.0}, job.InvalidRows[0].Row)

	// Predictions that overflow cannot be encoded as JSON.
	job, err = predictions.MakePrediction(ctx, caller, model.LinearTrendName, []any{
		map[string]any{"date": "2024-01-01", "value": 1e308},
		map[string]any{"date": "2024-01-02", "value": 1e308},
	})
	s.ErrorIs(err, errors.ErrModelError)
	s.Require().NotNil(job)
	s.Equal(domain.JobError, job.Status)

	acc, err := s.store.Accounts().Load(ctx, caller.AccountID)
	s.Require().NoError(err)
	s.Equal(int64(990), acc.Balance())
}

func (s *PostgresStoreTestSuite) TestListByOwnerNewestFirst() {
	ctx := context.Background()
	jobs := s.store.Jobs()

	first, err := jobs.CreatePending(ctx, 1004, model.DemoName)
	s.Require().NoError(err)
	time.Sleep(5 * time.Millisecond)
	second, err := jobs.CreatePending(ctx, 1004, model.LinearTrendName)
	s.Require().NoError(err)
	_, err = jobs.CreatePending(ctx, 1005, model.DemoName)
	s.Require().NoError(err)

	list, err := jobs.ListByOwner(ctx, 1004)
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal(second.ID, list[0].ID)
	s.Equal(first.ID, list[1].ID)
}

func (s *PostgresStoreTestSuite) TestConcurrentChargesNeverOverdraw() {
	ctx := context.Background()
	caller := s.openAccount(1006, 1000)
	gateway := model.NewGateway(model.DefaultRegistry(), 600, s.logger)
	predictions := service.NewPredictionService(s.store, gateway, nil, nil, nil, s.logger)

	data := []any{map[string]any{"date": "2024-01-01", "value": 3.0}}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = predictions.MakePrediction(ctx, caller, model.DemoName, data)
		}(i)
	}
	wg.Wait()

	var ok, refused int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case stderrors.Is(err, errors.ErrNotEnoughCredits):
			refused++
		default:
			s.Failf("unexpected error", "%v", err)
		}
	}
	s.Equal(1, ok)
	s.Equal(1, refused)

	acc, err := s.store.Accounts().Load(ctx, caller.AccountID)
	s.Require().NoError(err)
	s.Equal(int64(400), acc.Balance())
}

func TestPostgresStoreTestSuite(t *testing.T) {
	suite.Run(t, new(PostgresStoreTestSuite))
}
