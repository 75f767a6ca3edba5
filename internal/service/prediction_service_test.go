package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-predictions/internal/dispatch"
	"credit-predictions/internal/domain"
	"credit-predictions/internal/errors"
	"credit-predictions/internal/ids"
	"credit-predictions/internal/model"
	"credit-predictions/internal/repository/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDispatcher struct {
	mu         sync.Mutex
	published  []dispatch.Request
	calls      []dispatch.Request
	publishErr error
	reply      *dispatch.Reply
	callErr    error
}

func (d *fakeDispatcher) Publish(_ context.Context, req dispatch.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.publishErr != nil {
		return d.publishErr
	}
	d.published = append(d.published, req)
	return nil
}

func (d *fakeDispatcher) Call(_ context.Context, req dispatch.Request) (*dispatch.Reply, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, req)
	return d.reply, d.callErr
}

type fixture struct {
	ctx        context.Context
	store      *memory.Store
	accounts   *AccountService
	preds      *PredictionService
	dispatcher *fakeDispatcher
	caller     domain.Caller
	calls      *atomic.Int64
}

func newFixture(t *testing.T, balance, costPerRow int64, allowed []string) *fixture {
	t.Helper()

	calls := &atomic.Int64{}
	counted := func(p model.Predictor) model.Constructor {
		return func() model.Predictor {
			return model.PredictorFunc(func(rows []domain.NormalizedRow) ([]float64, error) {
				calls.Add(1)
				return p.Predict(rows)
			})
		}
	}

	registry := model.NewRegistry(map[string]model.Constructor{
		model.DemoName:        counted(model.Demo{}),
		model.LinearTrendName: counted(model.LinearTrend{}),
		"Broken": counted(model.PredictorFunc(func([]domain.NormalizedRow) ([]float64, error) {
			return nil, fmt.Errorf("matrix is singular")
		})),
		"Short": counted(model.PredictorFunc(func([]domain.NormalizedRow) ([]float64, error) {
			return []float64{1}, nil
		})),
		"Panics": counted(model.PredictorFunc(func([]domain.NormalizedRow) ([]float64, error) {
			panic("index out of range")
		})),
	})

	ctx := context.Background()
	store := memory.New()
	logger := discardLogger()
	gateway := model.NewGateway(registry, costPerRow, logger)
	dispatcher := &fakeDispatcher{}

	f := &fixture{
		ctx:        ctx,
		store:      store,
		accounts:   NewAccountService(store, logger),
		preds:      NewPredictionService(store, gateway, dispatcher, allowed, nil, logger),
		dispatcher: dispatcher,
		calls:      calls,
	}
	f.caller = f.openAccount(t, 42, balance)
	return f
}

func (f *fixture) openAccount(t *testing.T, userID, balance int64) domain.Caller {
	t.Helper()
	_, err := f.accounts.OpenAccount(f.ctx, userID)
	require.NoError(t, err)
	if balance > 0 {
		_, err = f.accounts.TopUp(f.ctx, userID, balance, "seed")
		require.NoError(t, err)
	}
	caller, err := f.accounts.Caller(f.ctx, userID)
	require.NoError(t, err)
	return caller
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	acc, err := f.accounts.GetAccount(f.ctx, f.caller.UserID)
	require.NoError(t, err)
	return acc.Balance()
}

func rows(prices ...float64) []any {
	out := make([]any, len(prices))
	for i, p := range prices {
		out[i] = map[string]any{"timestamp": fmt.Sprintf("2024-01-%02d", i+1), "price": p}
	}
	return out
}

func TestMakePredictionChargesValidRows(t *testing.T) {
	f := newFixture(t, 1000, 10, nil)

	job, err := f.preds.MakePrediction(f.ctx, f.caller, model.DemoName, rows(10, 11))
	require.NoError(t, err)

	assert.Equal(t, domain.JobOK, job.Status)
	assert.Equal(t, int64(20), job.Cost)
	assert.Len(t, job.Predictions, 2)
	assert.Len(t, job.ValidInput, 2)
	assert.Empty(t, job.InvalidRows)
	assert.Nil(t, job.Error)
	assert.Equal(t, int64(980), f.balance(t))

	txs, err := f.accounts.Transactions(f.ctx, f.caller.UserID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	charge := txs[1]
	assert.Equal(t, int64(-20), charge.Amount)
	assert.Equal(t, domain.TxPredictionCharge, charge.Type)
	assert.Equal(t, "Prediction Demo", charge.Reason)
	assert.Equal(t, int64(980), charge.BalanceAfter)
}

func TestMakePredictionKeepsInvalidRows(t *testing.T) {
	f := newFixture(t, 1000, 10, nil)

	raw := []any{
		map[string]any{"timestamp": "2024-01-01", "price": 10},
		map[string]any{"foo": 1},
	}
	job, err := f.preds.MakePrediction(f.ctx, f.caller, model.DemoName, raw)
	require.NoError(t, err)

	assert.Equal(t, domain.JobOK, job.Status)
	assert.Equal(t, int64(10), job.Cost)
	assert.Len(t, job.Predictions, 1)
	require.Len(t, job.InvalidRows, 1)
	assert.Equal(t, 1, job.InvalidRows[0].Index)
	assert.Equal(t, domain.JobSummary{TotalRows: 2, Predicted: 1, Invalid: 1}, job.Summary())
	assert.Equal(t, int64(990), f.balance(t))
}

func TestMakePredictionWithoutValidRows(t *testing.T) {
	f := newFixture(t, 1000, 10, nil)

	job, err := f.preds.MakePrediction(f.ctx, f.caller, model.DemoName, []any{map[string]any{"foo": 1}})
	require.NoError(t, err)

	assert.Equal(t, domain.JobError, job.Status)
	require.NotNil(t, job.Error)
	assert.True(t, strings.HasPrefix(*job.Error, "no_valid_rows"))
	assert.Zero(t, job.Cost)
	assert.Zero(t, f.calls.Load(), "no model call without valid rows")
	assert.Equal(t, int64(1000), f.balance(t))
}

func TestMakePredictionNotEnoughCredits(t *testing.T) {
	f := newFixture(t, 10, 10, nil)

	job, err := f.preds.MakePrediction(f.ctx, f.caller, model.DemoName, rows(1, 2))
	assert.ErrorIs(t, err, errors.ErrNotEnoughCredits)

	require.NotNil(t, job)
	assert.Equal(t, domain.JobError, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "not_enough_credits", *job.Error)
	assert.Zero(t, f.calls.Load(), "funds are checked before inference")
	assert.Equal(t, int64(10), f.balance(t))

	// The failed job is visible to a poller.
	stored, err := f.preds.GetJob(f.ctx, f.caller, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobError, stored.Status)
}

func TestMakePredictionModelFailures(t *testing.T) {
	tests := []struct {
		name      string
		model     string
		wantError string
	}{
		{name: "predictor error", model: "Broken", wantError: "matrix is singular"},
		{name: "predictor panic", model: "Panics", wantError: "index out of range"},
		{name: "wrong count", model: "Short", wantError: "wrong prediction count: got 1, want 3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1000, 10, nil)

			job, err := f.preds.MakePrediction(f.ctx, f.caller, tt.model, rows(1, 2, 3))
			require.Error(t, err)

			var appErr *errors.AppError
			require.True(t, stderrors.As(err, &appErr))
			assert.Equal(t, errors.ModelFailure, appErr.Code)
			assert.Equal(t, tt.wantError, appErr.Message)

			require.NotNil(t, job)
			assert.Equal(t, domain.JobError, job.Status)
			require.NotNil(t, job.Error)
			assert.Equal(t, tt.wantError, *job.Error)
			assert.Zero(t, job.Cost)
			assert.Equal(t, int64(1000), f.balance(t))
		})
	}
}

func TestMakePredictionUnknownModel(t *testing.T) {
	f := newFixture(t, 1000, 10, []string{model.DemoName})

	for _, name := range []string{"Nope", model.LinearTrendName} {
		job, err := f.preds.MakePrediction(f.ctx, f.caller, name, rows(1, 2))
		assert.ErrorIs(t, err, errors.ErrUnknownModel)
		require.NotNil(t, job)
		assert.Equal(t, domain.JobError, job.Status)
	}
	assert.Zero(t, f.calls.Load())
	assert.Equal(t, int64(1000), f.balance(t))
	assert.Equal(t, []string{model.DemoName}, f.preds.Models())
}

func TestProcessExistingJobIsIdempotent(t *testing.T) {
	f := newFixture(t, 1000, 10, nil)

	job, err := f.preds.MakePrediction(f.ctx, f.caller, model.DemoName, rows(1, 2, 3))
	require.NoError(t, err)
	require.Equal(t, domain.JobOK, job.Status)

	// A redelivered message for the same job.
	again, err := f.preds.ProcessExistingJob(f.ctx, job.ID, f.caller, model.DemoName, rows(1, 2, 3))
	require.NoError(t, err)

	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, domain.JobOK, again.Status)
	assert.Equal(t, job.Predictions, again.Predictions)
	assert.Equal(t, int64(1), f.calls.Load())
	assert.Equal(t, int64(970), f.balance(t))

	txs, err := f.accounts.Transactions(f.ctx, f.caller.UserID)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestProcessExistingJobRejectsForeignCaller(t *testing.T) {
	f := newFixture(t, 1000, 10, nil)
	other := f.openAccount(t, 7, 1000)

	job, err := f.store.Jobs().CreatePending(f.ctx, f.caller.UserID, model.DemoName)
	require.NoError(t, err)

	_, err = f.preds.ProcessExistingJob(f.ctx, job.ID, other, model.DemoName, rows(1))
	assert.ErrorIs(t, err, errors.ErrJobNotFound)

	// The job is closed rather than left pending, and nobody is charged.
	stored, err := f.store.Jobs().Get(f.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobError, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, "owner_mismatch", *stored.Error)
	assert.Zero(t, f.calls.Load())
	assert.Equal(t, int64(1000), f.balance(t))
}

func TestMakePredictionWithIDRunsOnce(t *testing.T) {
	f := newFixture(t, 1000, 10, nil)
	jobID := ids.NewJobID()

	first, err := f.preds.MakePredictionWithID(f.ctx, jobID, f.caller, model.DemoName, rows(1, 2))
	require.NoError(t, err)
	assert.Equal(t, jobID, first.ID)
	assert.Equal(t, domain.JobOK, first.Status)

	again, err := f.preds.MakePredictionWithID(f.ctx, jobID, f.caller, model.DemoName, rows(1, 2))
	require.NoError(t, err)
	assert.Equal(t, first.Predictions, again.Predictions)
	assert.Equal(t, int64(1), f.calls.Load())
	assert.Equal(t, int64(980), f.balance(t))

	history, err := f.preds.History(f.ctx, f.caller)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestAbandonJob(t *testing.T) {
	f := newFixture(t, 1000, 10, nil)

	job, err := f.store.Jobs().CreatePending(f.ctx, f.caller.UserID, model.DemoName)
	require.NoError(t, err)

	require.NoError(t, f.preds.AbandonJob(f.ctx, job.ID, "internal_error"))
	stored, err := f.preds.GetJob(f.ctx, f.caller, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobError, stored.Status)
	assert.Equal(t, "internal_error", *stored.Error)

	// Finalized and unknown jobs are left alone.
	assert.NoError(t, f.preds.AbandonJob(f.ctx, job.ID, "again"))
	assert.NoError(t, f.preds.AbandonJob(f.ctx, ids.NewJobID(), "internal_error"))
	stored, err = f.preds.GetJob(f.ctx, f.caller, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "internal_error", *stored.Error)
}

func TestEmptyModelListAllowsNoModel(t *testing.T) {
	f := newFixture(t, 1000, 10, []string{})

	assert.Empty(t, f.preds.Models())
	_, err := f.preds.MakePrediction(f.ctx, f.caller, model.DemoName, rows(1))
	assert.ErrorIs(t, err, errors.ErrUnknownModel)
	assert.Equal(t, int64(1000), f.balance(t))
}

func TestConcurrentPredictionsNeverOverdraw(t *testing.T) {
	f := newFixture(t, 1000, 600, nil)

	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]error, 2)
	)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, results[i] = f.preds.MakePrediction(f.ctx, f.caller, model.DemoName, rows(5))
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, refused int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case stderrors.Is(err, errors.ErrNotEnoughCredits):
			refused++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, refused)
	assert.Equal(t, int64(400), f.balance(t))
}

func TestJobsAreVisibleToOwnerOnly(t *testing.T) {
	f := newFixture(t, 1000, 1, nil)
	other := f.openAccount(t, 7, 1000)

	mine, err := f.preds.MakePrediction(f.ctx, f.caller, model.DemoName, rows(1))
	require.NoError(t, err)
	_, err = f.preds.MakePrediction(f.ctx, other, model.DemoName, rows(1))
	require.NoError(t, err)

	_, err = f.preds.GetJob(f.ctx, other, mine.ID)
	assert.ErrorIs(t, err, errors.ErrJobNotFound)

	_, err = f.preds.GetJob(f.ctx, f.caller, "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	assert.ErrorIs(t, err, errors.ErrJobNotFound)

	history, err := f.preds.History(f.ctx, f.caller)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, mine.ID, history[0].ID)
}

func TestSubmitQueuesPendingJob(t *testing.T) {
	f := newFixture(t, 1000, 10, nil)

	job, err := f.preds.Submit(f.ctx, f.caller, model.DemoName, rows(1, 2))
	require.NoError(t, err)

	assert.Equal(t, domain.JobPending, job.Status)
	assert.Zero(t, job.Cost)
	require.Len(t, f.dispatcher.published, 1)
	req := f.dispatcher.published[0]
	assert.Equal(t, job.ID, req.JobID)
	assert.Equal(t, f.caller, req.Caller())
	assert.Equal(t, model.DemoName, req.Model)
	assert.Equal(t, int64(1000), f.balance(t), "nothing is charged before the worker runs")

	// What the worker does with the message.
	done, err := f.preds.ProcessExistingJob(f.ctx, req.JobID, req.Caller(), req.Model, req.Data)
	require.NoError(t, err)
	assert.Equal(t, domain.JobOK, done.Status)
	assert.Equal(t, int64(980), f.balance(t))
}

func TestSubmitRejectsBeforeDispatch(t *testing.T) {
	f := newFixture(t, 15, 10, nil)

	_, err := f.preds.Submit(f.ctx, f.caller, model.DemoName, rows(1, 2))
	assert.ErrorIs(t, err, errors.ErrNotEnoughCredits)

	_, err = f.preds.Submit(f.ctx, f.caller, "Nope", rows(1))
	assert.ErrorIs(t, err, errors.ErrUnknownModel)

	assert.Empty(t, f.dispatcher.published)
	history, err := f.preds.History(f.ctx, f.caller)
	require.NoError(t, err)
	assert.Empty(t, history, "rejected submissions create no job")
}

func TestSubmitMarksJobWhenDispatchFails(t *testing.T) {
	f := newFixture(t, 1000, 10, nil)
	f.dispatcher.publishErr = stderrors.New("connection refused")

	_, err := f.preds.Submit(f.ctx, f.caller, model.DemoName, rows(1))
	assert.ErrorIs(t, err, errors.ErrDispatchFailed)

	history, err := f.preds.History(f.ctx, f.caller)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.JobError, history[0].Status)
	require.NotNil(t, history[0].Error)
	assert.Equal(t, "dispatch_failed", *history[0].Error)
}

func TestSubmitSyncMapsReplies(t *testing.T) {
	f := newFixture(t, 1000, 10, nil)

	finished := domain.NewPendingJob("job-1", f.caller.UserID, model.DemoName, time.Now().UTC())
	finished.Status = domain.JobOK
	reply := dispatch.JobReply(finished)
	f.dispatcher.reply = &reply

	job, err := f.preds.SubmitSync(f.ctx, f.caller, model.DemoName, rows(1))
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	require.Len(t, f.dispatcher.calls, 1)
	assert.True(t, f.dispatcher.calls[0].Create)
	assert.True(t, ids.Valid(f.dispatcher.calls[0].JobID), "the worker creates the job under a fresh id")

	refused := dispatch.ErrorReply("job-2", errors.ErrNotEnoughCredits)
	f.dispatcher.reply = &refused
	_, err = f.preds.SubmitSync(f.ctx, f.caller, model.DemoName, rows(1))
	assert.ErrorIs(t, err, errors.ErrNotEnoughCredits)

	f.dispatcher.reply, f.dispatcher.callErr = nil, errors.ErrDispatchTimeout
	_, err = f.preds.SubmitSync(f.ctx, f.caller, model.DemoName, rows(1))
	assert.ErrorIs(t, err, errors.ErrDispatchTimeout)

	_, err = f.preds.SubmitSync(f.ctx, f.caller, "Nope", rows(1))
	assert.ErrorIs(t, err, errors.ErrUnknownModel)
	assert.Len(t, f.dispatcher.calls, 3)
}
