package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"credit-predictions/internal/dispatch"
	"credit-predictions/internal/domain"
	"credit-predictions/internal/errors"
	"credit-predictions/internal/ids"
	"credit-predictions/internal/metrics"
	"credit-predictions/internal/model"
	"credit-predictions/internal/validation"
)

// Dispatcher hands prediction requests to workers.
type Dispatcher interface {
	Publish(ctx context.Context, req dispatch.Request) error
	Call(ctx context.Context, req dispatch.Request) (*dispatch.Reply, error)
}

type PredictionService struct {
	store      domain.Store
	gateway    *model.Gateway
	dispatcher Dispatcher
	allowed    []string
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewPredictionService wires the orchestrator. allowedModels restricts which
// registered models callers may use; nil allows all of them. dispatcher may
// be nil for processes that only run jobs.
func NewPredictionService(
	store domain.Store,
	gateway *model.Gateway,
	dispatcher Dispatcher,
	allowedModels []string,
	m *metrics.Metrics,
	logger *slog.Logger,
) *PredictionService {
	return &PredictionService{
		store:      store,
		gateway:    gateway,
		dispatcher: dispatcher,
		allowed:    allowedModels,
		metrics:    m,
		logger:     logger,
	}
}

// Models lists the models callers may request.
func (s *PredictionService) Models() []string {
	return s.gateway.ListModels(s.allowed)
}

func (s *PredictionService) modelAvailable(name string) bool {
	if !s.gateway.Has(name) {
		return false
	}
	return s.allowed == nil || slices.Contains(s.allowed, name)
}

func unknownModel(name string) error {
	return errors.ErrUnknownModel.WithDetails(fmt.Sprintf("unknown model: %s", name))
}

// MakePrediction creates a pending job for caller and runs it right away.
// The job is returned whenever it was finalized, together with
// ErrNotEnoughCredits or a model error when the run failed that way.
func (s *PredictionService) MakePrediction(ctx context.Context, caller domain.Caller, modelName string, raw []any) (*domain.PredictionJob, error) {
	return s.MakePredictionWithID(ctx, ids.NewJobID(), caller, modelName, raw)
}

// MakePredictionWithID is MakePrediction under a job id chosen by the
// requester. A job that already exists under jobID is processed instead of
// created again, so a redelivered request charges at most once.
func (s *PredictionService) MakePredictionWithID(ctx context.Context, jobID string, caller domain.Caller, modelName string, raw []any) (*domain.PredictionJob, error) {
	s.logger.Info("Making prediction", "job_id", jobID, "user_id", caller.UserID, "account_id", caller.AccountID, "model", modelName, "rows", len(raw))

	job, err := s.store.Jobs().EnsurePending(ctx, jobID, caller.UserID, modelName)
	if err != nil {
		return nil, err
	}

	result, err := s.ProcessExistingJob(ctx, job.ID, caller, modelName, raw)
	if err != nil && result == nil {
		// Nothing committed; the caller gets an error reply and will not retry.
		if markErr := s.AbandonJob(context.WithoutCancel(ctx), job.ID, string(errors.InternalError)); markErr != nil {
			s.logger.Error("Failed to mark abandoned job", "job_id", job.ID, "error", markErr)
		}
	}
	return result, err
}

// AbandonJob records reason on a job nobody will process any more. Jobs that
// are already terminal or missing are left alone.
func (s *PredictionService) AbandonJob(ctx context.Context, jobID string, reason string) error {
	err := s.store.Jobs().MarkError(ctx, jobID, reason)
	if stderrors.Is(err, errors.ErrJobAlreadyFinalized) || stderrors.Is(err, errors.ErrJobNotFound) {
		return nil
	}
	if err == nil {
		s.logger.Warn("Job abandoned", "job_id", jobID, "reason", reason)
	}
	return err
}

// ProcessExistingJob runs the pipeline for a pending job in one unit of
// work: validate, check funds, predict, charge and finalize. A job that is
// already terminal is returned untouched, so redelivered messages never
// charge twice.
func (s *PredictionService) ProcessExistingJob(ctx context.Context, jobID string, caller domain.Caller, modelName string, raw []any) (*domain.PredictionJob, error) {
	start := time.Now()
	res := validation.Validate(raw)

	var outcome error
	var finalized bool
	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		var err error
		outcome, finalized, err = s.runPipeline(ctx, tx, jobID, caller, modelName, res)
		return err
	})
	if err != nil {
		s.logger.Error("Prediction pipeline failed", "job_id", jobID, "error", err)
		return nil, err
	}

	job, err := s.store.Jobs().Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if finalized {
		s.metrics.JobFinalized(string(job.Status), time.Since(start))
		s.metrics.CreditsCharged(job.Cost)
		s.logger.Info("Prediction finished", "job_id", job.ID, "status", job.Status, "cost", job.Cost,
			"valid_rows", len(res.Valid), "invalid_rows", len(res.Invalid))
	}
	return job, outcome
}

// runPipeline reports handled failures through outcome after recording them
// on the job; err is reserved for failures that must roll back.
func (s *PredictionService) runPipeline(
	ctx context.Context,
	tx domain.Store,
	jobID string,
	caller domain.Caller,
	modelName string,
	res validation.Result,
) (outcome error, finalized bool, err error) {
	job, err := tx.Jobs().GetForUpdate(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	if job.Status.Terminal() {
		s.logger.Warn("Job already finalized, skipping", "job_id", jobID, "status", job.Status)
		return nil, false, nil
	}

	fail := func(message string, outcome error) (error, bool, error) {
		if err := tx.Jobs().MarkError(ctx, jobID, message); err != nil {
			return nil, false, err
		}
		return outcome, true, nil
	}

	if job.OwnerID != caller.UserID {
		s.logger.Warn("Request does not come from the job owner", "job_id", jobID, "owner_id", job.OwnerID, "user_id", caller.UserID)
		return fail("owner_mismatch", errors.ErrJobNotFound)
	}

	if len(res.Valid) == 0 {
		return fail(fmt.Sprintf("no_valid_rows: all %d rows rejected", len(res.Invalid)), nil)
	}
	if !s.modelAvailable(modelName) {
		return fail(fmt.Sprintf("unknown model: %s", modelName), unknownModel(modelName))
	}

	cost := s.gateway.Cost(len(res.Valid))
	account, err := tx.Accounts().Load(ctx, caller.AccountID)
	if err != nil {
		if stderrors.Is(err, errors.ErrAccountNotFound) {
			return fail(string(errors.AccountNotFound), errors.ErrAccountNotFound)
		}
		return nil, false, err
	}
	if account.OwnerID != caller.UserID {
		return fail(string(errors.AccountNotFound), errors.ErrAccountNotFound)
	}
	if account.Balance() < cost {
		s.logger.Info("Not enough credits", "job_id", jobID, "account_id", account.ID, "balance", account.Balance(), "cost", cost)
		return fail(string(errors.NotEnoughCredits), errors.ErrNotEnoughCredits)
	}

	preds, err := s.gateway.Predict(modelName, res.Valid)
	if err != nil {
		msg := err.Error()
		var appErr *errors.AppError
		if stderrors.As(err, &appErr) {
			msg = appErr.Message
		}
		return fail(msg, errors.NewModelError(msg))
	}
	if len(preds) != len(res.Valid) {
		msg := fmt.Sprintf("wrong prediction count: got %d, want %d", len(preds), len(res.Valid))
		return fail(msg, errors.NewModelError(msg))
	}

	if cost > 0 {
		if err := account.Apply(-cost, "Prediction "+modelName, domain.TxPredictionCharge); err != nil {
			return fail(string(errors.NotEnoughCredits), errors.ErrNotEnoughCredits)
		}
		if err := tx.Accounts().Save(ctx, account); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Jobs().MarkOK(ctx, jobID, preds, cost, res.Valid, res.Invalid); err != nil {
		return nil, false, err
	}
	return nil, true, nil
}

// Submit queues a prediction and returns the pending job handle. The funds
// check here is an estimate over every raw row; the worker charges only
// valid rows.
func (s *PredictionService) Submit(ctx context.Context, caller domain.Caller, modelName string, raw []any) (*domain.PredictionJob, error) {
	if !s.modelAvailable(modelName) {
		return nil, unknownModel(modelName)
	}

	account, err := s.store.Accounts().Load(ctx, caller.AccountID)
	if err != nil {
		return nil, err
	}
	if estimate := s.gateway.Cost(len(raw)); account.Balance() < estimate {
		s.logger.Info("Rejected before dispatch", "user_id", caller.UserID, "balance", account.Balance(), "estimate", estimate)
		return nil, errors.ErrNotEnoughCredits
	}

	job, err := s.store.Jobs().CreatePending(ctx, caller.UserID, modelName)
	if err != nil {
		return nil, err
	}

	req := dispatch.Request{
		JobID:     job.ID,
		UserID:    caller.UserID,
		AccountID: caller.AccountID,
		Model:     modelName,
		Data:      raw,
	}
	if err := s.dispatcher.Publish(ctx, req); err != nil {
		s.logger.Error("Failed to dispatch job", "job_id", job.ID, "error", err)
		if markErr := s.store.Jobs().MarkError(context.WithoutCancel(ctx), job.ID, string(errors.DispatchFailed)); markErr != nil {
			s.logger.Error("Failed to mark undispatched job", "job_id", job.ID, "error", markErr)
		}
		return nil, errors.ErrDispatchFailed.WithDetails(err.Error())
	}

	s.logger.Info("Job submitted", "job_id", job.ID, "user_id", caller.UserID, "model", modelName)
	return job, nil
}

// SubmitSync runs a prediction on a worker and waits for its reply. The
// worker creates the job under an id picked here. A timeout leaves the job
// running.
func (s *PredictionService) SubmitSync(ctx context.Context, caller domain.Caller, modelName string, raw []any) (*domain.PredictionJob, error) {
	if !s.modelAvailable(modelName) {
		return nil, unknownModel(modelName)
	}

	reply, err := s.dispatcher.Call(ctx, dispatch.Request{
		JobID:     ids.NewJobID(),
		Create:    true,
		UserID:    caller.UserID,
		AccountID: caller.AccountID,
		Model:     modelName,
		Data:      raw,
	})
	if err != nil {
		return nil, err
	}
	if err := reply.Err(); err != nil {
		return nil, err
	}
	if reply.Job == nil {
		return nil, errors.NewAppError(errors.InternalError, "reply carried no job")
	}
	return reply.Job, nil
}

// GetJob returns the job if caller owns it.
func (s *PredictionService) GetJob(ctx context.Context, caller domain.Caller, jobID string) (*domain.PredictionJob, error) {
	job, err := s.store.Jobs().Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != caller.UserID {
		return nil, errors.ErrJobNotFound
	}
	return job, nil
}

// History lists the caller's jobs, newest first.
func (s *PredictionService) History(ctx context.Context, caller domain.Caller) ([]*domain.PredictionJob, error) {
	return s.store.Jobs().ListByOwner(ctx, caller.UserID)
}
