package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"credit-predictions/internal/domain"
	"credit-predictions/internal/errors"
	"credit-predictions/internal/ids"
)

const jobColumns = `id, owner_id, model_name, valid_input, predictions, invalid_rows, cost, status, error, created_at, updated_at`

type jobRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewJobRepository(db SQLExecutor, logger *slog.Logger) domain.JobRepository {
	return &jobRepository{
		db:     db,
		logger: logger,
	}
}

func (r *jobRepository) CreatePending(ctx context.Context, ownerID int64, modelName string) (*domain.PredictionJob, error) {
	job := domain.NewPendingJob(ids.NewJobID(), ownerID, modelName, time.Now().UTC())

	query := `
		INSERT INTO prediction_jobs
		(id, owner_id, model_name, valid_input, predictions, invalid_rows, cost, status, created_at, updated_at)
		VALUES ($1, $2, $3, '[]', '[]', '[]', 0, $4, $5, $5)
	`
	_, err := r.db.ExecContext(ctx, query, job.ID, ownerID, modelName, string(domain.JobPending), job.CreatedAt)
	if err != nil {
		r.logger.Error("Failed to create job", "owner_id", ownerID, "model", modelName, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to create job").WithDetails(err.Error())
	}

	r.logger.Info("Pending job created", "job_id", job.ID, "owner_id", ownerID, "model", modelName)
	return job, nil
}

func (r *jobRepository) EnsurePending(ctx context.Context, jobID string, ownerID int64, modelName string) (*domain.PredictionJob, error) {
	query := `
		INSERT INTO prediction_jobs
		(id, owner_id, model_name, valid_input, predictions, invalid_rows, cost, status, created_at, updated_at)
		VALUES ($1, $2, $3, '[]', '[]', '[]', 0, $4, $5, $5)
		ON CONFLICT (id) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query, jobID, ownerID, modelName, string(domain.JobPending), time.Now().UTC())
	if err != nil {
		r.logger.Error("Failed to create job", "job_id", jobID, "owner_id", ownerID, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to create job").WithDetails(err.Error())
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		r.logger.Info("Pending job created", "job_id", jobID, "owner_id", ownerID, "model", modelName)
	}
	return r.Get(ctx, jobID)
}

func (r *jobRepository) MarkOK(ctx context.Context, jobID string, predictions []float64, cost int64, validInput []domain.NormalizedRow, invalidRows []domain.InvalidRow) error {
	predJSON, err := marshalJSON(predictions, "[]")
	if err != nil {
		return err
	}
	validJSON, err := marshalJSON(validInput, "[]")
	if err != nil {
		return err
	}
	invalidJSON, err := marshalJSON(invalidRows, "[]")
	if err != nil {
		return err
	}

	query := `
		UPDATE prediction_jobs
		SET predictions = $1, cost = $2, valid_input = $3, invalid_rows = $4, status = $5, error = NULL, updated_at = $6
		WHERE id = $7 AND status = $8
	`
	result, err := r.db.ExecContext(ctx, query,
		predJSON, cost, validJSON, invalidJSON, string(domain.JobOK), time.Now().UTC(), jobID, string(domain.JobPending))
	if err != nil {
		r.logger.Error("Failed to mark job OK", "job_id", jobID, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to finalize job").WithDetails(err.Error())
	}

	if err := r.checkFinalized(ctx, result, jobID); err != nil {
		return err
	}

	r.logger.Info("Job finalized", "job_id", jobID, "status", domain.JobOK, "cost", cost)
	return nil
}

func (r *jobRepository) MarkError(ctx context.Context, jobID string, message string) error {
	// TEXT columns reject NUL.
	message = strings.ReplaceAll(message, "\x00", "\uFFFD")
	query := `
		UPDATE prediction_jobs
		SET status = $1, error = $2, updated_at = $3
		WHERE id = $4 AND status = $5
	`
	result, err := r.db.ExecContext(ctx, query,
		string(domain.JobError), message, time.Now().UTC(), jobID, string(domain.JobPending))
	if err != nil {
		r.logger.Error("Failed to mark job ERROR", "job_id", jobID, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to finalize job").WithDetails(err.Error())
	}

	if err := r.checkFinalized(ctx, result, jobID); err != nil {
		return err
	}

	r.logger.Info("Job finalized", "job_id", jobID, "status", domain.JobError, "reason", message)
	return nil
}

// checkFinalized tells a missing job apart from one that already left PENDING.
func (r *jobRepository) checkFinalized(ctx context.Context, result sql.Result, jobID string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewAppError(errors.InternalError, "failed to get rows affected").WithDetails(err.Error())
	}
	if rowsAffected > 0 {
		return nil
	}

	if _, err := r.Get(ctx, jobID); err != nil {
		return err
	}
	r.logger.Warn("Job already finalized", "job_id", jobID)
	return errors.ErrJobAlreadyFinalized
}

func (r *jobRepository) Get(ctx context.Context, jobID string) (*domain.PredictionJob, error) {
	return r.scanJob(ctx, `SELECT `+jobColumns+` FROM prediction_jobs WHERE id = $1`, jobID)
}

func (r *jobRepository) GetForUpdate(ctx context.Context, jobID string) (*domain.PredictionJob, error) {
	query := `SELECT ` + jobColumns + ` FROM prediction_jobs WHERE id = $1`
	if inTransaction(r.db) {
		query += ` FOR UPDATE`
	}
	return r.scanJob(ctx, query, jobID)
}

func (r *jobRepository) ListByOwner(ctx context.Context, ownerID int64) ([]*domain.PredictionJob, error) {
	query := `SELECT ` + jobColumns + ` FROM prediction_jobs WHERE owner_id = $1 ORDER BY created_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		r.logger.Error("Failed to list jobs", "owner_id", ownerID, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to list jobs").WithDetails(err.Error())
	}
	defer rows.Close()

	jobs := []*domain.PredictionJob{}
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to read jobs").WithDetails(err.Error())
	}
	return jobs, nil
}

func (r *jobRepository) scanJob(ctx context.Context, query string, jobID string) (*domain.PredictionJob, error) {
	job, err := scanJobRow(r.db.QueryRowContext(ctx, query, jobID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrJobNotFound
		}
		if _, ok := err.(*errors.AppError); !ok {
			r.logger.Error("Failed to get job", "job_id", jobID, "error", err)
			return nil, errors.NewAppError(errors.InternalError, "failed to get job").WithDetails(err.Error())
		}
		return nil, err
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJobRow(row rowScanner) (*domain.PredictionJob, error) {
	var (
		job                              domain.PredictionJob
		status                           string
		errMsg                           sql.NullString
		validJSON, predJSON, invalidJSON []byte
	)

	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.ModelName,
		&validJSON,
		&predJSON,
		&invalidJSON,
		&job.Cost,
		&status,
		&errMsg,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	if errMsg.Valid {
		msg := errMsg.String
		job.Error = &msg
	}

	if err := json.Unmarshal(validJSON, &job.ValidInput); err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to decode valid_input").WithDetails(err.Error())
	}
	if err := json.Unmarshal(predJSON, &job.Predictions); err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to decode predictions").WithDetails(err.Error())
	}
	if err := json.Unmarshal(invalidJSON, &job.InvalidRows); err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to decode invalid_rows").WithDetails(err.Error())
	}
	return &job, nil
}

func marshalJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.NewAppError(errors.InternalError, "failed to encode job payload").WithDetails(err.Error())
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}
