package domain

import (
	"context"
	"time"
)

type JobStatus string

const (
	JobPending JobStatus = "PENDING"
	JobOK      JobStatus = "OK"
	JobError   JobStatus = "ERROR"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobOK || s == JobError
}

// NormalizedRow is the canonical shape every predictor consumes.
type NormalizedRow struct {
	Timestamp string  `json:"timestamp"`
	Price     float64 `json:"price"`
}

type InvalidRow struct {
	Index  int    `json:"index"`
	Row    any    `json:"row"`
	Reason string `json:"reason"`
}

type PredictionJob struct {
	ID          string          `json:"id"`
	OwnerID     int64           `json:"owner_id"`
	ModelName   string          `json:"model_name"`
	ValidInput  []NormalizedRow `json:"valid_input"`
	Predictions []float64       `json:"predictions"`
	InvalidRows []InvalidRow    `json:"invalid_rows"`
	Cost        int64           `json:"cost"`
	Status      JobStatus       `json:"status"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewPendingJob returns a PENDING job with empty collections and zero cost.
func NewPendingJob(id string, ownerID int64, modelName string, now time.Time) *PredictionJob {
	return &PredictionJob{
		ID:          id,
		OwnerID:     ownerID,
		ModelName:   modelName,
		ValidInput:  []NormalizedRow{},
		Predictions: []float64{},
		InvalidRows: []InvalidRow{},
		Status:      JobPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

type JobSummary struct {
	TotalRows int `json:"total_rows"`
	Predicted int `json:"predicted"`
	Invalid   int `json:"invalid"`
}

func (j *PredictionJob) Summary() JobSummary {
	return JobSummary{
		TotalRows: len(j.ValidInput) + len(j.InvalidRows),
		Predicted: len(j.ValidInput),
		Invalid:   len(j.InvalidRows),
	}
}

type JobRepository interface {
	CreatePending(ctx context.Context, ownerID int64, modelName string) (*PredictionJob, error)
	// EnsurePending creates a PENDING job under jobID unless one exists, and
	// returns the stored job either way.
	EnsurePending(ctx context.Context, jobID string, ownerID int64, modelName string) (*PredictionJob, error)
	// MarkOK and MarkError only transition PENDING jobs; anything else yields
	// errors.ErrJobAlreadyFinalized.
	MarkOK(ctx context.Context, jobID string, predictions []float64, cost int64, validInput []NormalizedRow, invalidRows []InvalidRow) error
	MarkError(ctx context.Context, jobID string, message string) error
	Get(ctx context.Context, jobID string) (*PredictionJob, error)
	GetForUpdate(ctx context.Context, jobID string) (*PredictionJob, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]*PredictionJob, error)
}

// Store groups the repositories behind one unit of work.
type Store interface {
	Accounts() AccountRepository
	Jobs() JobRepository
	// WithTransaction runs fn inside a unit of work: everything fn does
	// through the given Store commits together, or not at all.
	WithTransaction(ctx context.Context, fn func(Store) error) error
}

// Caller identifies the user a prediction runs for and the account it bills.
type Caller struct {
	UserID    int64 `json:"user_id"`
	AccountID int64 `json:"account_id"`
}
