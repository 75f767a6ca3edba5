package memory

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-predictions/internal/domain"
	"credit-predictions/internal/ids"
)

func TestReadsDoNotSeeUncommittedWork(t *testing.T) {
	ctx := context.Background()
	store := New()
	job, err := store.Jobs().CreatePending(ctx, 1, "Demo")
	require.NoError(t, err)

	marked := make(chan struct{})
	rollback := make(chan struct{})
	txDone := make(chan error, 1)
	go func() {
		txDone <- store.WithTransaction(ctx, func(tx domain.Store) error {
			if err := tx.Jobs().MarkOK(ctx, job.ID, []float64{1}, 1, nil, nil); err != nil {
				return err
			}
			close(marked)
			<-rollback
			return stderrors.New("commit failed")
		})
	}()
	<-marked

	polled := make(chan domain.JobStatus, 1)
	go func() {
		stored, err := store.Jobs().Get(ctx, job.ID)
		if err == nil {
			polled <- stored.Status
		}
	}()

	select {
	case status := <-polled:
		t.Fatalf("read returned %s while the unit of work was open", status)
	case <-time.After(50 * time.Millisecond):
	}

	close(rollback)
	require.Error(t, <-txDone)

	select {
	case status := <-polled:
		assert.Equal(t, domain.JobPending, status)
	case <-time.After(time.Second):
		t.Fatal("read did not finish after the unit of work")
	}
}

func TestEnsurePendingKeepsExistingJob(t *testing.T) {
	ctx := context.Background()
	jobs := New().Jobs()
	jobID := ids.NewJobID()

	created, err := jobs.EnsurePending(ctx, jobID, 1, "Demo")
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, created.Status)
	require.NoError(t, jobs.MarkError(ctx, jobID, "internal_error"))

	again, err := jobs.EnsurePending(ctx, jobID, 1, "Demo")
	require.NoError(t, err)
	assert.Equal(t, jobID, again.ID)
	assert.Equal(t, domain.JobError, again.Status)
	assert.Equal(t, created.CreatedAt, again.CreatedAt)
}
