// Package memory implements domain.Store in process memory. Units of work
// are serialized and roll back to a snapshot on error, which gives the same
// all-or-nothing and per-account exclusion guarantees as the Postgres store.
// Reads outside a unit of work wait for it to finish.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"credit-predictions/internal/domain"
	"credit-predictions/internal/errors"
	"credit-predictions/internal/ids"
)

type accountRow struct {
	id        int64
	ownerID   int64
	balance   int64
	createdAt time.Time
	updatedAt time.Time
}

type state struct {
	accounts      map[int64]*accountRow
	transactions  map[int64][]domain.Transaction
	jobs          map[string]*domain.PredictionJob
	nextAccountID int64
}

type shared struct {
	// txMu serializes units of work and standalone reads and writes, so
	// nothing outside a unit of work sees its uncommitted changes.
	txMu sync.Mutex
	mu   sync.RWMutex
	st   state
}

type Store struct {
	data *shared
	inTx bool
}

func New() *Store {
	return &Store{data: &shared{st: state{
		accounts:     make(map[int64]*accountRow),
		transactions: make(map[int64][]domain.Transaction),
		jobs:         make(map[string]*domain.PredictionJob),
	}}}
}

func (s *Store) Accounts() domain.AccountRepository {
	return &accountRepository{store: s}
}

func (s *Store) Jobs() domain.JobRepository {
	return &jobRepository{store: s}
}

func (s *Store) WithTransaction(ctx context.Context, fn func(domain.Store) error) error {
	if s.inTx {
		return errors.ErrCannotBeginTransaction
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.data.txMu.Lock()
	defer s.data.txMu.Unlock()

	s.data.mu.RLock()
	snapshot := s.data.st.clone()
	s.data.mu.RUnlock()

	restore := func() {
		s.data.mu.Lock()
		s.data.st = snapshot
		s.data.mu.Unlock()
	}

	defer func() {
		if p := recover(); p != nil {
			restore()
			panic(p)
		}
	}()

	if err := fn(&Store{data: s.data, inTx: true}); err != nil {
		restore()
		return err
	}
	return nil
}

// write applies fn to the state. Outside a unit of work it also takes the
// transaction lock so a concurrent rollback cannot discard it.
func (s *Store) write(fn func(st *state) error) error {
	if !s.inTx {
		s.data.txMu.Lock()
		defer s.data.txMu.Unlock()
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	return fn(&s.data.st)
}

func (s *Store) read(fn func(st *state) error) error {
	if !s.inTx {
		s.data.txMu.Lock()
		defer s.data.txMu.Unlock()
	}
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	return fn(&s.data.st)
}

func (st state) clone() state {
	out := state{
		accounts:      make(map[int64]*accountRow, len(st.accounts)),
		transactions:  make(map[int64][]domain.Transaction, len(st.transactions)),
		jobs:          make(map[string]*domain.PredictionJob, len(st.jobs)),
		nextAccountID: st.nextAccountID,
	}
	for id, a := range st.accounts {
		c := *a
		out.accounts[id] = &c
	}
	for id, txs := range st.transactions {
		out.transactions[id] = append([]domain.Transaction(nil), txs...)
	}
	for id, j := range st.jobs {
		out.jobs[id] = copyJob(j)
	}
	return out
}

func copyJob(j *domain.PredictionJob) *domain.PredictionJob {
	c := *j
	c.ValidInput = append([]domain.NormalizedRow{}, j.ValidInput...)
	c.Predictions = append([]float64{}, j.Predictions...)
	c.InvalidRows = append([]domain.InvalidRow{}, j.InvalidRows...)
	if j.Error != nil {
		msg := *j.Error
		c.Error = &msg
	}
	return &c
}

type accountRepository struct {
	store *Store
}

func (r *accountRepository) CreateAccount(_ context.Context, ownerID int64) (*domain.Account, error) {
	var acc *domain.Account
	err := r.store.write(func(st *state) error {
		for _, a := range st.accounts {
			if a.ownerID == ownerID {
				return errors.ErrDuplicateAccount
			}
		}
		st.nextAccountID++
		now := time.Now().UTC()
		row := &accountRow{id: st.nextAccountID, ownerID: ownerID, createdAt: now, updatedAt: now}
		st.accounts[row.id] = row

		acc = domain.NewAccount(row.id, ownerID)
		acc.CreatedAt, acc.UpdatedAt = now, now
		return nil
	})
	return acc, err
}

func (r *accountRepository) GetAccountByOwner(ctx context.Context, ownerID int64) (*domain.Account, error) {
	var id int64
	err := r.store.read(func(st *state) error {
		for _, a := range st.accounts {
			if a.ownerID == ownerID {
				id = a.id
				return nil
			}
		}
		return errors.ErrAccountNotFound
	})
	if err != nil {
		return nil, err
	}
	return r.Load(ctx, id)
}

func (r *accountRepository) Load(_ context.Context, accountID int64) (*domain.Account, error) {
	var acc *domain.Account
	err := r.store.read(func(st *state) error {
		row, ok := st.accounts[accountID]
		if !ok {
			return errors.ErrAccountNotFound
		}
		acc = domain.RestoreAccount(row.id, row.ownerID, row.balance, st.transactions[accountID])
		acc.CreatedAt, acc.UpdatedAt = row.createdAt, row.updatedAt
		return nil
	})
	return acc, err
}

func (r *accountRepository) Save(_ context.Context, account *domain.Account) error {
	return r.store.write(func(st *state) error {
		row, ok := st.accounts[account.ID]
		if !ok {
			return errors.ErrAccountNotFound
		}
		if account.Balance() < 0 {
			return errors.ErrInsufficientFunds
		}
		st.transactions[account.ID] = append(st.transactions[account.ID], account.PendingTransactions()...)
		row.balance = account.Balance()
		row.updatedAt = time.Now().UTC()
		account.MarkPersisted()
		return nil
	})
}

type jobRepository struct {
	store *Store
}

func (r *jobRepository) CreatePending(_ context.Context, ownerID int64, modelName string) (*domain.PredictionJob, error) {
	job := domain.NewPendingJob(ids.NewJobID(), ownerID, modelName, time.Now().UTC())
	err := r.store.write(func(st *state) error {
		st.jobs[job.ID] = copyJob(job)
		return nil
	})
	return job, err
}

func (r *jobRepository) EnsurePending(_ context.Context, jobID string, ownerID int64, modelName string) (*domain.PredictionJob, error) {
	var job *domain.PredictionJob
	err := r.store.write(func(st *state) error {
		if existing, ok := st.jobs[jobID]; ok {
			job = copyJob(existing)
			return nil
		}
		job = domain.NewPendingJob(jobID, ownerID, modelName, time.Now().UTC())
		st.jobs[jobID] = copyJob(job)
		return nil
	})
	return job, err
}

func (r *jobRepository) finalize(jobID string, apply func(j *domain.PredictionJob)) error {
	return r.store.write(func(st *state) error {
		job, ok := st.jobs[jobID]
		if !ok {
			return errors.ErrJobNotFound
		}
		if job.Status != domain.JobPending {
			return errors.ErrJobAlreadyFinalized
		}
		apply(job)
		job.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (r *jobRepository) MarkOK(_ context.Context, jobID string, predictions []float64, cost int64, validInput []domain.NormalizedRow, invalidRows []domain.InvalidRow) error {
	return r.finalize(jobID, func(j *domain.PredictionJob) {
		j.Status = domain.JobOK
		j.Predictions = append([]float64{}, predictions...)
		j.Cost = cost
		j.ValidInput = append([]domain.NormalizedRow{}, validInput...)
		j.InvalidRows = append([]domain.InvalidRow{}, invalidRows...)
		j.Error = nil
	})
}

func (r *jobRepository) MarkError(_ context.Context, jobID string, message string) error {
	return r.finalize(jobID, func(j *domain.PredictionJob) {
		j.Status = domain.JobError
		msg := message
		j.Error = &msg
	})
}

func (r *jobRepository) Get(_ context.Context, jobID string) (*domain.PredictionJob, error) {
	var job *domain.PredictionJob
	err := r.store.read(func(st *state) error {
		j, ok := st.jobs[jobID]
		if !ok {
			return errors.ErrJobNotFound
		}
		job = copyJob(j)
		return nil
	})
	return job, err
}

// GetForUpdate needs no row lock: units of work are already serialized.
func (r *jobRepository) GetForUpdate(ctx context.Context, jobID string) (*domain.PredictionJob, error) {
	return r.Get(ctx, jobID)
}

func (r *jobRepository) ListByOwner(_ context.Context, ownerID int64) ([]*domain.PredictionJob, error) {
	jobs := []*domain.PredictionJob{}
	err := r.store.read(func(st *state) error {
		for _, j := range st.jobs {
			if j.OwnerID == ownerID {
				jobs = append(jobs, copyJob(j))
			}
		}
		return nil
	})
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
		}
		return jobs[i].ID > jobs[k].ID
	})
	return jobs, err
}

var _ domain.Store = (*Store)(nil)
