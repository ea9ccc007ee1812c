package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"submission-orchestrator/internal/database"
	"submission-orchestrator/internal/models"
)

// ErrLeaseLost means the record is no longer owned by this worker or is already terminal.
var ErrLeaseLost = errors.New("job lease lost")

// Reporter is the only path through which a running job writes to the store.
// Progress never moves backwards.
type Reporter struct {
	store        database.Store
	jobID        string
	submissionID string
	workerID     string
	now          func() time.Time
	onUpdate     func(submissionID string)

	mu   sync.Mutex
	last int
	done bool
}

func newReporter(store database.Store, job *models.Job, workerID string, now func() time.Time, onUpdate func(string)) *Reporter {
	return &Reporter{
		store:        store,
		jobID:        job.JobID,
		submissionID: job.SubmissionID,
		workerID:     workerID,
		now:          now,
		onUpdate:     onUpdate,
		last:         job.Progress,
	}
}

// Progress records pct (clamped to 0..99 and to the last reported value) with message.
func (r *Reporter) Progress(ctx context.Context, pct int, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return ErrLeaseLost
	}
	if pct > 99 {
		pct = 99
	}
	if pct < r.last {
		pct = r.last
	}
	ok, err := r.store.RecordProgress(ctx, r.jobID, r.workerID, pct, message, r.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	r.last = pct
	r.onUpdate(r.submissionID)
	return nil
}

// Last returns the most recent progress written.
func (r *Reporter) Last() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Heartbeat refreshes updatedAt without changing progress.
func (r *Reporter) Heartbeat(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return ErrLeaseLost
	}
	ok, err := r.store.Heartbeat(ctx, r.jobID, r.workerID, r.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

// Complete writes the terminal success state.
func (r *Reporter) Complete(ctx context.Context, result models.Result) error {
	return r.finish(func(now time.Time) (bool, error) {
		return r.store.Complete(ctx, r.jobID, r.workerID, result, database.MessageCompleted, now)
	})
}

// Fail writes the terminal failure state.
func (r *Reporter) Fail(ctx context.Context, we *models.WorkerError) error {
	return r.finish(func(now time.Time) (bool, error) {
		return r.store.Fail(ctx, r.jobID, r.workerID, we.Code, we.Message, now)
	})
}

func (r *Reporter) finish(write func(now time.Time) (bool, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return ErrLeaseLost
	}
	ok, err := write(r.now().UTC())
	if err != nil {
		return err
	}
	r.done = true
	if !ok {
		return ErrLeaseLost
	}
	r.onUpdate(r.submissionID)
	return nil
}
