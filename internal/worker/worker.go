package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"submission-orchestrator/internal/database"
	"submission-orchestrator/internal/models"
)

// CodeAutomationError is written when the automation fails without a
// classified error code. Clients get the generic guidance for it.
const CodeAutomationError models.ErrorCode = "AUTOMATION_ERROR"

// Automation drives the external portal for one job. It reports progress
// through r and returns the receipt on success. Classified failures are
// returned as *models.WorkerError.
type Automation interface {
	Run(ctx context.Context, job *models.Job, r *Reporter) (models.Result, error)
}

// Config holds the loop timings
type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Worker leases queued jobs and runs them through the automation
type Worker struct {
	id         string
	store      database.Store
	automation Automation
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
	onUpdate   func(submissionID string)
}

// New creates a new worker
func New(id string, store database.Store, automation Automation, cfg Config, logger *slog.Logger, onUpdate func(submissionID string)) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if onUpdate == nil {
		onUpdate = func(string) {}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	return &Worker{
		id:         id,
		store:      store,
		automation: automation,
		cfg:        cfg,
		logger:     logger.With("worker_id", id),
		now:        time.Now,
		onUpdate:   onUpdate,
	}
}

// ID returns the lease owner name this worker writes with.
func (w *Worker) ID() string {
	return w.id
}

// Start polls for work until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("worker started")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down")
			return
		case <-ticker.C:
			// Drain the queue before waiting for the next tick.
			for ctx.Err() == nil && w.processNextJob(ctx) {
			}
		}
	}
}

// processNextJob leases and runs one job. It reports whether a job was found.
func (w *Worker) processNextJob(ctx context.Context) bool {
	job, err := w.store.LeaseNext(ctx, w.id, w.now().UTC())
	if errors.Is(err, database.ErrNoJobs) {
		return false
	}
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("lease failed", "error", err)
		}
		return false
	}

	log := w.logger.With("job_id", job.JobID, "submission_id", job.SubmissionID, "trace_id", job.TraceID)
	log.Info("job started", "status", job.Status, "service_target", job.ServiceTarget)
	w.onUpdate(job.SubmissionID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reporter := newReporter(w.store, job, w.id, w.now, w.onUpdate)
	var (
		wg   sync.WaitGroup
		lost bool
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		lost = w.heartbeat(runCtx, reporter, log)
		if lost {
			cancel()
		}
	}()

	result, runErr := w.automation.Run(runCtx, job, reporter)
	cancel()
	wg.Wait()

	// Outcomes are written even during shutdown.
	writeCtx := context.WithoutCancel(ctx)
	switch {
	case runErr == nil:
		if err = reporter.Complete(writeCtx, result); err == nil {
			log.Info("job completed", "receipt_number", result.ReceiptNumber)
		}
	case lost || errors.Is(runErr, ErrLeaseLost):
		log.Warn("lease lost, abandoning job", "error", runErr)
		return true
	case ctx.Err() != nil && errors.Is(runErr, context.Canceled):
		log.Warn("shutdown interrupted job; it will read unknown until resolved")
		return true
	default:
		var we *models.WorkerError
		if !errors.As(runErr, &we) {
			we = &models.WorkerError{Code: CodeAutomationError, Message: runErr.Error()}
		}
		if err = reporter.Fail(writeCtx, we); err == nil {
			log.Warn("job failed", "error_code", we.Code, "error", we.Message)
		}
	}
	if err != nil {
		log.Error("failed to record job outcome", "error", err)
	}
	return true
}

// heartbeat refreshes updatedAt while the automation runs. It returns true
// when the store rejected a heartbeat because the lease is gone.
func (w *Worker) heartbeat(ctx context.Context, r *Reporter, log *slog.Logger) bool {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			err := r.Heartbeat(ctx)
			if errors.Is(err, ErrLeaseLost) {
				log.Warn("heartbeat rejected, lease lost")
				return true
			}
			if err != nil && ctx.Err() == nil {
				log.Error("heartbeat failed", "error", err)
			}
		}
	}
}

// StartPool runs count workers until ctx is cancelled. The returned
// WaitGroup is done once every worker has stopped.
func StartPool(ctx context.Context, count int, store database.Store, automation Automation, cfg Config, logger *slog.Logger, onUpdate func(submissionID string)) *sync.WaitGroup {
	var wg sync.WaitGroup
	prefix := uuid.New().String()[:8]
	for i := 1; i <= count; i++ {
		w := New(fmt.Sprintf("worker-%s-%d", prefix, i), store, automation, cfg, logger, onUpdate)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Start(ctx)
		}()
	}
	return &wg
}
