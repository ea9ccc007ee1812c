// Package submitter is the caller side of the protocol: it drives a
// submission through create, approval and enqueue, then polls its status
// until a terminal state or one of its own give-up conditions.
package submitter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"submission-orchestrator/internal/common"
	"submission-orchestrator/internal/models"
)

// Caller-side conclusions. Neither is ever written to the job store.
var (
	// ErrLostJob means the server kept answering unknown. The job may still finish.
	ErrLostJob = errors.New("lost contact with the submission worker; check the submission status later before resubmitting")
	// ErrSoftTimeout means the polling budget ran out while the job was still live.
	ErrSoftTimeout = errors.New("submission is still processing; check back later")
)

// StatusFetcher reads one status snapshot. client.Client satisfies it.
type StatusFetcher interface {
	Status(ctx context.Context, jobID, submissionID string) (models.StatusSnapshot, error)
}

// Ref identifies the job being polled
type Ref struct {
	JobID        string
	SubmissionID string
}

// Config bounds the poll loop
type Config struct {
	Interval      time.Duration
	MaxAttempts   int
	LostThreshold int
	PollTimeout   time.Duration
	Checkpoints   []Checkpoint
}

// DefaultConfig polls every 3s for up to 10 minutes.
func DefaultConfig() Config {
	return Config{
		Interval:      3 * time.Second,
		MaxAttempts:   200,
		LostThreshold: 3,
		PollTimeout:   10 * time.Second,
		Checkpoints:   DefaultCheckpoints,
	}
}

// Update is handed to the caller after every successful poll.
type Update struct {
	Attempt  int
	Snapshot models.StatusSnapshot
	// Message is the checkpoint line while in progress, else the server's message.
	Message       string
	UnknownStreak int
}

// Poller runs the status loop
type Poller struct {
	fetcher StatusFetcher
	cfg     Config
	logger  *slog.Logger
}

func NewPoller(fetcher StatusFetcher, cfg Config, logger *slog.Logger) *Poller {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.LostThreshold <= 0 {
		cfg.LostThreshold = def.LostThreshold
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.Checkpoints == nil {
		cfg.Checkpoints = def.Checkpoints
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{fetcher: fetcher, cfg: cfg, logger: logger}
}

// Run polls until the job is terminal, declared lost, the budget is spent or
// ctx is cancelled. It returns the last snapshot seen and:
//   - nil when completed
//   - *models.WorkerError when failed
//   - ErrLostJob after LostThreshold consecutive unknown answers
//   - ErrSoftTimeout after MaxAttempts polls
//   - ctx.Err() on cancellation
//
// Fetch errors are retried on the next tick and do not count toward the
// unknown streak; a not-found or validation error ends the loop.
func (p *Poller) Run(ctx context.Context, ref Ref, onUpdate func(Update)) (models.StatusSnapshot, error) {
	if onUpdate == nil {
		onUpdate = func(Update) {}
	}
	log := p.logger.With("job_id", ref.JobID, "submission_id", ref.SubmissionID)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	var (
		last    models.StatusSnapshot
		unknown int
	)
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return last, ctx.Err()
			case <-ticker.C:
			}
		}
		// A tick and a cancel can be ready together; cancel wins.
		if err := ctx.Err(); err != nil {
			return last, err
		}

		pollCtx, cancel := context.WithTimeout(ctx, p.cfg.PollTimeout)
		snap, err := p.fetcher.Status(pollCtx, ref.JobID, ref.SubmissionID)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			var ve *models.ValidationError
			if errors.Is(err, common.ErrNotFound) || errors.As(err, &ve) {
				return last, err
			}
			log.Warn("status poll failed, retrying", "attempt", attempt, "error", err)
			continue
		}
		last = snap

		if snap.State == models.StatusUnknown {
			unknown++
		} else {
			unknown = 0
		}

		msg := snap.Message
		if snap.State == models.StatusInProgress {
			msg = MessageFor(p.cfg.Checkpoints, snap.Progress)
		}
		onUpdate(Update{Attempt: attempt, Snapshot: snap, Message: msg, UnknownStreak: unknown})

		switch {
		case snap.State == models.StatusCompleted:
			return snap, nil
		case snap.State == models.StatusFailed:
			return snap, &models.WorkerError{Code: snap.ErrorCode, Message: snap.ErrorMessage}
		case unknown >= p.cfg.LostThreshold:
			log.Warn("job declared lost", "attempt", attempt, "unknown_polls", unknown)
			return snap, ErrLostJob
		}
	}

	log.Info("polling budget exhausted", "attempts", p.cfg.MaxAttempts, "state", last.State)
	return last, ErrSoftTimeout
}
