package submitter

import (
	"context"
	"errors"
	"log/slog"

	"submission-orchestrator/internal/models"
)

// API is the server surface a submission needs. client.Client satisfies it.
type API interface {
	StatusFetcher
	Create(ctx context.Context, req models.CreateRequest) (models.CreateResult, error)
	Confirm(ctx context.Context, submissionID string) error
	Enqueue(ctx context.Context, submissionID string) (string, error)
}

// Approver blocks until the user says the approval on their device is done.
// attempt counts confirm tries, starting at 1. Returning an error aborts.
type Approver func(ctx context.Context, submissionID string, attempt int) error

// Submitter runs the whole client workflow for one submission.
type Submitter struct {
	api    API
	poller *Poller
	logger *slog.Logger
}

func New(api API, cfg Config, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{api: api, poller: NewPoller(api, cfg, logger), logger: logger}
}

// Submit creates the submission, walks the approval gate for PORTAL_SUBMIT
// (asking approve before each confirm), enqueues and polls. The returned Ref
// is filled as far as the workflow got, so a caller can resume with Watch.
func (s *Submitter) Submit(ctx context.Context, req models.CreateRequest, approve Approver, onUpdate func(Update)) (Ref, models.StatusSnapshot, error) {
	res, err := s.api.Create(ctx, req)
	ref := Ref{JobID: res.JobID, SubmissionID: res.SubmissionID}
	if err != nil {
		return ref, models.StatusSnapshot{}, err
	}
	log := s.logger.With("submission_id", ref.SubmissionID)
	log.Info("submission created", "state", res.State)

	if res.State == models.StatusAuthPending {
		if approve == nil {
			return ref, models.StatusSnapshot{}, &models.AuthError{Reason: "submission needs device approval but no approver was given"}
		}
		if err := s.confirm(ctx, ref.SubmissionID, approve); err != nil {
			return ref, models.StatusSnapshot{}, err
		}
	}

	if ref.JobID == "" {
		if ref.JobID, err = s.api.Enqueue(ctx, ref.SubmissionID); err != nil {
			return ref, models.StatusSnapshot{}, err
		}
		log.Info("submission queued", "job_id", ref.JobID)
	}

	snap, err := s.poller.Run(ctx, ref, onUpdate)
	return ref, snap, err
}

// Watch polls an already queued submission.
func (s *Submitter) Watch(ctx context.Context, ref Ref, onUpdate func(Update)) (models.StatusSnapshot, error) {
	return s.poller.Run(ctx, ref, onUpdate)
}

// confirm loops approve+Confirm while the server answers retryable AuthError.
// An expired window is returned to the caller untouched.
func (s *Submitter) confirm(ctx context.Context, submissionID string, approve Approver) error {
	for attempt := 1; ; attempt++ {
		if err := approve(ctx, submissionID, attempt); err != nil {
			return err
		}
		err := s.api.Confirm(ctx, submissionID)
		var ae *models.AuthError
		if errors.As(err, &ae) && ae.Retryable {
			s.logger.Info("approval not completed yet", "submission_id", submissionID, "attempt", attempt)
			continue
		}
		return err
	}
}
