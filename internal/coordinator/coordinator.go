// Package coordinator owns the submission lifecycle on the server side: it
// validates and records new submissions, drives the OOB approval gate, hands
// work to the queue exactly once and answers status polls.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"submission-orchestrator/internal/authgate"
	"submission-orchestrator/internal/common"
	"submission-orchestrator/internal/database"
	"submission-orchestrator/internal/models"
	"submission-orchestrator/internal/payload"
)

// Defaults applied when an option is not given.
const (
	DefaultHeartbeatThreshold = 60 * time.Second
	DefaultRetentionWindow    = 72 * time.Hour
	DefaultLostAfter          = 24 * time.Hour
	DefaultAbandonAfter       = time.Hour
)

// CodeWorkerLost is written when a job's worker stayed silent past the
// lost-job window. Clients get the generic guidance for it.
const CodeWorkerLost models.ErrorCode = "WORKER_LOST"

const workerLostDetail = "The automation worker stopped reporting and the submission was abandoned; it may or may not have reached the portal"

// Coordinator is safe for concurrent use; all shared state lives in the store.
type Coordinator struct {
	store     database.Store
	gate      *authgate.Gate
	logger    *slog.Logger
	threshold time.Duration
	retention time.Duration
	lostAfter time.Duration
	abandon   time.Duration
	now       func() time.Time
	inspect   func(ref string) (payload.Info, error)
	notify    func(submissionID string)

	// in-flight confirms per submission; approval transactions are one-shot
	confirms singleflight.Group
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithHeartbeatThreshold sets how old updatedAt may get before an in-progress job reads as unknown.
func WithHeartbeatThreshold(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.threshold = d
		}
	}
}

// WithRetention sets how long terminal records are kept.
func WithRetention(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.retention = d
		}
	}
}

// WithLostAfter sets how long a job may go without any worker write before
// the sweep marks it failed.
func WithLostAfter(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.lostAfter = d
		}
	}
}

// WithAbandonAfter sets how long an expired approval, or a record that never
// reached the queue, is kept before the sweep deletes it.
func WithAbandonAfter(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.abandon = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithNotifier registers a callback run after every state change the coordinator writes.
func WithNotifier(fn func(submissionID string)) Option {
	return func(c *Coordinator) {
		c.notify = fn
	}
}

// WithPayloadInspector replaces the default inspector, which accepts URI references only.
func WithPayloadInspector(fn func(ref string) (payload.Info, error)) Option {
	return func(c *Coordinator) {
		c.inspect = fn
	}
}

// New builds a coordinator. gate may be nil when only DOCUMENT_SUBMIT is served.
func New(store database.Store, gate *authgate.Gate, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		store:     store,
		gate:      gate,
		logger:    logger,
		threshold: DefaultHeartbeatThreshold,
		retention: DefaultRetentionWindow,
		lostAfter: DefaultLostAfter,
		abandon:   DefaultAbandonAfter,
		now:       time.Now,
		inspect:   payload.NewInspector("").Inspect,
		notify:    func(string) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) validate(req *models.CreateRequest) error {
	v := common.NewValidator()
	v.Field("kind", string(req.Kind), common.Required,
		common.OneOf(string(models.KindPortalSubmit), string(models.KindDocumentSubmit)))
	v.Field("serviceTarget", req.ServiceTarget, common.Required, common.HTTPURL)
	v.Field("identityFields.name", req.IdentityFields.Name, common.Required)
	v.Field("identityFields.residentIdFront", req.IdentityFields.ResidentIDFront, common.Required, common.ExactDigits(6))
	v.Field("identityFields.residentIdBack", req.IdentityFields.ResidentIDBack, common.Required, common.ExactDigits(7))
	v.Field("identityFields.phone", req.IdentityFields.Phone, common.Required, common.PhoneNumber)

	switch req.Kind {
	case models.KindPortalSubmit:
		v.Field("authProvider", req.AuthProvider, common.Required, common.OneOf(authgate.Providers...))
	case models.KindDocumentSubmit:
		v.Field("payloadRef", req.PayloadRef, common.Required)
	}

	if strings.TrimSpace(req.PayloadRef) != "" {
		if _, err := c.inspect(req.PayloadRef); err != nil {
			v.Add("payloadRef", err.Error())
		}
	}
	return v.Err()
}

// CreateJob validates req and records a new submission. Nothing is written
// when validation fails. A request without a kind is a DOCUMENT_SUBMIT.
func (c *Coordinator) CreateJob(ctx context.Context, req models.CreateRequest) (models.CreateResult, error) {
	if req.Kind == "" {
		req.Kind = models.KindDocumentSubmit
	}
	req.ServiceTarget = strings.TrimSpace(req.ServiceTarget)
	req.PayloadRef = strings.TrimSpace(req.PayloadRef)
	req.IdentityFields.Phone = strings.NewReplacer("-", "", " ", "").Replace(req.IdentityFields.Phone)

	if err := c.validate(&req); err != nil {
		c.logger.Info("create rejected", "agent_id", req.AgentID, "error", err)
		return models.CreateResult{}, err
	}
	if req.Kind.RequiresAuth() && c.gate == nil {
		return models.CreateResult{}, common.NewAppError("AUTH_UNAVAILABLE", "no auth gate configured", common.ErrInternal)
	}

	now := c.now().UTC()
	job := &models.Job{
		SubmissionID:  uuid.New().String(),
		Kind:          req.Kind,
		ServiceTarget: req.ServiceTarget,
		PayloadRef:    req.PayloadRef,
		Identity:      req.IdentityFields,
		AgentID:       req.AgentID,
		TraceID:       uuid.New().String(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := models.TransitionJobStatus(job, models.StatusCreated); err != nil {
		return models.CreateResult{}, err
	}

	if req.Kind.RequiresAuth() {
		approval, err := c.gate.Trigger(ctx, authgate.ApprovalRequest{
			Provider:     req.AuthProvider,
			SubmissionID: job.SubmissionID,
			Identity:     req.IdentityFields,
		})
		if err != nil {
			return models.CreateResult{}, &models.AuthError{Retryable: true, Reason: err.Error()}
		}
		if err := models.TransitionJobStatus(job, models.StatusAuthPending); err != nil {
			return models.CreateResult{}, err
		}
		expires := approval.ExpiresAt.UTC()
		job.AuthProvider = req.AuthProvider
		job.AuthTxID = approval.TxID
		job.AuthExpiresAt = &expires
		job.Message = fmt.Sprintf("Approve the sign-in request in the %s app, then confirm", req.AuthProvider)
	}

	if err := c.store.InsertJob(ctx, job); err != nil {
		return models.CreateResult{}, common.WrapError(err, "insert submission")
	}
	c.logger.Info("submission created",
		"submission_id", job.SubmissionID, "trace_id", job.TraceID, "kind", job.Kind, "status", job.Status)
	c.notify(job.SubmissionID)

	res := models.CreateResult{SubmissionID: job.SubmissionID, State: job.Status}
	if req.Kind.RequiresAuth() {
		return res, nil
	}

	jobID, err := c.EnqueueSubmission(ctx, job.SubmissionID)
	if err != nil {
		// The record stays in created; the caller can retry the enqueue.
		return res, err
	}
	res.JobID = jobID
	res.State = models.StatusQueued
	return res, nil
}

// ConfirmAuth is gate phase 2 for a submission. Confirming an already
// confirmed (or later) submission is a no-op. Concurrent confirms for the same
// submission share one exchange with the provider.
func (c *Coordinator) ConfirmAuth(ctx context.Context, submissionID string) error {
	_, err, _ := c.confirms.Do(submissionID, func() (any, error) {
		return nil, c.confirmAuth(ctx, submissionID)
	})
	return err
}

func (c *Coordinator) confirmAuth(ctx context.Context, submissionID string) error {
	job, err := c.store.GetJobBySubmissionID(ctx, submissionID)
	if err != nil {
		return err
	}
	if !job.Kind.RequiresAuth() {
		return &models.AuthError{Retryable: false, Reason: "submission kind " + string(job.Kind) + " has no approval step"}
	}
	if job.Status != models.StatusAuthPending {
		return nil
	}
	if c.gate == nil {
		return common.NewAppError("AUTH_UNAVAILABLE", "no auth gate configured", common.ErrInternal)
	}

	var expires time.Time
	if job.AuthExpiresAt != nil {
		expires = *job.AuthExpiresAt
	}
	session, err := c.gate.Confirm(ctx, job.AuthProvider, job.AuthTxID, expires)
	if err != nil {
		// Another confirm may have used the transaction and moved the record on.
		if current, rerr := c.store.GetJobBySubmissionID(ctx, submissionID); rerr == nil && current.Status != models.StatusAuthPending {
			c.logger.Debug("confirm raced a completed confirm", "submission_id", submissionID, "status", current.Status)
			return nil
		}
		c.logger.Info("auth not confirmed", "submission_id", submissionID, "error", err)
		return err
	}

	ok, err := c.store.ConfirmAuth(ctx, submissionID, session.Token, c.now().UTC())
	if err != nil {
		return common.WrapError(err, "confirm auth")
	}
	if !ok {
		// A concurrent confirm got there first.
		current, err := c.store.GetJobBySubmissionID(ctx, submissionID)
		if err != nil {
			return err
		}
		if current.Status == models.StatusAuthPending {
			return common.NewAppError("CONFLICT", "auth state changed during confirm", common.ErrConflict)
		}
		return nil
	}
	c.logger.Info("auth confirmed", "submission_id", submissionID, "trace_id", job.TraceID)
	c.notify(submissionID)
	return nil
}

// RestartAuth re-runs gate phase 1 for a submission still waiting on approval.
func (c *Coordinator) RestartAuth(ctx context.Context, submissionID string) error {
	job, err := c.store.GetJobBySubmissionID(ctx, submissionID)
	if err != nil {
		return err
	}
	if job.Status != models.StatusAuthPending {
		return &models.AuthError{Retryable: false, Reason: "submission is " + string(job.Status) + ", not waiting on approval"}
	}
	if c.gate == nil {
		return common.NewAppError("AUTH_UNAVAILABLE", "no auth gate configured", common.ErrInternal)
	}

	approval, err := c.gate.Trigger(ctx, authgate.ApprovalRequest{
		Provider:     job.AuthProvider,
		SubmissionID: submissionID,
		Identity:     job.Identity,
	})
	if err != nil {
		return &models.AuthError{Retryable: true, Reason: err.Error()}
	}
	ok, err := c.store.RestartAuth(ctx, submissionID, approval.TxID, approval.ExpiresAt.UTC(), c.now().UTC())
	if err != nil {
		return common.WrapError(err, "restart auth")
	}
	if !ok {
		return &models.AuthError{Retryable: false, Reason: "submission left auth_pending during restart"}
	}
	c.logger.Info("auth restarted", "submission_id", submissionID, "trace_id", job.TraceID)
	c.notify(submissionID)
	return nil
}

// EnqueueSubmission queues the submission and returns its jobId. Repeated and
// concurrent calls all return the same jobId; only the first one queues work.
func (c *Coordinator) EnqueueSubmission(ctx context.Context, submissionID string) (string, error) {
	job, err := c.store.GetJobBySubmissionID(ctx, submissionID)
	if err != nil {
		return "", err
	}
	if job.JobID != "" {
		return job.JobID, nil
	}

	from := models.Enqueueable(job.Kind)
	if job.Status != from {
		if job.Status == models.StatusAuthPending {
			return "", &models.QueueError{Reason: "authentication has not been confirmed"}
		}
		return "", &models.QueueError{Reason: "submission cannot be queued from state " + string(job.Status)}
	}
	if !models.CanTransition(job.Status, models.StatusQueued) {
		return "", &models.QueueError{Reason: "illegal transition to queued"}
	}

	jobID := uuid.New().String()
	ok, err := c.store.AssignJobID(ctx, submissionID, from, jobID, c.now().UTC())
	if err != nil {
		return "", &models.QueueError{Reason: "job store rejected the write", Cause: err}
	}
	if !ok {
		current, err := c.store.GetJobBySubmissionID(ctx, submissionID)
		if err != nil {
			return "", &models.QueueError{Reason: "re-read after lost race", Cause: err}
		}
		if current.JobID == "" {
			return "", &models.QueueError{Reason: "submission cannot be queued from state " + string(current.Status)}
		}
		c.logger.Debug("enqueue deduplicated", "submission_id", submissionID, "job_id", current.JobID)
		return current.JobID, nil
	}

	c.logger.Info("submission queued", "submission_id", submissionID, "job_id", jobID, "trace_id", job.TraceID)
	c.notify(submissionID)
	return jobID, nil
}

// GetStatus reads the current snapshot by jobId, or by submissionId when jobId
// is empty. An in-progress job whose heartbeat is older than the threshold is
// reported, and persisted, as unknown.
func (c *Coordinator) GetStatus(ctx context.Context, jobID, submissionID string) (models.StatusSnapshot, error) {
	job, err := c.lookup(ctx, jobID, submissionID)
	if err != nil {
		return models.StatusSnapshot{}, err
	}

	if job.Status == models.StatusInProgress && c.now().Sub(job.UpdatedAt) > c.threshold {
		ok, err := c.store.MarkUnknown(ctx, job.JobID, job.Version)
		if err != nil {
			return models.StatusSnapshot{}, common.WrapError(err, "mark unknown")
		}
		if ok {
			c.logger.Warn("heartbeat stale, job marked unknown",
				"job_id", job.JobID, "submission_id", job.SubmissionID, "worker_id", job.WorkerID,
				"last_update", job.UpdatedAt)
			job.Status = models.StatusUnknown
			job.Version++
			c.notify(job.SubmissionID)
		} else if job, err = c.lookup(ctx, job.JobID, ""); err != nil {
			// The worker wrote in between; report what it wrote.
			return models.StatusSnapshot{}, err
		}
	}
	return job.Snapshot(), nil
}

func (c *Coordinator) lookup(ctx context.Context, jobID, submissionID string) (*models.Job, error) {
	switch {
	case jobID != "":
		job, err := c.store.GetJobByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if submissionID != "" && job.SubmissionID != submissionID {
			return nil, common.NewAppError("NOT_FOUND", "job "+jobID+" does not belong to submission "+submissionID, common.ErrNotFound)
		}
		return job, nil
	case submissionID != "":
		return c.store.GetJobBySubmissionID(ctx, submissionID)
	default:
		return nil, &models.ValidationError{Fields: []models.FieldError{{Field: "jobId", Message: "jobId or submissionId is required"}}}
	}
}

// PurgeExpired deletes terminal records older than the retention window.
func (c *Coordinator) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := c.now().UTC().Add(-c.retention)
	n, err := c.store.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return 0, common.WrapError(err, "purge terminal jobs")
	}
	if n > 0 {
		c.logger.Info("purged finished submissions", "count", n, "before", cutoff)
	}
	return n, nil
}

// ResolveLost fails every in-progress or unknown job with no worker write
// within the lost-job window. A late result from that worker is then rejected.
func (c *Coordinator) ResolveLost(ctx context.Context) (int64, error) {
	now := c.now().UTC()
	cutoff := now.Add(-c.lostAfter)
	n, err := c.store.ResolveLost(ctx, cutoff, CodeWorkerLost, workerLostDetail, now)
	if err != nil {
		return 0, common.WrapError(err, "resolve lost jobs")
	}
	if n > 0 {
		c.logger.Warn("gave up on silent jobs", "count", n, "silent_since", cutoff, "error_code", CodeWorkerLost)
	}
	return n, nil
}

// PurgeAbandoned deletes submissions that never made it to the queue: approvals
// expired for longer than the abandon window, and created or confirmed records
// idle for as long.
func (c *Coordinator) PurgeAbandoned(ctx context.Context) (int64, error) {
	cutoff := c.now().UTC().Add(-c.abandon)
	n, err := c.store.PurgeAbandoned(ctx, cutoff)
	if err != nil {
		return 0, common.WrapError(err, "purge abandoned submissions")
	}
	if n > 0 {
		c.logger.Info("purged abandoned submissions", "count", n, "before", cutoff)
	}
	return n, nil
}

// Sweep runs one maintenance pass: lost jobs are failed, then abandoned and
// expired records are deleted.
func (c *Coordinator) Sweep(ctx context.Context) error {
	_, lostErr := c.ResolveLost(ctx)
	_, abandonErr := c.PurgeAbandoned(ctx)
	_, purgeErr := c.PurgeExpired(ctx)
	return errors.Join(lostErr, abandonErr, purgeErr)
}

// RunRetention sweeps on every tick until ctx is done.
func (c *Coordinator) RunRetention(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("retention pass failed", "error", err)
			}
		}
	}
}

// ListJobs returns records for the admin listing, newest first.
func (c *Coordinator) ListJobs(ctx context.Context, status models.Status, limit int) ([]models.Job, error) {
	if status != "" && !models.IsKnownStatus(status) {
		return nil, &models.ValidationError{Fields: []models.FieldError{{Field: "state", Message: "unknown state " + string(status)}}}
	}
	return c.store.ListJobs(ctx, status, limit)
}

// Metrics returns per-state counts.
func (c *Coordinator) Metrics(ctx context.Context) (*models.Metrics, error) {
	return c.store.GetMetrics(ctx)
}
