package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"submission-orchestrator/internal/common"
	"submission-orchestrator/internal/models"
)

// ErrNoJobs is returned by LeaseNext when nothing is queued.
var ErrNoJobs = errors.New("no queued jobs")

// Store is the durable job record. Every mutating call is a compare-and-set:
// the bool result reports whether the guarded write applied.
type Store interface {
	InsertJob(ctx context.Context, job *models.Job) error
	GetJobBySubmissionID(ctx context.Context, submissionID string) (*models.Job, error)
	GetJobByID(ctx context.Context, jobID string) (*models.Job, error)

	// auth_pending -> auth_confirmed
	ConfirmAuth(ctx context.Context, submissionID, session string, now time.Time) (bool, error)
	// auth_pending, new approval transaction
	RestartAuth(ctx context.Context, submissionID, txID string, expiresAt, now time.Time) (bool, error)
	// from -> queued, only while job_id is unset
	AssignJobID(ctx context.Context, submissionID string, from models.Status, jobID string, now time.Time) (bool, error)

	// queued -> in_progress for exactly one caller
	LeaseNext(ctx context.Context, workerID string, now time.Time) (*models.Job, error)
	RecordProgress(ctx context.Context, jobID, workerID string, progress int, message string, now time.Time) (bool, error)
	Heartbeat(ctx context.Context, jobID, workerID string, now time.Time) (bool, error)
	Complete(ctx context.Context, jobID, workerID string, result models.Result, message string, now time.Time) (bool, error)
	Fail(ctx context.Context, jobID, workerID string, code models.ErrorCode, message string, now time.Time) (bool, error)

	// in_progress -> unknown, guarded on the version the caller observed
	MarkUnknown(ctx context.Context, jobID string, version int64) (bool, error)

	ListJobs(ctx context.Context, status models.Status, limit int) ([]models.Job, error)
	GetMetrics(ctx context.Context) (*models.Metrics, error)
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
	// in_progress/unknown -> failed for every record silent since before
	ResolveLost(ctx context.Context, before time.Time, code models.ErrorCode, detail string, now time.Time) (int64, error)
	// deletes approvals expired before the cutoff and never-queued records idle since it
	PurgeAbandoned(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

const jobColumns = `submission_id, job_id, kind, status, progress, message, error_code, error_message, result,
	service_target, payload_ref, identity, agent_id, auth_provider, auth_tx_id, auth_expires_at, auth_session,
	worker_id, version, trace_id, created_at, updated_at, finished_at`

// Shared statements, written with ? placeholders. The Postgres store rebinds them.
const (
	insertJobSQL = `INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectBySubmissionSQL = `SELECT ` + jobColumns + ` FROM jobs WHERE submission_id = ?`
	selectByJobIDSQL      = `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = ?`

	confirmAuthSQL = `UPDATE jobs
		SET status = 'auth_confirmed', auth_session = ?, message = ?, updated_at = ?, version = version + 1
		WHERE submission_id = ? AND status = 'auth_pending'`

	restartAuthSQL = `UPDATE jobs
		SET auth_tx_id = ?, auth_expires_at = ?, updated_at = ?, version = version + 1
		WHERE submission_id = ? AND status = 'auth_pending'`

	assignJobIDSQL = `UPDATE jobs
		SET job_id = ?, status = 'queued', message = ?, updated_at = ?, version = version + 1
		WHERE submission_id = ? AND status = ? AND job_id IS NULL`

	recordProgressSQL = `UPDATE jobs
		SET status = 'in_progress', progress = ?, message = ?, updated_at = ?, version = version + 1
		WHERE job_id = ? AND worker_id = ? AND status IN ('in_progress', 'unknown') AND progress <= ?`

	heartbeatSQL = `UPDATE jobs
		SET status = 'in_progress', updated_at = ?, version = version + 1
		WHERE job_id = ? AND worker_id = ? AND status IN ('in_progress', 'unknown')`

	completeSQL = `UPDATE jobs
		SET status = 'completed', progress = 100, message = ?, result = ?, updated_at = ?, finished_at = ?, version = version + 1
		WHERE job_id = ? AND worker_id = ? AND status IN ('in_progress', 'unknown')`

	failSQL = `UPDATE jobs
		SET status = 'failed', error_code = ?, error_message = ?, message = ?, updated_at = ?, finished_at = ?, version = version + 1
		WHERE job_id = ? AND worker_id = ? AND status IN ('in_progress', 'unknown')`

	markUnknownSQL = `UPDATE jobs
		SET status = 'unknown', version = version + 1
		WHERE job_id = ? AND status = 'in_progress' AND version = ?`

	purgeTerminalSQL = `DELETE FROM jobs WHERE status IN ('completed', 'failed') AND updated_at < ?`

	resolveLostSQL = `UPDATE jobs
		SET status = 'failed', error_code = ?, error_message = ?, message = ?, updated_at = ?, finished_at = ?, version = version + 1
		WHERE status IN ('in_progress', 'unknown') AND updated_at < ?`

	purgeAbandonedSQL = `DELETE FROM jobs
		WHERE (status = 'auth_pending' AND auth_expires_at < ?)
			OR (status IN ('created', 'auth_confirmed') AND updated_at < ?)`

	metricsSQL = `SELECT status, COUNT(*) FROM jobs GROUP BY status`
)

// Status lines written alongside state changes.
const (
	MessageAuthConfirmed = "Authentication confirmed"
	MessageQueued        = "Waiting for an available worker"
	MessageStarted       = "Worker started the submission"
	MessageCompleted     = "Submission completed"
	MessageFailed        = "Submission failed"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*models.Job, error) {
	var (
		job                                      models.Job
		jobID, message, errorCode, errorMessage  sql.NullString
		result, payloadRef, identity, agentID    sql.NullString
		authProvider, authTxID, authSession, wid sql.NullString
		authExpiresAt, finishedAt                sql.NullTime
		kind, status                             string
	)

	err := row.Scan(&job.SubmissionID, &jobID, &kind, &status, &job.Progress, &message,
		&errorCode, &errorMessage, &result, &job.ServiceTarget, &payloadRef, &identity, &agentID,
		&authProvider, &authTxID, &authExpiresAt, &authSession, &wid, &job.Version, &job.TraceID,
		&job.CreatedAt, &job.UpdatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	job.Kind = models.Kind(kind)
	job.Status = models.Status(status)
	job.JobID = jobID.String
	job.Message = message.String
	job.ErrorCode = models.ErrorCode(errorCode.String)
	job.ErrorMessage = errorMessage.String
	job.PayloadRef = payloadRef.String
	job.AgentID = agentID.String
	job.AuthProvider = authProvider.String
	job.AuthTxID = authTxID.String
	job.AuthSession = authSession.String
	job.WorkerID = wid.String
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if authExpiresAt.Valid {
		t := authExpiresAt.Time.UTC()
		job.AuthExpiresAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		job.FinishedAt = &t
	}
	if result.Valid && result.String != "" {
		var r models.Result
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decode result for %s: %w", job.SubmissionID, err)
		}
		job.Result = &r
	}
	if job.Identity, err = models.DecodeIdentity(identity.String); err != nil {
		return nil, fmt.Errorf("decode identity for %s: %w", job.SubmissionID, err)
	}
	return &job, nil
}

// insertArgs flattens a job in jobColumns order.
func insertArgs(job *models.Job) ([]any, error) {
	identity, err := models.EncodeIdentity(job.Identity)
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	var result sql.NullString
	if job.Result != nil {
		b, err := json.Marshal(job.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		result = sql.NullString{String: string(b), Valid: true}
	}
	return []any{
		job.SubmissionID, nullString(job.JobID), string(job.Kind), string(job.Status), job.Progress,
		nullString(job.Message), nullString(string(job.ErrorCode)), nullString(job.ErrorMessage), result,
		job.ServiceTarget, nullString(job.PayloadRef), identity, nullString(job.AgentID),
		nullString(job.AuthProvider), nullString(job.AuthTxID), nullTime(job.AuthExpiresAt), nullString(job.AuthSession),
		nullString(job.WorkerID), job.Version, job.TraceID, job.CreatedAt.UTC(), job.UpdatedAt.UTC(), nullTime(job.FinishedAt),
	}, nil
}

func encodeResult(r models.Result) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}

func notFound(what, id string) error {
	return common.NewAppError("NOT_FOUND", fmt.Sprintf("%s %s", what, id), common.ErrNotFound)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func metricsFromCounts(counts map[models.Status]int64) *models.Metrics {
	m := &models.Metrics{
		AuthPending:    counts[models.StatusAuthPending],
		AuthConfirmed:  counts[models.StatusAuthConfirmed],
		QueuedJobs:     counts[models.StatusQueued],
		InProgressJobs: counts[models.StatusInProgress],
		CompletedJobs:  counts[models.StatusCompleted],
		FailedJobs:     counts[models.StatusFailed],
		UnknownJobs:    counts[models.StatusUnknown],
	}
	for _, n := range counts {
		m.TotalJobs += n
	}
	return m
}
