package database

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"submission-orchestrator/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database with the Store operations
type DB struct {
	*sql.DB
}

var _ Store = (*DB)(nil)

// New opens a SQLite database. Writes are serialized through a single
// connection and transactions start IMMEDIATE so a lease never races.
func New(dataSourceName string) (*DB, error) {
	dsn := dataSourceName
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &DB{db}, nil
}

// InitSchema initializes the database schema
func (db *DB) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		submission_id TEXT PRIMARY KEY,
		job_id TEXT,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		message TEXT,
		error_code TEXT,
		error_message TEXT,
		result TEXT,
		service_target TEXT NOT NULL,
		payload_ref TEXT,
		identity TEXT,
		agent_id TEXT,
		auth_provider TEXT,
		auth_tx_id TEXT,
		auth_expires_at DATETIME,
		auth_session TEXT,
		worker_id TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		trace_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_job_id ON jobs(job_id) WHERE job_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_status ON jobs(status, updated_at);
	`

	_, err := db.Exec(schema)
	return err
}

// InsertJob inserts a new submission record
func (db *DB) InsertJob(ctx context.Context, job *models.Job) error {
	args, err := insertArgs(job)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, insertJobSQL, args...)
	return err
}

// GetJobBySubmissionID retrieves a record by its submission id
func (db *DB) GetJobBySubmissionID(ctx context.Context, submissionID string) (*models.Job, error) {
	job, err := scanJob(db.QueryRowContext(ctx, selectBySubmissionSQL, submissionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("submission", submissionID)
	}
	return job, err
}

// GetJobByID retrieves a record by its job id
func (db *DB) GetJobByID(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := scanJob(db.QueryRowContext(ctx, selectByJobIDSQL, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("job", jobID)
	}
	return job, err
}

func (db *DB) ConfirmAuth(ctx context.Context, submissionID, session string, now time.Time) (bool, error) {
	return db.execCAS(ctx, confirmAuthSQL, session, MessageAuthConfirmed, now.UTC(), submissionID)
}

func (db *DB) RestartAuth(ctx context.Context, submissionID, txID string, expiresAt, now time.Time) (bool, error) {
	return db.execCAS(ctx, restartAuthSQL, txID, expiresAt.UTC(), now.UTC(), submissionID)
}

func (db *DB) AssignJobID(ctx context.Context, submissionID string, from models.Status, jobID string, now time.Time) (bool, error) {
	return db.execCAS(ctx, assignJobIDSQL, jobID, MessageQueued, now.UTC(), submissionID, string(from))
}

// LeaseNext atomically hands the oldest queued job to workerID
func (db *DB) LeaseNext(ctx context.Context, workerID string, now time.Time) (*models.Job, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var submissionID string
	err = tx.QueryRowContext(ctx, `
		SELECT submission_id FROM jobs
		WHERE status = 'queued'
		ORDER BY updated_at ASC
		LIMIT 1
	`).Scan(&submissionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoJobs
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'in_progress', worker_id = ?, message = ?, updated_at = ?, version = version + 1
		WHERE submission_id = ? AND status = 'queued'
	`, workerID, MessageStarted, now.UTC(), submissionID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNoJobs
	}

	job, err := scanJob(tx.QueryRowContext(ctx, selectBySubmissionSQL, submissionID))
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

func (db *DB) RecordProgress(ctx context.Context, jobID, workerID string, progress int, message string, now time.Time) (bool, error) {
	return db.execCAS(ctx, recordProgressSQL, progress, nullString(message), now.UTC(), jobID, workerID, progress)
}

func (db *DB) Heartbeat(ctx context.Context, jobID, workerID string, now time.Time) (bool, error) {
	return db.execCAS(ctx, heartbeatSQL, now.UTC(), jobID, workerID)
}

func (db *DB) Complete(ctx context.Context, jobID, workerID string, result models.Result, message string, now time.Time) (bool, error) {
	encoded, err := encodeResult(result)
	if err != nil {
		return false, err
	}
	return db.execCAS(ctx, completeSQL, message, encoded, now.UTC(), now.UTC(), jobID, workerID)
}

func (db *DB) Fail(ctx context.Context, jobID, workerID string, code models.ErrorCode, message string, now time.Time) (bool, error) {
	return db.execCAS(ctx, failSQL, string(code), nullString(message), MessageFailed, now.UTC(), now.UTC(), jobID, workerID)
}

func (db *DB) MarkUnknown(ctx context.Context, jobID string, version int64) (bool, error) {
	return db.execCAS(ctx, markUnknownSQL, jobID, version)
}

// ListJobs retrieves records with optional status filtering, newest first
func (db *DB) ListJobs(ctx context.Context, status models.Status, limit int) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}

	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}

	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// GetMetrics counts records per state
func (db *DB) GetMetrics(ctx context.Context) (*models.Metrics, error) {
	rows, err := db.QueryContext(ctx, metricsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[models.Status]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return metricsFromCounts(counts), nil
}

// PurgeTerminal deletes finished records last touched before the cutoff
func (db *DB) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, purgeTerminalSQL, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResolveLost gives up on jobs whose worker has been silent since before
func (db *DB) ResolveLost(ctx context.Context, before time.Time, code models.ErrorCode, detail string, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, resolveLostSQL, string(code), nullString(detail), MessageFailed, now.UTC(), now.UTC(), before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeAbandoned deletes submissions that never reached the queue
func (db *DB) PurgeAbandoned(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, purgeAbandonedSQL, before.UTC(), before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

func (db *DB) execCAS(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
