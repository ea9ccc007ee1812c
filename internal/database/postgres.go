package database

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"submission-orchestrator/internal/models"
)

// PGConfig tunes the Postgres pool
type PGConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// PGStore is the Postgres-backed Store
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Store = (*PGStore)(nil)

// OpenPostgres creates a pgx pool and verifies it answers.
func OpenPostgres(ctx context.Context, cfg PGConfig, logger *slog.Logger) (*PGStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		logger.Error("failed to parse database dsn", "error", err)
		return nil, err
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "submission-orchestrator"

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 3 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		logger.Error("database ping failed", "error", err)
		return nil, err
	}

	logger.Info("connected to postgres")
	return &PGStore{pool: pool, logger: logger}, nil
}

// InitSchema creates the jobs table if missing
func (s *PGStore) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
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
		auth_expires_at TIMESTAMPTZ,
		auth_session TEXT,
		worker_id TEXT,
		version BIGINT NOT NULL DEFAULT 0,
		trace_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_job_id ON jobs(job_id) WHERE job_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_status ON jobs(status, updated_at);
	`)
	return err
}

func (s *PGStore) InsertJob(ctx context.Context, job *models.Job) error {
	args, err := insertArgs(job)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, rebind(insertJobSQL), args...)
	return err
}

func (s *PGStore) GetJobBySubmissionID(ctx context.Context, submissionID string) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, rebind(selectBySubmissionSQL), submissionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("submission", submissionID)
	}
	return job, err
}

func (s *PGStore) GetJobByID(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, rebind(selectByJobIDSQL), jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("job", jobID)
	}
	return job, err
}

func (s *PGStore) ConfirmAuth(ctx context.Context, submissionID, session string, now time.Time) (bool, error) {
	return s.execCAS(ctx, confirmAuthSQL, session, MessageAuthConfirmed, now.UTC(), submissionID)
}

func (s *PGStore) RestartAuth(ctx context.Context, submissionID, txID string, expiresAt, now time.Time) (bool, error) {
	return s.execCAS(ctx, restartAuthSQL, txID, expiresAt.UTC(), now.UTC(), submissionID)
}

func (s *PGStore) AssignJobID(ctx context.Context, submissionID string, from models.Status, jobID string, now time.Time) (bool, error) {
	return s.execCAS(ctx, assignJobIDSQL, jobID, MessageQueued, now.UTC(), submissionID, string(from))
}

// LeaseNext claims the oldest queued row; SKIP LOCKED keeps concurrent workers off each other.
func (s *PGStore) LeaseNext(ctx context.Context, workerID string, now time.Time) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'in_progress', worker_id = $1, message = $2, updated_at = $3, version = version + 1
		WHERE submission_id = (
			SELECT submission_id FROM jobs
			WHERE status = 'queued'
			ORDER BY updated_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status = 'queued'
		RETURNING `+jobColumns, workerID, MessageStarted, now.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoJobs
	}
	return job, err
}

func (s *PGStore) RecordProgress(ctx context.Context, jobID, workerID string, progress int, message string, now time.Time) (bool, error) {
	return s.execCAS(ctx, recordProgressSQL, progress, nullString(message), now.UTC(), jobID, workerID, progress)
}

func (s *PGStore) Heartbeat(ctx context.Context, jobID, workerID string, now time.Time) (bool, error) {
	return s.execCAS(ctx, heartbeatSQL, now.UTC(), jobID, workerID)
}

func (s *PGStore) Complete(ctx context.Context, jobID, workerID string, result models.Result, message string, now time.Time) (bool, error) {
	encoded, err := encodeResult(result)
	if err != nil {
		return false, err
	}
	return s.execCAS(ctx, completeSQL, message, encoded, now.UTC(), now.UTC(), jobID, workerID)
}

func (s *PGStore) Fail(ctx context.Context, jobID, workerID string, code models.ErrorCode, message string, now time.Time) (bool, error) {
	return s.execCAS(ctx, failSQL, string(code), nullString(message), MessageFailed, now.UTC(), now.UTC(), jobID, workerID)
}

func (s *PGStore) MarkUnknown(ctx context.Context, jobID string, version int64) (bool, error) {
	return s.execCAS(ctx, markUnknownSQL, jobID, version)
}

func (s *PGStore) ListJobs(ctx context.Context, status models.Status, limit int) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, rebind(query), args...)
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

func (s *PGStore) GetMetrics(ctx context.Context) (*models.Metrics, error) {
	rows, err := s.pool.Query(ctx, metricsSQL)
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

func (s *PGStore) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, rebind(purgeTerminalSQL), before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) ResolveLost(ctx context.Context, before time.Time, code models.ErrorCode, detail string, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, rebind(resolveLostSQL), string(code), nullString(detail), MessageFailed, now.UTC(), now.UTC(), before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) PurgeAbandoned(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, rebind(purgeAbandonedSQL), before.UTC(), before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PGStore) execCAS(ctx context.Context, query string, args ...any) (bool, error) {
	tag, err := s.pool.Exec(ctx, rebind(query), args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// rebind turns ? placeholders into $1..$n.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
