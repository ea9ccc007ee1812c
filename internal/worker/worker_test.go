package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"submission-orchestrator/internal/database"
	"submission-orchestrator/internal/models"
)

type automationFunc func(ctx context.Context, job *models.Job, r *Reporter) (models.Result, error)

func (f automationFunc) Run(ctx context.Context, job *models.Job, r *Reporter) (models.Result, error) {
	return f(ctx, job, r)
}

type countingStore struct {
	database.Store
	beats atomic.Int32
}

func (s *countingStore) Heartbeat(ctx context.Context, jobID, workerID string, now time.Time) (bool, error) {
	s.beats.Add(1)
	return s.Store.Heartbeat(ctx, jobID, workerID, now)
}

func newStore(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "worker.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func enqueue(t *testing.T, s database.Store, id, target string) string {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	job := &models.Job{
		SubmissionID:  id,
		Kind:          models.KindDocumentSubmit,
		Status:        models.StatusCreated,
		ServiceTarget: target,
		PayloadRef:    "doc://" + id,
		TraceID:       "trace-" + id,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.InsertJob(ctx, job); err != nil {
		t.Fatalf("insert: %v", err)
	}
	jobID := "job-" + id
	if ok, err := s.AssignJobID(ctx, id, models.StatusCreated, jobID, now); !ok || err != nil {
		t.Fatalf("assign: %v %v", ok, err)
	}
	return jobID
}

func TestProcessNextJobOnEmptyQueue(t *testing.T) {
	w := New("w1", newStore(t), NewSimulatedAutomation(0), Config{}, nil, nil)
	if w.processNextJob(context.Background()) {
		t.Fatalf("expected no job")
	}
}

func TestWorkerCompletesSimulatedJob(t *testing.T) {
	db := newStore(t)
	jobID := enqueue(t, db, "s1", "https://www.gov.kr/service/1")

	var updates atomic.Int32
	w := New("w1", db, NewSimulatedAutomation(0), Config{}, nil, func(string) { updates.Add(1) })
	if !w.processNextJob(context.Background()) {
		t.Fatalf("expected a job")
	}

	job, err := db.GetJobByID(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("GOV-%d-0001", time.Now().Year())
	if job.Status != models.StatusCompleted || job.Progress != 100 || job.Result == nil || job.Result.ReceiptNumber != want {
		t.Fatalf("unexpected record: %+v", job)
	}
	if job.WorkerID != "w1" {
		t.Fatalf("lease owner not recorded: %q", job.WorkerID)
	}
	// start + six steps + completion
	if n := updates.Load(); n != 8 {
		t.Fatalf("expected 8 updates, got %d", n)
	}
}

func TestWorkerRecordsClassifiedFailure(t *testing.T) {
	db := newStore(t)
	jobID := enqueue(t, db, "s1", "https://www.gov.kr/service/1?simulate=FORM_VALIDATION_FAILED")

	w := New("w1", db, NewSimulatedAutomation(0), Config{}, nil, nil)
	w.processNextJob(context.Background())

	job, _ := db.GetJobByID(context.Background(), jobID)
	if job.Status != models.StatusFailed || job.ErrorCode != models.ErrCodeFormValidationFailed {
		t.Fatalf("unexpected record: %+v", job)
	}
	if job.Progress != 40 {
		t.Fatalf("progress before the failure should be kept, got %d", job.Progress)
	}
}

func TestWorkerWrapsUnclassifiedErrors(t *testing.T) {
	db := newStore(t)
	jobID := enqueue(t, db, "s1", "https://www.gov.kr/service/1")

	a := automationFunc(func(context.Context, *models.Job, *Reporter) (models.Result, error) {
		return models.Result{}, errors.New("browser crashed")
	})
	New("w1", db, a, Config{}, nil, nil).processNextJob(context.Background())

	job, _ := db.GetJobByID(context.Background(), jobID)
	if job.Status != models.StatusFailed || job.ErrorCode != CodeAutomationError {
		t.Fatalf("unexpected record: %+v", job)
	}
	if models.Guidance(job.ErrorCode) != models.GenericGuidance {
		t.Fatalf("unclassified code should get generic guidance")
	}
}

func TestReporterNeverMovesProgressBackwards(t *testing.T) {
	db := newStore(t)
	jobID := enqueue(t, db, "s1", "https://www.gov.kr/service/1")

	var seen []int
	a := automationFunc(func(ctx context.Context, job *models.Job, r *Reporter) (models.Result, error) {
		for _, p := range []int{50, 30, 70, 120} {
			if err := r.Progress(ctx, p, "step"); err != nil {
				return models.Result{}, err
			}
			stored, _ := db.GetJobByID(ctx, job.JobID)
			seen = append(seen, stored.Progress)
		}
		return models.Result{ReceiptNumber: "R-1"}, nil
	})
	New("w1", db, a, Config{}, nil, nil).processNextJob(context.Background())

	want := []int{50, 50, 70, 99}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("progress sequence %v, want %v", seen, want)
		}
	}
	job, _ := db.GetJobByID(context.Background(), jobID)
	if job.Progress != 100 || job.Status != models.StatusCompleted {
		t.Fatalf("unexpected final record: %+v", job)
	}
}

func TestHeartbeatRunsWhileAutomationWorks(t *testing.T) {
	db := newStore(t)
	enqueue(t, db, "s1", "https://www.gov.kr/service/1")
	store := &countingStore{Store: db}

	a := automationFunc(func(ctx context.Context, _ *models.Job, _ *Reporter) (models.Result, error) {
		deadline := time.After(2 * time.Second)
		for store.beats.Load() < 2 {
			select {
			case <-deadline:
				return models.Result{}, errors.New("no heartbeat")
			case <-time.After(5 * time.Millisecond):
			}
		}
		return models.Result{ReceiptNumber: "R-1"}, nil
	})
	w := New("w1", store, a, Config{HeartbeatInterval: 10 * time.Millisecond}, nil, nil)
	w.processNextJob(context.Background())

	job, _ := db.GetJobBySubmissionID(context.Background(), "s1")
	if job.Status != models.StatusCompleted {
		t.Fatalf("expected completion after heartbeats, got %+v", job)
	}
}

func TestShutdownLeavesJobInProgress(t *testing.T) {
	db := newStore(t)
	jobID := enqueue(t, db, "s1", "https://www.gov.kr/service/1")

	ctx, cancel := context.WithCancel(context.Background())
	a := automationFunc(func(ctx context.Context, _ *models.Job, r *Reporter) (models.Result, error) {
		if err := r.Progress(ctx, 30, "Signing in"); err != nil {
			return models.Result{}, err
		}
		cancel()
		<-ctx.Done()
		return models.Result{}, ctx.Err()
	})
	New("w1", db, a, Config{}, nil, nil).processNextJob(ctx)

	job, _ := db.GetJobByID(context.Background(), jobID)
	if job.Status != models.StatusInProgress || job.Progress != 30 {
		t.Fatalf("an interrupted job must not be failed: %+v", job)
	}
}

func TestLostLeaseStopsWrites(t *testing.T) {
	db := newStore(t)
	jobID := enqueue(t, db, "s1", "https://www.gov.kr/service/1")

	a := automationFunc(func(ctx context.Context, job *models.Job, r *Reporter) (models.Result, error) {
		// Another owner finishes the record first.
		if ok, err := db.Fail(ctx, job.JobID, "w1", models.ErrCodeSessionExpired, "portal logged out", time.Now()); !ok || err != nil {
			return models.Result{}, fmt.Errorf("setup: %v %v", ok, err)
		}
		return models.Result{}, r.Progress(ctx, 50, "too late")
	})
	New("w1", db, a, Config{}, nil, nil).processNextJob(context.Background())

	job, _ := db.GetJobByID(context.Background(), jobID)
	if job.Status != models.StatusFailed || job.ErrorCode != models.ErrCodeSessionExpired {
		t.Fatalf("terminal record must not change: %+v", job)
	}
}
