package submitter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"submission-orchestrator/internal/common"
	"submission-orchestrator/internal/models"
)

// scripted answers polls from a fixed list; the last entry repeats.
type scripted struct {
	mu    sync.Mutex
	steps []step
	calls int
}

type step struct {
	snap models.StatusSnapshot
	err  error
}

func (s *scripted) Status(context.Context, string, string) (models.StatusSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.calls++
	return s.steps[i].snap, s.steps[i].err
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func state(st models.Status, progress int) step {
	return step{snap: models.StatusSnapshot{JobID: "j", SubmissionID: "s", State: st, Progress: progress}}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Interval = time.Millisecond
	cfg.MaxAttempts = 20
	return cfg
}

func TestMessageForPicksGreatestKeyNotAbove(t *testing.T) {
	cases := []struct {
		progress int
		want     string
	}{
		{0, ProcessingMessage},
		{9, ProcessingMessage},
		{10, "Opening the service portal"},
		{45, "Found the service application"},
		{50, "Filling in the application form"},
		{99, "Submitting the application"},
	}
	for _, tc := range cases {
		if got := MessageFor(DefaultCheckpoints, tc.progress); got != tc.want {
			t.Fatalf("progress %d: got %q, want %q", tc.progress, got, tc.want)
		}
	}

	unsorted := []Checkpoint{{90, "ninety"}, {10, "ten"}, {40, "forty"}}
	if got := MessageFor(unsorted, 45); got != "forty" {
		t.Fatalf("unsorted table: got %q", got)
	}
}

func TestRunStopsOnCompletion(t *testing.T) {
	done := state(models.StatusCompleted, 100)
	done.snap.Result = &models.Result{ReceiptNumber: "GOV-2026-0001"}
	f := &scripted{steps: []step{state(models.StatusQueued, 0), state(models.StatusInProgress, 45), done}}

	var updates []Update
	snap, err := NewPoller(f, fastConfig(), nil).Run(context.Background(), Ref{JobID: "j", SubmissionID: "s"}, func(u Update) {
		updates = append(updates, u)
	})
	if err != nil || snap.Result.ReceiptNumber != "GOV-2026-0001" {
		t.Fatalf("unexpected: %+v %v", snap, err)
	}
	if f.Calls() != 3 {
		t.Fatalf("polling should stop at the terminal state, got %d calls", f.Calls())
	}
	if updates[1].Message != "Found the service application" {
		t.Fatalf("progress 45 should map to the 40 checkpoint, got %q", updates[1].Message)
	}
}

func TestRunReportsWorkerFailure(t *testing.T) {
	failed := state(models.StatusFailed, 50)
	failed.snap.ErrorCode = models.ErrCodeServiceNotFound
	f := &scripted{steps: []step{failed}}

	_, err := NewPoller(f, fastConfig(), nil).Run(context.Background(), Ref{JobID: "j"}, nil)
	var we *models.WorkerError
	if !errors.As(err, &we) || we.Code != models.ErrCodeServiceNotFound {
		t.Fatalf("expected WorkerError, got %v", err)
	}
	if errors.Is(err, ErrLostJob) {
		t.Fatalf("a worker failure must not read as a lost job")
	}
}

func TestRunDeclaresLostAfterThreeUnknowns(t *testing.T) {
	f := &scripted{steps: []step{
		state(models.StatusInProgress, 60),
		state(models.StatusUnknown, 60),
		state(models.StatusUnknown, 60),
		state(models.StatusInProgress, 60), // heartbeat resumed, streak resets
		state(models.StatusUnknown, 60),
		state(models.StatusUnknown, 60),
		state(models.StatusUnknown, 60),
	}}

	snap, err := NewPoller(f, fastConfig(), nil).Run(context.Background(), Ref{JobID: "j"}, nil)
	if !errors.Is(err, ErrLostJob) {
		t.Fatalf("expected ErrLostJob, got %v", err)
	}
	if f.Calls() != 7 || snap.Progress != 60 {
		t.Fatalf("expected 7 polls ending at 60, got %d %+v", f.Calls(), snap)
	}
}

func TestTransientErrorsDoNotCountAsUnknown(t *testing.T) {
	boom := step{err: errors.New("connection refused")}
	f := &scripted{steps: []step{
		state(models.StatusUnknown, 10),
		boom,
		state(models.StatusUnknown, 10),
		boom,
		boom,
		state(models.StatusCompleted, 100),
	}}

	_, err := NewPoller(f, fastConfig(), nil).Run(context.Background(), Ref{JobID: "j"}, nil)
	if err != nil {
		t.Fatalf("expected completion, got %v", err)
	}
}

func TestRunSoftTimeout(t *testing.T) {
	f := &scripted{steps: []step{state(models.StatusInProgress, 30)}}
	cfg := fastConfig()
	cfg.MaxAttempts = 5

	snap, err := NewPoller(f, cfg, nil).Run(context.Background(), Ref{JobID: "j"}, nil)
	if !errors.Is(err, ErrSoftTimeout) || snap.State != models.StatusInProgress {
		t.Fatalf("expected soft timeout while in progress, got %+v %v", snap, err)
	}
	if f.Calls() != 5 {
		t.Fatalf("expected exactly MaxAttempts polls, got %d", f.Calls())
	}
}

func TestRunStopsOnNotFound(t *testing.T) {
	f := &scripted{steps: []step{{err: common.NewAppError("NOT_FOUND", "job j", common.ErrNotFound)}}}
	_, err := NewPoller(f, fastConfig(), nil).Run(context.Background(), Ref{JobID: "j"}, nil)
	if !errors.Is(err, common.ErrNotFound) || f.Calls() != 1 {
		t.Fatalf("expected a single poll ending in not found, got %d %v", f.Calls(), err)
	}
}

func TestCancelStopsPolling(t *testing.T) {
	f := &scripted{steps: []step{state(models.StatusInProgress, 10)}}
	cfg := fastConfig()
	cfg.Interval = 5 * time.Millisecond
	cfg.MaxAttempts = 1000

	ctx, cancel := context.WithCancel(context.Background())
	_, err := NewPoller(f, cfg, nil).Run(ctx, Ref{JobID: "j"}, func(u Update) {
		if u.Attempt == 3 {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	seen := f.Calls()
	time.Sleep(30 * time.Millisecond)
	if f.Calls() != seen || seen != 3 {
		t.Fatalf("polled after cancellation: %d then %d", seen, f.Calls())
	}
}

type fakeAPI struct {
	scripted
	created  models.CreateResult
	confirms int
	enqueued int
}

func (a *fakeAPI) Create(context.Context, models.CreateRequest) (models.CreateResult, error) {
	return a.created, nil
}

func (a *fakeAPI) Confirm(context.Context, string) error {
	a.confirms++
	if a.confirms < 2 {
		return &models.AuthError{Retryable: true, Reason: "approve on your device"}
	}
	return nil
}

func (a *fakeAPI) Enqueue(context.Context, string) (string, error) {
	a.enqueued++
	return "j", nil
}

func TestSubmitWalksApprovalGate(t *testing.T) {
	api := &fakeAPI{
		scripted: scripted{steps: []step{state(models.StatusCompleted, 100)}},
		created:  models.CreateResult{SubmissionID: "s", State: models.StatusAuthPending},
	}
	var prompts []int
	approve := func(_ context.Context, _ string, attempt int) error {
		prompts = append(prompts, attempt)
		return nil
	}

	ref, snap, err := New(api, fastConfig(), nil).Submit(context.Background(), models.CreateRequest{}, approve, nil)
	if err != nil || snap.State != models.StatusCompleted {
		t.Fatalf("submit: %+v %v", snap, err)
	}
	if ref.JobID != "j" || api.enqueued != 1 {
		t.Fatalf("expected one enqueue, got ref %+v enqueued %d", ref, api.enqueued)
	}
	if len(prompts) != 2 || api.confirms != 2 {
		t.Fatalf("expected a retry after the first confirm, prompts %v confirms %d", prompts, api.confirms)
	}
}

func TestSubmitDocumentSkipsGateAndEnqueue(t *testing.T) {
	api := &fakeAPI{
		scripted: scripted{steps: []step{state(models.StatusCompleted, 100)}},
		created:  models.CreateResult{SubmissionID: "s", JobID: "j", State: models.StatusQueued},
	}
	if _, _, err := New(api, fastConfig(), nil).Submit(context.Background(), models.CreateRequest{}, nil, nil); err != nil {
		t.Fatal(err)
	}
	if api.confirms != 0 || api.enqueued != 0 {
		t.Fatalf("direct-queue submissions need no confirm or enqueue")
	}
}
