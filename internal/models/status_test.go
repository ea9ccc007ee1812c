package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCanTransition_AllowsExpectedPaths(t *testing.T) {
	cases := []struct {
		from Status
		to   Status
	}{
		{"", StatusCreated},
		{StatusCreated, StatusAuthPending},
		{StatusAuthPending, StatusAuthConfirmed},
		{StatusAuthConfirmed, StatusQueued},
		{StatusCreated, StatusQueued},
		{StatusQueued, StatusInProgress},
		{StatusInProgress, StatusInProgress},
		{StatusInProgress, StatusCompleted},
		{StatusInProgress, StatusFailed},
		{StatusInProgress, StatusUnknown},
		{StatusUnknown, StatusInProgress},
		{StatusUnknown, StatusCompleted},
	}

	for _, tc := range cases {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("expected transition %q -> %q to be allowed", tc.from, tc.to)
		}
	}
}

func TestCanTransition_RejectsInvalidPaths(t *testing.T) {
	cases := []struct {
		from Status
		to   Status
	}{
		{StatusCompleted, StatusInProgress},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusCompleted},
		{StatusFailed, StatusUnknown},
		{StatusAuthPending, StatusQueued},
		{StatusCreated, StatusInProgress},
		{StatusQueued, StatusUnknown},
		{"not_a_state", StatusQueued},
	}

	for _, tc := range cases {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("expected transition %q -> %q to be rejected", tc.from, tc.to)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range []Status{StatusCompleted, StatusFailed} {
		if !from.IsTerminal() {
			t.Fatalf("%q should be terminal", from)
		}
		for _, to := range AllStatuses {
			if CanTransition(from, to) {
				t.Fatalf("terminal %q must not move to %q", from, to)
			}
		}
	}
}

func TestTransitionJobStatus_BlocksIllegalTransition(t *testing.T) {
	job := Job{SubmissionID: "sub-1", Status: StatusAuthPending}

	if err := TransitionJobStatus(&job, StatusQueued); err == nil {
		t.Fatalf("expected illegal transition error")
	}
	if job.Status != StatusAuthPending {
		t.Fatalf("status changed on rejected transition: %q", job.Status)
	}
}

func TestEveryErrorCodeHasGuidance(t *testing.T) {
	seen := map[string]bool{}
	for _, code := range AllErrorCodes {
		if !code.Known() {
			t.Fatalf("code %q missing from guidance table", code)
		}
		g := Guidance(code)
		if g == "" || g == GenericGuidance {
			t.Fatalf("code %q has no specific guidance", code)
		}
		if seen[g] {
			t.Fatalf("code %q shares guidance text with another code", code)
		}
		seen[g] = true
	}
	if len(errorGuidance) != len(AllErrorCodes) {
		t.Fatalf("guidance table has %d entries, code list has %d", len(errorGuidance), len(AllErrorCodes))
	}
}

func TestGuidanceFallsBackForUnknownCode(t *testing.T) {
	if got := Guidance("CAPTCHA_BLOCKED"); got != GenericGuidance {
		t.Fatalf("unexpected guidance for unknown code: %q", got)
	}
	if got := Guidance(""); got != GenericGuidance {
		t.Fatalf("unexpected guidance for empty code: %q", got)
	}
}

func TestSnapshot_TerminalFailureCarriesGuidance(t *testing.T) {
	job := Job{
		SubmissionID: "sub-1",
		JobID:        "job-1",
		Status:       StatusFailed,
		Progress:     40,
		ErrorCode:    ErrCodeSessionExpired,
		ErrorMessage: "login page shown",
		UpdatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	snap := job.Snapshot()
	if snap.Guidance != Guidance(ErrCodeSessionExpired) {
		t.Fatalf("unexpected guidance: %q", snap.Guidance)
	}
	if snap.Result != nil {
		t.Fatalf("failed snapshot must not carry a result")
	}

	a, _ := json.Marshal(snap)
	b, _ := json.Marshal(job.Snapshot())
	if string(a) != string(b) {
		t.Fatalf("snapshot encoding is not stable:\n%s\n%s", a, b)
	}
}

func TestSnapshot_NonTerminalHidesErrorFields(t *testing.T) {
	job := Job{
		SubmissionID: "sub-1",
		Status:       StatusInProgress,
		ErrorCode:    ErrCodeInvalidURL,
		Result:       &Result{ReceiptNumber: "X"},
	}
	snap := job.Snapshot()
	if snap.ErrorCode != "" || snap.Guidance != "" || snap.Result != nil {
		t.Fatalf("non-terminal snapshot leaked terminal fields: %+v", snap)
	}
}

func TestStatusResponseFlattensSnapshot(t *testing.T) {
	resp := StatusResponse{
		Envelope:       Envelope{OK: true},
		StatusSnapshot: StatusSnapshot{SubmissionID: "s", State: StatusQueued, Message: "queued"},
	}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m["state"] != "queued" || m["message"] != "queued" || m["ok"] != true {
		t.Fatalf("unexpected encoding: %s", b)
	}
}
