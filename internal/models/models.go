package models

import (
	"encoding/json"
	"time"
)

// Kind selects which submission flow a job follows
type Kind string

const (
	// KindPortalSubmit is gated behind an out-of-band approval before it can be queued.
	KindPortalSubmit Kind = "PORTAL_SUBMIT"
	// KindDocumentSubmit is queued directly at creation.
	KindDocumentSubmit Kind = "DOCUMENT_SUBMIT"
)

// Valid reports whether k is one of the known flows.
func (k Kind) Valid() bool {
	return k == KindPortalSubmit || k == KindDocumentSubmit
}

// RequiresAuth reports whether the flow goes through the OOB gate.
func (k Kind) RequiresAuth() bool {
	return k == KindPortalSubmit
}

// IdentityFields are the personal fields the worker needs to sign in and fill forms
type IdentityFields struct {
	Name            string `json:"name"`
	ResidentIDFront string `json:"residentIdFront"`
	ResidentIDBack  string `json:"residentIdBack"`
	Phone           string `json:"phone"`
}

// Result is what the worker hands back on a successful submission
type Result struct {
	ReceiptNumber string `json:"receiptNumber,omitempty"`
	DocumentURL   string `json:"documentUrl,omitempty"`
	ScreenshotRef string `json:"screenshotRef,omitempty"`
}

// Job is the durable submission record
type Job struct {
	SubmissionID  string         `json:"submissionId"`
	JobID         string         `json:"jobId,omitempty"`
	Kind          Kind           `json:"kind"`
	Status        Status         `json:"status"`
	Progress      int            `json:"progress"`
	Message       string         `json:"message,omitempty"`
	ErrorCode     ErrorCode      `json:"errorCode,omitempty"`
	ErrorMessage  string         `json:"errorMessage,omitempty"`
	Result        *Result        `json:"result,omitempty"`
	ServiceTarget string         `json:"serviceTarget"`
	PayloadRef    string         `json:"payloadRef,omitempty"`
	Identity      IdentityFields `json:"-"`
	AgentID       string         `json:"agentId,omitempty"`
	AuthProvider  string         `json:"authProvider,omitempty"`
	AuthTxID      string         `json:"-"`
	AuthExpiresAt *time.Time     `json:"authExpiresAt,omitempty"`
	AuthSession   string         `json:"-"`
	WorkerID      string         `json:"workerId,omitempty"`
	Version       int64          `json:"-"`
	TraceID       string         `json:"traceId"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	FinishedAt    *time.Time     `json:"finishedAt,omitempty"`
}

// Snapshot builds the client-facing view of the record.
func (j *Job) Snapshot() StatusSnapshot {
	snap := StatusSnapshot{
		JobID:        j.JobID,
		SubmissionID: j.SubmissionID,
		State:        j.Status,
		Progress:     j.Progress,
		Message:      j.Message,
		UpdatedAt:    j.UpdatedAt.UTC(),
	}
	if j.Status == StatusUnknown {
		snap.Message = UnknownMessage
	}
	if j.Status == StatusCompleted && j.Result != nil {
		r := *j.Result
		snap.Result = &r
	}
	if j.Status == StatusFailed {
		snap.ErrorCode = j.ErrorCode
		snap.ErrorMessage = j.ErrorMessage
		snap.Guidance = Guidance(j.ErrorCode)
	}
	return snap
}

// UnknownMessage is the status line for a job whose worker stopped heartbeating.
const UnknownMessage = "No recent heartbeat from the automation worker; the submission may still finish"

// StatusSnapshot is returned by every status query. Once State is terminal it
// serializes identically on every read.
type StatusSnapshot struct {
	JobID        string    `json:"jobId,omitempty"`
	SubmissionID string    `json:"submissionId"`
	State        Status    `json:"state"`
	Progress     int       `json:"progress"`
	Message      string    `json:"message"`
	Result       *Result   `json:"result,omitempty"`
	ErrorCode    ErrorCode `json:"errorCode,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Guidance     string    `json:"guidance,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// CreateRequest is the body of POST /submissions
type CreateRequest struct {
	Kind           Kind           `json:"kind"`
	ServiceTarget  string         `json:"serviceTarget"`
	PayloadRef     string         `json:"payloadRef,omitempty"`
	AuthProvider   string         `json:"authProvider,omitempty"`
	IdentityFields IdentityFields `json:"identityFields"`
	AgentID        string         `json:"-"`
}

// CreateResult is what a successful create hands back
type CreateResult struct {
	JobID        string `json:"jobId,omitempty"`
	SubmissionID string `json:"submissionId"`
	State        Status `json:"state"`
}

// SubmissionRef names the submission a client call is about
type SubmissionRef struct {
	SubmissionID string `json:"submissionId"`
}

// Metrics holds per-state record counts
type Metrics struct {
	TotalJobs      int64 `json:"total_jobs"`
	AuthPending    int64 `json:"auth_pending"`
	AuthConfirmed  int64 `json:"auth_confirmed"`
	QueuedJobs     int64 `json:"queued_jobs"`
	InProgressJobs int64 `json:"in_progress_jobs"`
	CompletedJobs  int64 `json:"completed_jobs"`
	FailedJobs     int64 `json:"failed_jobs"`
	UnknownJobs    int64 `json:"unknown_jobs"`
}

// EncodeIdentity serializes identity fields for storage.
func EncodeIdentity(id IdentityFields) (string, error) {
	b, err := json.Marshal(id)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeIdentity is the inverse of EncodeIdentity.
func DecodeIdentity(s string) (IdentityFields, error) {
	var id IdentityFields
	if s == "" {
		return id, nil
	}
	err := json.Unmarshal([]byte(s), &id)
	return id, err
}
