package models

// Envelope is the common head of every JSON response. Error is empty when OK.
type Envelope struct {
	OK        bool         `json:"ok"`
	Error     string       `json:"error,omitempty"`
	Detail    string       `json:"detail,omitempty"`
	Fields    []FieldError `json:"fields,omitempty"`
	Retryable bool         `json:"retryable,omitempty"`
}

// CreateResponse is the body of POST /submissions
type CreateResponse struct {
	Envelope
	CreateResult
}

// ConfirmResponse is the body of POST /submissions/{id}/confirm
type ConfirmResponse struct {
	Envelope
}

// EnqueueResponse is the body of POST /submissions/{id}/enqueue
type EnqueueResponse struct {
	Envelope
	JobID string `json:"jobId,omitempty"`
}

// StatusResponse is the body of GET /submissions/{id}/status
type StatusResponse struct {
	Envelope
	StatusSnapshot
}
