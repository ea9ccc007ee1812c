package models

import "fmt"

// Status is the persisted lifecycle state of a submission
type Status string

const (
	StatusCreated       Status = "created"
	StatusAuthPending   Status = "auth_pending"
	StatusAuthConfirmed Status = "auth_confirmed"
	StatusQueued        Status = "queued"
	StatusInProgress    Status = "in_progress"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusUnknown       Status = "unknown"
)

// AllStatuses lists every state in lifecycle order.
var AllStatuses = []Status{
	StatusCreated,
	StatusAuthPending,
	StatusAuthConfirmed,
	StatusQueued,
	StatusInProgress,
	StatusCompleted,
	StatusFailed,
	StatusUnknown,
}

var allowedTransitions = map[Status]map[Status]bool{
	"": {
		StatusCreated: true,
	},
	StatusCreated: {
		StatusAuthPending: true,
		StatusQueued:      true,
	},
	StatusAuthPending: {
		StatusAuthPending:   true, // gate restarted after the window elapsed
		StatusAuthConfirmed: true,
	},
	StatusAuthConfirmed: {
		StatusQueued: true,
	},
	StatusQueued: {
		StatusInProgress: true,
	},
	StatusInProgress: {
		StatusInProgress: true,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusUnknown:    true,
	},
	StatusUnknown: {
		StatusInProgress: true, // worker heartbeat came back
		StatusCompleted:  true,
		StatusFailed:     true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
}

// IsKnownStatus reports whether s is a real state.
func IsKnownStatus(s Status) bool {
	if s == "" {
		return false
	}
	_, ok := allowedTransitions[s]
	return ok
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// WorkerWritable lists the states a lease owner may write over.
var WorkerWritable = []Status{StatusInProgress, StatusUnknown}

// Enqueueable lists the states from which a job id can be assigned.
func Enqueueable(k Kind) Status {
	if k.RequiresAuth() {
		return StatusAuthConfirmed
	}
	return StatusCreated
}

// TransitionJobStatus moves job to toStatus if the edge is legal.
func TransitionJobStatus(job *Job, toStatus Status) error {
	from := job.Status
	if !CanTransition(from, toStatus) {
		return fmt.Errorf("invalid job status transition: %q -> %q (submission_id=%s job_id=%s)", from, toStatus, job.SubmissionID, job.JobID)
	}
	job.Status = toStatus
	return nil
}
