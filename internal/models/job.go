package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType names the queue a job belongs to.
type JobType string

const (
	TypeAnalysis     JobType = "analysis"
	TypeRetraining   JobType = "retraining"
	TypeReport       JobType = "report"
	TypeEmail        JobType = "email"
	TypeNotification JobType = "notification"
)

// JobTypes lists every queue in a stable order.
var JobTypes = []JobType{TypeAnalysis, TypeRetraining, TypeReport, TypeEmail, TypeNotification}

// ParseJobType validates a queue name.
func ParseJobType(s string) (JobType, error) {
	for _, t := range JobTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownJobType, s)
}

// Job is a unit of deferred work tracked in the job store.
type Job struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     Backoff         `json:"backoff"`
	Timeout     time.Duration   `json:"timeout"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Options tune a single enqueue call.
type Options struct {
	// Attempts is the maximum number of dispatches. Zero means one.
	Attempts int
	Backoff  Backoff
	// Timeout bounds each processor call. Zero falls back to the dispatcher default.
	Timeout time.Duration
}

// JobUpdate is a partial mutation applied atomically by the job store.
// Nil fields are left untouched.
type JobUpdate struct {
	Status   *Status
	Progress *int
	Result   json.RawMessage
	Error    *string
	Attempts *int
}

// Apply returns the job with upd applied, or ErrInvalidTransition if the
// update violates the lifecycle rules.
func (j Job) Apply(upd JobUpdate, now time.Time) (Job, error) {
	if j.Status.IsTerminal() {
		return j, fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, j.ID, j.Status)
	}

	next := j
	if upd.Status != nil && *upd.Status != j.Status {
		if !j.Status.CanTransition(*upd.Status) {
			return j, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, *upd.Status)
		}
		next.Status = *upd.Status
		switch next.Status {
		case StatusWaiting:
			next.Progress = 0
		case StatusActive:
			if next.StartedAt == nil {
				t := now
				next.StartedAt = &t
			}
		case StatusCompleted:
			next.Progress = 100
			t := now
			next.CompletedAt = &t
		case StatusFailed:
			t := now
			next.CompletedAt = &t
		}
	}

	if upd.Result != nil {
		if next.Status != StatusCompleted {
			return j, fmt.Errorf("%w: result is only set when completing", ErrInvalidTransition)
		}
		next.Result = upd.Result
	}
	if upd.Error != nil {
		if next.Status != StatusFailed {
			return j, fmt.Errorf("%w: error is only set when failing", ErrInvalidTransition)
		}
		next.Error = *upd.Error
	}
	if upd.Progress != nil {
		p := *upd.Progress
		if p < 0 || p > 100 {
			return j, fmt.Errorf("%w: progress %d out of range", ErrInvalidTransition, p)
		}
		if next.Status != StatusActive && !(next.Status == StatusCompleted && p == 100) {
			return j, fmt.Errorf("%w: progress on %s job", ErrInvalidTransition, next.Status)
		}
		next.Progress = p
	}
	if upd.Attempts != nil {
		if *upd.Attempts < j.Attempts {
			return j, fmt.Errorf("%w: attempts cannot decrease", ErrInvalidTransition)
		}
		next.Attempts = *upd.Attempts
	}
	return next, nil
}

// CanRetry reports whether another dispatch is allowed after a failure.
func (j Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// JobStatusView is the read-only projection returned to API callers.
type JobStatusView struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// View projects the job for status polling.
func (j Job) View() JobStatusView {
	return JobStatusView{
		ID:          j.ID,
		Type:        j.Type,
		Status:      j.Status,
		Progress:    j.Progress,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Result:      j.Result,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

// QueueStats counts jobs per status attributed to one queue.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Total is the number of non-evicted jobs in the queue.
func (s QueueStats) Total() int64 {
	return s.Waiting + s.Active + s.Completed + s.Failed
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
