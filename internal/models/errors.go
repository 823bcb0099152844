package models

import "errors"

var (
	// ErrJobNotFound means the id is unknown or the job was evicted.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is a programming error: an update broke the job state machine.
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrQueueUnavailable means the broker could not be reached while enqueuing.
	ErrQueueUnavailable = errors.New("queue unavailable")
	// ErrUnknownJobType is returned for a queue name outside JobTypes.
	ErrUnknownJobType = errors.New("unknown job type")
	// ErrInvalidPayload is rejected input at enqueue time.
	ErrInvalidPayload = errors.New("invalid job payload")
)
