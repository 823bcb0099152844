package models

// Status is a job lifecycle state.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Statuses lists every state in reporting order.
var Statuses = []Status{StatusWaiting, StatusActive, StatusCompleted, StatusFailed}

var transitions = map[Status][]Status{
	StatusWaiting: {StatusActive},
	StatusActive:  {StatusCompleted, StatusFailed, StatusWaiting},
}

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Ptr is a small helper for building JobUpdate values.
func (s Status) Ptr() *Status {
	return &s
}
