// Package task defines the task lifecycle: statuses, the transition
// guard table, and the per-task single-writer state machine.
package task

// Status of a task. String values are stored in Postgres and carried on
// status envelopes.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusRunning         Status = "RUNNING"
	StatusWaitingForInput Status = "WAITING_FOR_INPUT"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active tasks count against the owning client's quota.
func (s Status) Active() bool { return !s.Terminal() }

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusWaitingForInput,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition encodes the guard table. Terminal states admit nothing.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusPending:
		// dispatch, cancel before dispatch, or admission-time failure
		return to == StatusRunning || to == StatusCancelled || to == StatusFailed
	case StatusRunning:
		return to == StatusWaitingForInput || to == StatusCompleted ||
			to == StatusFailed || to == StatusCancelled
	case StatusWaitingForInput:
		return to == StatusRunning || to == StatusCompleted ||
			to == StatusFailed || to == StatusCancelled
	}
	return false
}

// Terminal reasons carried on FAILED/CANCELLED records.
const (
	ReasonTimeout        = "timeout"
	ReasonProtocol       = "protocol"
	ReasonInfrastructure = "infrastructure"
	ReasonCancelled      = "cancelled"
)
