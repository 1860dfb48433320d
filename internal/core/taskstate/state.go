// Package taskstate holds the collection task state machine.
package taskstate

import (
	"errors"
	"time"

	"github.com/vietddude/collector/internal/core/domain"
)

// State is an alias for domain.TaskStatus for internal use.
type State = domain.TaskStatus

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions defines the transitions the engine may take on its own.
// FAILED and CANCELLED have no outgoing edges; only Reset leaves them.
var ValidTransitions = map[State][]State{
	domain.TaskStatusPending:  {domain.TaskStatusRunning, domain.TaskStatusCancelled},
	domain.TaskStatusRetrying: {domain.TaskStatusRunning, domain.TaskStatusCancelled},
	domain.TaskStatusRunning: {
		domain.TaskStatusSuccess,
		domain.TaskStatusRetrying,
		domain.TaskStatusFailed,
		domain.TaskStatusCancelled,
	},
	domain.TaskStatusSuccess: {domain.TaskStatusPending},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	validTargets, ok := ValidTransitions[from]
	if !ok {
		return false
	}

	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the engine will never move the task out of s by itself.
func IsTerminal(s State) bool {
	return s == domain.TaskStatusFailed || s == domain.TaskStatusCancelled
}

// IsRunnable reports whether an invocation may start from s.
func IsRunnable(s State) bool {
	return CanTransition(s, domain.TaskStatusRunning)
}

// CanReset reports whether an operator reset may move the task back to PENDING.
// Running tasks must be stopped first.
func CanReset(s State) bool {
	return s != domain.TaskStatusRunning
}

// Transition represents a state change with metadata.
type Transition struct {
	TaskID    string
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// NewTransition creates a new transition record.
func NewTransition(taskID string, from, to State, reason string, at time.Time) Transition {
	return Transition{
		TaskID:    taskID,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: at,
	}
}

// IsValid returns true if this transition is allowed by the state machine.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case domain.TaskStatusPending:
		return "Pending - waiting for the next scheduled collection"
	case domain.TaskStatusRunning:
		return "Running - collection in progress"
	case domain.TaskStatusRetrying:
		return "Retrying - waiting for a scheduled retry"
	case domain.TaskStatusSuccess:
		return "Success - last collection succeeded"
	case domain.TaskStatusFailed:
		return "Failed - retry budget exhausted or terminal error"
	case domain.TaskStatusCancelled:
		return "Cancelled - stopped by operator"
	default:
		return "Unknown state"
	}
}
