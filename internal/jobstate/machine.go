// Package jobstate models the job lifecycle as a pure finite-state machine.
//
// The transition function performs no I/O: callers read a job row, feed its
// timeout, remaining attempts and acknowledgement time into the machine, and
// persist whatever state comes out with a guarded update. The self-heal sweep
// and the live acknowledge/complete path share the same transition table.
package jobstate

import (
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/jobcontrol/pkg/models"
)

// ErrInvalidTransition is returned when an event has no edge from the current state.
var ErrInvalidTransition = errors.New("invalid job state transition")

// State is a lifecycle state. Failed and Success are terminal.
type State int

const (
	StatePending State = iota
	StateRunning
	StateStalled
	StateFailed
	StateSuccess
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateStalled:
		return "stalled"
	case StateFailed:
		return "failed"
	case StateSuccess:
		return "success"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateSuccess
}

// JobStatus maps s to the persisted status. Failed is stored as "failure".
func (s State) JobStatus() models.JobStatus {
	switch s {
	case StateRunning:
		return models.JobStatusRunning
	case StateStalled:
		return models.JobStatusStalled
	case StateFailed:
		return models.JobStatusFailure
	case StateSuccess:
		return models.JobStatusSuccess
	}
	return models.JobStatusPending
}

// FromJobStatus is the inverse of State.JobStatus.
func FromJobStatus(status models.JobStatus) (State, error) {
	switch status {
	case models.JobStatusPending:
		return StatePending, nil
	case models.JobStatusRunning:
		return StateRunning, nil
	case models.JobStatusStalled:
		return StateStalled, nil
	case models.JobStatusFailure:
		return StateFailed, nil
	case models.JobStatusSuccess:
		return StateSuccess, nil
	}
	return StatePending, fmt.Errorf("unknown job status %q", status)
}

// Event drives a transition.
type Event int

const (
	EventRun Event = iota + 1
	EventStall
	EventComplete
	EventAttemptRecover
)

func (e Event) String() string {
	switch e {
	case EventRun:
		return "RUN"
	case EventStall:
		return "STALL"
	case EventComplete:
		return "COMPLETE"
	case EventAttemptRecover:
		return "ATTEMPT_RECOVER"
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// Context is the data the guards read. A nil LastRetrievedAt means the job
// was never acknowledged.
type Context struct {
	TimeoutInterval   time.Duration
	RemainingAttempts int
	LastRetrievedAt   *time.Time
}

// ContextFromJob builds the machine context from a stored row.
func ContextFromJob(j *models.Job) Context {
	return Context{
		TimeoutInterval:   j.Timeout(),
		RemainingAttempts: j.RemainingAttempts,
		LastRetrievedAt:   j.LastRetrievedAt,
	}
}

// Settle evaluates the guards attached to the running state at time now.
// A running job without an acknowledgement time cannot be recovered and
// fails; one whose worker has been silent longer than the timeout stalls.
// Every other state is returned unchanged.
func Settle(s State, c Context, now time.Time) State {
	if s != StateRunning {
		return s
	}
	if c.LastRetrievedAt == nil {
		return StateFailed
	}
	if now.Sub(*c.LastRetrievedAt) > c.TimeoutInterval {
		return StateStalled
	}
	return StateRunning
}

// Next applies event e to state s. Running guards are evaluated both before
// the event is handled and on entry to running, so a timed-out job cannot
// complete.
func Next(s State, c Context, e Event, now time.Time) (State, Context, error) {
	s = Settle(s, c, now)

	switch s {
	case StatePending:
		switch e {
		case EventRun:
			return Settle(StateRunning, c, now), c, nil
		case EventStall:
			return StateStalled, c, nil
		}
	case StateRunning:
		switch e {
		case EventComplete:
			return StateSuccess, c, nil
		case EventStall:
			return StateStalled, c, nil
		}
	case StateStalled:
		if e == EventAttemptRecover {
			if c.RemainingAttempts > 0 {
				c.RemainingAttempts--
				return StatePending, c, nil
			}
			return StateFailed, c, nil
		}
	}

	return s, c, fmt.Errorf("%w: %s --%s-->", ErrInvalidTransition, s, e)
}
