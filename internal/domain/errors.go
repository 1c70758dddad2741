package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a job or account does not exist.
	ErrNotFound = errors.New("not found")

	// ErrQueueFull signals backpressure: the caller should delay and retry,
	// never drop the work or fail the job.
	ErrQueueFull = errors.New("task queue full")

	// ErrNoAccountAvailable means every usable account is busy, cooling down
	// or excluded right now. Recoverable by delayed re-enqueue.
	ErrNoAccountAvailable = errors.New("no account available")

	// ErrSystemPaused is returned for operations refused while the scheduler
	// is paused.
	ErrSystemPaused = errors.New("system is paused")

	// ErrJobFinished is returned by stores when a write targets a job already
	// in a terminal state. Workers racing a cancellation must drop the write,
	// never overwrite done or cancelled.
	ErrJobFinished = errors.New("job is in a terminal state")
)

// TransitionError reports a job status change outside the transition table.
type TransitionError struct {
	From Status
	To   Status
	Hint string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("invalid job status transition: %s -> %s (valid: %v)", e.From, e.To, validTransitions[e.From])
	if e.Hint != "" {
		msg += "; " + e.Hint
	}
	return msg
}

// IsInvalidTransition reports whether err is a TransitionError.
func IsInvalidTransition(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}
