package pipeline

import (
	"errors"
	"fmt"
)

// ErrCanceled is returned by a checkpoint once cancellation was requested.
var ErrCanceled = errors.New("stage canceled")

// StageError is the typed outcome of a failed stage. Retryable errors go back
// to the queue with backoff; the rest fail the job immediately.
type StageError struct {
	Stage     string
	Retryable bool
	Err       error
}

func (e *StageError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "transient"
	}
	return fmt.Sprintf("%s (%s): %v", e.Stage, kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(stage string, err error) error {
	return &StageError{Stage: stage, Retryable: true, Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(stage string, err error) error {
	return &StageError{Stage: stage, Retryable: false, Err: err}
}

// Retryable reports whether err should be retried. Untyped errors are retryable.
func Retryable(err error) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return true
}
