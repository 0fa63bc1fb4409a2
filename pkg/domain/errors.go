package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates an unknown id.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition indicates a state machine violation.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConcurrencyConflict indicates a lost claim or update race; callers should re-read and retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrValidation indicates malformed caller input.
	ErrValidation = errors.New("validation failed")
)

// TransitionError describes a rejected state change.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s %s cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// NotFoundError wraps ErrNotFound with the entity that was missing.
func NotFoundError(entity, id string) error {
	return fmt.Errorf("%s %q: %w", entity, id, ErrNotFound)
}
