package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches every NotFoundError.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrRunInFlight is returned when an operation needs the identity idle.
	ErrRunInFlight = errors.New("pipeline run in flight")
)

// NotFoundError reports a missing identity, viewer or record.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.Key)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// UnknownStepError is returned before any mutation when a step name is not declared.
type UnknownStepError struct {
	Step string
}

func (e *UnknownStepError) Error() string {
	return fmt.Sprintf("unknown step %q", e.Step)
}

// StepFailure wraps the error returned by a step's capability.
type StepFailure struct {
	Step string
	Err  error
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepFailure) Unwrap() error {
	return e.Err
}

// ScoringFailure wraps a failed relevance judgment; it is never cached.
type ScoringFailure struct {
	CandidateID string
	Err         error
}

func (e *ScoringFailure) Error() string {
	return fmt.Sprintf("score candidate %s: %v", e.CandidateID, e.Err)
}

func (e *ScoringFailure) Unwrap() error {
	return e.Err
}
