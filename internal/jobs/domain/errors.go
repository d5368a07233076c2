package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job is absent or has expired from the store.
	ErrJobNotFound = errors.New("job not found")

	// ErrNotAuthorized is returned when a caller acts on a job it does not own.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrCapacityExceeded is returned when a per-user job or connection limit is hit.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrMaxRetriesExceeded is returned when a job has exhausted its retry budget.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrJobFinished is returned when a mutation targets a record that has
	// already reached a terminal state. Workers treat it as a signal to
	// abandon the task.
	ErrJobFinished = errors.New("job already in terminal state")
)

// FailureKind classifies a pipeline stage failure and drives the
// retry decision at the worker boundary.
type FailureKind string

const (
	// FailureValidation: the stage rejected the input. Terminal, no retry.
	FailureValidation FailureKind = "validation_failure"
	// FailureSecurity: malware or sanitization rejection. Terminal, no
	// retry, raises a security audit event.
	FailureSecurity FailureKind = "security_rejection"
	// FailureTransient: infrastructure error; retryable while the retry
	// budget lasts.
	FailureTransient FailureKind = "transient_failure"
	// FailureTimeout: the job exceeded its wall-clock budget. Terminal.
	FailureTimeout FailureKind = "timeout"
)

// StageError wraps a pipeline collaborator failure with the stage it
// occurred in and its classification.
type StageError struct {
	Stage Stage
	Kind  FailureKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError classifies a collaborator failure.
func NewStageError(stage Stage, kind FailureKind, err error) error {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// Classify maps an execution error onto a failure kind. Unclassified errors
// default to transient: raw failures crossing the worker boundary are
// overwhelmingly infrastructure errors, and the retry budget bounds the cost
// of a wrong guess.
func Classify(err error) FailureKind {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureTransient
}

// Retryable reports whether the error classification permits a retry.
func Retryable(err error) bool {
	return Classify(err) == FailureTransient
}
