// Package faults defines the error taxonomy shared by the matching, coherence
// and clustering services.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks missing identifiers or malformed parameters. Not retried.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound marks an article, cluster or place id unknown to a collaborator.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable marks a failing gazetteer, content or persistence call.
	ErrUnavailable = errors.New("collaborator unavailable")
)

// StageError attaches the failing stage and item id to an error.
type StageError struct {
	Stage string
	ID    int64
	Err   error
}

func (e *StageError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.ID != 0 {
		return fmt.Sprintf("%s id=%d: %v", e.Stage, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Wrap returns err annotated with stage and id, or nil when err is nil.
func Wrap(stage string, id int64, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, ID: id, Err: err}
}

// Invalid builds an ErrInvalidInput error with a formatted detail message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Unavailable wraps a collaborator failure so callers can match ErrUnavailable.
func Unavailable(collaborator string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, collaborator, err)
}

// ItemFailure records one failed item inside a batch.
type ItemFailure struct {
	ID      int64  `json:"id"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// Failure converts err into an ItemFailure for batch reporting.
func Failure(id int64, stage string, err error) ItemFailure {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return ItemFailure{ID: id, Stage: stage, Message: msg}
}
