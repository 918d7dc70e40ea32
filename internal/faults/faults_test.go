package faults

import (
	"errors"
	"strings"
	"testing"
)

func TestWrapKeepsSentinel(t *testing.T) {
	t.Parallel()

	err := Wrap("match", 42, ErrNotFound)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected wrapped error to match ErrNotFound, got %v", err)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError, got %T", err)
	}
	if stageErr.Stage != "match" || stageErr.ID != 42 {
		t.Fatalf("unexpected stage error fields: %+v", stageErr)
	}
	if !strings.Contains(err.Error(), "id=42") {
		t.Fatalf("expected id in message, got %q", err.Error())
	}
	if Wrap("match", 1, nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestUnavailablePassesThroughTaxonomyErrors(t *testing.T) {
	t.Parallel()

	if err := Unavailable("gazetteer", ErrNotFound); !errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected not-found to pass through unchanged, got %v", err)
	}

	err := Unavailable("gazetteer", errors.New("connection refused"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected cause in message, got %q", err.Error())
	}
}

func TestInvalid(t *testing.T) {
	t.Parallel()

	err := Invalid("headline is required for cluster of %d", 2)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	failure := Failure(7, "pair", err)
	if failure.ID != 7 || failure.Stage != "pair" || failure.Message == "" {
		t.Fatalf("unexpected failure: %+v", failure)
	}
}
