package perr

import (
	"errors"
	"fmt"
	"testing"
)

func TestNotFoundRoundTrips(t *testing.T) {
	err := NotFound[uint32](42)
	if !IsNotFound(err) {
		t.Fatal("expected IsNotFound to recognize a fresh NotFoundError")
	}
	var nf *NotFoundError[uint32]
	if !errors.As(err, &nf) {
		t.Fatal("expected errors.As to unwrap to *NotFoundError[uint32]")
	}
	if nf.Key != 42 {
		t.Fatalf("expected key 42, got %v", nf.Key)
	}
}

func TestIsNotFoundUnwrapsWrappedError(t *testing.T) {
	wrapped := fmt.Errorf("loading node: %w", NotFound[uint64](7))
	if !IsNotFound(wrapped) {
		t.Fatal("expected IsNotFound to see through fmt.Errorf wrapping")
	}
}

func TestIsNotFoundRejectsOtherErrors(t *testing.T) {
	if IsNotFound(ErrInvalidArgument) {
		t.Fatal("ErrInvalidArgument should not be reported as not-found")
	}
	if IsNotFound(Duplicate[string]("x")) {
		t.Fatal("a duplicate-key error should not be reported as not-found")
	}
}

func TestDuplicateKeyError(t *testing.T) {
	err := Duplicate[string]("prop-1")
	var dup *DuplicateKeyError[string]
	if !errors.As(err, &dup) {
		t.Fatal("expected errors.As to unwrap to *DuplicateKeyError[string]")
	}
	if dup.Key != "prop-1" {
		t.Fatalf("expected key prop-1, got %v", dup.Key)
	}
}

func TestSentinelsWrapWithIs(t *testing.T) {
	err := fmt.Errorf("bad page 3: %w", ErrUnexpectedPage)
	if !errors.Is(err, ErrUnexpectedPage) {
		t.Fatal("expected errors.Is to match the wrapped sentinel")
	}
}
