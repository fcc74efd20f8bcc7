package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("rename conversation: %w", NotFound("conversation %d not found", 7))

	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected errors.Is(ErrNotFound) on %v", err)
	}
	if errors.Is(err, ErrConflict) {
		t.Fatalf("not-found error must not match ErrConflict")
	}
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected not_found kind, got %s", KindOf(err))
	}
}

func TestKindOfPlainError(t *testing.T) {
	err := errors.New("connection reset")
	if KindOf(err) != KindInternal {
		t.Fatalf("expected internal kind, got %s", KindOf(err))
	}
	if IsUserFacing(err) {
		t.Fatalf("internal errors are not user facing")
	}
	if !IsUserFacing(Validation("title is required")) {
		t.Fatalf("validation errors are user facing")
	}
}
