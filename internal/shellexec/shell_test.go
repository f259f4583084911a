package shellexec

import (
	"context"
	"testing"
)

func TestRunForInt(t *testing.T) {
	n, err := RunForInt(context.Background(), []string{"echo", "42"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 42 {
		t.Errorf("got %d, want 42", n)
	}
}

func TestRunForIntNonInteger(t *testing.T) {
	if _, err := RunForInt(context.Background(), []string{"echo", "notanumber"}); err == nil {
		t.Error("expected error for non-integer shell output")
	}
}

func TestRun(t *testing.T) {
	if err := Run(context.Background(), []string{"true"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := Run(context.Background(), []string{"false"}); err == nil {
		t.Error("expected error for non-zero exit")
	}
}
