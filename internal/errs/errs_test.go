package errs

import (
	"errors"
	"testing"
	"time"
)

func TestKindOfWrapped(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(Transport, "dial failed", base)

	if got := KindOf(wrapped); got != Transport {
		t.Fatalf("KindOf() = %v, want %v", got, Transport)
	}
	if !errors.Is(wrapped, base) {
		t.Fatalf("expected wrapped error to unwrap to base")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != Internal {
		t.Fatalf("KindOf(plain) = %v, want %v", got, Internal)
	}
}

func TestIsMatchesByKind(t *testing.T) {
	a := NotFoundf("order %s", "abc")
	b := NotFoundf("trade %s", "xyz")

	if !errors.Is(a, b) {
		t.Fatalf("expected two NotFound errors to match via errors.Is")
	}
	if errors.Is(a, InvalidArgumentf("x")) {
		t.Fatalf("expected different kinds to not match")
	}
}

func TestRateLimitedAfterCarriesRetry(t *testing.T) {
	err := RateLimitedAfter(2 * time.Second)
	if err.Kind != RateLimited {
		t.Fatalf("Kind = %v, want RateLimited", err.Kind)
	}
	if err.RetryIn != 2*time.Second {
		t.Fatalf("RetryIn = %v, want 2s", err.RetryIn)
	}
}
