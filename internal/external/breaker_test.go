package external

import (
	"testing"
	"time"
)

func TestCircuitBreaker_opensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, 1, time.Minute)

	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow error while closed: %v", err)
	}

	cb.RecordFailure()
	cb.RecordFailure()
	if got := cb.State(); got != BreakerClosed {
		t.Fatalf("state after 2 failures = %s, want closed", got)
	}

	cb.RecordFailure()
	if got := cb.State(); got != BreakerOpen {
		t.Fatalf("state after 3 failures = %s, want open", got)
	}
	if err := cb.Allow(); err == nil {
		t.Error("Allow succeeded while open")
	}
}

func TestCircuitBreaker_successResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(3, 1, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if got := cb.State(); got != BreakerClosed {
		t.Errorf("state = %s, want closed (non-consecutive failures)", got)
	}
}

func TestCircuitBreaker_halfOpenAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(1, 1, 5*time.Millisecond)

	cb.RecordFailure()
	if err := cb.Allow(); err == nil {
		t.Fatal("Allow succeeded immediately after trip")
	}

	time.Sleep(10 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow error after cool-down: %v", err)
	}
	if got := cb.State(); got != BreakerHalfOpen {
		t.Errorf("state = %s, want half-open", got)
	}
}

func TestCircuitBreaker_halfOpenSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, 5*time.Millisecond)

	cb.RecordFailure()
	time.Sleep(10 * time.Millisecond)
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow error: %v", err)
	}

	cb.RecordSuccess()
	if got := cb.State(); got != BreakerHalfOpen {
		t.Fatalf("state after 1 probe success = %s, want half-open", got)
	}

	cb.RecordSuccess()
	if got := cb.State(); got != BreakerClosed {
		t.Errorf("state after 2 probe successes = %s, want closed", got)
	}
}

func TestCircuitBreaker_halfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, 5*time.Millisecond)

	cb.RecordFailure()
	time.Sleep(10 * time.Millisecond)
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow error: %v", err)
	}

	cb.RecordFailure()
	if got := cb.State(); got != BreakerOpen {
		t.Errorf("state = %s, want open", got)
	}
	if err := cb.Allow(); err == nil {
		t.Error("Allow succeeded right after half-open failure")
	}
}

func TestCircuitBreaker_defaults(t *testing.T) {
	cb := NewCircuitBreaker(0, 0, 0)

	if cb.failureThreshold != 5 {
		t.Errorf("failureThreshold = %d, want 5", cb.failureThreshold)
	}
	if cb.successThreshold != 2 {
		t.Errorf("successThreshold = %d, want 2", cb.successThreshold)
	}
	if cb.timeout != 30*time.Second {
		t.Errorf("timeout = %s, want 30s", cb.timeout)
	}
}
