package rigserr

import "testing"

func TestRecoverable(t *testing.T) {
	recoverable := []Kind{KindCapacityExhausted, KindRateLimited, KindTransient}
	for _, k := range recoverable {
		if !New(k, "x").Recoverable() {
			t.Errorf("%v should be recoverable", k)
		}
	}
	terminal := []Kind{KindPermanent, KindInvariant, KindStorage, KindDependencyFailed}
	for _, k := range terminal {
		if New(k, "x").Recoverable() {
			t.Errorf("%v should not be recoverable", k)
		}
	}
}

func TestRateLimit(t *testing.T) {
	if !New(KindRateLimited, "x").RateLimit() {
		t.Error("rate_limited should report RateLimit() true")
	}
	if !New(KindCapacityExhausted, "x").RateLimit() {
		t.Error("capacity_exhausted should report RateLimit() true")
	}
	if New(KindTransient, "x").RateLimit() {
		t.Error("transient should not report RateLimit() true")
	}
}

func TestSuggestedWait(t *testing.T) {
	if New(KindPermanent, "x").SuggestedWait() != 0 {
		t.Error("permanent errors should have no suggested wait")
	}
	if New(KindRateLimited, "x").SuggestedWait() == 0 {
		t.Error("rate_limited errors should have a nonzero suggested wait")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := New(KindStorage, "disk full")
	wrapped := Wrap(KindTransient, "retrying write", cause)
	if wrapped.Unwrap() != cause {
		t.Fatal("Wrap should preserve the original cause for errors.Is/As")
	}
	if wrapped.Error() == "" {
		t.Fatal("Error() should not be empty")
	}
}

func TestInsufficientCapacityError(t *testing.T) {
	err := &InsufficientCapacity{Provider: "claude", Requested: 100, Available: 10}
	if err.Error() == "" {
		t.Fatal("expected a non-empty error message")
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransition{BeadID: "gt-abcde", From: "pending", To: "completed"}
	if err.Error() == "" {
		t.Fatal("expected a non-empty error message")
	}
}
