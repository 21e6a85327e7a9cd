package bead

import "testing"

func TestIsValidTransitionAllowedPath(t *testing.T) {
	path := []Status{Pending, Optimizing, Queued, Assigned, InProgress, Reviewing, Completed}
	for i := 0; i < len(path)-1; i++ {
		if !IsValidTransition(path[i], path[i+1]) {
			t.Errorf("expected %v -> %v to be valid", path[i], path[i+1])
		}
	}
}

func TestIsValidTransitionRejectsSkippingStates(t *testing.T) {
	if IsValidTransition(Pending, Completed) {
		t.Error("pending -> completed should not be a legal direct transition")
	}
	if IsValidTransition(InProgress, Queued) {
		t.Error("in_progress -> queued is not a legal direct transition")
	}
}

func TestIsValidTransitionRejectsFromTerminal(t *testing.T) {
	for _, terminal := range []Status{Completed, Failed, Cancelled} {
		if IsValidTransition(terminal, Queued) {
			t.Errorf("%v should have no outgoing transitions", terminal)
		}
	}
}

func TestIsValidTransitionRejectsEmptyStatus(t *testing.T) {
	if IsValidTransition("", Queued) || IsValidTransition(Queued, "") {
		t.Error("empty status should never be a valid endpoint")
	}
}

func TestValidateTransitionReturnsErrorOnIllegalChange(t *testing.T) {
	if err := ValidateTransition(Pending, Completed); err == nil {
		t.Fatal("expected an error for an illegal transition")
	}
	if err := ValidateTransition(Pending, Optimizing); err != nil {
		t.Fatalf("unexpected error for a legal transition: %v", err)
	}
}

func TestDeferredCanReturnToQueuedOrCancel(t *testing.T) {
	if !IsValidTransition(Deferred, Queued) {
		t.Error("deferred -> queued should be legal, used by promote_ready")
	}
	if !IsValidTransition(Deferred, Cancelled) {
		t.Error("deferred -> cancelled should be legal")
	}
}

func TestInProgressTransitionsToDeferredForTransientRetry(t *testing.T) {
	if !IsValidTransition(InProgress, Deferred) {
		t.Fatal("in_progress -> deferred must be legal: it is how transient failures requeue")
	}
}
