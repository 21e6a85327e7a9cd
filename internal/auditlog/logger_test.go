package auditlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	dir := t.TempDir()
	logger, err := NewLogger(dir, os.Stderr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return logger, filepath.Join(dir, "_rigs", "audit.log")
}

func readLog(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected error reading audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	return lines
}

func TestLogTransitionWritesExpectedFields(t *testing.T) {
	logger, path := newTestLogger(t)
	if err := logger.LogTransition("gt-abcde", "queued", "assigned"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines := readLog(t, path)
	if len(lines) != 1 {
		t.Fatalf("expected exactly one line, got %d", len(lines))
	}
	line := lines[0]
	for _, want := range []string{"event=bead.transition", "bead_id=gt-abcde", "from=queued", "to=assigned"} {
		if !strings.Contains(line, want) {
			t.Errorf("expected line to contain %q, got %q", want, line)
		}
	}
}

func TestLogAppendsMultipleLines(t *testing.T) {
	logger, path := newTestLogger(t)
	if err := logger.LogDeferred("gt-abcde", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := logger.LogCancelled("gt-abcde", "dependency failed"); err != nil {
		t.Fatal(err)
	}
	lines := readLog(t, path)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
}

func TestLogQuotesValuesContainingSpaces(t *testing.T) {
	logger, path := newTestLogger(t)
	if err := logger.LogCancelled("gt-abcde", "dependency failed badly"); err != nil {
		t.Fatal(err)
	}
	lines := readLog(t, path)
	if !strings.Contains(lines[0], `reason="dependency failed badly"`) {
		t.Fatalf("expected quoted reason field, got %q", lines[0])
	}
}

func TestLogRejectsEmptyBeadID(t *testing.T) {
	logger, _ := newTestLogger(t)
	err := logger.Log(Entry{Event: EventBeadTransition})
	if err == nil {
		t.Fatal("expected an error for a missing bead id")
	}
}

func TestCloseThenLogReopensFile(t *testing.T) {
	logger, path := newTestLogger(t)
	if err := logger.LogDeferred("gt-abcde", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("unexpected error closing: %v", err)
	}
	if err := logger.LogCancelled("gt-abcde", "reopened after close"); err != nil {
		t.Fatalf("unexpected error logging after close: %v", err)
	}
	lines := readLog(t, path)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines across the close/reopen boundary, got %d", len(lines))
	}
}

func TestCloseOnLoggerThatNeverWroteIsNoop(t *testing.T) {
	logger, _ := newTestLogger(t)
	if err := logger.Close(); err != nil {
		t.Fatalf("expected closing an unopened logger to be a no-op, got %v", err)
	}
}

func TestNilLoggerLogReturnsError(t *testing.T) {
	var logger *Logger
	if err := logger.Log(Entry{BeadID: "x", Event: "y"}); err == nil {
		t.Fatal("expected an error calling Log on a nil logger")
	}
}
