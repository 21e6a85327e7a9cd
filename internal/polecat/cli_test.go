package polecat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Fnux8890/rigs/internal/bead"
)

func TestCLIPolecatExecuteSuccess(t *testing.T) {
	p := NewCLIPolecat(CLIConfig{
		Command: CommandTemplate{"/bin/echo", "{prompt}"},
	})
	b := bead.New("t", "hello world", bead.Implementation)

	res, err := p.Execute(context.Background(), b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ActualTokens == 0 {
		t.Fatal("expected a nonzero token estimate on success")
	}
}

func TestCLIPolecatClassifiesNonZeroExitAsTransient(t *testing.T) {
	p := NewCLIPolecat(CLIConfig{
		Command: CommandTemplate{"/bin/sh", "-c", "echo boom >&2; exit 1"},
	})
	b := bead.New("t", "d", bead.Implementation)

	_, err := p.Execute(context.Background(), b)
	if err == nil {
		t.Fatal("expected an error for a nonzero exit")
	}
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected a *polecat.Error, got %T", err)
	}
	if perr.Kind != Transient {
		t.Fatalf("expected Transient, got %v", perr.Kind)
	}
}

func TestCLIPolecatClassifiesRateLimitMarker(t *testing.T) {
	p := NewCLIPolecat(CLIConfig{
		Command:          CommandTemplate{"/bin/sh", "-c", "echo '429 rate limit exceeded' >&2; exit 1"},
		RateLimitMarkers: []string{"rate limit"},
	})
	b := bead.New("t", "d", bead.Implementation)

	_, err := p.Execute(context.Background(), b)
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected a *polecat.Error, got %T", err)
	}
	if perr.Kind != RateLimited {
		t.Fatalf("expected RateLimited, got %v", perr.Kind)
	}
}

func TestCLIPolecatClassifiesTimeout(t *testing.T) {
	p := NewCLIPolecat(CLIConfig{
		Command: CommandTemplate{"/bin/sh", "-c", "sleep 5"},
	})
	b := bead.New("t", "d", bead.Implementation)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Execute(ctx, b)
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected a *polecat.Error, got %T", err)
	}
	if perr.Kind != Timeout {
		t.Fatalf("expected Timeout, got %v", perr.Kind)
	}
}

func TestCLIPolecatRejectsEmptyCommand(t *testing.T) {
	p := NewCLIPolecat(CLIConfig{})
	b := bead.New("t", "d", bead.Implementation)

	_, err := p.Execute(context.Background(), b)
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != Permanent {
		t.Fatalf("expected a Permanent error for an empty command, got %v", err)
	}
}

func TestSubstitutePromptReplacesToken(t *testing.T) {
	out := substitutePrompt(CommandTemplate{"run", "{prompt}", "--flag"}, "do the thing")
	if out[1] != "do the thing" {
		t.Fatalf("expected substitution, got %v", out)
	}
}

func TestContainsPromptToken(t *testing.T) {
	if !containsPromptToken(CommandTemplate{"run", "{prompt}"}) {
		t.Fatal("expected token to be detected")
	}
	if containsPromptToken(CommandTemplate{"run", "--stdin"}) {
		t.Fatal("expected no token to be detected")
	}
}
