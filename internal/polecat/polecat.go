// Package polecat defines the per-provider worker adapter contract: given
// an assigned bead, call the provider and return actual usage, or a
// classified error Foreman uses to decide the next lifecycle transition.
package polecat

import (
	"context"
	"time"

	"github.com/Fnux8890/rigs/internal/bead"
)

// ErrorKind classifies a Polecat failure for Foreman's propagation policy.
type ErrorKind string

const (
	RateLimited ErrorKind = "rate_limited"
	Transient   ErrorKind = "transient"
	Permanent   ErrorKind = "permanent"
	Timeout     ErrorKind = "timeout"
)

// Error is the classified failure a Polecat returns on a failed Execute.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

// Result is a successful execution outcome.
type Result struct {
	ActualTokens uint64
	Output       string
	Duration     time.Duration
}

// Polecat executes a single bead against one provider. Implementations
// receive the bead by value semantics (callers must not mutate it
// concurrently) and must respect ctx cancellation for cooperative timeout.
type Polecat interface {
	Execute(ctx context.Context, b *bead.Bead) (Result, error)
}

// Func adapts a plain function to the Polecat interface.
type Func func(ctx context.Context, b *bead.Bead) (Result, error)

func (f Func) Execute(ctx context.Context, b *bead.Bead) (Result, error) {
	return f(ctx, b)
}
