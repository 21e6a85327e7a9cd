// Package assayer defines the pre/post-scheduling pipeline contract: plan
// decomposes a goal into beads, optimize and estimate prepare a bead for
// dispatch, and quality_gate judges execution output. The Assayer
// must not hold references to the Refinery or Depot — it operates on beads
// by value.
package assayer

import (
	"context"
	"fmt"

	"github.com/Fnux8890/rigs/internal/bead"
)

// Verdict is the outcome of a quality gate check.
type Verdict struct {
	Pass          bool
	NeedsRevision bool
	Notes         string
	FailReasons   []string
}

// Assayer is the pluggable pre/post-scheduling pipeline. Implementations
// may use local or remote models; the core behaves identically regardless.
type Assayer interface {
	Plan(ctx context.Context, goal string) ([]*bead.Bead, error)
	Optimize(ctx context.Context, b *bead.Bead) (string, error)
	Estimate(ctx context.Context, b *bead.Bead) (uint64, error)
	QualityGate(ctx context.Context, b *bead.Bead, output string) (Verdict, error)
}

// NullAssayer is a valid, dependency-free Assayer implementation used in
// tests and as a safe default: plan wraps the goal in a single bead,
// optimize is the identity function, estimate is a character-count
// heuristic, and quality_gate always passes.
type NullAssayer struct{}

func (NullAssayer) Plan(_ context.Context, goal string) ([]*bead.Bead, error) {
	if goal == "" {
		return nil, fmt.Errorf("null assayer: empty goal")
	}
	b := bead.New(goal, goal, bead.Implementation)
	return []*bead.Bead{b}, nil
}

func (NullAssayer) Optimize(_ context.Context, b *bead.Bead) (string, error) {
	return b.Description, nil
}

func (NullAssayer) Estimate(_ context.Context, b *bead.Bead) (uint64, error) {
	n := len(b.EffectivePrompt()) / 4
	if n < 1 {
		n = 1
	}
	return uint64(n), nil
}

func (NullAssayer) QualityGate(_ context.Context, _ *bead.Bead, _ string) (Verdict, error) {
	return Verdict{Pass: true}, nil
}
