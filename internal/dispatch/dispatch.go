// Package dispatch implements the pure routing decision function: given a
// bead and an immutable Refinery snapshot, produce a Route(provider) or
// Defer(until) decision. Dispatch never mutates state and never
// errors; the same inputs always yield the same decision.
package dispatch

import (
	"sort"
	"time"

	"github.com/Fnux8890/rigs/internal/bead"
	"github.com/Fnux8890/rigs/internal/provider"
	"github.com/Fnux8890/rigs/internal/refinery"
	"github.com/Fnux8890/rigs/internal/tank"
)

// Strategy controls what "can admit" means during scoring.
type Strategy string

const (
	Conservative Strategy = "conservative"
	Balanced     Strategy = "balanced"
	Aggressive   Strategy = "aggressive"
)

// AffinityMatrix maps TaskType × Provider → weight ∈ [0,1].
type AffinityMatrix map[bead.TaskType]map[provider.Provider]float32

// DefaultAffinityMatrix seeds routing.affinity from each TaskType's built-in
// provider affinity ranking, so Dispatch is useful before an operator tunes
// the matrix in config.
func DefaultAffinityMatrix() AffinityMatrix {
	matrix := make(AffinityMatrix, len(bead.AllTaskTypes))
	for _, t := range bead.AllTaskTypes {
		weights := make(map[provider.Provider]float32)
		for _, affinity := range t.DefaultAffinities() {
			weights[affinity.Provider] = affinity.Weight
		}
		matrix[t] = weights
	}
	return matrix
}

func (m AffinityMatrix) weight(t bead.TaskType, p provider.Provider) float32 {
	if weights, ok := m[t]; ok {
		return weights[p]
	}
	return 0
}

// Decision is the outcome of a routing attempt: exactly one of Provider or
// Until is populated, distinguished by Deferred.
type Decision struct {
	Deferred bool
	Provider provider.Provider
	Until    time.Time // zero value Until means "defer indefinitely" (∞)
}

// Route returns a Route(provider) decision.
func Route(p provider.Provider) Decision {
	return Decision{Provider: p}
}

// Defer returns a Defer(until) decision.
func Defer(until time.Time) Decision {
	return Decision{Deferred: true, Until: until}
}

// Config bundles the inputs Dispatch needs beyond the bead and the snapshot
// source: the affinity matrix and the active strategy.
type Config struct {
	Affinity AffinityMatrix
	Strategy Strategy
}

// SnapshotSource supplies per-provider Refinery snapshots and health.
type SnapshotSource interface {
	Snapshot(p provider.Provider) (refinery.Snapshot, bool)
	Healthy(p provider.Provider) bool
}

// admits reports whether snap can admit tokens under strategy.
func admits(snap refinery.Snapshot, tokens uint64, strategy Strategy) bool {
	if snap.Remaining < tokens {
		return false
	}
	switch strategy {
	case Aggressive:
		return snap.Health != tank.Empty
	case Conservative:
		return snap.Health == tank.Green
	default: // Balanced
		return snap.Health == tank.Green || snap.Health == tank.Yellow
	}
}

// RouteBead decides where bead b should go given the current snapshot source
// and config. It never mutates b or the Refinery.
func RouteBead(b *bead.Bead, snapshots SnapshotSource, cfg Config) Decision {
	candidates := provider.Execution

	if b.PreferredProvider != nil {
		p := *b.PreferredProvider
		if snapshots.Healthy(p) {
			if snap, ok := snapshots.Snapshot(p); ok && admits(snap, b.EstimatedTokens, cfg.Strategy) {
				return Route(p)
			}
		}
	}

	var admissible []scoredProvider

	for _, p := range candidates {
		if !snapshots.Healthy(p) {
			continue
		}
		snap, ok := snapshots.Snapshot(p)
		if !ok || !admits(snap, b.EstimatedTokens, cfg.Strategy) {
			continue
		}
		weight := cfg.Affinity.weight(b.TaskType, p)
		admissible = append(admissible, scoredProvider{
			provider: p,
			score:    float64(weight) * float64(snap.CapacityRatio),
			ratio:    snap.CapacityRatio,
		})
	}

	if cfg.Strategy == Conservative && len(admissible) > 0 {
		best := bestAffinityProvider(b.TaskType, cfg.Affinity, admissible)
		return Route(best)
	}

	if len(admissible) > 0 {
		sort.SliceStable(admissible, func(i, j int) bool {
			if admissible[i].score != admissible[j].score {
				return admissible[i].score > admissible[j].score
			}
			if admissible[i].ratio != admissible[j].ratio {
				return admissible[i].ratio > admissible[j].ratio
			}
			return enumOrder(admissible[i].provider) < enumOrder(admissible[j].provider)
		})
		return Route(admissible[0].provider)
	}

	return deferDecision(b, snapshots, candidates)
}

// scoredProvider is a candidate provider with its computed routing score.
type scoredProvider struct {
	provider provider.Provider
	score    float64
	ratio    float32
}

// bestAffinityProvider restricts Conservative's admissible set to the
// single highest-affinity candidate.
func bestAffinityProvider(t bead.TaskType, affinity AffinityMatrix, admissible []scoredProvider) provider.Provider {
	best := admissible[0]
	for _, candidate := range admissible[1:] {
		if affinity.weight(t, candidate.provider) > affinity.weight(t, best.provider) {
			best = candidate
		}
	}
	return best.provider
}

func enumOrder(p provider.Provider) int {
	for i, candidate := range provider.All {
		if candidate == p {
			return i
		}
	}
	return len(provider.All)
}

// deferDecision computes, for every execution provider, the earliest time
// it would satisfy the bead's estimate, and returns Defer(min). If no
// provider can ever satisfy it, returns Defer with the zero time (∞).
func deferDecision(b *bead.Bead, snapshots SnapshotSource, candidates []provider.Provider) Decision {
	now := time.Now().UTC()
	var earliest time.Time
	found := false

	for _, p := range candidates {
		if !snapshots.Healthy(p) {
			continue
		}
		snap, ok := snapshots.Snapshot(p)
		if !ok {
			continue
		}
		if b.EstimatedTokens > snap.Capacity {
			continue // can never be satisfied by this provider
		}
		wait := snap.TimeUntilAdmit(b.EstimatedTokens, now)
		candidate := now.Add(wait)
		if !found || candidate.Before(earliest) {
			earliest = candidate
			found = true
		}
	}

	if !found {
		return Defer(time.Time{}) // ∞: no provider could ever satisfy it
	}
	return Defer(earliest)
}
