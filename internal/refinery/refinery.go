// Package refinery owns the set of per-provider Tanks and mediates the
// reserve/reconcile/release protocol and provider refresh, under a single
// whole-Refinery lock with short critical sections.
package refinery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Fnux8890/rigs/internal/provider"
	"github.com/Fnux8890/rigs/internal/tank"
)

// RefreshAdapter pulls authoritative rate-limit state from a provider's
// side-channel (CLI output, response header, API endpoint).
type RefreshAdapter interface {
	Fetch(ctx context.Context, p provider.Provider) (tank.RefreshPayload, error)
}

// Snapshot is an immutable, minimal view of tank state for Dispatch to
// score against without holding the Refinery lock across provider I/O.
type Snapshot struct {
	Provider        provider.Provider
	Remaining       uint64
	Capacity        uint64
	Health          tank.Health
	CapacityRatio   float32
	TimeUntilAdmit  func(tokens uint64, now time.Time) time.Duration
}

// Refinery owns all tanks and guards them with a single lock.
type Refinery struct {
	mu    sync.RWMutex
	tanks map[provider.Provider]*tank.Tank

	circuitMu sync.Mutex
	breakers  map[provider.Provider]*breaker

	adapters map[provider.Provider]RefreshAdapter
}

// New builds an empty Refinery. Use AddTank to register provider tanks.
func New() *Refinery {
	return &Refinery{
		tanks:    map[provider.Provider]*tank.Tank{},
		breakers: map[provider.Provider]*breaker{},
		adapters: map[provider.Provider]RefreshAdapter{},
	}
}

// AddTank registers a tank for its provider, replacing any existing one.
func (r *Refinery) AddTank(t *tank.Tank) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tanks[t.Provider] = t
	if _, ok := r.breakers[t.Provider]; !ok {
		r.breakers[t.Provider] = newBreaker()
	}
}

// SetRefreshAdapter wires the refresh side-channel for a provider.
func (r *Refinery) SetRefreshAdapter(p provider.Provider, adapter RefreshAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[p] = adapter
}

// Providers returns every provider with a registered tank.
func (r *Refinery) Providers() []provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.Provider, 0, len(r.tanks))
	for p := range r.tanks {
		out = append(out, p)
	}
	return out
}

// Snapshot clones the minimal view of one provider's tank for Dispatch.
func (r *Refinery) Snapshot(p provider.Provider) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tanks[p]
	if !ok {
		return Snapshot{}, false
	}
	// Capture the tank pointer for TimeUntilAdmit; Dispatch only calls it
	// synchronously within the same tick, before the Refinery mutates again.
	return Snapshot{
		Provider:       p,
		Remaining:      t.Remaining,
		Capacity:       t.Capacity,
		Health:         t.Health,
		CapacityRatio:  t.CapacityRatio(),
		TimeUntilAdmit: t.TimeUntilAdmit,
	}, true
}

// FullSnapshot is the complete persistable view of one provider's tank,
// used by Foreman's periodic persistence flush rather than Dispatch's
// minimal Snapshot.
type FullSnapshot struct {
	Provider           provider.Provider
	Capacity           uint64
	Remaining          uint64
	WindowStart        time.Time
	WindowEnd          time.Time
	Health             tank.Health
	LastRequest        *time.Time
	RequestsThisWindow uint32
	TokensThisWindow   uint64
	UpdatedAt          time.Time
}

// FullSnapshot clones every persistable field of a provider's tank.
func (r *Refinery) FullSnapshot(p provider.Provider) (FullSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tanks[p]
	if !ok {
		return FullSnapshot{}, false
	}
	return FullSnapshot{
		Provider:           t.Provider,
		Capacity:           t.Capacity,
		Remaining:          t.Remaining,
		WindowStart:        t.WindowStart,
		WindowEnd:          t.WindowEnd,
		Health:             t.Health,
		LastRequest:        t.LastRequest,
		RequestsThisWindow: t.RequestsThisWindow,
		TokensThisWindow:   t.TokensThisWindow,
		UpdatedAt:          t.UpdatedAt,
	}, true
}

// Healthy reports whether the provider's circuit breaker is closed.
func (r *Refinery) Healthy(p provider.Provider) bool {
	r.circuitMu.Lock()
	defer r.circuitMu.Unlock()
	b, ok := r.breakers[p]
	if !ok {
		return true
	}
	return !b.open(time.Now())
}

// Reserve performs the check-and-decrement under the Refinery's exclusive
// lock, a deliberately short critical section.
func (r *Refinery) Reserve(p provider.Provider, estimatedTokens uint64) (tank.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tanks[p]
	if !ok {
		return tank.Handle{}, fmt.Errorf("refinery: no tank configured for provider %s", p)
	}
	return t.Reserve(estimatedTokens, time.Now().UTC())
}

// Reconcile adjusts a tank's accounting once actual usage is known.
func (r *Refinery) Reconcile(handle tank.Handle, actualTokens uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tanks[handle.Provider]
	if !ok {
		return
	}
	t.Reconcile(handle, actualTokens)
}

// Release restores a reservation's amount after a worker failure that
// consumed no tokens.
func (r *Refinery) Release(handle tank.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tanks[handle.Provider]
	if !ok {
		return
	}
	t.Release(handle)
}

// RecordSuccess clears the provider's circuit breaker.
func (r *Refinery) RecordSuccess(p provider.Provider) {
	r.circuitMu.Lock()
	defer r.circuitMu.Unlock()
	if b, ok := r.breakers[p]; ok {
		b.recordSuccess()
	}
}

// RecordFailure increments the provider's circuit breaker on a
// non-rate-limit error, tripping the circuit breaker.
func (r *Refinery) RecordFailure(p provider.Provider) {
	r.circuitMu.Lock()
	defer r.circuitMu.Unlock()
	if b, ok := r.breakers[p]; ok {
		b.recordFailure(time.Now())
	}
}

// RefreshAll pulls authoritative state from every registered adapter and
// overwrites the corresponding tank, discarding pending reservations that
// predate the refresh. Fetches happen outside the lock; only the
// apply step is serialized.
func (r *Refinery) RefreshAll(ctx context.Context) error {
	r.mu.RLock()
	adapters := make(map[provider.Provider]RefreshAdapter, len(r.adapters))
	for p, a := range r.adapters {
		adapters[p] = a
	}
	r.mu.RUnlock()

	var firstErr error
	for p, adapter := range adapters {
		payload, err := adapter.Fetch(ctx, p)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("refresh %s: %w", p, err)
			}
			continue
		}
		r.mu.Lock()
		if t, ok := r.tanks[p]; ok {
			t.ApplyRefresh(payload, time.Now().UTC())
		}
		r.mu.Unlock()
	}
	return firstErr
}
