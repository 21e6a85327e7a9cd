// Package depot implements the durable priority queue and lifecycle
// authority over beads. A single writer goroutine drains a bounded
// channel of transition requests, serializing every mutation; callers send
// a request and await its result, eliminating transition races.
package depot

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Fnux8890/rigs/internal/bead"
)

// Repository is the durable persistence contract the Depot writes through
// before acknowledging a mutation.
type Repository interface {
	Create(ctx context.Context, b *bead.Bead) error
	Update(ctx context.Context, b *bead.Bead) error
	Get(ctx context.Context, id bead.ID) (*bead.Bead, error)
	Delete(ctx context.Context, id bead.ID) error
	ListByStatus(ctx context.Context, status bead.Status) ([]*bead.Bead, error)
	ListByConvoy(ctx context.Context, convoyID string) ([]*bead.Bead, error)
	GetPendingOrdered(ctx context.Context) ([]*bead.Bead, error)
	GetDeferredReady(ctx context.Context, now time.Time) ([]*bead.Bead, error)
}

// command is one mutation request drained by the single writer loop.
type command struct {
	run  func() (any, error)
	done chan result
}

type result struct {
	value any
	err   error
}

// Depot is the single-writer actor over the bead store. All exported
// methods are safe for concurrent use: each enqueues a command and blocks
// for its result, so lifecycle transitions are totally ordered.
type Depot struct {
	repo    Repository
	queue   chan command
	done    chan struct{}

	// in-memory index mirrors the repository for O(1) reads within the
	// writer loop; the repository remains the durable source of truth.
	beads map[bead.ID]*bead.Bead
}

// New constructs a Depot backed by repo. It does not start the writer
// loop: call Run from a goroutine to drive it, so callers control the
// lifecycle explicitly.
func New(repo Repository) *Depot {
	return &Depot{
		repo:  repo,
		queue: make(chan command, 256),
		done:  make(chan struct{}),
		beads: map[bead.ID]*bead.Bead{},
	}
}

// Run drains the command queue until ctx is cancelled. It must be invoked
// from exactly one goroutine — this is what makes the Depot a single-writer
// actor.
func (d *Depot) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-d.queue:
			value, err := cmd.run()
			cmd.done <- result{value: value, err: err}
		}
	}
}

// Wait blocks until Run has returned.
func (d *Depot) Wait() {
	<-d.done
}

// submit enqueues fn and blocks for its result, or returns ctx.Err() if the
// context is cancelled first.
func submit[T any](ctx context.Context, d *Depot, fn func() (T, error)) (T, error) {
	cmd := command{
		run: func() (any, error) {
			return fn()
		},
		done: make(chan result, 1),
	}
	select {
	case d.queue <- cmd:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	select {
	case res := <-cmd.done:
		if res.err != nil {
			var zero T
			return zero, res.err
		}
		v, _ := res.value.(T)
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Bootstrap loads every bead from the repository into the in-memory index,
// including terminal ones, and performs crash recovery: beads in Assigned,
// InProgress, or Reviewing are transitioned back to Queued, since a fresh
// process start means no worker can possibly still be live for them.
// Terminal beads (Completed/Failed/Cancelled) must be indexed too, not just
// recovered ones: dependenciesCompleted and cancelDependencyFailures look
// dependencies up in d.beads, and a Queued bead whose dependency completed
// in a prior process lifetime would otherwise find that dependency missing
// and treat it as permanently unmet.
func (d *Depot) Bootstrap(ctx context.Context) error {
	return submitVoid(ctx, d, func() error {
		for _, status := range []bead.Status{
			bead.Pending, bead.Optimizing, bead.Queued, bead.Assigned, bead.InProgress, bead.Deferred, bead.Reviewing,
			bead.Completed, bead.Failed, bead.Cancelled,
		} {
			beads, err := d.repo.ListByStatus(ctx, status)
			if err != nil {
				return fmt.Errorf("depot bootstrap: list %s: %w", status, err)
			}
			for _, b := range beads {
				d.beads[b.ID] = b
			}
		}
		for _, b := range d.beads {
			if b.Status == bead.Assigned || b.Status == bead.InProgress || b.Status == bead.Reviewing {
				b.Status = bead.Queued
				if err := d.repo.Update(ctx, b); err != nil {
					return fmt.Errorf("depot bootstrap: recover %s: %w", b.ID, err)
				}
			}
		}
		return nil
	})
}

func submitVoid(ctx context.Context, d *Depot, fn func() error) error {
	_, err := submit(ctx, d, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Insert validates a new bead's field invariants and dependency graph
// and writes it through to durable storage.
func (d *Depot) Insert(ctx context.Context, b *bead.Bead) error {
	return submitVoid(ctx, d, func() error {
		if err := d.validateInsert(b); err != nil {
			return err
		}
		if err := d.repo.Create(ctx, b); err != nil {
			return fmt.Errorf("depot insert %s: %w", b.ID, err)
		}
		d.beads[b.ID] = b
		return nil
	})
}

func (d *Depot) validateInsert(b *bead.Bead) error {
	if b.Status == bead.Deferred {
		if b.DeferredUntil == nil || !b.DeferredUntil.After(b.CreatedAt) {
			return fmt.Errorf("depot insert %s: deferred bead requires deferred_until > created_at", b.ID)
		}
	}
	if b.Status == bead.InProgress || b.Status == bead.Reviewing {
		if b.AssignedProvider == nil || b.StartedAt == nil {
			return fmt.Errorf("depot insert %s: in-progress or reviewing bead requires assigned_provider and started_at", b.ID)
		}
	}
	if b.Status == bead.Completed {
		if b.ActualTokens == nil || b.CompletedAt == nil {
			return fmt.Errorf("depot insert %s: completed bead requires actual_tokens and completed_at", b.ID)
		}
	}
	return d.checkAcyclic(b)
}

// checkAcyclic performs a DFS reachability check over the in-memory index
// plus the candidate bead, rejecting on the first detected cycle.
func (d *Depot) checkAcyclic(candidate *bead.Bead) error {
	deps := make(map[bead.ID][]bead.ID, len(d.beads)+1)
	for id, b := range d.beads {
		deps[id] = b.Dependencies
	}
	deps[candidate.ID] = candidate.Dependencies

	visitState := make(map[bead.ID]int, len(deps))
	var visit func(id bead.ID, stack []bead.ID) error
	visit = func(id bead.ID, stack []bead.ID) error {
		switch visitState[id] {
		case 1:
			return fmt.Errorf("dependency cycle detected: %v", append(stack, id))
		case 2:
			return nil
		}
		visitState[id] = 1
		stack = append(stack, id)
		for _, dep := range deps[id] {
			if _, ok := deps[dep]; !ok {
				continue
			}
			if err := visit(dep, stack); err != nil {
				return err
			}
		}
		visitState[id] = 2
		return nil
	}
	return visit(candidate.ID, nil)
}

// NextSchedulable returns the highest-priority Queued bead whose
// dependencies are all Completed, tie-broken by created_at asc then id asc.
func (d *Depot) NextSchedulable(ctx context.Context) (*bead.Bead, error) {
	return submit(ctx, d, func() (*bead.Bead, error) {
		if err := d.cancelDependencyFailures(ctx); err != nil {
			return nil, err
		}

		var candidates []*bead.Bead
		for _, b := range d.beads {
			if b.Status != bead.Queued {
				continue
			}
			if d.dependenciesCompleted(b) {
				candidates = append(candidates, b)
			}
		}
		if len(candidates) == 0 {
			return nil, nil
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority > candidates[j].Priority
			}
			if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
				return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
			}
			return candidates[i].ID < candidates[j].ID
		})
		return candidates[0], nil
	})
}

func (d *Depot) dependenciesCompleted(b *bead.Bead) bool {
	for _, depID := range b.Dependencies {
		dep, ok := d.beads[depID]
		if !ok || dep.Status != bead.Completed {
			return false
		}
	}
	return true
}

// cancelDependencyFailures auto-cancels any Queued or Deferred bead whose
// dependency failed or was cancelled, and propagates transitively: a bead
// cancelled this pass makes its own dependents eligible for cancellation on
// the very next call, without an eager whole-graph walk.
func (d *Depot) cancelDependencyFailures(ctx context.Context) error {
	for _, b := range d.beads {
		if b.Status != bead.Queued && b.Status != bead.Deferred {
			continue
		}
		for _, depID := range b.Dependencies {
			dep, ok := d.beads[depID]
			if !ok {
				continue
			}
			if dep.Status == bead.Failed || dep.Status == bead.Cancelled {
				reason := "dependency failed"
				b.Status = bead.Cancelled
				b.Error = &reason
				if err := d.repo.Update(ctx, b); err != nil {
					return fmt.Errorf("depot cancel %s: %w", b.ID, err)
				}
				break
			}
		}
	}
	return nil
}

// Mark applies a lifecycle transition, rejecting illegal transitions.
func (d *Depot) Mark(ctx context.Context, id bead.ID, to bead.Status) error {
	return submitVoid(ctx, d, func() error {
		b, ok := d.beads[id]
		if !ok {
			return fmt.Errorf("depot mark %s: not found", id)
		}
		if err := bead.ValidateTransition(b.Status, to); err != nil {
			return err
		}
		now := time.Now().UTC()
		switch to {
		case bead.Assigned:
			// started_at is set on InProgress, not Assigned; no-op here.
		case bead.InProgress:
			b.StartedAt = &now
		case bead.Completed:
			b.CompletedAt = &now
		case bead.Reviewing:
			// quality gate decides Completed/Queued/Failed next.
		}
		b.Status = to
		if err := d.repo.Update(ctx, b); err != nil {
			return fmt.Errorf("depot mark %s: %w", id, err)
		}
		return nil
	})
}

// Defer transitions a bead to Deferred with a wake-time.
func (d *Depot) Defer(ctx context.Context, id bead.ID, until time.Time) error {
	return submitVoid(ctx, d, func() error {
		b, ok := d.beads[id]
		if !ok {
			return fmt.Errorf("depot defer %s: not found", id)
		}
		if err := bead.ValidateTransition(b.Status, bead.Deferred); err != nil {
			return err
		}
		b.Status = bead.Deferred
		b.DeferredUntil = &until
		if err := d.repo.Update(ctx, b); err != nil {
			return fmt.Errorf("depot defer %s: %w", id, err)
		}
		return nil
	})
}

// PromoteReady moves every Deferred bead whose deferred_until ≤ now back to
// Queued, in the priority-then-age order the durable store's
// GetDeferredReady index returns them. Mutation still goes exclusively
// through d.beads, the single writer's authoritative in-memory copy;
// GetDeferredReady supplies the candidate ID order, it never itself
// mutates state.
func (d *Depot) PromoteReady(ctx context.Context, now time.Time) (int, error) {
	return submit(ctx, d, func() (int, error) {
		ready, err := d.repo.GetDeferredReady(ctx, now)
		if err != nil {
			return 0, fmt.Errorf("depot promote_ready: %w", err)
		}
		promoted := 0
		for _, candidate := range ready {
			b, ok := d.beads[candidate.ID]
			if !ok || b.Status != bead.Deferred {
				continue
			}
			b.Status = bead.Queued
			b.DeferredUntil = nil
			if err := d.repo.Update(ctx, b); err != nil {
				return promoted, fmt.Errorf("depot promote_ready %s: %w", b.ID, err)
			}
			promoted++
		}
		return promoted, nil
	})
}

// ListByStatus returns every in-memory bead with the given status.
func (d *Depot) ListByStatus(ctx context.Context, status bead.Status) ([]*bead.Bead, error) {
	return submit(ctx, d, func() ([]*bead.Bead, error) {
		var out []*bead.Bead
		for _, b := range d.beads {
			if b.Status == status {
				out = append(out, b)
			}
		}
		return out, nil
	})
}

// ListByConvoy returns every in-memory bead belonging to convoyID.
func (d *Depot) ListByConvoy(ctx context.Context, convoyID string) ([]*bead.Bead, error) {
	return submit(ctx, d, func() ([]*bead.Bead, error) {
		var out []*bead.Bead
		for _, b := range d.beads {
			if b.ConvoyID == convoyID {
				out = append(out, b)
			}
		}
		return out, nil
	})
}

// GetPendingOrdered returns every Pending bead ordered by created_at asc.
func (d *Depot) GetPendingOrdered(ctx context.Context) ([]*bead.Bead, error) {
	return submit(ctx, d, func() ([]*bead.Bead, error) {
		var out []*bead.Bead
		for _, b := range d.beads {
			if b.Status == bead.Pending {
				out = append(out, b)
			}
		}
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		})
		return out, nil
	})
}

// Get returns a single bead by id.
func (d *Depot) Get(ctx context.Context, id bead.ID) (*bead.Bead, error) {
	return submit(ctx, d, func() (*bead.Bead, error) {
		b, ok := d.beads[id]
		if !ok {
			return nil, fmt.Errorf("depot get %s: not found", id)
		}
		return b, nil
	})
}

// Update persists an already-mutated bead (used by Foreman after setting
// fields like EstimatedTokens/OptimizedPrompt/AssignedProvider that are not
// themselves lifecycle transitions).
func (d *Depot) Update(ctx context.Context, b *bead.Bead) error {
	return submitVoid(ctx, d, func() error {
		if _, ok := d.beads[b.ID]; !ok {
			return fmt.Errorf("depot update %s: not found", b.ID)
		}
		if err := d.repo.Update(ctx, b); err != nil {
			return fmt.Errorf("depot update %s: %w", b.ID, err)
		}
		d.beads[b.ID] = b
		return nil
	})
}
