// Package foreman implements the top-level orchestration loop: it
// drains schedulable beads from the Depot, routes them through Dispatch,
// reserves capacity in the Refinery, and runs Polecat invocations
// concurrently — one in flight per provider at a time — while all Depot lifecycle
// transitions stay serialized through the Depot's own single writer.
//
// "Wait until any of: a schedulable bead exists; a deferred wake-time
// elapses; a refresh interval elapses; shutdown signaled" is
// realized here as a bounded poll on general.foreman_idle_ms rather than a
// push notification from the Depot, using a ticker-driven scan loop.
package foreman

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Fnux8890/rigs/internal/assayer"
	"github.com/Fnux8890/rigs/internal/auditlog"
	"github.com/Fnux8890/rigs/internal/bead"
	"github.com/Fnux8890/rigs/internal/depot"
	"github.com/Fnux8890/rigs/internal/dispatch"
	"github.com/Fnux8890/rigs/internal/polecat"
	"github.com/Fnux8890/rigs/internal/provider"
	"github.com/Fnux8890/rigs/internal/refinery"
	"github.com/Fnux8890/rigs/internal/rigslog"
	"github.com/Fnux8890/rigs/internal/tank"
)

// Config bundles the general.* tunables.
type Config struct {
	Strategy        dispatch.Strategy
	RefreshInterval time.Duration
	IdleWait        time.Duration
	WorkerTimeout   time.Duration
	MaxRetries      int
	ShutdownGrace   time.Duration
}

// CompletionRecord is a single Polecat outcome, reported to an optional
// CompletionRecorder for durable analysis independent of bead state.
type CompletionRecord struct {
	BeadID          bead.ID
	Provider        provider.Provider
	EstimatedTokens uint64
	ActualTokens    uint64
	DurationMs      uint64
	Success         bool
	QualityScore    *float64
	OriginalPrompt  string
	OptimizedPrompt string
	ErrorMessage    string
	CompletedAt     time.Time
}

// CompletionRecorder persists CompletionRecords; satisfied by an adapter
// over storage.CompletionRepository. Optional — a nil recorder simply
// skips the analysis trail.
type CompletionRecorder interface {
	RecordCompletion(ctx context.Context, record CompletionRecord) error
}

// TankPersister periodically flushes tank accounting to durable storage;
// satisfied by an adapter over storage.TankRepository. Optional.
type TankPersister interface {
	SaveTank(ctx context.Context, snap refinery.FullSnapshot) error
}

// Foreman drives the scheduling loop over a Depot and Refinery.
type Foreman struct {
	depot    *depot.Depot
	refinery *refinery.Refinery
	assayer  assayer.Assayer
	polecats map[provider.Provider]polecat.Polecat
	affinity dispatch.AffinityMatrix
	cfg      Config

	logger *zap.Logger
	audit  *auditlog.Logger

	completions CompletionRecorder
	tanks       TankPersister

	semMu sync.Mutex
	sems  map[provider.Provider]*semaphore.Weighted
}

// New builds a Foreman. polecats need not cover every provider.Execution
// member; a bead routed to an unregistered provider fails immediately.
func New(d *depot.Depot, r *refinery.Refinery, a assayer.Assayer, polecats map[provider.Provider]polecat.Polecat, affinity dispatch.AffinityMatrix, cfg Config, logger *zap.Logger, audit *auditlog.Logger) *Foreman {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Foreman{
		depot:    d,
		refinery: r,
		assayer:  a,
		polecats: polecats,
		affinity: affinity,
		cfg:      cfg,
		logger:   logger,
		audit:    audit,
		sems:     map[provider.Provider]*semaphore.Weighted{},
	}
}

// SetCompletionRecorder wires a durable completion-recording sink.
func (f *Foreman) SetCompletionRecorder(recorder CompletionRecorder) {
	f.completions = recorder
}

// SetTankPersister wires a durable tank-snapshot sink.
func (f *Foreman) SetTankPersister(persister TankPersister) {
	f.tanks = persister
}

func (f *Foreman) providerSem(p provider.Provider) *semaphore.Weighted {
	f.semMu.Lock()
	defer f.semMu.Unlock()
	sem, ok := f.sems[p]
	if !ok {
		sem = semaphore.NewWeighted(1)
		f.sems[p] = sem
	}
	return sem
}

// Run drives the loop until ctx is cancelled, then performs the graceful
// shutdown sequence: stop admitting new work, wait up to ShutdownGrace for
// in-flight Polecats, then return.
func (f *Foreman) Run(ctx context.Context) error {
	refreshTicker := time.NewTicker(f.cfg.RefreshInterval)
	defer refreshTicker.Stop()
	idleTicker := time.NewTicker(f.cfg.IdleWait)
	defer idleTicker.Stop()

	var wg sync.WaitGroup
	defer f.shutdown(&wg)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-refreshTicker.C:
			if err := f.refinery.RefreshAll(ctx); err != nil {
				f.logger.Warn("refresh_all failed", zap.Error(err))
			}
			f.flushTanks(ctx)
		case <-idleTicker.C:
			f.tick(ctx, &wg)
		}
	}
}

func (f *Foreman) shutdown(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		f.logger.Info("foreman drained all in-flight polecats")
	case <-time.After(f.cfg.ShutdownGrace):
		f.logger.Warn("foreman shutdown grace period elapsed with polecats still running")
	}
}

func (f *Foreman) flushTanks(ctx context.Context) {
	if f.tanks == nil {
		return
	}
	for _, p := range f.refinery.Providers() {
		snap, ok := f.refinery.FullSnapshot(p)
		if !ok {
			continue
		}
		if err := f.tanks.SaveTank(ctx, snap); err != nil {
			f.logger.Warn("persist tank snapshot failed", rigslog.Provider(string(p)), zap.Error(err))
		}
	}
}

// assayPending drains every Pending bead through the Assayer's
// optimize/estimate pipeline and advances it to Queued, making it visible
// to NextSchedulable. A bead that fails optimize or estimate is left
// Pending and retried on the next tick rather than failed outright, since
// the error is likely transient (a remote Assayer backend, for instance).
func (f *Foreman) assayPending(ctx context.Context) {
	pending, err := f.depot.GetPendingOrdered(ctx)
	if err != nil {
		f.logger.Warn("get_pending_ordered failed", zap.Error(err))
		return
	}

	for _, b := range pending {
		optimized, err := f.assayer.Optimize(ctx, b)
		if err != nil {
			f.logger.Warn("optimize failed", rigslog.BeadID(string(b.ID)), zap.Error(err))
			continue
		}
		if optimized != b.Description {
			if err := b.SetOptimizedPrompt(optimized); err != nil {
				f.logger.Warn("set optimized_prompt failed", rigslog.BeadID(string(b.ID)), zap.Error(err))
				continue
			}
		}

		estimated, err := f.assayer.Estimate(ctx, b)
		if err != nil {
			f.logger.Warn("estimate failed", rigslog.BeadID(string(b.ID)), zap.Error(err))
			continue
		}
		b.EstimatedTokens = estimated

		if err := f.depot.Update(ctx, b); err != nil {
			f.logger.Warn("persist optimized bead failed", rigslog.BeadID(string(b.ID)), zap.Error(err))
			continue
		}

		if err := f.depot.Mark(ctx, b.ID, bead.Optimizing); err != nil {
			f.logger.Warn("mark optimizing failed", rigslog.BeadID(string(b.ID)), zap.Error(err))
			continue
		}
		if f.audit != nil {
			_ = f.audit.LogTransition(string(b.ID), string(bead.Pending), string(bead.Optimizing))
		}

		if err := f.depot.Mark(ctx, b.ID, bead.Queued); err != nil {
			f.logger.Warn("mark queued after optimize failed", rigslog.BeadID(string(b.ID)), zap.Error(err))
			continue
		}
		if f.audit != nil {
			_ = f.audit.LogTransition(string(b.ID), string(bead.Optimizing), string(bead.Queued))
		}
	}
}

// tick performs one loop iteration: run newly inserted beads through the
// Assayer's pre-routing stage, promote ready deferrals, then drain
// schedulable beads.
func (f *Foreman) tick(ctx context.Context, wg *sync.WaitGroup) {
	f.assayPending(ctx)

	if _, err := f.depot.PromoteReady(ctx, time.Now().UTC()); err != nil {
		f.logger.Warn("promote_ready failed", zap.Error(err))
	}

	for {
		b, err := f.depot.NextSchedulable(ctx)
		if err != nil {
			f.logger.Warn("next_schedulable failed", zap.Error(err))
			return
		}
		if b == nil {
			return
		}

		decision := dispatch.RouteBead(b, f.refinery, dispatch.Config{Affinity: f.affinity, Strategy: f.cfg.Strategy})
		if decision.Deferred {
			until := decision.Until
			if until.IsZero() {
				// A zero Until is Dispatch's "defer indefinitely"; store a
				// wake time PromoteReady never reaches.
				until = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
			}
			if err := f.depot.Defer(ctx, b.ID, until); err != nil {
				f.logger.Warn("defer failed", rigslog.BeadID(string(b.ID)), zap.Error(err))
				continue
			}
			if f.audit != nil {
				_ = f.audit.LogDeferred(string(b.ID), until)
			}
			continue
		}

		handle, err := f.refinery.Reserve(decision.Provider, b.EstimatedTokens)
		if err != nil {
			// Insufficient capacity race: leave the bead
			// Queued, re-evaluated on the next tick.
			if f.audit != nil {
				_ = f.audit.LogReservation(string(b.ID), string(decision.Provider), b.EstimatedTokens, false)
			}
			return
		}
		if f.audit != nil {
			_ = f.audit.LogReservation(string(b.ID), string(decision.Provider), b.EstimatedTokens, true)
		}

		assignedProvider := decision.Provider
		b.AssignedProvider = &assignedProvider
		if err := f.depot.Update(ctx, b); err != nil {
			f.logger.Warn("record assigned_provider failed", rigslog.BeadID(string(b.ID)), zap.Error(err))
		}
		if err := f.depot.Mark(ctx, b.ID, bead.Assigned); err != nil {
			f.logger.Warn("mark assigned failed", rigslog.BeadID(string(b.ID)), zap.Error(err))
			f.refinery.Release(handle)
			continue
		}
		if f.audit != nil {
			_ = f.audit.LogTransition(string(b.ID), string(bead.Queued), string(bead.Assigned))
		}

		wg.Add(1)
		go f.runPolecat(ctx, b, decision.Provider, handle, wg)
	}
}

func (f *Foreman) runPolecat(parent context.Context, b *bead.Bead, p provider.Provider, handle tank.Handle, wg *sync.WaitGroup) {
	defer wg.Done()

	worker, ok := f.polecats[p]
	if !ok {
		f.logger.Error("no polecat registered for provider", rigslog.Provider(string(p)))
		f.refinery.Release(handle)
		// Assigned has no edge to Failed, so the bead passes through
		// InProgress first.
		if err := f.depot.Mark(parent, b.ID, bead.InProgress); err != nil {
			f.logger.Warn("mark in_progress failed", rigslog.BeadID(string(b.ID)), zap.Error(err))
		}
		f.failBead(parent, b, "no polecat registered for provider "+string(p))
		return
	}

	sem := f.providerSem(p)
	if err := sem.Acquire(parent, 1); err != nil {
		f.refinery.Release(handle)
		return
	}
	defer sem.Release(1)

	if err := f.depot.Mark(parent, b.ID, bead.InProgress); err != nil {
		f.logger.Warn("mark in_progress failed", rigslog.BeadID(string(b.ID)), zap.Error(err))
	}
	if f.audit != nil {
		_ = f.audit.LogTransition(string(b.ID), string(bead.Assigned), string(bead.InProgress))
	}

	ctx, cancel := context.WithTimeout(parent, f.cfg.WorkerTimeout)
	defer cancel()

	start := time.Now()
	result, err := worker.Execute(ctx, b)
	duration := time.Since(start)

	if err != nil {
		f.handleFailure(parent, b, p, handle, err, ctx.Err(), duration)
		return
	}
	f.handleSuccess(parent, b, p, handle, result, duration)
}

func (f *Foreman) failBead(ctx context.Context, b *bead.Bead, message string) {
	b.Error = &message
	_ = f.depot.Update(ctx, b)
	_ = f.depot.Mark(ctx, b.ID, bead.Failed)
}

// handleFailure classifies the Polecat error and applies the failure
// propagation policy, staying within the bead's legal transitions:
// transient errors and timeouts route through Deferred(now) rather than a nonexistent
// InProgress→Queued edge, so the very next promote_ready cycle returns
// the bead to Queued while the circuit breaker still observes the failure.
func (f *Foreman) handleFailure(ctx context.Context, b *bead.Bead, p provider.Provider, handle tank.Handle, execErr, ctxErr error, duration time.Duration) {
	kind := polecat.Transient
	message := execErr.Error()
	var perr *polecat.Error
	if errors.As(execErr, &perr) {
		kind = perr.Kind
		message = perr.Message
	} else if errors.Is(ctxErr, context.DeadlineExceeded) {
		kind = polecat.Timeout
	}

	f.recordCompletion(ctx, b, p, false, message, duration)

	switch kind {
	case polecat.RateLimited:
		f.refinery.Release(handle)
		until := time.Now().Add(5 * time.Minute)
		if snap, ok := f.refinery.Snapshot(p); ok {
			until = time.Now().Add(snap.TimeUntilAdmit(b.EstimatedTokens, time.Now()))
		}
		if err := f.depot.Defer(ctx, b.ID, until); err != nil {
			f.logger.Warn("defer after rate limit failed", rigslog.BeadID(string(b.ID)), zap.Error(err))
		}
		if f.audit != nil {
			_ = f.audit.LogDeferred(string(b.ID), until)
		}
	case polecat.Permanent:
		f.refinery.Release(handle)
		f.failBead(ctx, b, message)
	default: // Transient and Timeout
		f.refinery.Release(handle)
		f.refinery.RecordFailure(p)
		if err := f.depot.Defer(ctx, b.ID, time.Now()); err != nil {
			f.logger.Warn("defer after transient error failed", rigslog.BeadID(string(b.ID)), zap.Error(err))
		}
	}
}

// handleSuccess reconciles reservation accounting, runs the quality gate,
// and applies the resulting lifecycle transition.
func (f *Foreman) handleSuccess(ctx context.Context, b *bead.Bead, p provider.Provider, handle tank.Handle, result polecat.Result, duration time.Duration) {
	f.refinery.Reconcile(handle, result.ActualTokens)
	f.refinery.RecordSuccess(p)

	if err := f.depot.Mark(ctx, b.ID, bead.Reviewing); err != nil {
		f.logger.Warn("mark reviewing failed", rigslog.BeadID(string(b.ID)), zap.Error(err))
		return
	}
	if f.audit != nil {
		_ = f.audit.LogTransition(string(b.ID), string(bead.InProgress), string(bead.Reviewing))
	}

	actual := result.ActualTokens
	b.ActualTokens = &actual
	b.Output = &result.Output

	verdict, err := f.assayer.QualityGate(ctx, b, result.Output)
	if err != nil {
		f.logger.Warn("quality_gate failed", rigslog.BeadID(string(b.ID)), zap.Error(err))
		verdict = assayer.Verdict{Pass: false, NeedsRevision: true, Notes: err.Error()}
	}

	switch {
	case verdict.Pass:
		if err := f.depot.Update(ctx, b); err != nil {
			f.logger.Warn("persist actual_tokens/output failed", rigslog.BeadID(string(b.ID)), zap.Error(err))
		}
		if err := f.depot.Mark(ctx, b.ID, bead.Completed); err != nil {
			f.logger.Warn("mark completed failed", rigslog.BeadID(string(b.ID)), zap.Error(err))
		}
		if f.audit != nil {
			_ = f.audit.LogTransition(string(b.ID), string(bead.Reviewing), string(bead.Completed))
		}
		f.recordCompletion(ctx, b, p, true, "", duration)

	case verdict.NeedsRevision && b.RetryCount < f.cfg.MaxRetries:
		b.RetryCount++
		if err := f.depot.Update(ctx, b); err != nil {
			f.logger.Warn("persist revision retry count failed", rigslog.BeadID(string(b.ID)), zap.Error(err))
		}
		if err := f.depot.Mark(ctx, b.ID, bead.Queued); err != nil {
			f.logger.Warn("mark queued for revision failed", rigslog.BeadID(string(b.ID)), zap.Error(err))
		}
		if f.audit != nil {
			_ = f.audit.LogTransition(string(b.ID), string(bead.Reviewing), string(bead.Queued))
		}

	default:
		reason := verdict.Notes
		if len(verdict.FailReasons) > 0 {
			reason = fmt.Sprintf("%v", verdict.FailReasons)
		}
		b.Error = &reason
		if err := f.depot.Update(ctx, b); err != nil {
			f.logger.Warn("persist fail reason failed", rigslog.BeadID(string(b.ID)), zap.Error(err))
		}
		if err := f.depot.Mark(ctx, b.ID, bead.Failed); err != nil {
			f.logger.Warn("mark failed after quality gate failed", rigslog.BeadID(string(b.ID)), zap.Error(err))
		}
		if f.audit != nil {
			_ = f.audit.LogTransition(string(b.ID), string(bead.Reviewing), string(bead.Failed))
		}
		f.recordCompletion(ctx, b, p, false, reason, duration)
	}
}

func (f *Foreman) recordCompletion(ctx context.Context, b *bead.Bead, p provider.Provider, success bool, errMsg string, duration time.Duration) {
	if f.completions == nil {
		return
	}
	var actual uint64
	if b.ActualTokens != nil {
		actual = *b.ActualTokens
	}
	record := CompletionRecord{
		BeadID:          b.ID,
		Provider:        p,
		EstimatedTokens: b.EstimatedTokens,
		ActualTokens:    actual,
		DurationMs:      uint64(duration.Milliseconds()),
		Success:         success,
		OriginalPrompt:  b.Description,
		ErrorMessage:    errMsg,
		CompletedAt:     time.Now().UTC(),
	}
	if b.OptimizedPrompt != nil {
		record.OptimizedPrompt = *b.OptimizedPrompt
	}
	if err := f.completions.RecordCompletion(ctx, record); err != nil {
		f.logger.Warn("record completion failed", rigslog.BeadID(string(b.ID)), zap.Error(err))
	}
}
