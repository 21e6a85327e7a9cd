package foreman

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Fnux8890/rigs/internal/assayer"
	"github.com/Fnux8890/rigs/internal/bead"
	"github.com/Fnux8890/rigs/internal/depot"
	"github.com/Fnux8890/rigs/internal/dispatch"
	"github.com/Fnux8890/rigs/internal/polecat"
	"github.com/Fnux8890/rigs/internal/provider"
	"github.com/Fnux8890/rigs/internal/refinery"
	"github.com/Fnux8890/rigs/internal/tank"
)

// fakeRepo is an in-memory depot.Repository, mirroring the one used in
// internal/depot's own tests.
type fakeRepo struct {
	mu    sync.Mutex
	beads map[bead.ID]*bead.Bead
}

func newFakeRepo() *fakeRepo { return &fakeRepo{beads: map[bead.ID]*bead.Bead{}} }

func (f *fakeRepo) Create(_ context.Context, b *bead.Bead) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beads[b.ID] = b
	return nil
}

func (f *fakeRepo) Update(_ context.Context, b *bead.Bead) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beads[b.ID] = b
	return nil
}

func (f *fakeRepo) Get(_ context.Context, id bead.ID) (*bead.Bead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.beads[id], nil
}

func (f *fakeRepo) Delete(_ context.Context, id bead.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.beads, id)
	return nil
}

func (f *fakeRepo) ListByStatus(_ context.Context, status bead.Status) ([]*bead.Bead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*bead.Bead
	for _, b := range f.beads {
		if b.Status == status {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListByConvoy(_ context.Context, _ string) ([]*bead.Bead, error) { return nil, nil }

func (f *fakeRepo) GetPendingOrdered(ctx context.Context) ([]*bead.Bead, error) {
	return f.ListByStatus(ctx, bead.Pending)
}

func (f *fakeRepo) GetDeferredReady(_ context.Context, now time.Time) ([]*bead.Bead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*bead.Bead
	for _, b := range f.beads {
		if b.Status == bead.Deferred && b.DeferredUntil != nil && !b.DeferredUntil.After(now) {
			out = append(out, b)
		}
	}
	return out, nil
}

func newTestRefinery(capacity uint64, providers ...provider.Provider) *refinery.Refinery {
	r := refinery.New()
	now := time.Now().UTC()
	for _, p := range providers {
		r.AddTank(tank.New(p, capacity, tank.RollingWindow, 5, 0.5, 0.2, nil, now))
	}
	return r
}

// queuedBead builds a Pending bead carrying an estimate; each test inserts
// it and walks it through Optimizing to Queued via the Depot.
func queuedBead(title string, estimatedTokens uint64) *bead.Bead {
	b := bead.New(title, title, bead.Implementation)
	b.EstimatedTokens = estimatedTokens
	return b
}

func setup(t *testing.T, r *refinery.Refinery, polecats map[provider.Provider]polecat.Polecat, cfg Config) (*Foreman, *depot.Depot, *fakeRepo, func()) {
	t.Helper()
	repo := newFakeRepo()
	d := depot.New(repo)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	f := New(d, r, assayer.NullAssayer{}, polecats, dispatch.DefaultAffinityMatrix(), cfg, nil, nil)
	cleanup := func() {
		cancel()
		d.Wait()
	}
	return f, d, repo, cleanup
}

func waitForStatus(t *testing.T, d *depot.Depot, id bead.ID, want bead.Status, timeout time.Duration) *bead.Bead {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		got, err := d.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if got != nil && got.Status == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for bead %s to reach status %s", id, want)
	return nil
}

func TestForemanRoutesSingleBeadToHealthyProvider(t *testing.T) {
	r := newTestRefinery(1000, provider.Claude)
	seen := make(chan provider.Provider, 1)
	polecats := map[provider.Provider]polecat.Polecat{
		provider.Claude: polecat.Func(func(_ context.Context, b *bead.Bead) (polecat.Result, error) {
			seen <- provider.Claude
			return polecat.Result{ActualTokens: 10, Output: "done"}, nil
		}),
	}
	f, d, _, cleanup := setup(t, r, polecats, Config{
		WorkerTimeout: time.Second, MaxRetries: 1, ShutdownGrace: time.Second,
	})
	defer cleanup()

	b := queuedBead("single", 50)
	if err := d.Insert(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	if err := d.Mark(context.Background(), b.ID, bead.Optimizing); err != nil {
		t.Fatal(err)
	}
	if err := d.Mark(context.Background(), b.ID, bead.Queued); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	f.tick(context.Background(), &wg)

	select {
	case p := <-seen:
		if p != provider.Claude {
			t.Fatalf("expected claude to execute the bead, got %v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for polecat execution")
	}
	wg.Wait()

	got := waitForStatus(t, d, b.ID, bead.Completed, time.Second)
	if got.ActualTokens == nil || *got.ActualTokens != 10 {
		t.Fatalf("expected actual tokens recorded, got %+v", got.ActualTokens)
	}
}

func TestForemanDefersWhenNoProviderAdmits(t *testing.T) {
	r := newTestRefinery(100, provider.Claude)
	f, d, _, cleanup := setup(t, r, nil, Config{WorkerTimeout: time.Second, ShutdownGrace: time.Second})
	defer cleanup()

	b := queuedBead("too-big", 10000)
	if err := d.Insert(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	if err := d.Mark(context.Background(), b.ID, bead.Optimizing); err != nil {
		t.Fatal(err)
	}
	if err := d.Mark(context.Background(), b.ID, bead.Queued); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	f.tick(context.Background(), &wg)
	wg.Wait()

	got := waitForStatus(t, d, b.ID, bead.Deferred, time.Second)
	if got.DeferredUntil == nil {
		t.Fatal("expected a deferred_until wake time to be recorded")
	}
}

func TestForemanFailsOverToSecondProviderWhenPreferredUnhealthy(t *testing.T) {
	r := newTestRefinery(1000, provider.Claude, provider.Codex)
	for i := 0; i < 3; i++ {
		r.RecordFailure(provider.Claude)
	}

	executed := make(chan provider.Provider, 1)
	polecats := map[provider.Provider]polecat.Polecat{
		provider.Claude: polecat.Func(func(_ context.Context, _ *bead.Bead) (polecat.Result, error) {
			executed <- provider.Claude
			return polecat.Result{ActualTokens: 1, Output: "should not run"}, nil
		}),
		provider.Codex: polecat.Func(func(_ context.Context, _ *bead.Bead) (polecat.Result, error) {
			executed <- provider.Codex
			return polecat.Result{ActualTokens: 5, Output: "done"}, nil
		}),
	}
	f, d, _, cleanup := setup(t, r, polecats, Config{WorkerTimeout: time.Second, MaxRetries: 1, ShutdownGrace: time.Second})
	defer cleanup()

	claude := provider.Claude
	b := queuedBead("failover", 20)
	b.PreferredProvider = &claude
	if err := d.Insert(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	if err := d.Mark(context.Background(), b.ID, bead.Optimizing); err != nil {
		t.Fatal(err)
	}
	if err := d.Mark(context.Background(), b.ID, bead.Queued); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	f.tick(context.Background(), &wg)

	select {
	case p := <-executed:
		if p != provider.Codex {
			t.Fatalf("expected failover to codex, got %v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for polecat execution")
	}
	wg.Wait()
	waitForStatus(t, d, b.ID, bead.Completed, time.Second)
}

func TestForemanCascadeCancelsDependentsOnDependencyFailure(t *testing.T) {
	r := newTestRefinery(1000, provider.Claude)
	polecats := map[provider.Provider]polecat.Polecat{
		provider.Claude: polecat.Func(func(_ context.Context, _ *bead.Bead) (polecat.Result, error) {
			return polecat.Result{}, &polecat.Error{Kind: polecat.Permanent, Message: "boom"}
		}),
	}
	f, d, _, cleanup := setup(t, r, polecats, Config{WorkerTimeout: time.Second, MaxRetries: 1, ShutdownGrace: time.Second})
	defer cleanup()

	dep := queuedBead("dep", 10)
	if err := d.Insert(context.Background(), dep); err != nil {
		t.Fatal(err)
	}
	if err := d.Mark(context.Background(), dep.ID, bead.Optimizing); err != nil {
		t.Fatal(err)
	}
	if err := d.Mark(context.Background(), dep.ID, bead.Queued); err != nil {
		t.Fatal(err)
	}

	dependent := bead.New("dependent", "dependent", bead.Implementation)
	dependent.Dependencies = []bead.ID{dep.ID}
	if err := d.Insert(context.Background(), dependent); err != nil {
		t.Fatal(err)
	}
	if err := d.Mark(context.Background(), dependent.ID, bead.Optimizing); err != nil {
		t.Fatal(err)
	}
	if err := d.Mark(context.Background(), dependent.ID, bead.Queued); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	f.tick(context.Background(), &wg)
	wg.Wait()

	waitForStatus(t, d, dep.ID, bead.Failed, time.Second)

	// NextSchedulable's dependency-failure cascade runs as a side effect of
	// the next scan; drive one more tick to observe it.
	var wg2 sync.WaitGroup
	f.tick(context.Background(), &wg2)
	wg2.Wait()
	waitForStatus(t, d, dependent.ID, bead.Cancelled, time.Second)
}

func TestForemanReleasesReservationOnRateLimitAndDefers(t *testing.T) {
	r := newTestRefinery(1000, provider.Claude)
	polecats := map[provider.Provider]polecat.Polecat{
		provider.Claude: polecat.Func(func(_ context.Context, _ *bead.Bead) (polecat.Result, error) {
			return polecat.Result{}, &polecat.Error{Kind: polecat.RateLimited, Message: "429"}
		}),
	}
	f, d, _, cleanup := setup(t, r, polecats, Config{WorkerTimeout: time.Second, MaxRetries: 1, ShutdownGrace: time.Second})
	defer cleanup()

	b := queuedBead("rate-limited", 100)
	if err := d.Insert(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	if err := d.Mark(context.Background(), b.ID, bead.Optimizing); err != nil {
		t.Fatal(err)
	}
	if err := d.Mark(context.Background(), b.ID, bead.Queued); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	f.tick(context.Background(), &wg)
	wg.Wait()

	waitForStatus(t, d, b.ID, bead.Deferred, time.Second)

	snap, ok := r.Snapshot(provider.Claude)
	if !ok || snap.Remaining != 1000 {
		t.Fatalf("expected the reservation to be released back to the tank, got %+v", snap)
	}
}

func TestForemanRefreshMidFlightStalesExistingHandle(t *testing.T) {
	r := newTestRefinery(1000, provider.Claude)
	now := time.Now().UTC()
	handle, err := r.Reserve(provider.Claude, 200)
	if err != nil {
		t.Fatal(err)
	}
	r.SetRefreshAdapter(provider.Claude, constantAdapter{payload: tank.RefreshPayload{
		Capacity: 1000, Remaining: 1000, WindowStart: now, WindowEnd: now.Add(5 * time.Hour),
	}})
	if err := r.RefreshAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Reconcile against the pre-refresh handle is now observability-only;
	// it must not panic or corrupt the post-refresh tank state.
	r.Reconcile(handle, 150)

	snap, ok := r.Snapshot(provider.Claude)
	if !ok || snap.Remaining != 1000 {
		t.Fatalf("expected the refreshed remaining to be authoritative, got %+v", snap)
	}
}

type constantAdapter struct {
	payload tank.RefreshPayload
}

func (a constantAdapter) Fetch(_ context.Context, _ provider.Provider) (tank.RefreshPayload, error) {
	return a.payload, nil
}

func TestForemanAssayPendingOptimizesAndQueuesBead(t *testing.T) {
	r := newTestRefinery(1000, provider.Claude)
	seen := make(chan provider.Provider, 1)
	polecats := map[provider.Provider]polecat.Polecat{
		provider.Claude: polecat.Func(func(_ context.Context, _ *bead.Bead) (polecat.Result, error) {
			seen <- provider.Claude
			return polecat.Result{ActualTokens: 10, Output: "done"}, nil
		}),
	}
	f, d, _, cleanup := setup(t, r, polecats, Config{
		WorkerTimeout: time.Second, MaxRetries: 1, ShutdownGrace: time.Second,
	})
	defer cleanup()

	b := bead.New("freshly submitted", "freshly submitted", bead.Implementation)
	if err := d.Insert(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	if b.Status != bead.Pending {
		t.Fatalf("expected a newly inserted bead to start Pending, got %s", b.Status)
	}

	var wg sync.WaitGroup
	f.tick(context.Background(), &wg)

	select {
	case p := <-seen:
		if p != provider.Claude {
			t.Fatalf("expected claude to execute the bead, got %v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for polecat execution")
	}
	wg.Wait()

	got := waitForStatus(t, d, b.ID, bead.Completed, time.Second)
	if got.EstimatedTokens == 0 {
		t.Fatal("expected the assayer's estimate to have set a nonzero estimated_tokens")
	}
}

func TestForemanNoPolecatRegisteredFailsBead(t *testing.T) {
	r := newTestRefinery(1000, provider.Claude)
	f, d, _, cleanup := setup(t, r, nil, Config{WorkerTimeout: time.Second, MaxRetries: 1, ShutdownGrace: time.Second})
	defer cleanup()

	b := queuedBead("unregistered", 10)
	if err := d.Insert(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	if err := d.Mark(context.Background(), b.ID, bead.Optimizing); err != nil {
		t.Fatal(err)
	}
	if err := d.Mark(context.Background(), b.ID, bead.Queued); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	f.tick(context.Background(), &wg)
	wg.Wait()

	got := waitForStatus(t, d, b.ID, bead.Failed, time.Second)
	if got.Error == nil {
		t.Fatal("expected an error message recorded for the unregistered provider")
	}
}
