// Package tank implements the per-provider rate-limit accounting record
// (Tank) and its continuous-refill primitive (TokenBucket), including the
// reserve/reconcile/release protocol that reconciles optimistic local
// accounting against provider-side truth.
package tank

import (
	"sync/atomic"
	"time"

	"github.com/Fnux8890/rigs/internal/provider"
	"github.com/Fnux8890/rigs/internal/rigserr"
)

// Health bands a tank's remaining ratio against configured thresholds.
type Health string

const (
	Green Health = "green"
	Yellow Health = "yellow"
	Red    Health = "red"
	Empty  Health = "empty"
)

// HealthFromRatio computes health deterministically from a capacity ratio
// and the configured yellow/red thresholds.
func HealthFromRatio(ratio, yellowThreshold, redThreshold float32) Health {
	switch {
	case ratio <= 0:
		return Empty
	case ratio < redThreshold:
		return Red
	case ratio < yellowThreshold:
		return Yellow
	default:
		return Green
	}
}

// WindowKind selects the reset rule for a tank's primary window.
type WindowKind string

const (
	FixedDaily     WindowKind = "fixed_daily"
	RollingWindow  WindowKind = "rolling_window"
)

var reservationSeq uint64

// nextReservationID returns a monotonically increasing sequence number,
// used to detect reservations that predate a refresh.
func nextReservationID() uint64 {
	return atomic.AddUint64(&reservationSeq, 1)
}

// Handle is the receipt from a successful Reserve call, carried through to
// the eventual Reconcile or Release.
type Handle struct {
	Provider      provider.Provider
	ReservedAmount uint64
	ReservationID  uint64
}

// Tank tracks the rate-limit state for a single provider.
type Tank struct {
	Provider provider.Provider

	WindowKind  WindowKind
	WindowHours uint32

	Capacity  uint64
	Remaining uint64

	WindowStart time.Time
	WindowEnd   time.Time

	Health Health

	RequestsThisWindow uint32
	TokensThisWindow    uint64
	LastRequest         *time.Time
	UpdatedAt           time.Time

	YellowThreshold float32
	RedThreshold    float32

	// rpm is the secondary per-minute sub-limit, nil when the provider has
	// no requests_per_minute configured.
	rpm *TokenBucket

	// highWaterReservation is the highest reservation id issued before the
	// most recent refresh; reservations at or below it are stale.
	highWaterReservation uint64
}

// New creates a full-capacity tank for provider p.
func New(p provider.Provider, capacity uint64, windowKind WindowKind, windowHours uint32, yellow, red float32, rpm *uint32, now time.Time) *Tank {
	t := &Tank{
		Provider:        p,
		WindowKind:      windowKind,
		WindowHours:     windowHours,
		Capacity:        capacity,
		Remaining:       capacity,
		WindowStart:     now,
		WindowEnd:       nextWindowEnd(windowKind, windowHours, now),
		Health:          Green,
		YellowThreshold: yellow,
		RedThreshold:    red,
		UpdatedAt:       now,
	}
	if rpm != nil && *rpm > 0 {
		t.rpm = NewTokenBucket(float64(*rpm), float64(*rpm)/60.0, now)
	}
	return t
}

func nextWindowEnd(kind WindowKind, hours uint32, now time.Time) time.Time {
	switch kind {
	case FixedDaily:
		year, month, day := now.UTC().Date()
		return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	default: // RollingWindow
		return now.Add(time.Duration(hours) * time.Hour)
	}
}

// CapacityRatio returns remaining/capacity, or 0 if capacity is 0.
func (t *Tank) CapacityRatio() float32 {
	if t.Capacity == 0 {
		return 0
	}
	return float32(t.Remaining) / float32(t.Capacity)
}

// TimeUntilReset returns how long until the primary window resets.
func (t *Tank) TimeUntilReset(now time.Time) time.Duration {
	if !now.Before(t.WindowEnd) {
		return 0
	}
	return t.WindowEnd.Sub(now)
}

// NeedsRefresh reports whether the primary window has crossed its end:
// the tank must be reset before the next reservation is granted.
func (t *Tank) NeedsRefresh(now time.Time) bool {
	return !now.Before(t.WindowEnd)
}

// CanConsume reports whether tokens can be reserved right now, ignoring the
// RPM sub-limit (used by Dispatch's admission checks, which evaluate the
// RPM wait separately via TimeUntilAdmit).
func (t *Tank) CanConsume(tokens uint64) bool {
	return t.Health != Empty && t.Remaining >= tokens
}

// rpmReady reports whether the RPM sub-bucket currently has a token, true
// when the provider has no RPM sub-limit configured.
func (t *Tank) rpmReady(now time.Time) bool {
	if t.rpm == nil {
		return true
	}
	return t.rpm.TimeUntil(1, now) == 0
}

// Reserve atomically checks and decrements Remaining by estimatedTokens,
// requiring both the window sub-limit and the RPM sub-limit to admit
// (composite tanks require all sub-limits to admit). On success it
// increments RequestsThisWindow, sets LastRequest, and recomputes Health.
func (t *Tank) Reserve(estimatedTokens uint64, now time.Time) (Handle, error) {
	if t.NeedsRefresh(now) {
		t.ResetWindow(now)
	}
	if !t.CanConsume(estimatedTokens) {
		return Handle{}, &rigserr.InsufficientCapacity{
			Provider:  string(t.Provider),
			Requested: estimatedTokens,
			Available: t.Remaining,
		}
	}
	if !t.rpmReady(now) {
		return Handle{}, &rigserr.InsufficientCapacity{
			Provider:  string(t.Provider),
			Requested: estimatedTokens,
			Available: t.Remaining,
		}
	}
	if t.rpm != nil {
		t.rpm.TryConsume(1, now)
	}

	t.Remaining -= estimatedTokens
	t.TokensThisWindow += estimatedTokens
	t.RequestsThisWindow++
	lastRequest := now
	t.LastRequest = &lastRequest
	t.recalculateHealth()
	t.UpdatedAt = now

	return Handle{
		Provider:       t.Provider,
		ReservedAmount: estimatedTokens,
		ReservationID:  nextReservationID(),
	}, nil
}

// Reconcile adjusts accounting once actual usage is known. If the handle's
// reservation predates the most recent refresh, the adjustment is
// observability-only: TokensThisWindow is still corrected but Remaining is
// left untouched.
func (t *Tank) Reconcile(handle Handle, actualTokens uint64) {
	delta := int64(actualTokens) - int64(handle.ReservedAmount)
	if handle.ReservationID <= t.highWaterReservation {
		t.TokensThisWindow = clampAddInt64(t.TokensThisWindow, delta)
		t.UpdatedAt = time.Now().UTC()
		return
	}

	t.TokensThisWindow = clampAddInt64(t.TokensThisWindow, delta)
	if delta > 0 {
		dec := uint64(delta)
		if dec > t.Remaining {
			t.Remaining = 0
		} else {
			t.Remaining -= dec
		}
	} else if delta < 0 {
		inc := uint64(-delta)
		t.Remaining += inc
		if t.Remaining > t.Capacity {
			t.Remaining = t.Capacity
		}
	}
	t.recalculateHealth()
	t.UpdatedAt = time.Now().UTC()
}

// Release restores a reservation's amount after a worker failure that
// consumed no tokens. A stale reservation (predates a refresh) is a no-op.
func (t *Tank) Release(handle Handle) {
	if handle.ReservationID <= t.highWaterReservation {
		return
	}
	t.Remaining += handle.ReservedAmount
	if t.Remaining > t.Capacity {
		t.Remaining = t.Capacity
	}
	if t.rpm != nil {
		t.rpm.Release(1)
	}
	t.recalculateHealth()
	t.UpdatedAt = time.Now().UTC()
}

// ResetWindow slides the window forward when window_end has been reached.
func (t *Tank) ResetWindow(now time.Time) {
	t.WindowStart = now
	t.WindowEnd = nextWindowEnd(t.WindowKind, t.WindowHours, now)
	t.Remaining = t.Capacity
	t.RequestsThisWindow = 0
	t.TokensThisWindow = 0
	t.recalculateHealth()
	t.UpdatedAt = now
}

// RefreshPayload is authoritative rate-limit state pulled from a provider's
// side-channel (CLI output, response header, API endpoint).
type RefreshPayload struct {
	Capacity    uint64
	Remaining   uint64
	WindowStart time.Time
	WindowEnd   time.Time
}

// ApplyRefresh overwrites local state with authoritative provider-reported
// values and marks every reservation issued so far as stale, so a later
// Reconcile/Release against a pre-refresh handle becomes observability-only.
func (t *Tank) ApplyRefresh(payload RefreshPayload, now time.Time) {
	t.highWaterReservation = atomic.LoadUint64(&reservationSeq)
	t.Capacity = payload.Capacity
	t.Remaining = payload.Remaining
	if payload.Remaining > payload.Capacity {
		t.Remaining = payload.Capacity
	}
	t.WindowStart = payload.WindowStart
	t.WindowEnd = payload.WindowEnd
	t.recalculateHealth()
	t.UpdatedAt = now
}

func (t *Tank) recalculateHealth() {
	t.Health = HealthFromRatio(t.CapacityRatio(), t.YellowThreshold, t.RedThreshold)
}

// TimeUntilAdmit returns the earliest time at which tokens can be reserved,
// taking the max of the window-level wait and the RPM sub-bucket wait, per
// the composite-tank rule that all sub-limits must admit.
func (t *Tank) TimeUntilAdmit(tokens uint64, now time.Time) time.Duration {
	if tokens > t.Capacity {
		return time.Duration(1<<63 - 1) // never satisfiable
	}
	windowWait := time.Duration(0)
	if t.Remaining < tokens {
		windowWait = t.TimeUntilReset(now)
	}
	rpmWait := time.Duration(0)
	if t.rpm != nil {
		rpmWait = t.rpm.TimeUntil(1, now)
	}
	if windowWait > rpmWait {
		return windowWait
	}
	return rpmWait
}

// ProgressBar renders a fixed-width capacity bar, mirroring the original
// terminal display helper; used by the non-interactive status renderer.
func (t *Tank) ProgressBar(width int) string {
	ratio := t.CapacityRatio()
	filled := int(ratio*float32(width) + 0.5)
	if filled > width {
		filled = width
	}
	empty := width - filled

	var fillChar rune
	switch t.Health {
	case Green:
		fillChar = '█'
	case Yellow:
		fillChar = '▓'
	case Red:
		fillChar = '▒'
	default:
		fillChar = '░'
	}

	bar := make([]rune, 0, width+8)
	bar = append(bar, '[')
	for i := 0; i < filled; i++ {
		bar = append(bar, fillChar)
	}
	for i := 0; i < empty; i++ {
		bar = append(bar, '░')
	}
	bar = append(bar, ']')
	return string(bar)
}

func clampAddInt64(base uint64, delta int64) uint64 {
	if delta >= 0 {
		return base + uint64(delta)
	}
	dec := uint64(-delta)
	if dec > base {
		return 0
	}
	return base - dec
}
