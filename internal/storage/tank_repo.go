package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Fnux8890/rigs/internal/provider"
	"github.com/Fnux8890/rigs/internal/tank"
)

// TankSnapshot is the persisted subset of Tank state: the sub-limit bucket
// fields (rpm) are not durable and are rebuilt from provider.Config on
// Refinery startup.
type TankSnapshot struct {
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

// TankRepository persists per-provider Tank accounting snapshots.
type TankRepository struct {
	store *Store
}

// NewTankRepository builds a TankRepository backed by store.
func NewTankRepository(store *Store) *TankRepository {
	return &TankRepository{store: store}
}

// Save upserts a provider's tank snapshot.
func (r *TankRepository) Save(ctx context.Context, snap TankSnapshot) error {
	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO tanks (provider, capacity, remaining, window_start, window_end, health,
			last_request, requests_this_window, tokens_this_window, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(provider) DO UPDATE SET
			capacity=excluded.capacity, remaining=excluded.remaining,
			window_start=excluded.window_start, window_end=excluded.window_end,
			health=excluded.health, last_request=excluded.last_request,
			requests_this_window=excluded.requests_this_window,
			tokens_this_window=excluded.tokens_this_window, updated_at=excluded.updated_at`,
		string(snap.Provider), snap.Capacity, snap.Remaining, formatTime(snap.WindowStart),
		formatTime(snap.WindowEnd), string(snap.Health), formatTimePtr(snap.LastRequest),
		snap.RequestsThisWindow, snap.TokensThisWindow, formatTime(snap.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save tank snapshot for %s: %w", snap.Provider, err)
	}
	return nil
}

// LoadAll returns every persisted tank snapshot, keyed by provider.
func (r *TankRepository) LoadAll(ctx context.Context) (map[provider.Provider]TankSnapshot, error) {
	rows, err := r.store.db.QueryContext(ctx, `SELECT provider, capacity, remaining, window_start,
		window_end, health, last_request, requests_this_window, tokens_this_window, updated_at FROM tanks`)
	if err != nil {
		return nil, fmt.Errorf("load tank snapshots: %w", err)
	}
	defer rows.Close()

	result := map[provider.Provider]TankSnapshot{}
	for rows.Next() {
		var (
			providerName, windowStart, windowEnd, health, updatedAt string
			capacity, tokensThisWindow                              uint64
			remaining                                                uint64
			requestsThisWindow                                      uint32
			lastRequest                                             sql.NullString
		)
		if err := rows.Scan(&providerName, &capacity, &remaining, &windowStart, &windowEnd, &health,
			&lastRequest, &requestsThisWindow, &tokensThisWindow, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan tank snapshot: %w", err)
		}

		snap := TankSnapshot{
			Provider:           provider.Provider(providerName),
			Capacity:           capacity,
			Remaining:          remaining,
			Health:             tank.Health(health),
			RequestsThisWindow: requestsThisWindow,
			TokensThisWindow:   tokensThisWindow,
		}
		if snap.WindowStart, err = parseTime(windowStart); err != nil {
			return nil, fmt.Errorf("parse window_start for %s: %w", providerName, err)
		}
		if snap.WindowEnd, err = parseTime(windowEnd); err != nil {
			return nil, fmt.Errorf("parse window_end for %s: %w", providerName, err)
		}
		if snap.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at for %s: %w", providerName, err)
		}
		if snap.LastRequest, err = parseTimePtr(lastRequest); err != nil {
			return nil, fmt.Errorf("parse last_request for %s: %w", providerName, err)
		}
		result[snap.Provider] = snap
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
