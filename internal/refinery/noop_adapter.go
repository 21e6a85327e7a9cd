package refinery

import (
	"context"
	"time"

	"github.com/Fnux8890/rigs/internal/provider"
	"github.com/Fnux8890/rigs/internal/tank"
)

// NullRefreshAdapter reports the tank's own in-memory state back unchanged,
// a safe default for a provider with no configured side-channel integration
// (mirrors assayer.NullAssayer's role as a dependency-free default).
type NullRefreshAdapter struct {
	Refinery *Refinery
}

func (a NullRefreshAdapter) Fetch(_ context.Context, p provider.Provider) (tank.RefreshPayload, error) {
	snap, ok := a.Refinery.FullSnapshot(p)
	if !ok {
		return tank.RefreshPayload{}, nil
	}
	windowEnd := snap.WindowEnd
	if windowEnd.IsZero() {
		windowEnd = time.Now().UTC()
	}
	return tank.RefreshPayload{
		Capacity:    snap.Capacity,
		Remaining:   snap.Remaining,
		WindowStart: snap.WindowStart,
		WindowEnd:   windowEnd,
	}, nil
}
