// Package convoy defines the Convoy aggregate: a named group of related
// beads, typically produced by decomposing a goal through the Assayer's
// plan stage, along with progress and status derivation over its beads.
package convoy

import (
	"time"

	"github.com/google/uuid"

	"github.com/Fnux8890/rigs/internal/bead"
)

// ID is an opaque UUID-shaped convoy identifier.
type ID string

// NewID generates a fresh convoy identifier.
func NewID() ID {
	return ID(uuid.New().String())
}

// Status describes a convoy's aggregate lifecycle position.
type Status string

const (
	Planning   Status = "planning"
	Queued     Status = "queued"
	InProgress Status = "in_progress"
	Paused     Status = "paused"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

// IsTerminal reports whether s is a terminal convoy status.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Failed
}

// Convoy is a batch of related beads, ordered by intended execution order.
type Convoy struct {
	ID          ID
	Name        string
	Goal        *string
	Beads       []bead.ID
	Status      Status
	CreatedAt   time.Time
	CompletedAt *time.Time
	Metadata    map[string]string
}

// New creates an empty convoy in Planning status.
func New(name string) *Convoy {
	return &Convoy{
		ID:        NewID(),
		Name:      name,
		Status:    Planning,
		CreatedAt: time.Now().UTC(),
		Metadata:  map[string]string{},
	}
}

// FromGoal creates a convoy already populated from a decomposed goal.
func FromGoal(name, goal string, beads []bead.ID) *Convoy {
	c := New(name)
	c.Goal = &goal
	c.Beads = beads
	c.Status = Queued
	return c
}

// AddBead appends beadID if not already present.
func (c *Convoy) AddBead(beadID bead.ID) {
	for _, existing := range c.Beads {
		if existing == beadID {
			return
		}
	}
	c.Beads = append(c.Beads, beadID)
}

// Progress returns the fraction of constituent beads that are Completed.
func (c *Convoy) Progress(statuses map[bead.ID]bead.Status) float32 {
	if len(c.Beads) == 0 {
		return 0
	}
	completed := 0
	for _, id := range c.Beads {
		if statuses[id] == bead.Completed {
			completed++
		}
	}
	return float32(completed) / float32(len(c.Beads))
}

// StatusCounts tallies constituent beads by coarse-grained bucket.
type StatusCounts struct {
	Pending    int
	InProgress int
	Completed  int
	Failed     int
	Deferred   int
}

// Total returns the sum of every bucket.
func (c StatusCounts) Total() int {
	return c.Pending + c.InProgress + c.Completed + c.Failed + c.Deferred
}

// StatusCounts buckets each constituent bead's status.
func (c *Convoy) StatusCounts(statuses map[bead.ID]bead.Status) StatusCounts {
	var counts StatusCounts
	for _, id := range c.Beads {
		switch statuses[id] {
		case bead.Completed:
			counts.Completed++
		case bead.Failed:
			counts.Failed++
		case bead.InProgress, bead.Assigned, bead.Reviewing:
			counts.InProgress++
		case bead.Deferred:
			counts.Deferred++
		default:
			counts.Pending++
		}
	}
	return counts
}

// IsComplete reports whether every constituent bead reached a terminal state.
func (c *Convoy) IsComplete(statuses map[bead.ID]bead.Status) bool {
	for _, id := range c.Beads {
		if !statuses[id].IsTerminal() {
			return false
		}
	}
	return true
}

// HasFailures reports whether any constituent bead failed.
func (c *Convoy) HasFailures(statuses map[bead.ID]bead.Status) bool {
	for _, id := range c.Beads {
		if statuses[id] == bead.Failed {
			return true
		}
	}
	return false
}

// DeriveStatus recomputes Status from constituent bead statuses: Completed
// iff every bead is Completed or Cancelled; Failed iff any non-retryable
// failure leaves no alternative routing (approximated here as: any Failed
// bead with no beads still active).
func (c *Convoy) DeriveStatus(statuses map[bead.ID]bead.Status) Status {
	if len(c.Beads) == 0 {
		return c.Status
	}
	allDone := true
	anyFailed := false
	anyActive := false
	for _, id := range c.Beads {
		s := statuses[id]
		if s != bead.Completed && s != bead.Cancelled {
			allDone = false
		}
		if s == bead.Failed {
			anyFailed = true
		}
		if s.IsActive() || s == bead.Queued || s == bead.Deferred || s == bead.Pending {
			anyActive = true
		}
	}
	switch {
	case allDone:
		return Completed
	case anyFailed && !anyActive:
		return Failed
	case anyActive:
		return InProgress
	default:
		return c.Status
	}
}

// SetMetadata records an arbitrary key/value pair on the convoy.
func (c *Convoy) SetMetadata(key, value string) {
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	c.Metadata[key] = value
}
