package convoy

import (
	"testing"

	"github.com/Fnux8890/rigs/internal/bead"
)

func TestFromGoalStartsQueued(t *testing.T) {
	ids := []bead.ID{bead.NewID(), bead.NewID()}
	c := FromGoal("fix auth", "fix the login bug", ids)
	if c.Status != Queued {
		t.Fatalf("status = %v, want queued", c.Status)
	}
	if len(c.Beads) != 2 {
		t.Fatalf("beads = %d, want 2", len(c.Beads))
	}
}

func TestAddBeadDeduplicates(t *testing.T) {
	c := New("test")
	id := bead.NewID()
	c.AddBead(id)
	c.AddBead(id)
	if len(c.Beads) != 1 {
		t.Fatalf("beads = %d, want 1 after duplicate add", len(c.Beads))
	}
}

func TestProgress(t *testing.T) {
	ids := []bead.ID{bead.NewID(), bead.NewID(), bead.NewID(), bead.NewID()}
	c := FromGoal("n", "g", ids)
	statuses := map[bead.ID]bead.Status{
		ids[0]: bead.Completed,
		ids[1]: bead.Completed,
		ids[2]: bead.InProgress,
		ids[3]: bead.Queued,
	}
	if got := c.Progress(statuses); got != 0.5 {
		t.Fatalf("progress = %v, want 0.5", got)
	}
}

func TestDeriveStatusCompleted(t *testing.T) {
	ids := []bead.ID{bead.NewID(), bead.NewID()}
	c := FromGoal("n", "g", ids)
	statuses := map[bead.ID]bead.Status{
		ids[0]: bead.Completed,
		ids[1]: bead.Cancelled,
	}
	if got := c.DeriveStatus(statuses); got != Completed {
		t.Fatalf("DeriveStatus = %v, want completed", got)
	}
}

func TestDeriveStatusFailedWhenNothingActive(t *testing.T) {
	ids := []bead.ID{bead.NewID(), bead.NewID()}
	c := FromGoal("n", "g", ids)
	statuses := map[bead.ID]bead.Status{
		ids[0]: bead.Failed,
		ids[1]: bead.Completed,
	}
	if got := c.DeriveStatus(statuses); got != Failed {
		t.Fatalf("DeriveStatus = %v, want failed", got)
	}
}

func TestDeriveStatusInProgressWhileAnyActive(t *testing.T) {
	ids := []bead.ID{bead.NewID(), bead.NewID()}
	c := FromGoal("n", "g", ids)
	statuses := map[bead.ID]bead.Status{
		ids[0]: bead.Failed,
		ids[1]: bead.InProgress,
	}
	if got := c.DeriveStatus(statuses); got != InProgress {
		t.Fatalf("DeriveStatus = %v, want in_progress while a bead is still active", got)
	}
}

func TestIsCompleteAndHasFailures(t *testing.T) {
	ids := []bead.ID{bead.NewID(), bead.NewID()}
	c := FromGoal("n", "g", ids)
	statuses := map[bead.ID]bead.Status{
		ids[0]: bead.Completed,
		ids[1]: bead.Failed,
	}
	if !c.IsComplete(statuses) {
		t.Fatal("expected convoy to be complete: both beads are terminal")
	}
	if !c.HasFailures(statuses) {
		t.Fatal("expected HasFailures to be true")
	}
}
