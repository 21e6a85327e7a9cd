// Package bead defines the work-unit entity Rigs schedules: its identity,
// classification, priority, lifecycle status, and the fields Assayer and
// Foreman mutate as it moves through the pipeline.
package bead

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Fnux8890/rigs/internal/provider"
)

// ID is a bead identifier: "gt-" followed by 5 lowercase alphanumerics.
type ID string

var idPattern = regexp.MustCompile(`^gt-[a-z0-9]{5}$`)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewID generates a fresh, randomly suffixed ID.
func NewID() ID {
	suffix := make([]byte, 5)
	buf := make([]byte, 5)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		suffix[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return ID("gt-" + string(suffix))
}

// ParseID validates and normalizes s into an ID.
func ParseID(s string) (ID, error) {
	lower := strings.ToLower(s)
	if !idPattern.MatchString(lower) {
		return "", fmt.Errorf("invalid bead id %q: must be 'gt-' followed by 5 alphanumeric characters", s)
	}
	return ID(lower), nil
}

// TaskType classifies a bead for routing and optimization purposes.
type TaskType string

const (
	Implementation TaskType = "implementation"
	Review         TaskType = "review"
	Research       TaskType = "research"
	Refactor       TaskType = "refactor"
	Test           TaskType = "test"
	Documentation  TaskType = "documentation"
	Debug          TaskType = "debug"
	Design         TaskType = "design"
)

// AllTaskTypes lists every recognized task type.
var AllTaskTypes = []TaskType{
	Implementation, Review, Research, Refactor, Test, Documentation, Debug, Design,
}

// Affinity pairs a provider with its default routing weight for a TaskType.
type Affinity struct {
	Provider provider.Provider
	Weight   float32
}

// PreferredProvider returns the top-ranked provider for t, used as a
// fallback preference before an operator tunes routing.affinity.
func (t TaskType) PreferredProvider() provider.Provider {
	affinities := t.DefaultAffinities()
	if len(affinities) == 0 {
		return provider.Claude
	}
	return affinities[0].Provider
}

// DefaultAffinities returns the built-in provider affinity ranking for t,
// used to seed routing.affinity before an operator overrides it.
func (t TaskType) DefaultAffinities() []Affinity {
	switch t {
	case Implementation:
		return []Affinity{{provider.Claude, 1.0}, {provider.Codex, 0.7}, {provider.Gemini, 0.5}}
	case Review:
		return []Affinity{{provider.Codex, 1.0}, {provider.Claude, 0.8}, {provider.Gemini, 0.5}}
	case Research:
		return []Affinity{{provider.Gemini, 1.0}, {provider.Claude, 0.6}, {provider.Codex, 0.4}}
	case Refactor:
		return []Affinity{{provider.Claude, 1.0}, {provider.Codex, 0.8}, {provider.Gemini, 0.4}}
	case Test:
		return []Affinity{{provider.Codex, 1.0}, {provider.Claude, 0.7}, {provider.Gemini, 0.4}}
	case Documentation:
		return []Affinity{{provider.Claude, 1.0}, {provider.Gemini, 0.7}, {provider.Codex, 0.5}}
	case Debug:
		return []Affinity{{provider.Codex, 1.0}, {provider.Claude, 0.9}, {provider.Gemini, 0.4}}
	case Design:
		return []Affinity{{provider.Claude, 1.0}, {provider.Gemini, 0.6}, {provider.Codex, 0.4}}
	default:
		return nil
	}
}

// Priority is a totally ordered scheduling priority.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Status is a bead's position in the lifecycle state machine.
type Status string

const (
	Pending    Status = "pending"
	Optimizing Status = "optimizing"
	Queued     Status = "queued"
	Assigned   Status = "assigned"
	InProgress Status = "in_progress"
	Deferred   Status = "deferred"
	Reviewing  Status = "reviewing"
	Completed  Status = "completed"
	Failed     Status = "failed"
	Cancelled  Status = "cancelled"
)

// IsTerminal reports whether s is a terminal lifecycle state.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// IsActive reports whether a bead in status s currently has work underway.
func (s Status) IsActive() bool {
	switch s {
	case Optimizing, Assigned, InProgress, Reviewing:
		return true
	default:
		return false
	}
}

// Bead is a single unit of work: a prompt plus metadata and lifecycle state.
// It is mutated only through lifecycle transitions applied by the Depot.
type Bead struct {
	ID       ID
	ConvoyID string // empty when not part of a convoy

	Title              string
	Description        string
	TaskType           TaskType
	AcceptanceCriteria []string
	OptimizedPrompt    *string // set once by Assayer; immutable thereafter
	Output             *string
	Error              *string

	Priority          Priority
	PreferredProvider *provider.Provider
	AssignedProvider  *provider.Provider
	EstimatedTokens   uint64
	ActualTokens      *uint64
	Dependencies      []ID
	RetryCount        int

	Status       Status
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	DeferredUntil *time.Time
}

// New constructs a Bead with minimal required fields, in Pending status.
func New(title, description string, taskType TaskType) *Bead {
	return &Bead{
		ID:          NewID(),
		Title:       title,
		Description: description,
		TaskType:    taskType,
		Priority:    Normal,
		Status:      Pending,
		CreatedAt:   time.Now().UTC(),
	}
}

// WithPriority sets Priority and returns the bead for chaining.
func (b *Bead) WithPriority(p Priority) *Bead {
	b.Priority = p
	return b
}

// WithProvider sets PreferredProvider and returns the bead for chaining.
func (b *Bead) WithProvider(p provider.Provider) *Bead {
	b.PreferredProvider = &p
	return b
}

// WithCriteria sets AcceptanceCriteria and returns the bead for chaining.
func (b *Bead) WithCriteria(criteria []string) *Bead {
	b.AcceptanceCriteria = criteria
	return b
}

// WithDependencies sets Dependencies and returns the bead for chaining.
func (b *Bead) WithDependencies(deps []ID) *Bead {
	b.Dependencies = deps
	return b
}

// WithEstimate sets EstimatedTokens and returns the bead for chaining.
func (b *Bead) WithEstimate(tokens uint64) *Bead {
	b.EstimatedTokens = tokens
	return b
}

// EffectivePrompt returns OptimizedPrompt if set, else Description.
func (b *Bead) EffectivePrompt() string {
	if b.OptimizedPrompt != nil {
		return *b.OptimizedPrompt
	}
	return b.Description
}

// DependenciesMet reports whether every dependency is present in completed.
func (b *Bead) DependenciesMet(completed map[ID]struct{}) bool {
	for _, dep := range b.Dependencies {
		if _, ok := completed[dep]; !ok {
			return false
		}
	}
	return true
}

// SetOptimizedPrompt allows only a null→set transition, never set→set.
func (b *Bead) SetOptimizedPrompt(prompt string) error {
	if b.OptimizedPrompt != nil {
		return fmt.Errorf("bead %s: optimized_prompt already set", b.ID)
	}
	b.OptimizedPrompt = &prompt
	return nil
}
