package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/Fnux8890/rigs/internal/bead"
	"github.com/Fnux8890/rigs/internal/provider"
)

// Completion records the outcome of a single Polecat execution, recorded
// alongside the estimation the Assayer produced so accuracy can be tracked
// per provider and task type over time.
type Completion struct {
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

// OptimizationTrace records an Assayer Optimize/Estimate pair for later
// quality-gate scoring review, independent of whether the bead completed.
type OptimizationTrace struct {
	TaskType        bead.TaskType
	OriginalPrompt  string
	OptimizedPrompt string
	EstimatedTokens uint64
	ActualTokens    *uint64
	QualityScore    *float64
	CreatedAt       time.Time
}

// CompletionRepository records completions and optimization traces.
type CompletionRepository struct {
	store *Store
}

// NewCompletionRepository builds a CompletionRepository backed by store.
func NewCompletionRepository(store *Store) *CompletionRepository {
	return &CompletionRepository{store: store}
}

// RecordCompletion inserts a completion row.
func (r *CompletionRepository) RecordCompletion(ctx context.Context, c Completion) error {
	successFlag := 0
	if c.Success {
		successFlag = 1
	}
	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO completions (bead_id, provider, estimated_tokens, actual_tokens, duration_ms,
			success, quality_score, original_prompt, optimized_prompt, error_message, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		string(c.BeadID), string(c.Provider), c.EstimatedTokens, c.ActualTokens, c.DurationMs,
		successFlag, c.QualityScore, c.OriginalPrompt, c.OptimizedPrompt, c.ErrorMessage,
		formatTime(c.CompletedAt))
	if err != nil {
		return fmt.Errorf("record completion for bead %s: %w", c.BeadID, err)
	}
	return nil
}

// RecordOptimizationTrace inserts an optimization trace row.
func (r *CompletionRepository) RecordOptimizationTrace(ctx context.Context, t OptimizationTrace) error {
	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO optimization_traces (task_type, original_prompt, optimized_prompt,
			estimated_tokens, actual_tokens, quality_score, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		string(t.TaskType), t.OriginalPrompt, t.OptimizedPrompt, t.EstimatedTokens,
		t.ActualTokens, t.QualityScore, formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("record optimization trace for task type %s: %w", t.TaskType, err)
	}
	return nil
}
