package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Fnux8890/rigs/internal/bead"
	"github.com/Fnux8890/rigs/internal/provider"
)

// BeadRepository persists beads to SQLite, implementing depot.Repository.
type BeadRepository struct {
	store *Store
}

// NewBeadRepository builds a BeadRepository backed by store.
func NewBeadRepository(store *Store) *BeadRepository {
	return &BeadRepository{store: store}
}

const beadColumns = `id, title, description, task_type, priority, status, estimated_tokens,
	actual_tokens, preferred_provider, assigned_provider, acceptance_criteria,
	dependencies, convoy_id, created_at, started_at, completed_at, deferred_until,
	optimized_prompt, output, error, retry_count`

func (r *BeadRepository) Create(ctx context.Context, b *bead.Bead) error {
	row, err := toRow(b)
	if err != nil {
		return err
	}
	_, err = r.store.db.ExecContext(ctx, `INSERT INTO beads (`+beadColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		row.id, row.title, row.description, row.taskType, row.priority, row.status,
		row.estimatedTokens, row.actualTokens, row.preferredProvider, row.assignedProvider,
		row.acceptanceCriteria, row.dependencies, row.convoyID, row.createdAt, row.startedAt,
		row.completedAt, row.deferredUntil, row.optimizedPrompt, row.output, row.errorMsg, row.retryCount)
	if err != nil {
		return fmt.Errorf("insert bead %s: %w", b.ID, err)
	}
	return nil
}

func (r *BeadRepository) Update(ctx context.Context, b *bead.Bead) error {
	row, err := toRow(b)
	if err != nil {
		return err
	}
	result, err := r.store.db.ExecContext(ctx, `UPDATE beads SET
		title=?, description=?, task_type=?, priority=?, status=?, estimated_tokens=?,
		actual_tokens=?, preferred_provider=?, assigned_provider=?, acceptance_criteria=?,
		dependencies=?, convoy_id=?, started_at=?, completed_at=?, deferred_until=?,
		optimized_prompt=?, output=?, error=?, retry_count=?
		WHERE id=?`,
		row.title, row.description, row.taskType, row.priority, row.status, row.estimatedTokens,
		row.actualTokens, row.preferredProvider, row.assignedProvider, row.acceptanceCriteria,
		row.dependencies, row.convoyID, row.startedAt, row.completedAt, row.deferredUntil,
		row.optimizedPrompt, row.output, row.errorMsg, row.retryCount, row.id)
	if err != nil {
		return fmt.Errorf("update bead %s: %w", b.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update bead %s: %w", b.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("update bead %s: not found", b.ID)
	}
	return nil
}

func (r *BeadRepository) Get(ctx context.Context, id bead.ID) (*bead.Bead, error) {
	row := r.store.db.QueryRowContext(ctx, `SELECT `+beadColumns+` FROM beads WHERE id=?`, string(id))
	b, err := scanBead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bead %s: not found", id)
	}
	return b, err
}

func (r *BeadRepository) Delete(ctx context.Context, id bead.ID) error {
	_, err := r.store.db.ExecContext(ctx, `DELETE FROM beads WHERE id=?`, string(id))
	if err != nil {
		return fmt.Errorf("delete bead %s: %w", id, err)
	}
	return nil
}

func (r *BeadRepository) ListByStatus(ctx context.Context, status bead.Status) ([]*bead.Bead, error) {
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT `+beadColumns+` FROM beads WHERE status=? ORDER BY priority DESC, created_at ASC, id ASC`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("list beads by status %s: %w", status, err)
	}
	return scanBeads(rows)
}

func (r *BeadRepository) ListByConvoy(ctx context.Context, convoyID string) ([]*bead.Bead, error) {
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT `+beadColumns+` FROM beads WHERE convoy_id=? ORDER BY created_at ASC, id ASC`, convoyID)
	if err != nil {
		return nil, fmt.Errorf("list beads by convoy %s: %w", convoyID, err)
	}
	return scanBeads(rows)
}

func (r *BeadRepository) GetPendingOrdered(ctx context.Context) ([]*bead.Bead, error) {
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT `+beadColumns+` FROM beads WHERE status=? ORDER BY created_at ASC, id ASC`,
		string(bead.Pending))
	if err != nil {
		return nil, fmt.Errorf("list pending beads: %w", err)
	}
	return scanBeads(rows)
}

func (r *BeadRepository) GetDeferredReady(ctx context.Context, now time.Time) ([]*bead.Bead, error) {
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT `+beadColumns+` FROM beads WHERE status=? AND deferred_until<=? ORDER BY priority DESC, created_at ASC, id ASC`,
		string(bead.Deferred), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list deferred-ready beads: %w", err)
	}
	return scanBeads(rows)
}

// beadRow is the flat column representation of a Bead ready for bind args.
type beadRow struct {
	id                 string
	title              string
	description        string
	taskType           string
	priority           int
	status             string
	estimatedTokens    uint64
	actualTokens       any
	preferredProvider  any
	assignedProvider   any
	acceptanceCriteria string
	dependencies       string
	convoyID           string
	createdAt          string
	startedAt          any
	completedAt        any
	deferredUntil      any
	optimizedPrompt    any
	output             any
	errorMsg           any
	retryCount         int
}

func toRow(b *bead.Bead) (beadRow, error) {
	criteria, err := json.Marshal(b.AcceptanceCriteria)
	if err != nil {
		return beadRow{}, fmt.Errorf("marshal acceptance_criteria: %w", err)
	}
	deps, err := json.Marshal(b.Dependencies)
	if err != nil {
		return beadRow{}, fmt.Errorf("marshal dependencies: %w", err)
	}

	row := beadRow{
		id:                 string(b.ID),
		title:               b.Title,
		description:         b.Description,
		taskType:            string(b.TaskType),
		priority:            int(b.Priority),
		status:              string(b.Status),
		estimatedTokens:     b.EstimatedTokens,
		acceptanceCriteria:  string(criteria),
		dependencies:        string(deps),
		convoyID:            b.ConvoyID,
		createdAt:           formatTime(b.CreatedAt),
		startedAt:           formatTimePtr(b.StartedAt),
		completedAt:         formatTimePtr(b.CompletedAt),
		deferredUntil:       formatTimePtr(b.DeferredUntil),
		retryCount:          b.RetryCount,
	}
	if b.ActualTokens != nil {
		row.actualTokens = *b.ActualTokens
	}
	if b.PreferredProvider != nil {
		row.preferredProvider = string(*b.PreferredProvider)
	}
	if b.AssignedProvider != nil {
		row.assignedProvider = string(*b.AssignedProvider)
	}
	if b.OptimizedPrompt != nil {
		row.optimizedPrompt = *b.OptimizedPrompt
	}
	if b.Output != nil {
		row.output = *b.Output
	}
	if b.Error != nil {
		row.errorMsg = *b.Error
	}
	return row, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBead(row scanner) (*bead.Bead, error) {
	var (
		id, title, description, taskType, status, convoyID, createdAt, acceptanceCriteria, dependencies string
		priority, retryCount                                                                            int
		estimatedTokens                                                                                  uint64
		actualTokens                                                                                     sql.NullInt64
		preferredProvider, assignedProvider                                                              sql.NullString
		startedAt, completedAt, deferredUntil                                                            sql.NullString
		optimizedPrompt, output, errorMsg                                                                sql.NullString
	)
	if err := row.Scan(&id, &title, &description, &taskType, &priority, &status, &estimatedTokens,
		&actualTokens, &preferredProvider, &assignedProvider, &acceptanceCriteria, &dependencies,
		&convoyID, &createdAt, &startedAt, &completedAt, &deferredUntil, &optimizedPrompt, &output,
		&errorMsg, &retryCount); err != nil {
		return nil, err
	}

	b := &bead.Bead{
		ID:              bead.ID(id),
		ConvoyID:        convoyID,
		Title:           title,
		Description:     description,
		TaskType:        bead.TaskType(taskType),
		Priority:        bead.Priority(priority),
		Status:          bead.Status(status),
		EstimatedTokens: estimatedTokens,
		RetryCount:      retryCount,
	}

	if err := json.Unmarshal([]byte(acceptanceCriteria), &b.AcceptanceCriteria); err != nil {
		return nil, fmt.Errorf("unmarshal acceptance_criteria for %s: %w", id, err)
	}
	var deps []bead.ID
	if err := json.Unmarshal([]byte(dependencies), &deps); err != nil {
		return nil, fmt.Errorf("unmarshal dependencies for %s: %w", id, err)
	}
	b.Dependencies = deps

	created, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", id, err)
	}
	b.CreatedAt = created

	if actualTokens.Valid {
		v := uint64(actualTokens.Int64)
		b.ActualTokens = &v
	}
	if preferredProvider.Valid {
		p := provider.Provider(preferredProvider.String)
		b.PreferredProvider = &p
	}
	if assignedProvider.Valid {
		p := provider.Provider(assignedProvider.String)
		b.AssignedProvider = &p
	}
	if b.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at for %s: %w", id, err)
	}
	if b.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at for %s: %w", id, err)
	}
	if b.DeferredUntil, err = parseTimePtr(deferredUntil); err != nil {
		return nil, fmt.Errorf("parse deferred_until for %s: %w", id, err)
	}
	if optimizedPrompt.Valid {
		v := optimizedPrompt.String
		b.OptimizedPrompt = &v
	}
	if output.Valid {
		v := output.String
		b.Output = &v
	}
	if errorMsg.Valid {
		v := errorMsg.String
		b.Error = &v
	}

	return b, nil
}

func scanBeads(rows *sql.Rows) ([]*bead.Bead, error) {
	defer rows.Close()
	var beads []*bead.Bead
	for rows.Next() {
		b, err := scanBead(rows)
		if err != nil {
			return nil, err
		}
		beads = append(beads, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return beads, nil
}
