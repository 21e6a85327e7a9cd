package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Fnux8890/rigs/internal/convoy"
)

// ConvoyRepository persists convoy aggregates. A convoy's bead membership
// is derived on load by querying beads(convoy_id), not stored redundantly.
type ConvoyRepository struct {
	store *Store
	beads *BeadRepository
}

// NewConvoyRepository builds a ConvoyRepository backed by store.
func NewConvoyRepository(store *Store, beads *BeadRepository) *ConvoyRepository {
	return &ConvoyRepository{store: store, beads: beads}
}

func (r *ConvoyRepository) Create(ctx context.Context, c *convoy.Convoy) error {
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal convoy metadata: %w", err)
	}
	_, err = r.store.db.ExecContext(ctx,
		`INSERT INTO convoys (id, name, goal, status, created_at, completed_at, metadata)
		 VALUES (?,?,?,?,?,?,?)`,
		string(c.ID), c.Name, c.Goal, string(c.Status), formatTime(c.CreatedAt),
		formatTimePtr(c.CompletedAt), string(metadata))
	if err != nil {
		return fmt.Errorf("insert convoy %s: %w", c.ID, err)
	}
	return nil
}

func (r *ConvoyRepository) Update(ctx context.Context, c *convoy.Convoy) error {
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal convoy metadata: %w", err)
	}
	_, err = r.store.db.ExecContext(ctx,
		`UPDATE convoys SET name=?, goal=?, status=?, completed_at=?, metadata=? WHERE id=?`,
		c.Name, c.Goal, string(c.Status), formatTimePtr(c.CompletedAt), string(metadata), string(c.ID))
	if err != nil {
		return fmt.Errorf("update convoy %s: %w", c.ID, err)
	}
	return nil
}

func (r *ConvoyRepository) Get(ctx context.Context, id convoy.ID) (*convoy.Convoy, error) {
	row := r.store.db.QueryRowContext(ctx,
		`SELECT id, name, goal, status, created_at, completed_at, metadata FROM convoys WHERE id=?`,
		string(id))

	var (
		convoyID, name, status, createdAt, metadataRaw string
		goal, completedAt                               sql.NullString
	)
	if err := row.Scan(&convoyID, &name, &goal, &status, &createdAt, &completedAt, &metadataRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("convoy %s: not found", id)
		}
		return nil, fmt.Errorf("scan convoy %s: %w", id, err)
	}

	c := &convoy.Convoy{
		ID:     convoy.ID(convoyID),
		Name:   name,
		Status: convoy.Status(status),
	}
	if goal.Valid {
		v := goal.String
		c.Goal = &v
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at for convoy %s: %w", id, err)
	}
	c.CreatedAt = created
	if c.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at for convoy %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(metadataRaw), &c.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata for convoy %s: %w", id, err)
	}

	beads, err := r.beads.ListByConvoy(ctx, string(id))
	if err != nil {
		return nil, fmt.Errorf("load beads for convoy %s: %w", id, err)
	}
	for _, b := range beads {
		c.Beads = append(c.Beads, b.ID)
	}
	return c, nil
}

func (r *ConvoyRepository) List(ctx context.Context) ([]*convoy.Convoy, error) {
	rows, err := r.store.db.QueryContext(ctx, `SELECT id FROM convoys ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list convoys: %w", err)
	}
	defer rows.Close()

	var ids []convoy.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, convoy.ID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	convoys := make([]*convoy.Convoy, 0, len(ids))
	for _, id := range ids {
		c, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		convoys = append(convoys, c)
	}
	return convoys, nil
}
