package pstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
)

// SaveSession upserts session state (iteration counters, wallclock budget,
// sticky upstream) used by the pipeline's session gate across a multi-turn
// agent run.
func (s *Store) SaveSession(ctx context.Context, sess *contracts.Session) error {
	tagsJSON, _ := json.Marshal(sess.Tags)

	query := `
		INSERT INTO sessions (id, tenant_id, token_id, started_at, last_seen_at, iteration_count, max_iterations, wallclock_budget_ns, sticky_upstream, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			last_seen_at = EXCLUDED.last_seen_at,
			iteration_count = EXCLUDED.iteration_count,
			sticky_upstream = EXCLUDED.sticky_upstream,
			tags = EXCLUDED.tags
	`
	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.TenantID, sess.TokenID, sess.StartedAt, sess.LastSeenAt,
		sess.IterationCount, sess.MaxIterations, int64(sess.WallclockBudget), sess.StickyUpstream, string(tagsJSON),
	)
	return err
}

// GetSession retrieves session state by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*contracts.Session, error) {
	var sess contracts.Session
	var tagsJSON sql.NullString
	var wallclockNs int64

	err := s.reader.QueryRowContext(ctx, `
		SELECT id, tenant_id, token_id, started_at, last_seen_at, iteration_count, max_iterations, wallclock_budget_ns, sticky_upstream, tags
		FROM sessions WHERE id = $1
	`, id).Scan(&sess.ID, &sess.TenantID, &sess.TokenID, &sess.StartedAt, &sess.LastSeenAt,
		&sess.IterationCount, &sess.MaxIterations, &wallclockNs, &sess.StickyUpstream, &tagsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.WallclockBudget = time.Duration(wallclockNs)
	if tagsJSON.Valid {
		_ = json.Unmarshal([]byte(tagsJSON.String), &sess.Tags)
	}
	return &sess, nil
}

// IncrementIteration atomically bumps a session's iteration counter and
// returns the new value, used by the pipeline's session gate to enforce
// ExceedsIterationLimit without a read-modify-write race.
func (s *Store) IncrementIteration(ctx context.Context, id string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE sessions SET iteration_count = iteration_count + 1, last_seen_at = $1
		WHERE id = $2
		RETURNING iteration_count
	`, time.Now().UTC(), id).Scan(&count)
	return count, err
}
