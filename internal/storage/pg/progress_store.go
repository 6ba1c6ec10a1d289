package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RefreshProgress is the singleton snapshot of the token refresh batch.
type RefreshProgress struct {
	Running   bool
	Current   int
	Total     int
	Success   int
	Failed    int
	UpdatedAt int64
}

// ProgressUpdate is a partial update; nil fields keep their stored value
// (COALESCE semantics). Every write bumps updated_at.
type ProgressUpdate struct {
	Running *bool
	Current *int
	Total   *int
	Success *int
	Failed  *int
}

// ProgressStore persists token_refresh_progress, a single row keyed id=1.
type ProgressStore struct {
	db *sql.DB
}

func NewProgressStore(database *Database) *ProgressStore {
	return &ProgressStore{db: database.DB}
}

func (s *ProgressStore) Get(ctx context.Context) (*RefreshProgress, error) {
	var p RefreshProgress
	err := s.db.QueryRowContext(ctx, `
		SELECT running, current, total, success, failed, updated_at
		FROM token_refresh_progress WHERE id = 1`).
		Scan(&p.Running, &p.Current, &p.Total, &p.Success, &p.Failed, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("getting refresh progress: %w", err)
	}
	return &p, nil
}

// Update applies the partial update in one statement.
func (s *ProgressStore) Update(ctx context.Context, u ProgressUpdate) error {
	var running sql.NullBool
	if u.Running != nil {
		running = sql.NullBool{Bool: *u.Running, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE token_refresh_progress
		SET running    = COALESCE($1, running),
		    current    = COALESCE($2, current),
		    total      = COALESCE($3, total),
		    success    = COALESCE($4, success),
		    failed     = COALESCE($5, failed),
		    updated_at = $6
		WHERE id = 1`,
		running, nullInt(u.Current), nullInt(u.Total), nullInt(u.Success), nullInt(u.Failed),
		time.Now().Unix())
	if err != nil {
		return fmt.Errorf("updating refresh progress: %w", err)
	}
	return nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
