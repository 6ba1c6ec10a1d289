package pg

import (
	"context"
	"database/sql"
	"fmt"
)

// SettingsStore persists the settings bundle as one row per section.
type SettingsStore struct {
	db *sql.DB
}

func NewSettingsStore(database *Database) *SettingsStore {
	return &SettingsStore{db: database.DB}
}

// GetAll returns every stored section blob keyed by section name.
func (s *SettingsStore) GetAll(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning settings row: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

// PutAll upserts all sections in one transaction with a shared updated_at,
// so readers never observe a half-written bundle.
func (s *SettingsStore) PutAll(ctx context.Context, values map[string]string, updatedAt int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning settings tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`)
	if err != nil {
		return fmt.Errorf("preparing settings upsert: %w", err)
	}
	defer stmt.Close()

	for key, value := range values {
		if _, err := stmt.ExecContext(ctx, key, value, updatedAt); err != nil {
			return fmt.Errorf("upserting settings section %s: %w", key, err)
		}
	}
	return tx.Commit()
}
