package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Token tiers. Super tokens reach the premium upstream models.
const (
	TierBasic = "basic"
	TierSuper = "super"
)

var ErrTokenNotFound = errors.New("token not found")

// PoolToken is one upstream credential in the pool.
type PoolToken struct {
	KeyName  string
	Token    string
	Tier     string
	Disabled bool
}

// TokenStore persists the upstream credential pool.
type TokenStore struct {
	db *sql.DB
}

func NewTokenStore(database *Database) *TokenStore {
	return &TokenStore{db: database.DB}
}

func (s *TokenStore) List(ctx context.Context) ([]PoolToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key_name, token, tier, disabled FROM tokens ORDER BY key_name`)
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	defer rows.Close()

	var out []PoolToken
	for rows.Next() {
		var t PoolToken
		if err := rows.Scan(&t.KeyName, &t.Token, &t.Tier, &t.Disabled); err != nil {
			return nil, fmt.Errorf("scanning token row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *TokenStore) Get(ctx context.Context, keyName string) (*PoolToken, error) {
	var t PoolToken
	err := s.db.QueryRowContext(ctx,
		`SELECT key_name, token, tier, disabled FROM tokens WHERE key_name = $1`, keyName).
		Scan(&t.KeyName, &t.Token, &t.Tier, &t.Disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting token %s: %w", keyName, err)
	}
	return &t, nil
}

func (s *TokenStore) Upsert(ctx context.Context, t PoolToken) error {
	if t.Tier == "" {
		t.Tier = TierBasic
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (key_name, token, tier, disabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key_name) DO UPDATE
		SET token = EXCLUDED.token, tier = EXCLUDED.tier, disabled = EXCLUDED.disabled`,
		t.KeyName, t.Token, t.Tier, t.Disabled)
	if err != nil {
		return fmt.Errorf("upserting token %s: %w", t.KeyName, err)
	}
	return nil
}

func (s *TokenStore) SetDisabled(ctx context.Context, keyName string, disabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET disabled = $2 WHERE key_name = $1`, keyName, disabled)
	if err != nil {
		return fmt.Errorf("updating token %s: %w", keyName, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func (s *TokenStore) Delete(ctx context.Context, keyName string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE key_name = $1`, keyName)
	if err != nil {
		return fmt.Errorf("deleting token %s: %w", keyName, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTokenNotFound
	}
	return nil
}
