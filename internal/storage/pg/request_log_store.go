package pg

import (
	"context"
	"database/sql"
	"fmt"
)

// RequestLogEntry is one completed gateway request.
type RequestLogEntry struct {
	Timestamp   int64
	IP          string
	Model       string
	Duration    float64
	Status      int
	KeyName     string
	TokenSuffix string
	Error       string
}

// StatusRow is the projection the stats aggregation scans.
type StatusRow struct {
	Timestamp int64
	Status    int
}

// RequestLogStore appends and queries the request_logs table.
type RequestLogStore struct {
	db *sql.DB
}

func NewRequestLogStore(database *Database) *RequestLogStore {
	return &RequestLogStore{db: database.DB}
}

func (s *RequestLogStore) Insert(ctx context.Context, e RequestLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_logs (time, timestamp, ip, model, duration, status, key_name, token_suffix, error)
		VALUES (to_timestamp($1), $1, $2, $3, $4, $5, $6, $7, $8)`,
		e.Timestamp, e.IP, e.Model, e.Duration, e.Status, e.KeyName, e.TokenSuffix, e.Error)
	if err != nil {
		return fmt.Errorf("inserting request log: %w", err)
	}
	return nil
}

// StatusesSince returns (timestamp, status) pairs at or after the cutoff,
// oldest first. The stats layer derives all buckets from this single scan.
func (s *RequestLogStore) StatusesSince(ctx context.Context, since int64) ([]StatusRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, status FROM request_logs
		WHERE timestamp >= $1
		ORDER BY timestamp ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("querying request log statuses: %w", err)
	}
	defer rows.Close()

	var out []StatusRow
	for rows.Next() {
		var r StatusRow
		if err := rows.Scan(&r.Timestamp, &r.Status); err != nil {
			return nil, fmt.Errorf("scanning status row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Recent returns the newest entries for the admin log view.
func (s *RequestLogStore) Recent(ctx context.Context, limit int) ([]RequestLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, ip, model, duration, status, key_name, token_suffix, error
		FROM request_logs
		ORDER BY timestamp DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent request logs: %w", err)
	}
	defer rows.Close()

	var out []RequestLogEntry
	for rows.Next() {
		var e RequestLogEntry
		if err := rows.Scan(&e.Timestamp, &e.IP, &e.Model, &e.Duration, &e.Status, &e.KeyName, &e.TokenSuffix, &e.Error); err != nil {
			return nil, fmt.Errorf("scanning request log row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeBefore deletes entries older than the cutoff and reports how many
// rows went away.
func (s *RequestLogStore) PurgeBefore(ctx context.Context, before int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_logs WHERE timestamp < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purging request logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}
