// Package sqlite provides a SQLite-backed Ledger for keywarden.
//
// Counter increments and pointer swaps are single statements, so they are
// atomic across the multiple OS processes sharing the database file. This is
// the default durable store for deployments on one host.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pielabs/keywarden"
)

// Ledger is a SQLite-backed keywarden.Ledger.
type Ledger struct {
	db *DB
}

var (
	_ keywarden.Ledger      = (*Ledger)(nil)
	_ keywarden.StatsReader = (*Ledger)(nil)
)

// New wraps an open DB. Call EnsureSchema before first use.
func New(db *DB) *Ledger {
	return &Ledger{db: db}
}

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(ctx context.Context, path string) (*Ledger, error) {
	db, err := NewDB(path)
	if err != nil {
		return nil, err
	}
	l := New(db)
	if err := l.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error { return l.db.Close() }

// EnsureSchema creates the required tables if they don't exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS usage (
			credential_id   TEXT NOT NULL,
			day             TEXT NOT NULL,
			consumed_count  INTEGER NOT NULL DEFAULT 0,
			last_request_at TIMESTAMP,
			PRIMARY KEY (credential_id, day)
		);
		CREATE TABLE IF NOT EXISTS leases (
			instance_id       TEXT PRIMARY KEY,
			credential_id     TEXT NOT NULL,
			acquired_at       TIMESTAMP NOT NULL,
			last_heartbeat_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS last_assigned (
			singleton_key TEXT PRIMARY KEY,
			credential_id TEXT NOT NULL
		);
	`
	if _, err := l.db.Writer.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("keywarden/sqlite: ensure schema: %w", err)
	}
	return nil
}

// IncrementUsage atomically increments the counter for (credentialID, day)
// in a single upsert statement and returns the resulting count.
func (l *Ledger) IncrementUsage(ctx context.Context, credentialID string, day keywarden.Day, at time.Time) (int64, error) {
	const query = `
		INSERT INTO usage (credential_id, day, consumed_count, last_request_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (credential_id, day) DO UPDATE SET
			consumed_count = consumed_count + 1,
			last_request_at = excluded.last_request_at
		RETURNING consumed_count
	`
	var count int64
	err := l.db.Writer.QueryRowContext(ctx, query, credentialID, string(day), at.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("keywarden/sqlite: increment usage: %w", err)
	}
	return count, nil
}

// UsageCount returns the counter for (credentialID, day), 0 if no row exists.
func (l *Ledger) UsageCount(ctx context.Context, credentialID string, day keywarden.Day) (int64, error) {
	const query = `SELECT consumed_count FROM usage WHERE credential_id = ? AND day = ?`
	var count int64
	err := l.db.Reader.QueryRowContext(ctx, query, credentialID, string(day)).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("keywarden/sqlite: usage count: %w", err)
	}
	return count, nil
}

// GetLease returns an instance's lease.
func (l *Ledger) GetLease(ctx context.Context, instanceID string) (keywarden.Lease, bool, error) {
	const query = `
		SELECT credential_id, acquired_at, last_heartbeat_at
		FROM leases WHERE instance_id = ?
	`
	lease := keywarden.Lease{InstanceID: instanceID}
	err := l.db.Reader.QueryRowContext(ctx, query, instanceID).
		Scan(&lease.CredentialID, &lease.AcquiredAt, &lease.LastHeartbeatAt)
	if errors.Is(err, sql.ErrNoRows) {
		return keywarden.Lease{}, false, nil
	}
	if err != nil {
		return keywarden.Lease{}, false, fmt.Errorf("keywarden/sqlite: get lease: %w", err)
	}
	return lease, true, nil
}

// UpsertLease creates or replaces an instance's lease.
func (l *Ledger) UpsertLease(ctx context.Context, lease keywarden.Lease) error {
	const query = `
		INSERT INTO leases (instance_id, credential_id, acquired_at, last_heartbeat_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (instance_id) DO UPDATE SET
			credential_id = excluded.credential_id,
			acquired_at = excluded.acquired_at,
			last_heartbeat_at = excluded.last_heartbeat_at
	`
	_, err := l.db.Writer.ExecContext(ctx, query,
		lease.InstanceID, lease.CredentialID, lease.AcquiredAt.UTC(), lease.LastHeartbeatAt.UTC())
	if err != nil {
		return fmt.Errorf("keywarden/sqlite: upsert lease: %w", err)
	}
	return nil
}

// TouchLease refreshes an instance's heartbeat. A missing lease is a no-op.
func (l *Ledger) TouchLease(ctx context.Context, instanceID string, at time.Time) error {
	const query = `UPDATE leases SET last_heartbeat_at = ? WHERE instance_id = ?`
	_, err := l.db.Writer.ExecContext(ctx, query, at.UTC(), instanceID)
	if err != nil {
		return fmt.Errorf("keywarden/sqlite: touch lease: %w", err)
	}
	return nil
}

// DeleteExpiredLeases removes leases with heartbeats before cutoff.
func (l *Ledger) DeleteExpiredLeases(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM leases WHERE last_heartbeat_at < ?`
	res, err := l.db.Writer.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("keywarden/sqlite: delete expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("keywarden/sqlite: delete expired leases: %w", err)
	}
	return n, nil
}

// LastAssigned returns the last-assigned credential pointer, "" if unset.
func (l *Ledger) LastAssigned(ctx context.Context) (string, error) {
	const query = `SELECT credential_id FROM last_assigned WHERE singleton_key = 'last'`
	var id string
	err := l.db.Reader.QueryRowContext(ctx, query).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("keywarden/sqlite: last assigned: %w", err)
	}
	return id, nil
}

// CompareAndSetLastAssigned advances the pointer in a single conditional
// statement: an insert guarded by the primary key when no pointer exists, an
// update guarded by the old value otherwise.
func (l *Ledger) CompareAndSetLastAssigned(ctx context.Context, old, new string) (bool, error) {
	var res sql.Result
	var err error
	if old == "" {
		const query = `
			INSERT INTO last_assigned (singleton_key, credential_id)
			VALUES ('last', ?)
			ON CONFLICT (singleton_key) DO NOTHING
		`
		res, err = l.db.Writer.ExecContext(ctx, query, new)
	} else {
		const query = `
			UPDATE last_assigned SET credential_id = ?
			WHERE singleton_key = 'last' AND credential_id = ?
		`
		res, err = l.db.Writer.ExecContext(ctx, query, new, old)
	}
	if err != nil {
		return false, fmt.Errorf("keywarden/sqlite: cas last assigned: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("keywarden/sqlite: cas last assigned: %w", err)
	}
	return n == 1, nil
}

// UsageStats returns usage rows from since onward, newest day first.
func (l *Ledger) UsageStats(ctx context.Context, since keywarden.Day) ([]keywarden.UsageStat, error) {
	const query = `
		SELECT credential_id, day, consumed_count, last_request_at
		FROM usage
		WHERE day >= ?
		ORDER BY day DESC, credential_id
	`
	rows, err := l.db.Reader.QueryContext(ctx, query, string(since))
	if err != nil {
		return nil, fmt.Errorf("keywarden/sqlite: usage stats: %w", err)
	}
	defer rows.Close()

	var stats []keywarden.UsageStat
	for rows.Next() {
		var s keywarden.UsageStat
		var day string
		var last sql.NullTime
		if err := rows.Scan(&s.CredentialID, &day, &s.Count, &last); err != nil {
			return nil, fmt.Errorf("keywarden/sqlite: scan usage stat: %w", err)
		}
		s.Day = keywarden.Day(day)
		if last.Valid {
			s.LastRequestAt = last.Time
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keywarden/sqlite: iterate usage stats: %w", err)
	}
	return stats, nil
}
