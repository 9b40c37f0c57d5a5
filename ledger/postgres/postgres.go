// Package postgres provides a PostgreSQL-backed Ledger for keywarden.
//
// Counter increments and pointer swaps are single statements executed through
// pgx, so they are atomic across independently-running instances sharing the
// database. Use this backend when instances run on multiple hosts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pielabs/keywarden"
)

// Ledger is a PostgreSQL-backed keywarden.Ledger.
type Ledger struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ keywarden.Ledger      = (*Ledger)(nil)
	_ keywarden.StatsReader = (*Ledger)(nil)
)

// Option configures Ledger.
type Option func(*Ledger)

// WithTablePrefix sets the table name prefix (default "keywarden_").
func WithTablePrefix(prefix string) Option {
	return func(l *Ledger) { l.tablePrefix = prefix }
}

// New creates a PostgreSQL-backed Ledger on an existing pool.
func New(pool *pgxpool.Pool, opts ...Option) *Ledger {
	l := &Ledger{
		pool:        pool,
		tablePrefix: "keywarden_",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) usageTable() string  { return l.tablePrefix + "usage" }
func (l *Ledger) leasesTable() string { return l.tablePrefix + "leases" }
func (l *Ledger) lastTable() string   { return l.tablePrefix + "last_assigned" }

// EnsureSchema creates the required tables if they don't exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			credential_id   TEXT NOT NULL,
			day             DATE NOT NULL,
			consumed_count  BIGINT NOT NULL DEFAULT 0,
			last_request_at TIMESTAMPTZ,
			PRIMARY KEY (credential_id, day)
		);
		CREATE TABLE IF NOT EXISTS %s (
			instance_id       TEXT PRIMARY KEY,
			credential_id     TEXT NOT NULL,
			acquired_at       TIMESTAMPTZ NOT NULL,
			last_heartbeat_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %s (
			singleton_key TEXT PRIMARY KEY,
			credential_id TEXT NOT NULL
		);
	`, l.usageTable(), l.leasesTable(), l.lastTable())
	if _, err := l.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("keywarden/postgres: ensure schema: %w", err)
	}
	return nil
}

// IncrementUsage atomically increments the counter for (credentialID, day).
func (l *Ledger) IncrementUsage(ctx context.Context, credentialID string, day keywarden.Day, at time.Time) (int64, error) {
	q := fmt.Sprintf(`
		INSERT INTO %s (credential_id, day, consumed_count, last_request_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (credential_id, day) DO UPDATE SET
			consumed_count = %s.consumed_count + 1,
			last_request_at = excluded.last_request_at
		RETURNING consumed_count
	`, l.usageTable(), l.usageTable())

	var count int64
	err := l.pool.QueryRow(ctx, q, credentialID, string(day), at.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("keywarden/postgres: increment usage: %w", err)
	}
	return count, nil
}

// UsageCount returns the counter for (credentialID, day), 0 if no row exists.
func (l *Ledger) UsageCount(ctx context.Context, credentialID string, day keywarden.Day) (int64, error) {
	q := fmt.Sprintf(`SELECT consumed_count FROM %s WHERE credential_id = $1 AND day = $2`, l.usageTable())

	var count int64
	err := l.pool.QueryRow(ctx, q, credentialID, string(day)).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("keywarden/postgres: usage count: %w", err)
	}
	return count, nil
}

// GetLease returns an instance's lease.
func (l *Ledger) GetLease(ctx context.Context, instanceID string) (keywarden.Lease, bool, error) {
	q := fmt.Sprintf(`
		SELECT credential_id, acquired_at, last_heartbeat_at
		FROM %s WHERE instance_id = $1
	`, l.leasesTable())

	lease := keywarden.Lease{InstanceID: instanceID}
	err := l.pool.QueryRow(ctx, q, instanceID).
		Scan(&lease.CredentialID, &lease.AcquiredAt, &lease.LastHeartbeatAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return keywarden.Lease{}, false, nil
	}
	if err != nil {
		return keywarden.Lease{}, false, fmt.Errorf("keywarden/postgres: get lease: %w", err)
	}
	return lease, true, nil
}

// UpsertLease creates or replaces an instance's lease.
func (l *Ledger) UpsertLease(ctx context.Context, lease keywarden.Lease) error {
	q := fmt.Sprintf(`
		INSERT INTO %s (instance_id, credential_id, acquired_at, last_heartbeat_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (instance_id) DO UPDATE SET
			credential_id = excluded.credential_id,
			acquired_at = excluded.acquired_at,
			last_heartbeat_at = excluded.last_heartbeat_at
	`, l.leasesTable())

	_, err := l.pool.Exec(ctx, q,
		lease.InstanceID, lease.CredentialID, lease.AcquiredAt.UTC(), lease.LastHeartbeatAt.UTC())
	if err != nil {
		return fmt.Errorf("keywarden/postgres: upsert lease: %w", err)
	}
	return nil
}

// TouchLease refreshes an instance's heartbeat. A missing lease is a no-op.
func (l *Ledger) TouchLease(ctx context.Context, instanceID string, at time.Time) error {
	q := fmt.Sprintf(`UPDATE %s SET last_heartbeat_at = $1 WHERE instance_id = $2`, l.leasesTable())
	if _, err := l.pool.Exec(ctx, q, at.UTC(), instanceID); err != nil {
		return fmt.Errorf("keywarden/postgres: touch lease: %w", err)
	}
	return nil
}

// DeleteExpiredLeases removes leases with heartbeats before cutoff.
func (l *Ledger) DeleteExpiredLeases(ctx context.Context, cutoff time.Time) (int64, error) {
	q := fmt.Sprintf(`DELETE FROM %s WHERE last_heartbeat_at < $1`, l.leasesTable())
	tag, err := l.pool.Exec(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("keywarden/postgres: delete expired leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

// LastAssigned returns the last-assigned credential pointer, "" if unset.
func (l *Ledger) LastAssigned(ctx context.Context) (string, error) {
	q := fmt.Sprintf(`SELECT credential_id FROM %s WHERE singleton_key = 'last'`, l.lastTable())

	var id string
	err := l.pool.QueryRow(ctx, q).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("keywarden/postgres: last assigned: %w", err)
	}
	return id, nil
}

// CompareAndSetLastAssigned advances the pointer with a single conditional
// statement, so concurrent acquirers cannot both win.
func (l *Ledger) CompareAndSetLastAssigned(ctx context.Context, old, new string) (bool, error) {
	if old == "" {
		q := fmt.Sprintf(`
			INSERT INTO %s (singleton_key, credential_id)
			VALUES ('last', $1)
			ON CONFLICT (singleton_key) DO NOTHING
		`, l.lastTable())
		tag, err := l.pool.Exec(ctx, q, new)
		if err != nil {
			return false, fmt.Errorf("keywarden/postgres: cas last assigned: %w", err)
		}
		return tag.RowsAffected() == 1, nil
	}

	q := fmt.Sprintf(`
		UPDATE %s SET credential_id = $1
		WHERE singleton_key = 'last' AND credential_id = $2
	`, l.lastTable())
	tag, err := l.pool.Exec(ctx, q, new, old)
	if err != nil {
		return false, fmt.Errorf("keywarden/postgres: cas last assigned: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UsageStats returns usage rows from since onward, newest day first.
func (l *Ledger) UsageStats(ctx context.Context, since keywarden.Day) ([]keywarden.UsageStat, error) {
	q := fmt.Sprintf(`
		SELECT credential_id, day::text, consumed_count, last_request_at
		FROM %s
		WHERE day >= $1
		ORDER BY day DESC, credential_id
	`, l.usageTable())

	rows, err := l.pool.Query(ctx, q, string(since))
	if err != nil {
		return nil, fmt.Errorf("keywarden/postgres: usage stats: %w", err)
	}
	defer rows.Close()

	var stats []keywarden.UsageStat
	for rows.Next() {
		var s keywarden.UsageStat
		var day string
		var last *time.Time
		if err := rows.Scan(&s.CredentialID, &day, &s.Count, &last); err != nil {
			return nil, fmt.Errorf("keywarden/postgres: scan usage stat: %w", err)
		}
		s.Day = keywarden.Day(day)
		if last != nil {
			s.LastRequestAt = *last
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keywarden/postgres: iterate usage stats: %w", err)
	}
	return stats, nil
}
