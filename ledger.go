package keywarden

import (
	"context"
	"time"
)

// Ledger is the durable, shared store behind the manager: per-credential
// per-day usage counters, instance leases, and the last-assigned credential
// pointer. All implementations must make IncrementUsage and
// CompareAndSetLastAssigned atomic across OS processes — the store, not an
// in-memory mutex, is the point of mutual exclusion.
type Ledger interface {
	// IncrementUsage atomically increments the counter for (credentialID, day)
	// and returns the resulting count. The row is created lazily at 1.
	IncrementUsage(ctx context.Context, credentialID string, day Day, at time.Time) (int64, error)

	// UsageCount returns the counter for (credentialID, day); 0 if no row
	// exists. The snapshot may be stale by the time the caller acts on it.
	UsageCount(ctx context.Context, credentialID string, day Day) (int64, error)

	// GetLease returns the lease for an instance, reporting whether one exists.
	GetLease(ctx context.Context, instanceID string) (Lease, bool, error)

	// UpsertLease creates or replaces the lease for lease.InstanceID.
	UpsertLease(ctx context.Context, lease Lease) error

	// TouchLease updates last_heartbeat_at for an instance's lease.
	TouchLease(ctx context.Context, instanceID string, at time.Time) error

	// DeleteExpiredLeases removes leases whose last heartbeat is before
	// cutoff, returning how many were removed.
	DeleteExpiredLeases(ctx context.Context, cutoff time.Time) (int64, error)

	// LastAssigned returns the credential most recently handed out to any
	// instance, or "" if none has been assigned yet.
	LastAssigned(ctx context.Context) (string, error)

	// CompareAndSetLastAssigned advances the last-assigned pointer from old
	// to new, returning false without writing if the stored value no longer
	// equals old. old == "" means "no pointer exists yet".
	CompareAndSetLastAssigned(ctx context.Context, old, new string) (bool, error)
}

// Lease binds an instance to a credential. One active lease per instance;
// considered expired once last_heartbeat_at falls behind the registry TTL.
type Lease struct {
	InstanceID      string
	CredentialID    string
	AcquiredAt      time.Time
	LastHeartbeatAt time.Time
}

// UsageStat is one row of the usage history.
type UsageStat struct {
	CredentialID  string
	Day           Day
	Count         int64
	LastRequestAt time.Time
}

// StatsReader is implemented by ledgers that can report usage history.
type StatsReader interface {
	// UsageStats returns usage rows for all credentials from since onward,
	// newest day first.
	UsageStats(ctx context.Context, since Day) ([]UsageStat, error)
}
