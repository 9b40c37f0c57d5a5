// Package ledger provides an in-memory Ledger implementation.
//
// MemoryLedger is suitable for tests and single-process deployments; the
// durable backends in ledger/sqlite, ledger/postgres and ledger/redis are
// required for multi-process correctness.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/pielabs/keywarden"
)

// MemoryLedger is an in-memory Ledger guarded by a mutex.
type MemoryLedger struct {
	mu           sync.Mutex
	usage        map[usageKey]*usageRow
	leases       map[string]keywarden.Lease
	lastAssigned string
}

type usageKey struct {
	credentialID string
	day          keywarden.Day
}

type usageRow struct {
	count         int64
	lastRequestAt time.Time
}

var _ keywarden.Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		usage:  make(map[usageKey]*usageRow),
		leases: make(map[string]keywarden.Lease),
	}
}

// IncrementUsage atomically increments the counter for (credentialID, day).
func (l *MemoryLedger) IncrementUsage(_ context.Context, credentialID string, day keywarden.Day, at time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := usageKey{credentialID, day}
	row, ok := l.usage[key]
	if !ok {
		row = &usageRow{}
		l.usage[key] = row
	}
	row.count++
	row.lastRequestAt = at
	return row.count, nil
}

// UsageCount returns the counter for (credentialID, day), 0 if absent.
func (l *MemoryLedger) UsageCount(_ context.Context, credentialID string, day keywarden.Day) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row, ok := l.usage[usageKey{credentialID, day}]
	if !ok {
		return 0, nil
	}
	return row.count, nil
}

// SeedUsage sets a counter directly. Test helper.
func (l *MemoryLedger) SeedUsage(credentialID string, day keywarden.Day, count int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.usage[usageKey{credentialID, day}] = &usageRow{count: count}
}

// GetLease returns the lease for an instance.
func (l *MemoryLedger) GetLease(_ context.Context, instanceID string) (keywarden.Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lease, ok := l.leases[instanceID]
	return lease, ok, nil
}

// UpsertLease creates or replaces an instance's lease.
func (l *MemoryLedger) UpsertLease(_ context.Context, lease keywarden.Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.leases[lease.InstanceID] = lease
	return nil
}

// TouchLease refreshes an instance's heartbeat. A missing lease is a no-op.
func (l *MemoryLedger) TouchLease(_ context.Context, instanceID string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lease, ok := l.leases[instanceID]
	if !ok {
		return nil
	}
	lease.LastHeartbeatAt = at
	l.leases[instanceID] = lease
	return nil
}

// DeleteExpiredLeases removes leases with heartbeats before cutoff.
func (l *MemoryLedger) DeleteExpiredLeases(_ context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int64
	for id, lease := range l.leases {
		if lease.LastHeartbeatAt.Before(cutoff) {
			delete(l.leases, id)
			n++
		}
	}
	return n, nil
}

// LastAssigned returns the last-assigned credential pointer.
func (l *MemoryLedger) LastAssigned(_ context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastAssigned, nil
}

// CompareAndSetLastAssigned advances the pointer if it still equals old.
func (l *MemoryLedger) CompareAndSetLastAssigned(_ context.Context, old, new string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lastAssigned != old {
		return false, nil
	}
	l.lastAssigned = new
	return true, nil
}
