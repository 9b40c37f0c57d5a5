package keywarden

import (
	"context"
	"fmt"
	"time"
)

// Registry owns the lease lifecycle: heartbeats keep a lease alive, and
// leases whose heartbeat falls behind the TTL are removed so a dead
// instance's binding is released.
type Registry struct {
	ledger Ledger
	ttl    time.Duration
	now    func() time.Time
}

// NewRegistry creates a Registry. ttl should be roughly twice the expected
// request interval.
func NewRegistry(ledger Ledger, ttl time.Duration) *Registry {
	return &Registry{
		ledger: ledger,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Lookup returns the lease recorded for an instance.
// Returns ErrInstanceUnbound if no lease exists.
func (r *Registry) Lookup(ctx context.Context, instanceID string) (Lease, error) {
	lease, ok, err := r.ledger.GetLease(ctx, instanceID)
	if err != nil {
		return Lease{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if !ok {
		return Lease{}, fmt.Errorf("%w: %s", ErrInstanceUnbound, instanceID)
	}
	return lease, nil
}

// Heartbeat refreshes the lease for an instance.
func (r *Registry) Heartbeat(ctx context.Context, instanceID string) error {
	if err := r.ledger.TouchLease(ctx, instanceID, r.now()); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return nil
}

// ExpireStale removes leases whose last heartbeat is older than the TTL.
func (r *Registry) ExpireStale(ctx context.Context) (int64, error) {
	n, err := r.ledger.DeleteExpiredLeases(ctx, r.now().Add(-r.ttl))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return n, nil
}

// RunHeartbeat sends heartbeats for an instance at the given interval until
// ctx is done. Heartbeat failures are transient and do not stop the loop.
func (r *Registry) RunHeartbeat(ctx context.Context, instanceID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Heartbeat(ctx, instanceID)
		}
	}
}
