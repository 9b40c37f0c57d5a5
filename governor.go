package keywarden

import (
	"context"
	"fmt"
	"time"
)

// casAttempts bounds the compare-and-swap retry loop when several instances
// acquire at the same moment.
const casAttempts = 5

// Governor decides which credential a starting instance is bound to. The
// decision runs exactly once per instance: an instance that acquired
// credential A keeps A until process exit, even if A later crosses the
// rotation threshold. The last-assigned pointer lives in the ledger and is
// advanced with compare-and-swap so the decision is safe across processes.
type Governor struct {
	pool      *CredentialPool
	ledger    Ledger
	threshold int64
	now       func() time.Time
}

// NewGovernor creates a Governor with the given rotation threshold.
func NewGovernor(pool *CredentialPool, ledger Ledger, threshold int64) *Governor {
	return &Governor{
		pool:      pool,
		ledger:    ledger,
		threshold: threshold,
		now:       time.Now,
	}
}

// AcquireCredential selects a credential for a new instance and records its
// lease, returning the credential and its usage count for today. Selection:
// keep the last-assigned credential while its usage today is under the
// rotation threshold; otherwise advance round-robin (creation order) to the
// next enabled credential with headroom under its daily cap. Returns
// ErrAllCredentialsExhausted, without writing a lease, when every enabled
// credential is at its daily cap.
func (g *Governor) AcquireCredential(ctx context.Context, instanceID string) (Credential, int64, error) {
	enabled := g.pool.ListEnabled()
	if len(enabled) == 0 {
		return Credential{}, 0, ErrAllCredentialsExhausted
	}

	day := DayOf(g.now())
	counts := make(map[string]int64, len(enabled))
	for _, c := range enabled {
		n, err := g.ledger.UsageCount(ctx, c.ID, day)
		if err != nil {
			return Credential{}, 0, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
		}
		counts[c.ID] = n
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		last, err := g.ledger.LastAssigned(ctx)
		if err != nil {
			return Credential{}, 0, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
		}

		pick, ok := choose(enabled, counts, last, g.threshold)
		if !ok {
			return Credential{}, 0, ErrAllCredentialsExhausted
		}

		swapped, err := g.ledger.CompareAndSetLastAssigned(ctx, last, pick.ID)
		if err != nil {
			return Credential{}, 0, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
		}
		if !swapped {
			// Another instance moved the pointer; re-read and re-decide.
			continue
		}

		now := g.now()
		lease := Lease{
			InstanceID:      instanceID,
			CredentialID:    pick.ID,
			AcquiredAt:      now,
			LastHeartbeatAt: now,
		}
		if err := g.ledger.UpsertLease(ctx, lease); err != nil {
			return Credential{}, 0, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
		}
		return pick, counts[pick.ID], nil
	}

	return Credential{}, 0, fmt.Errorf("keywarden: lost last-assigned race %d times", casAttempts)
}

// choose implements the rotation rule. enabled is in creation order.
func choose(enabled []Credential, counts map[string]int64, last string, threshold int64) (Credential, bool) {
	lastIdx := -1
	for i, c := range enabled {
		if c.ID == last {
			lastIdx = i
			break
		}
	}

	// Keep the last-assigned credential while it is under the soft
	// threshold (and its hard cap).
	if lastIdx >= 0 {
		c := enabled[lastIdx]
		if counts[c.ID] < threshold && counts[c.ID] < c.DailyCap {
			return c, true
		}
	}

	// Advance round-robin from the pointer, taking the first credential with
	// headroom under its daily cap. The pointer credential itself is the
	// final fallback: over the soft threshold is still usable when nothing
	// else is.
	for i := 1; i <= len(enabled); i++ {
		c := enabled[(lastIdx+i+len(enabled))%len(enabled)]
		if counts[c.ID] < c.DailyCap {
			return c, true
		}
	}

	return Credential{}, false
}
