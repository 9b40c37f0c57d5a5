package keywarden

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// pacer enforces the per-minute cap by spacing requests on the same
// credential at least one interval apart, one rate.Limiter per credential
// with burst 1. This is in-process pacing only: the hard backstop across
// instances is the provider's own 429, which the dispatcher retries with
// backoff.
type pacer struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newPacer() *pacer {
	return &pacer{
		limiters: make(map[string]*rate.Limiter),
	}
}

// interval converts a per-minute cap into the minimum spacing between
// requests (20/min = one every 3s).
func minuteInterval(perMinuteCap int64) time.Duration {
	if perMinuteCap <= 0 {
		return 0
	}
	return time.Minute / time.Duration(perMinuteCap)
}

func (p *pacer) limiter(credentialID string, interval time.Duration) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	lim, ok := p.limiters[credentialID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(interval), 1)
		p.limiters[credentialID] = lim
	}
	return lim
}

// Wait blocks until the credential may issue its next request, or ctx ends.
// The limiter reserves the slot before sleeping, so concurrent callers space
// out rather than releasing together.
func (p *pacer) Wait(ctx context.Context, credentialID string, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	return p.limiter(credentialID, interval).Wait(ctx)
}
