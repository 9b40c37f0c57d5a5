package keywarden

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Manager is the credential/quota manager consumed by the request issuer.
// Its public surface is two calls: AcquireCredential binds a starting
// instance to a credential, Execute routes one logical request through the
// fallback chain with that credential.
type Manager struct {
	cfg        Config
	pool       *CredentialPool
	ledger     Ledger
	governor   *Governor
	registry   *Registry
	router     *Router
	dispatcher *Dispatcher
	meter      Meter

	mu       sync.RWMutex
	bound    map[string]Credential // instance -> credential, cached for process lifetime
	acquires singleflight.Group    // collapses concurrent acquires per instance
}

// Option configures a Manager.
type Option func(*Manager)

// WithEndpoint sets the inference API adapter.
func WithEndpoint(e Endpoint) Option {
	return func(m *Manager) { m.dispatcher.endpoint = e }
}

// WithMeter sets the meter.
func WithMeter(mt Meter) Option {
	return func(m *Manager) { m.meter = mt }
}

// NewManager creates a Manager backed by the given ledger. The config is
// normalized (defaults applied) and validated. An endpoint must be provided
// via WithEndpoint before Execute is called; endpoint/openrouter is the
// production adapter.
func NewManager(cfg Config, ledger Ledger, opts ...Option) (*Manager, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ledger == nil {
		return nil, fmt.Errorf("keywarden: a ledger is required")
	}

	pool, err := NewCredentialPool(cfg.credentials())
	if err != nil {
		return nil, err
	}
	for _, cc := range cfg.Credentials {
		if cc.Disabled {
			pool.Disable(cc.ID)
		}
	}

	router, err := NewRouter(cfg.Chains)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		pool:     pool,
		ledger:   ledger,
		governor: NewGovernor(pool, ledger, cfg.RotationThreshold),
		registry: NewRegistry(ledger, cfg.LeaseTTL.Std()),
		router:   router,
		bound:    make(map[string]Credential),
	}

	m.dispatcher = &Dispatcher{
		pool:           pool,
		ledger:         ledger,
		router:         router,
		pacer:          newPacer(),
		maxRetries:     cfg.Retry.MaxRetries,
		baseDelay:      cfg.Retry.BaseDelay.Std(),
		maxDelay:       cfg.Retry.MaxDelay.Std(),
		requestTimeout: cfg.RequestTimeout.Std(),
		countFailed:    cfg.countFailedAttempts(),
		now:            time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.meter == nil {
		m.meter = noopMeter{}
	}
	m.dispatcher.meter = m.meter

	return m, nil
}

// AcquireCredential binds a starting instance to a credential and records
// its lease. Idempotent: an already-bound instance keeps its credential and
// the rotation decision is never re-run for it. Concurrent calls for the
// same instance collapse into one governor run, so exactly one lease is
// written and the last-assigned pointer advances at most once per instance.
func (m *Manager) AcquireCredential(ctx context.Context, instanceID string) error {
	_, err, _ := m.acquires.Do(instanceID, func() (any, error) {
		m.mu.RLock()
		_, already := m.bound[instanceID]
		m.mu.RUnlock()
		if already {
			return nil, nil
		}

		last, err := m.ledger.LastAssigned(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
		}

		cred, usage, err := m.governor.AcquireCredential(ctx, instanceID)
		if err != nil {
			return nil, err
		}

		m.meter.OnAcquire(AcquireEvent{
			InstanceID:   instanceID,
			CredentialID: cred.ID,
			UsageToday:   usage,
			Rotated:      last != "" && last != cred.ID,
		})

		m.mu.Lock()
		m.bound[instanceID] = cred
		m.mu.Unlock()

		return nil, nil
	})
	return err
}

// Execute routes one logical request for a bound instance. The credential
// comes from the instance's cached lease; there is no re-acquisition.
func (m *Manager) Execute(ctx context.Context, instanceID string, capability Capability, payload Payload) (Response, error) {
	m.mu.RLock()
	cred, ok := m.bound[instanceID]
	m.mu.RUnlock()
	if !ok {
		return Response{}, fmt.Errorf("%w: %s", ErrInstanceUnbound, instanceID)
	}
	if m.dispatcher.endpoint == nil {
		return Response{}, fmt.Errorf("keywarden: no endpoint configured")
	}
	return m.dispatcher.Execute(ctx, instanceID, cred, capability, payload)
}

// BoundCredential reports which credential an instance is bound to.
func (m *Manager) BoundCredential(instanceID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.bound[instanceID]
	return cred.ID, ok
}

// Heartbeat refreshes the instance's lease.
func (m *Manager) Heartbeat(ctx context.Context, instanceID string) error {
	return m.registry.Heartbeat(ctx, instanceID)
}

// RunHeartbeat sends heartbeats for an instance until ctx is done.
func (m *Manager) RunHeartbeat(ctx context.Context, instanceID string, interval time.Duration) {
	m.registry.RunHeartbeat(ctx, instanceID, interval)
}

// ExpireStaleLeases removes leases whose heartbeat fell behind the TTL.
func (m *Manager) ExpireStaleLeases(ctx context.Context) (int64, error) {
	return m.registry.ExpireStale(ctx)
}

// Pool exposes the credential pool for administrative enable/disable.
func (m *Manager) Pool() *CredentialPool { return m.pool }
