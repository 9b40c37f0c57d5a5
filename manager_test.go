package keywarden_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	kw "github.com/pielabs/keywarden"
	"github.com/pielabs/keywarden/endpoint/mock"
	"github.com/pielabs/keywarden/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Fast retry/pacing settings so failure-path tests do not sleep.
func testConfig(ids ...string) kw.Config {
	creds := make([]kw.CredentialConfig, 0, len(ids))
	for _, id := range ids {
		creds = append(creds, kw.CredentialConfig{
			ID:           id,
			Secret:       "sk-" + id,
			PerMinuteCap: 60000,
		})
	}
	return kw.Config{
		Credentials: creds,
		Chains: []kw.ChainConfig{
			{Capability: kw.CapabilityVision, Models: []string{"vis-a", "vis-b", "vis-c"}},
			{Capability: kw.CapabilityReasoning, Models: []string{"rsn-a", "rsn-b"}},
		},
		Retry: kw.RetryConfig{
			MaxRetries: 2,
			BaseDelay:  kw.Duration(time.Millisecond),
			MaxDelay:   kw.Duration(5 * time.Millisecond),
		},
	}
}

func newTestManager(t *testing.T, cfg kw.Config, led kw.Ledger, ep kw.Endpoint) *kw.Manager {
	t.Helper()
	m, err := kw.NewManager(cfg, led, kw.WithEndpoint(ep))
	require.NoError(t, err)
	return m
}

func userPayload(text string) kw.Payload {
	return kw.Payload{Messages: []kw.Message{{Role: "user", Content: text}}}
}

func TestManager_AcquireThenExecute(t *testing.T) {
	led := ledger.NewMemoryLedger()
	ep := mock.New()
	m := newTestManager(t, testConfig("k1", "k2"), led, ep)

	ctx := context.Background()
	require.NoError(t, m.AcquireCredential(ctx, "inst-1"))

	id, ok := m.BoundCredential("inst-1")
	require.True(t, ok)
	assert.Equal(t, "k1", id)

	resp, err := m.Execute(ctx, "inst-1", kw.CapabilityReasoning, userPayload("hello"))
	require.NoError(t, err)
	assert.Equal(t, "rsn-a", resp.Model)
	assert.Equal(t, "k1", resp.CredentialID)
	assert.Equal(t, 1, resp.Attempts)

	count, err := led.UsageCount(ctx, "k1", kw.DayOf(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

// Acquire is idempotent: a second call for the same instance keeps the
// binding and does not re-run the rotation decision.
func TestManager_AcquireIsIdempotent(t *testing.T) {
	led := ledger.NewMemoryLedger()
	m := newTestManager(t, testConfig("k1", "k2"), led, mock.New())

	ctx := context.Background()
	require.NoError(t, m.AcquireCredential(ctx, "inst-1"))

	// Push the bound credential over the rotation threshold; the instance
	// must still keep it.
	led.SeedUsage("k1", kw.DayOf(time.Now()), 45)
	require.NoError(t, m.AcquireCredential(ctx, "inst-1"))

	id, ok := m.BoundCredential("inst-1")
	require.True(t, ok)
	assert.Equal(t, "k1", id)
}

func TestManager_ExecuteWithoutAcquire(t *testing.T) {
	m := newTestManager(t, testConfig("k1"), ledger.NewMemoryLedger(), mock.New())

	_, err := m.Execute(context.Background(), "ghost", kw.CapabilityVision, userPayload("hi"))
	assert.ErrorIs(t, err, kw.ErrInstanceUnbound)
}

func TestManager_AcquireAllExhausted(t *testing.T) {
	led := ledger.NewMemoryLedger()
	day := kw.DayOf(time.Now())
	led.SeedUsage("k1", day, kw.DefaultDailyCap)
	led.SeedUsage("k2", day, kw.DefaultDailyCap)
	m := newTestManager(t, testConfig("k1", "k2"), led, mock.New())

	err := m.AcquireCredential(context.Background(), "inst-1")
	assert.ErrorIs(t, err, kw.ErrAllCredentialsExhausted)

	_, ok := m.BoundCredential("inst-1")
	assert.False(t, ok)
}

// 5xx on the primary advances to the next model in the chain.
func TestExecute_FallsBackOnServerError(t *testing.T) {
	ep := mock.New(mock.WithModelError("vis-a", kw.ErrServerError))
	m := newTestManager(t, testConfig("k1"), ledger.NewMemoryLedger(), ep)

	ctx := context.Background()
	require.NoError(t, m.AcquireCredential(ctx, "inst-1"))

	resp, err := m.Execute(ctx, "inst-1", kw.CapabilityVision, userPayload("look"))
	require.NoError(t, err)
	assert.Equal(t, "vis-b", resp.Model)
	assert.Equal(t, 2, resp.Attempts)
}

func TestExecute_AllModelsFailed(t *testing.T) {
	ep := mock.New(mock.WithError(kw.ErrServerError))
	m := newTestManager(t, testConfig("k1"), ledger.NewMemoryLedger(), ep)

	ctx := context.Background()
	require.NoError(t, m.AcquireCredential(ctx, "inst-1"))

	_, err := m.Execute(ctx, "inst-1", kw.CapabilityReasoning, userPayload("think"))
	assert.ErrorIs(t, err, kw.ErrAllModelsFailed)

	var de *kw.DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 2, de.Attempts)
	assert.Equal(t, "rsn-b", de.Model)
}

// 429 is retried on the same model before the chain advances.
func TestExecute_RetriesRateLimitSameModel(t *testing.T) {
	calls := 0
	ep := mock.New(mock.WithResponseFunc(func(req kw.EndpointRequest) (kw.Response, error) {
		calls++
		if calls <= 2 {
			return kw.Response{}, &kw.RateLimitError{}
		}
		return kw.Response{ID: "ok", Model: req.Model, Content: "done", FinishReason: "stop"}, nil
	}))
	m := newTestManager(t, testConfig("k1"), ledger.NewMemoryLedger(), ep)

	ctx := context.Background()
	require.NoError(t, m.AcquireCredential(ctx, "inst-1"))

	resp, err := m.Execute(ctx, "inst-1", kw.CapabilityReasoning, userPayload("again"))
	require.NoError(t, err)
	assert.Equal(t, "rsn-a", resp.Model, "retries stay on the primary model")
	assert.Equal(t, 1, resp.Attempts, "no chain advance for rate limits")
	assert.Equal(t, 3, calls)
}

// Once the retry budget is spent, the rate limit error advances the chain.
func TestExecute_RateLimitBudgetExhaustedAdvancesChain(t *testing.T) {
	ep := mock.New(mock.WithResponseFunc(func(req kw.EndpointRequest) (kw.Response, error) {
		if req.Model == "rsn-a" {
			return kw.Response{}, &kw.RateLimitError{}
		}
		return kw.Response{ID: "ok", Model: req.Model, Content: "done", FinishReason: "stop"}, nil
	}))
	m := newTestManager(t, testConfig("k1"), ledger.NewMemoryLedger(), ep)

	ctx := context.Background()
	require.NoError(t, m.AcquireCredential(ctx, "inst-1"))

	resp, err := m.Execute(ctx, "inst-1", kw.CapabilityReasoning, userPayload("busy"))
	require.NoError(t, err)
	assert.Equal(t, "rsn-b", resp.Model)
	assert.Equal(t, 2, resp.Attempts)
}

// An auth rejection disables the credential and fails the request; no
// fallback happens with a known-bad key.
func TestExecute_AuthErrorDisablesCredential(t *testing.T) {
	ep := mock.New(mock.WithError(kw.ErrCredentialInvalid))
	m := newTestManager(t, testConfig("k1", "k2"), ledger.NewMemoryLedger(), ep)

	ctx := context.Background()
	require.NoError(t, m.AcquireCredential(ctx, "inst-1"))

	_, err := m.Execute(ctx, "inst-1", kw.CapabilityVision, userPayload("who"))
	assert.ErrorIs(t, err, kw.ErrCredentialInvalid)
	assert.False(t, m.Pool().Enabled("k1"))
	assert.EqualValues(t, 1, ep.CallCount(), "no fallback after auth failure")
}

// The daily cap is checked per request before any network call.
func TestExecute_QuotaGateBeforeNetwork(t *testing.T) {
	led := ledger.NewMemoryLedger()
	led.SeedUsage("k1", kw.DayOf(time.Now()), kw.DefaultDailyCap-1)
	ep := mock.New()
	m := newTestManager(t, testConfig("k1"), led, ep)

	ctx := context.Background()
	require.NoError(t, m.AcquireCredential(ctx, "inst-1"))

	// Last request under the cap succeeds and fills the credential.
	_, err := m.Execute(ctx, "inst-1", kw.CapabilityVision, userPayload("one"))
	require.NoError(t, err)

	// The binding survives, but each further request is refused without
	// touching the endpoint.
	_, err = m.Execute(ctx, "inst-1", kw.CapabilityVision, userPayload("two"))
	assert.ErrorIs(t, err, kw.ErrQuotaExceeded)
	assert.EqualValues(t, 1, ep.CallCount())

	id, ok := m.BoundCredential("inst-1")
	require.True(t, ok)
	assert.Equal(t, "k1", id)
}

// A successful call whose ledger increment fails is discarded: without the
// recorded increment the response cannot be trusted.
func TestExecute_FailsClosedOnIncrementError(t *testing.T) {
	led := &failingIncrementLedger{MemoryLedger: ledger.NewMemoryLedger()}
	m := newTestManager(t, testConfig("k1"), led, mock.New())

	ctx := context.Background()
	require.NoError(t, m.AcquireCredential(ctx, "inst-1"))

	led.fail = true
	_, err := m.Execute(ctx, "inst-1", kw.CapabilityVision, userPayload("hi"))
	assert.ErrorIs(t, err, kw.ErrLedgerUnavailable)
}

// Failed 5xx attempts are recorded in the ledger by default.
func TestExecute_CountsFailedAttempts(t *testing.T) {
	led := ledger.NewMemoryLedger()
	ep := mock.New(mock.WithModelError("rsn-a", kw.ErrServerError))
	m := newTestManager(t, testConfig("k1"), led, ep)

	ctx := context.Background()
	require.NoError(t, m.AcquireCredential(ctx, "inst-1"))

	_, err := m.Execute(ctx, "inst-1", kw.CapabilityReasoning, userPayload("hi"))
	require.NoError(t, err)

	// One failed attempt plus one success.
	count, err := led.UsageCount(ctx, "k1", kw.DayOf(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestExecute_FailedAttemptCountingOptOut(t *testing.T) {
	led := ledger.NewMemoryLedger()
	ep := mock.New(mock.WithModelError("rsn-a", kw.ErrServerError))

	cfg := testConfig("k1")
	off := false
	cfg.CountFailedAttempts = &off
	m := newTestManager(t, cfg, led, ep)

	ctx := context.Background()
	require.NoError(t, m.AcquireCredential(ctx, "inst-1"))

	_, err := m.Execute(ctx, "inst-1", kw.CapabilityReasoning, userPayload("hi"))
	require.NoError(t, err)

	count, err := led.UsageCount(ctx, "k1", kw.DayOf(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestExecute_UnknownCapability(t *testing.T) {
	m := newTestManager(t, testConfig("k1"), ledger.NewMemoryLedger(), mock.New())

	ctx := context.Background()
	require.NoError(t, m.AcquireCredential(ctx, "inst-1"))

	_, err := m.Execute(ctx, "inst-1", kw.Capability("audio"), userPayload("hi"))
	assert.ErrorIs(t, err, kw.ErrUnknownCapability)
}

// A cancelled context stops the fallback walk.
func TestExecute_ContextCancelledStopsFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ep := mock.New(mock.WithResponseFunc(func(req kw.EndpointRequest) (kw.Response, error) {
		cancel()
		return kw.Response{}, kw.ErrServerError
	}))
	m := newTestManager(t, testConfig("k1"), ledger.NewMemoryLedger(), ep)

	require.NoError(t, m.AcquireCredential(context.Background(), "inst-1"))

	_, err := m.Execute(ctx, "inst-1", kw.CapabilityVision, userPayload("hi"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, ep.CallCount())
}

func TestManager_HeartbeatAndExpiry(t *testing.T) {
	led := ledger.NewMemoryLedger()
	cfg := testConfig("k1")
	cfg.LeaseTTL = kw.Duration(time.Minute)
	m := newTestManager(t, cfg, led, mock.New())

	ctx := context.Background()
	require.NoError(t, m.AcquireCredential(ctx, "inst-1"))
	require.NoError(t, m.Heartbeat(ctx, "inst-1"))

	// Fresh lease is not stale.
	n, err := m.ExpireStaleLeases(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Backdate the lease past the TTL.
	require.NoError(t, led.UpsertLease(ctx, kw.Lease{
		InstanceID:      "inst-1",
		CredentialID:    "k1",
		AcquiredAt:      time.Now().Add(-time.Hour),
		LastHeartbeatAt: time.Now().Add(-time.Hour),
	}))
	n, err = m.ExpireStaleLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// failingIncrementLedger makes IncrementUsage fail on demand.
type failingIncrementLedger struct {
	*ledger.MemoryLedger
	fail bool
}

func (l *failingIncrementLedger) IncrementUsage(ctx context.Context, credentialID string, day kw.Day, at time.Time) (int64, error) {
	if l.fail {
		return 0, errors.New("ledger down")
	}
	return l.MemoryLedger.IncrementUsage(ctx, credentialID, day, at)
}

// Concurrent acquires for the same instance collapse into one governor run:
// one lease write, one pointer advance, and the durable lease always names
// the credential the instance is bound to.
func TestManager_ConcurrentAcquireSameInstance(t *testing.T) {
	led := &countingLedger{MemoryLedger: ledger.NewMemoryLedger()}
	m := newTestManager(t, testConfig("k1", "k2"), led, mock.New())

	ctx := context.Background()
	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.AcquireCredential(ctx, "inst-1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "caller %d", i)
	}

	assert.Equal(t, int64(1), led.upserts.Load(), "one lease write")
	assert.Equal(t, int64(1), led.swaps.Load(), "one pointer advance")

	bound, ok := m.BoundCredential("inst-1")
	require.True(t, ok)
	lease, found, err := led.GetLease(ctx, "inst-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, bound, lease.CredentialID, "lease matches the binding")
}

// The acquire event reports the usage count the governor actually read.
func TestManager_AcquireEventReportsLedgerUsage(t *testing.T) {
	led := ledger.NewMemoryLedger()
	led.SeedUsage("k1", kw.DayOf(time.Now()), 11)
	_, err := led.CompareAndSetLastAssigned(context.Background(), "", "k1")
	require.NoError(t, err)

	mt := &captureMeter{}
	m, err := kw.NewManager(testConfig("k1", "k2"), led,
		kw.WithEndpoint(mock.New()), kw.WithMeter(mt))
	require.NoError(t, err)

	require.NoError(t, m.AcquireCredential(context.Background(), "inst-1"))

	require.Len(t, mt.acquires, 1)
	assert.Equal(t, "k1", mt.acquires[0].CredentialID)
	assert.Equal(t, int64(11), mt.acquires[0].UsageToday)
	assert.False(t, mt.acquires[0].Rotated)
}

// A Retry-After hint from the provider overrides the computed backoff delay.
func TestExecute_RetryAfterHintOverridesBackoff(t *testing.T) {
	const hint = 120 * time.Millisecond

	calls := 0
	ep := mock.New(mock.WithResponseFunc(func(req kw.EndpointRequest) (kw.Response, error) {
		calls++
		if calls == 1 {
			return kw.Response{}, &kw.RateLimitError{RetryAfter: hint}
		}
		return kw.Response{ID: "ok", Model: req.Model, Content: "done", FinishReason: "stop"}, nil
	}))
	m := newTestManager(t, testConfig("k1"), ledger.NewMemoryLedger(), ep)

	ctx := context.Background()
	require.NoError(t, m.AcquireCredential(ctx, "inst-1"))

	start := time.Now()
	resp, err := m.Execute(ctx, "inst-1", kw.CapabilityReasoning, userPayload("again"))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "rsn-a", resp.Model)
	// The configured backoff is ~1ms; only honoring the hint explains a
	// delay of this size.
	assert.GreaterOrEqual(t, elapsed, hint)
}

// countingLedger counts lease writes and pointer swaps.
type countingLedger struct {
	*ledger.MemoryLedger
	upserts atomic.Int64
	swaps   atomic.Int64
}

func (l *countingLedger) UpsertLease(ctx context.Context, lease kw.Lease) error {
	l.upserts.Add(1)
	return l.MemoryLedger.UpsertLease(ctx, lease)
}

func (l *countingLedger) CompareAndSetLastAssigned(ctx context.Context, old, new string) (bool, error) {
	ok, err := l.MemoryLedger.CompareAndSetLastAssigned(ctx, old, new)
	if ok {
		l.swaps.Add(1)
	}
	return ok, err
}

// captureMeter records acquire events.
type captureMeter struct {
	mu       sync.Mutex
	acquires []kw.AcquireEvent
}

func (m *captureMeter) OnAcquire(e kw.AcquireEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquires = append(m.acquires, e)
}

func (m *captureMeter) OnDispatch(kw.DispatchEvent) {}
func (m *captureMeter) OnOutcome(kw.OutcomeEvent)   {}
