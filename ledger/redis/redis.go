// Package redis provides a Redis-backed Ledger for keywarden.
//
// Usage counters are per-day hashes updated with atomic Lua scripts; the
// last-assigned pointer is swapped with a compare-and-set script. Safe for
// multi-instance deployments that already run Redis.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pielabs/keywarden"
)

// usageTTL keeps counter keys around long enough for stats, then lets Redis
// expire them.
const usageTTL = 7 * 24 * time.Hour

// Ledger is a Redis-backed keywarden.Ledger.
type Ledger struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ keywarden.Ledger = (*Ledger)(nil)

// Option configures Ledger.
type Option func(*Ledger)

// WithKeyPrefix sets the Redis key prefix (default "keywarden:").
func WithKeyPrefix(prefix string) Option {
	return func(l *Ledger) { l.keyPrefix = prefix }
}

// New creates a Redis-backed Ledger.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Ledger {
	l := &Ledger{
		client:    client,
		keyPrefix: "keywarden:",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) usageKey(credentialID string, day keywarden.Day) string {
	return l.keyPrefix + "usage:" + string(day) + ":" + credentialID
}

func (l *Ledger) leaseKey(instanceID string) string {
	return l.keyPrefix + "lease:" + instanceID
}

func (l *Ledger) leaseIndexKey() string {
	return l.keyPrefix + "leases_by_heartbeat"
}

func (l *Ledger) lastAssignedKey() string {
	return l.keyPrefix + "last_assigned"
}

// incrementScript atomically bumps the counter hash and stamps the request time.
// KEYS[1] = usage hash key
// ARGV[1] = last_request_at (RFC3339)
// ARGV[2] = ttl seconds
var incrementScript = goredis.NewScript(`
local count = redis.call("HINCRBY", KEYS[1], "consumed_count", 1)
redis.call("HSET", KEYS[1], "last_request_at", ARGV[1])
redis.call("EXPIRE", KEYS[1], ARGV[2])
return count
`)

// casScript compare-and-sets the last-assigned pointer.
// KEYS[1] = pointer key
// ARGV[1] = expected old value ("" = key must not exist)
// ARGV[2] = new value
// Returns 1 on swap, 0 otherwise.
var casScript = goredis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if ARGV[1] == "" then
    if cur then return 0 end
else
    if cur ~= ARGV[1] then return 0 end
end
redis.call("SET", KEYS[1], ARGV[2])
return 1
`)

// IncrementUsage atomically increments the counter for (credentialID, day).
func (l *Ledger) IncrementUsage(ctx context.Context, credentialID string, day keywarden.Day, at time.Time) (int64, error) {
	count, err := incrementScript.Run(ctx, l.client,
		[]string{l.usageKey(credentialID, day)},
		at.UTC().Format(time.RFC3339Nano), int64(usageTTL.Seconds()),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("keywarden/redis: increment usage: %w", err)
	}
	return count, nil
}

// UsageCount returns the counter for (credentialID, day), 0 if absent.
func (l *Ledger) UsageCount(ctx context.Context, credentialID string, day keywarden.Day) (int64, error) {
	val, err := l.client.HGet(ctx, l.usageKey(credentialID, day), "consumed_count").Result()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("keywarden/redis: usage count: %w", err)
	}
	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("keywarden/redis: parse usage count: %w", err)
	}
	return count, nil
}

// GetLease returns an instance's lease.
func (l *Ledger) GetLease(ctx context.Context, instanceID string) (keywarden.Lease, bool, error) {
	vals, err := l.client.HGetAll(ctx, l.leaseKey(instanceID)).Result()
	if err != nil {
		return keywarden.Lease{}, false, fmt.Errorf("keywarden/redis: get lease: %w", err)
	}
	if len(vals) == 0 {
		return keywarden.Lease{}, false, nil
	}

	lease := keywarden.Lease{
		InstanceID:   instanceID,
		CredentialID: vals["credential_id"],
	}
	if lease.AcquiredAt, err = time.Parse(time.RFC3339Nano, vals["acquired_at"]); err != nil {
		return keywarden.Lease{}, false, fmt.Errorf("keywarden/redis: parse acquired_at: %w", err)
	}
	if lease.LastHeartbeatAt, err = time.Parse(time.RFC3339Nano, vals["last_heartbeat_at"]); err != nil {
		return keywarden.Lease{}, false, fmt.Errorf("keywarden/redis: parse last_heartbeat_at: %w", err)
	}
	return lease, true, nil
}

// UpsertLease creates or replaces an instance's lease and indexes its
// heartbeat for expiry scans.
func (l *Ledger) UpsertLease(ctx context.Context, lease keywarden.Lease) error {
	pipe := l.client.TxPipeline()
	pipe.HSet(ctx, l.leaseKey(lease.InstanceID),
		"credential_id", lease.CredentialID,
		"acquired_at", lease.AcquiredAt.UTC().Format(time.RFC3339Nano),
		"last_heartbeat_at", lease.LastHeartbeatAt.UTC().Format(time.RFC3339Nano),
	)
	pipe.ZAdd(ctx, l.leaseIndexKey(), goredis.Z{
		Score:  float64(lease.LastHeartbeatAt.UTC().UnixNano()),
		Member: lease.InstanceID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("keywarden/redis: upsert lease: %w", err)
	}
	return nil
}

// TouchLease refreshes an instance's heartbeat. A missing lease is a no-op.
func (l *Ledger) TouchLease(ctx context.Context, instanceID string, at time.Time) error {
	exists, err := l.client.Exists(ctx, l.leaseKey(instanceID)).Result()
	if err != nil {
		return fmt.Errorf("keywarden/redis: touch lease: %w", err)
	}
	if exists == 0 {
		return nil
	}

	pipe := l.client.TxPipeline()
	pipe.HSet(ctx, l.leaseKey(instanceID),
		"last_heartbeat_at", at.UTC().Format(time.RFC3339Nano))
	pipe.ZAdd(ctx, l.leaseIndexKey(), goredis.Z{
		Score:  float64(at.UTC().UnixNano()),
		Member: instanceID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("keywarden/redis: touch lease: %w", err)
	}
	return nil
}

// DeleteExpiredLeases removes leases with heartbeats before cutoff.
func (l *Ledger) DeleteExpiredLeases(ctx context.Context, cutoff time.Time) (int64, error) {
	max := strconv.FormatInt(cutoff.UTC().UnixNano()-1, 10)
	ids, err := l.client.ZRangeByScore(ctx, l.leaseIndexKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("keywarden/redis: scan expired leases: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := l.client.TxPipeline()
	members := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		pipe.Del(ctx, l.leaseKey(id))
		members = append(members, id)
	}
	pipe.ZRem(ctx, l.leaseIndexKey(), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("keywarden/redis: delete expired leases: %w", err)
	}
	return int64(len(ids)), nil
}

// LastAssigned returns the last-assigned credential pointer, "" if unset.
func (l *Ledger) LastAssigned(ctx context.Context) (string, error) {
	val, err := l.client.Get(ctx, l.lastAssignedKey()).Result()
	if err == goredis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("keywarden/redis: last assigned: %w", err)
	}
	return val, nil
}

// CompareAndSetLastAssigned advances the pointer via a Lua compare-and-set.
func (l *Ledger) CompareAndSetLastAssigned(ctx context.Context, old, new string) (bool, error) {
	res, err := casScript.Run(ctx, l.client,
		[]string{l.lastAssignedKey()},
		old, new,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("keywarden/redis: cas last assigned: %w", err)
	}
	return res == 1, nil
}
