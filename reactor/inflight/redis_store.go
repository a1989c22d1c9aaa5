package inflight

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultIndexKey   = "async_http:inflight:index"
	defaultPayloadKey = "async_http:inflight:payloads"
	defaultGCLockKey  = "async_http:inflight:gc_lock"

	memberSeparator = "/"
)

// timeNow is overridden in tests to exercise orphan-threshold edges
// deterministically.
var timeNow = time.Now

// registerScript atomically sets the heartbeat score and writes the
// payload, refreshing both structures' expirations.
var registerScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return 1
`)

// unregisterScript atomically removes both entries. Idempotent.
var unregisterScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

// cleanupCheckScript rechecks a candidate's score before atomically
// removing it and returning its payload. Returns false if the score moved
// past the cutoff since the scan (the owning process is alive).
var cleanupCheckScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score then
  return false
end
if tonumber(score) > tonumber(ARGV[2]) then
  return false
end
local payload = redis.call('HGET', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return payload
`)

// releaseLockScript releases the GC lock only if owner still holds it.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
else
  return 0
end
`)

// reenqueueMemberScript unconditionally removes one member and returns its
// payload: unlike cleanupCheckScript, it does not recheck the heartbeat
// score, since the caller already knows the owning process is shutting
// down rather than merely suspected dead.
var reenqueueMemberScript = redis.NewScript(`
local payload = redis.call('HGET', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return payload
`)

// RedisStore implements Store atop go-redis, using EVAL for the atomic
// register/unregister/cleanup-orphan operations the registry requires.
type RedisStore struct {
	client     *redis.Client
	indexKey   string
	payloadKey string
	gcLockKey  string
}

// NewRedisStore opens a client for addr and returns a Store.
func NewRedisStore(addr string, opts ...RedisOption) (*RedisStore, error) {
	options, err := parseRedisAddr(addr)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(options)

	s := &RedisStore{
		client:     client,
		indexKey:   defaultIndexKey,
		payloadKey: defaultPayloadKey,
		gcLockKey:  defaultGCLockKey,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RedisOption customizes key names, mainly for test isolation.
type RedisOption func(*RedisStore)

func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.indexKey = prefix + ":index"
		s.payloadKey = prefix + ":payloads"
		s.gcLockKey = prefix + ":gc_lock"
	}
}

func parseRedisAddr(addr string) (*redis.Options, error) {
	if strings.Contains(addr, "://") {
		return redis.ParseURL(addr)
	}
	return &redis.Options{Addr: addr}, nil
}

func member(processID, taskID string) string {
	return processID + memberSeparator + taskID
}

func (s *RedisStore) Register(ctx context.Context, processID, taskID string, payload []byte, ttl time.Duration) error {
	return registerScript.Run(
		ctx, s.client,
		[]string{s.indexKey, s.payloadKey},
		nowMillis(), member(processID, taskID), payload, ttl.Milliseconds(),
	).Err()
}

func (s *RedisStore) Unregister(ctx context.Context, processID, taskID string) error {
	return unregisterScript.Run(
		ctx, s.client,
		[]string{s.indexKey, s.payloadKey},
		member(processID, taskID),
	).Err()
}

func (s *RedisStore) UpdateHeartbeats(ctx context.Context, processID string, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	members := make([]redis.Z, 0, len(taskIDs))
	now := float64(nowMillis())
	for _, id := range taskIDs {
		members = append(members, redis.Z{Score: now, Member: member(processID, id)})
	}
	return s.client.ZAdd(ctx, s.indexKey, members...).Err()
}

func (s *RedisStore) AcquireGCLock(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.gcLockKey, owner, ttl).Result()
}

func (s *RedisStore) ReleaseGCLock(ctx context.Context, owner string) error {
	return releaseLockScript.Run(ctx, s.client, []string{s.gcLockKey}, owner).Err()
}

func (s *RedisStore) CleanupOrphans(ctx context.Context, thresholdSeconds int64, reenqueue ReenqueueFunc) (int, error) {
	cutoff := nowMillis() - thresholdSeconds*1000

	candidates, err := s.client.ZRangeByScore(ctx, s.indexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scanning inflight index: %w", err)
	}

	count := 0
	for _, id := range candidates {
		result, err := cleanupCheckScript.Run(ctx, s.client, []string{s.indexKey, s.payloadKey}, id, cutoff).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			continue
		}
		payload, ok := result.(string)
		if !ok || payload == "" {
			continue // score moved, or payload already gone: owning process is alive
		}
		if err := reenqueue(ctx, []byte(payload)); err != nil {
			continue
		}
		count++
	}
	return count, nil
}

func (s *RedisStore) ReenqueueProcess(ctx context.Context, processID string, reenqueue ReenqueueFunc) (int, error) {
	members, err := s.client.ZRange(ctx, s.indexKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("scanning inflight index: %w", err)
	}

	prefix := processID + memberSeparator
	count := 0
	for _, m := range members {
		if !strings.HasPrefix(m, prefix) {
			continue
		}
		result, err := reenqueueMemberScript.Run(ctx, s.client, []string{s.indexKey, s.payloadKey}, m).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			continue
		}
		payload, ok := result.(string)
		if !ok || payload == "" {
			continue
		}
		if err := reenqueue(ctx, []byte(payload)); err != nil {
			continue
		}
		count++
	}
	return count, nil
}

func (s *RedisStore) InflightCount(ctx context.Context, processID string) (int64, error) {
	counts, err := s.CountsByProcess(ctx)
	if err != nil {
		return 0, err
	}
	return counts[processID], nil
}

func (s *RedisStore) CountsByProcess(ctx context.Context) (map[string]int64, error) {
	members, err := s.client.ZRange(ctx, s.indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing inflight index: %w", err)
	}
	counts := make(map[string]int64)
	for _, m := range members {
		parts := strings.SplitN(m, memberSeparator, 2)
		if len(parts) != 2 {
			continue
		}
		counts[parts[0]]++
	}
	return counts, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func nowMillis() int64 {
	return timeNow().UnixMilli()
}
