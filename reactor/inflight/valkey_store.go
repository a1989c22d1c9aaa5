package inflight

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyStore implements Store atop the official valkey-go client, reusing
// the same Lua script bodies as RedisStore (the wire protocol is
// compatible).
type ValkeyStore struct {
	client     valkey.Client
	indexKey   string
	payloadKey string
	gcLockKey  string
}

// NewValkeyStore opens a client against addr, accepted either as a bare
// host:port or as a redis://host:port/db-style DSN (the scheme and any
// trailing db-selector path are stripped).
func NewValkeyStore(addr string, opts ...ValkeyOption) (*ValkeyStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{parseValkeyAddr(addr)}})
	if err != nil {
		return nil, fmt.Errorf("connecting to valkey: %w", err)
	}
	s := &ValkeyStore{
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

type ValkeyOption func(*ValkeyStore)

func WithValkeyKeyPrefix(prefix string) ValkeyOption {
	return func(s *ValkeyStore) {
		s.indexKey = prefix + ":index"
		s.payloadKey = prefix + ":payloads"
		s.gcLockKey = prefix + ":gc_lock"
	}
}

func parseValkeyAddr(addr string) string {
	for _, scheme := range []string{"valkey://", "redis://"} {
		if strings.HasPrefix(addr, scheme) {
			addr = strings.TrimPrefix(addr, scheme)
			break
		}
	}
	if idx := strings.IndexByte(addr, '/'); idx >= 0 {
		addr = addr[:idx]
	}
	return addr
}

const (
	registerScriptSrc = `
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return 1
`
	unregisterScriptSrc = `
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`
	cleanupCheckScriptSrc = `
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
`
	releaseLockScriptSrc = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
else
  return 0
end
`
	reenqueueMemberScriptSrc = `
local payload = redis.call('HGET', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return payload
`
)

func (s *ValkeyStore) Register(ctx context.Context, processID, taskID string, payload []byte, ttl time.Duration) error {
	cmd := s.client.B().Eval().
		Script(registerScriptSrc).
		Numkeys(2).
		Key(s.indexKey, s.payloadKey).
		Arg(fmt.Sprintf("%d", nowMillis()), member(processID, taskID), string(payload), fmt.Sprintf("%d", ttl.Milliseconds())).
		Build()
	return s.client.Do(ctx, cmd).Error()
}

func (s *ValkeyStore) Unregister(ctx context.Context, processID, taskID string) error {
	cmd := s.client.B().Eval().
		Script(unregisterScriptSrc).
		Numkeys(2).
		Key(s.indexKey, s.payloadKey).
		Arg(member(processID, taskID)).
		Build()
	return s.client.Do(ctx, cmd).Error()
}

func (s *ValkeyStore) UpdateHeartbeats(ctx context.Context, processID string, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	now := float64(nowMillis())
	builder := s.client.B().Zadd().Key(s.indexKey).ScoreMember()
	for _, id := range taskIDs {
		builder = builder.ScoreMember(now, member(processID, id))
	}
	return s.client.Do(ctx, builder.Build()).Error()
}

func (s *ValkeyStore) AcquireGCLock(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	cmd := s.client.B().Set().Key(s.gcLockKey).Value(owner).Nx().Px(ttl).Build()
	resp := s.client.Do(ctx, cmd)
	if resp.Error() != nil {
		if valkey.IsValkeyNil(resp.Error()) {
			return false, nil
		}
		return false, resp.Error()
	}
	return true, nil
}

func (s *ValkeyStore) ReleaseGCLock(ctx context.Context, owner string) error {
	cmd := s.client.B().Eval().
		Script(releaseLockScriptSrc).
		Numkeys(1).
		Key(s.gcLockKey).
		Arg(owner).
		Build()
	return s.client.Do(ctx, cmd).Error()
}

func (s *ValkeyStore) CleanupOrphans(ctx context.Context, thresholdSeconds int64, reenqueue ReenqueueFunc) (int, error) {
	cutoff := nowMillis() - thresholdSeconds*1000

	cmd := s.client.B().Zrangebyscore().Key(s.indexKey).Min("-inf").Max(fmt.Sprintf("%d", cutoff)).Build()
	candidates, err := s.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("scanning inflight index: %w", err)
	}

	count := 0
	for _, id := range candidates {
		checkCmd := s.client.B().Eval().
			Script(cleanupCheckScriptSrc).
			Numkeys(2).
			Key(s.indexKey, s.payloadKey).
			Arg(id, fmt.Sprintf("%d", cutoff)).
			Build()
		resp := s.client.Do(ctx, checkCmd)
		if resp.Error() != nil {
			continue
		}
		payload, err := resp.ToString()
		if err != nil || payload == "" {
			continue
		}
		if err := reenqueue(ctx, []byte(payload)); err != nil {
			continue
		}
		count++
	}
	return count, nil
}

func (s *ValkeyStore) ReenqueueProcess(ctx context.Context, processID string, reenqueue ReenqueueFunc) (int, error) {
	cmd := s.client.B().Zrange().Key(s.indexKey).Min("0").Max("-1").Build()
	members, err := s.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("scanning inflight index: %w", err)
	}

	prefix := processID + memberSeparator
	count := 0
	for _, m := range members {
		if !strings.HasPrefix(m, prefix) {
			continue
		}
		reenqueueCmd := s.client.B().Eval().
			Script(reenqueueMemberScriptSrc).
			Numkeys(2).
			Key(s.indexKey, s.payloadKey).
			Arg(m).
			Build()
		resp := s.client.Do(ctx, reenqueueCmd)
		if resp.Error() != nil {
			continue
		}
		payload, err := resp.ToString()
		if err != nil || payload == "" {
			continue
		}
		if err := reenqueue(ctx, []byte(payload)); err != nil {
			continue
		}
		count++
	}
	return count, nil
}

func (s *ValkeyStore) InflightCount(ctx context.Context, processID string) (int64, error) {
	counts, err := s.CountsByProcess(ctx)
	if err != nil {
		return 0, err
	}
	return counts[processID], nil
}

func (s *ValkeyStore) CountsByProcess(ctx context.Context) (map[string]int64, error) {
	cmd := s.client.B().Zrange().Key(s.indexKey).Min("0").Max("-1").Build()
	members, err := s.client.Do(ctx, cmd).AsStrSlice()
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

func (s *ValkeyStore) Close() error {
	s.client.Close()
	return nil
}
