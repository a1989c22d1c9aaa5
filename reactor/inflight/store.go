// Package inflight implements the reactor's orphan-recovery registry: an
// external KV-store-backed sorted index of heartbeats paired with a map of
// originating job payloads, mutated atomically in pairs (spec §4.4).
package inflight

import (
	"context"
	"time"
)

// ReenqueueFunc pushes an orphaned job payload back onto the external job
// queue. Exceptions from a single re-enqueue are logged by the caller and
// do not abort the cleanup scan.
type ReenqueueFunc func(ctx context.Context, payload []byte) error

// Store is the Inflight Registry's external-KV-store contract. Every
// implementation must uphold the lockstep invariant: no id exists in the
// heartbeat index without a corresponding payload, and vice versa, between
// operations (spec §4.4).
type Store interface {
	// Register atomically sets the heartbeat score to now and writes the
	// job payload, refreshing the expiration on both structures.
	Register(ctx context.Context, processID, taskID string, payload []byte, ttl time.Duration) error

	// Unregister atomically removes both entries. Idempotent.
	Unregister(ctx context.Context, processID, taskID string) error

	// UpdateHeartbeats bumps the index score for a batch of ids to now, in
	// one round trip.
	UpdateHeartbeats(ctx context.Context, processID string, taskIDs []string) error

	// AcquireGCLock is a set-if-absent mutual-exclusion lease identified by
	// an opaque owner token.
	AcquireGCLock(ctx context.Context, owner string, ttl time.Duration) (bool, error)

	// ReleaseGCLock releases the lease only if owner still holds it.
	ReleaseGCLock(ctx context.Context, owner string) error

	// CleanupOrphans enumerates entries older than thresholdSeconds and, for
	// each, atomically rechecks the score, fetches the payload, removes
	// both entries, and invokes reenqueue. An id whose score changed
	// between scan and atomic step is skipped. Returns the count of
	// successful re-enqueues.
	CleanupOrphans(ctx context.Context, thresholdSeconds int64, reenqueue ReenqueueFunc) (int, error)

	// ReenqueueProcess unconditionally removes and re-enqueues every entry
	// owned by processID, regardless of heartbeat recency. It is the
	// shutdown-path counterpart to CleanupOrphans: a process draining
	// voluntarily knows its own remaining work is abandoned, so it re-queues
	// only its own entries rather than sweeping the whole fleet's index.
	ReenqueueProcess(ctx context.Context, processID string, reenqueue ReenqueueFunc) (int, error)

	// InflightCount reports the number of entries owned by processID.
	InflightCount(ctx context.Context, processID string) (int64, error)

	// CountsByProcess reports the entry count per process-id prefix.
	CountsByProcess(ctx context.Context) (map[string]int64, error)

	Close() error
}
