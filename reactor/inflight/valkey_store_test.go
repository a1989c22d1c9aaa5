package inflight

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	tcvalkey "github.com/testcontainers/testcontainers-go/modules/valkey"
)

type ValkeyStoreSuite struct {
	suite.Suite

	addr      string
	container *tcvalkey.ValkeyContainer
}

func TestValkeyStoreSuite(t *testing.T) {
	suite.Run(t, new(ValkeyStoreSuite))
}

func (s *ValkeyStoreSuite) SetupSuite() {
	ctx := context.Background()

	container, err := tcvalkey.Run(ctx, "docker.io/valkey/valkey:8")
	s.Require().NoError(err)
	s.container = container

	conn, err := container.ConnectionString(ctx)
	s.Require().NoError(err)
	s.addr = conn
}

func (s *ValkeyStoreSuite) TearDownSuite() {
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
}

func (s *ValkeyStoreSuite) newStore(prefix string) *ValkeyStore {
	store, err := NewValkeyStore(s.addr, WithValkeyKeyPrefix(prefix))
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = store.Close() })
	return store
}

func (s *ValkeyStoreSuite) TestRegisterUnregisterLockstep() {
	ctx := context.Background()
	store := s.newStore("vtest:lockstep")

	s.Require().NoError(store.Register(ctx, "proc-a", "task-1", []byte(`{"job":1}`), time.Minute))

	counts, err := store.CountsByProcess(ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), counts["proc-a"])

	s.Require().NoError(store.Unregister(ctx, "proc-a", "task-1"))

	counts, err = store.CountsByProcess(ctx)
	s.Require().NoError(err)
	s.Equal(int64(0), counts["proc-a"])
}

func (s *ValkeyStoreSuite) TestGCLockMutualExclusion() {
	ctx := context.Background()
	store := s.newStore("vtest:gclock")

	acquired, err := store.AcquireGCLock(ctx, "proc-a", time.Minute)
	s.Require().NoError(err)
	s.True(acquired)

	acquired, err = store.AcquireGCLock(ctx, "proc-b", time.Minute)
	s.Require().NoError(err)
	s.False(acquired)

	s.Require().NoError(store.ReleaseGCLock(ctx, "proc-a"))

	acquired, err = store.AcquireGCLock(ctx, "proc-b", time.Minute)
	s.Require().NoError(err)
	s.True(acquired)
}

func (s *ValkeyStoreSuite) TestCleanupOrphansReenqueuesStaleEntriesOnly() {
	ctx := context.Background()
	store := s.newStore("vtest:cleanup")

	base := time.Now()
	origTimeNow := timeNow
	s.T().Cleanup(func() { timeNow = origTimeNow })

	timeNow = func() time.Time { return base.Add(-time.Hour) }
	s.Require().NoError(store.Register(ctx, "proc-a", "stale-task", []byte("stale-payload"), 24*time.Hour))

	timeNow = func() time.Time { return base }
	s.Require().NoError(store.Register(ctx, "proc-a", "fresh-task", []byte("fresh-payload"), 24*time.Hour))

	var reenqueued [][]byte
	count, err := store.CleanupOrphans(ctx, 1800, func(_ context.Context, payload []byte) error {
		reenqueued = append(reenqueued, payload)
		return nil
	})
	s.Require().NoError(err)
	s.Equal(1, count)
	s.Require().Len(reenqueued, 1)
	s.Equal("stale-payload", string(reenqueued[0]))
}

func (s *ValkeyStoreSuite) TestReenqueueProcessOnlyTouchesOwnEntries() {
	ctx := context.Background()
	store := s.newStore("vtest:reenqueue-process")

	s.Require().NoError(store.Register(ctx, "proc-a", "task-1", []byte("a-payload"), time.Minute))
	s.Require().NoError(store.Register(ctx, "proc-b", "task-2", []byte("b-payload"), time.Minute))

	var reenqueued [][]byte
	count, err := store.ReenqueueProcess(ctx, "proc-a", func(_ context.Context, payload []byte) error {
		reenqueued = append(reenqueued, payload)
		return nil
	})
	s.Require().NoError(err)
	s.Equal(1, count)
	s.Require().Len(reenqueued, 1)
	s.Equal("a-payload", string(reenqueued[0]))

	counts, err := store.CountsByProcess(ctx)
	s.Require().NoError(err)
	s.Equal(int64(0), counts["proc-a"])
	s.Equal(int64(1), counts["proc-b"])
}
