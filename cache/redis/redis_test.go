package redis //nolint:testpackage // tests access package internals

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	tcredis "github.com/testcontainers/testcontainers-go/modules/valkey"
)

type RedisSuite struct {
	suite.Suite

	addr      string
	container *tcredis.ValkeyContainer
}

func TestRedisSuite(t *testing.T) {
	suite.Run(t, new(RedisSuite))
}

func (s *RedisSuite) SetupSuite() {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "docker.io/valkey/valkey:8")
	s.Require().NoError(err)
	s.container = container

	conn, err := container.ConnectionString(ctx)
	s.Require().NoError(err)
	s.addr = conn
}

func (s *RedisSuite) TearDownSuite() {
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
}

func (s *RedisSuite) TestNewAndOperationsTable() {
	ctx := context.Background()

	raw, err := New(Options{Addr: s.addr})
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = raw.Close() })

	testCases := []struct {
		name string
		run  func() error
	}{
		{
			name: "set get exists delete",
			run: func() error {
				if setErr := raw.Set(ctx, "redis:key:1", []byte("value"), 0); setErr != nil {
					return setErr
				}
				val, found, getErr := raw.Get(ctx, "redis:key:1")
				s.True(found)
				s.Equal([]byte("value"), val)
				if getErr != nil {
					return getErr
				}
				exists, existsErr := raw.Exists(ctx, "redis:key:1")
				s.True(exists)
				if existsErr != nil {
					return existsErr
				}
				return raw.Delete(ctx, "redis:key:1")
			},
		},
		{
			name: "ttl expiry",
			run: func() error {
				if setErr := raw.Set(ctx, "redis:key:2", []byte("value"), time.Second); setErr != nil {
					return setErr
				}
				time.Sleep(1200 * time.Millisecond)
				_, found, getErr := raw.Get(ctx, "redis:key:2")
				s.False(found)
				return getErr
			},
		},
		{
			name: "increment decrement",
			run: func() error {
				if delErr := raw.Delete(ctx, "redis:counter"); delErr != nil {
					return delErr
				}
				val, incErr := raw.Increment(ctx, "redis:counter", 4)
				s.Equal(int64(4), val)
				if incErr != nil {
					return incErr
				}
				val, decErr := raw.Decrement(ctx, "redis:counter", 2)
				s.Equal(int64(2), val)
				return decErr
			},
		},
		{
			name: "flush",
			run: func() error {
				if setErr := raw.Set(ctx, "redis:flush", []byte("x"), 0); setErr != nil {
					return setErr
				}
				if flushErr := raw.Flush(ctx); flushErr != nil {
					return flushErr
				}
				exists, existsErr := raw.Exists(ctx, "redis:flush")
				s.False(exists)
				return existsErr
			},
		},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			s.Require().NoError(tc.run())
		})
	}
}
