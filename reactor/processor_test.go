package reactor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/pitabwire/asynchttp/reactor/inflight"
	"github.com/pitabwire/asynchttp/workerpool"
)

type testWorkerPoolConfig struct{}

func (testWorkerPoolConfig) GetCPUFactor() int               { return 1 }
func (testWorkerPoolConfig) GetCapacity() int                { return 64 }
func (testWorkerPoolConfig) GetCount() int                   { return 1 }
func (testWorkerPoolConfig) GetExpiryDuration() time.Duration { return time.Second }

type testReactorConfig struct {
	maxConnections int
	queueCapacity  int
}

func (c testReactorConfig) GetMaxConnections() int                  { return c.maxConnections }
func (c testReactorConfig) GetIdleConnectionTimeout() time.Duration { return time.Minute }
func (c testReactorConfig) GetDefaultRequestTimeout() time.Duration { return 2 * time.Second }
func (c testReactorConfig) GetConnectTimeout() time.Duration        { return time.Second }
func (c testReactorConfig) GetShutdownTimeout() time.Duration       { return time.Second }
func (c testReactorConfig) GetHeartbeatInterval() time.Duration     { return time.Hour }
func (c testReactorConfig) GetOrphanThreshold() time.Duration       { return time.Hour }
func (c testReactorConfig) GetMaxRedirects() int                    { return 5 }
func (c testReactorConfig) GetMaxResponseSizeBytes() int64          { return 1 << 20 }
func (c testReactorConfig) GetUserAgent() string                    { return "reactor-test/1.0" }
func (c testReactorConfig) GetDNSCacheTTL() time.Duration           { return time.Minute }
func (c testReactorConfig) GetRaiseErrorResponses() bool            { return false }
func (c testReactorConfig) GetSubmissionQueueCapacity() int         { return c.queueCapacity }
func (c testReactorConfig) GetExternalStoreDriver() string          { return "memory" }
func (c testReactorConfig) GetExternalStoreDSN() string             { return "" }
func (c testReactorConfig) GetOffloadThresholdBytes() int           { return 0 }

type memoryInflightStore struct {
	mu      sync.Mutex
	entries map[string]string
}

func newMemoryInflightStore() *memoryInflightStore {
	return &memoryInflightStore{entries: make(map[string]string)}
}

func (m *memoryInflightStore) key(processID, taskID string) string { return processID + "/" + taskID }

func (m *memoryInflightStore) Register(_ context.Context, processID, taskID string, payload []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[m.key(processID, taskID)] = string(payload)
	return nil
}

func (m *memoryInflightStore) Unregister(_ context.Context, processID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, m.key(processID, taskID))
	return nil
}

func (m *memoryInflightStore) UpdateHeartbeats(_ context.Context, _ string, _ []string) error { return nil }
func (m *memoryInflightStore) AcquireGCLock(_ context.Context, _ string, _ time.Duration) (bool, error) {
	return true, nil
}
func (m *memoryInflightStore) ReleaseGCLock(_ context.Context, _ string) error { return nil }
func (m *memoryInflightStore) CleanupOrphans(_ context.Context, _ int64, _ inflight.ReenqueueFunc) (int, error) {
	return 0, nil
}
func (m *memoryInflightStore) ReenqueueProcess(_ context.Context, processID string, reenqueue inflight.ReenqueueFunc) (int, error) {
	m.mu.Lock()
	prefix := processID + "/"
	var matched []string
	var payloads [][]byte
	for k, v := range m.entries {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			matched = append(matched, k)
			payloads = append(payloads, []byte(v))
		}
	}
	for _, k := range matched {
		delete(m.entries, k)
	}
	m.mu.Unlock()

	count := 0
	for _, payload := range payloads {
		if err := reenqueue(context.Background(), payload); err == nil {
			count++
		}
	}
	return count, nil
}
func (m *memoryInflightStore) InflightCount(_ context.Context, processID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.entries {
		if len(k) > len(processID) && k[:len(processID)+1] == processID+"/" {
			n++
		}
	}
	return n, nil
}
func (m *memoryInflightStore) CountsByProcess(_ context.Context) (map[string]int64, error) {
	return nil, nil
}
func (m *memoryInflightStore) Close() error { return nil }

type ProcessorSuite struct {
	suite.Suite
}

func TestProcessorSuite(t *testing.T) {
	suite.Run(t, new(ProcessorSuite))
}

func (s *ProcessorSuite) newProcessor(maxConnections int) (*Processor, *fakePublisher, *httptest.Server) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	ctx := s.T().Context()
	cfg := testReactorConfig{maxConnections: maxConnections, queueCapacity: 16}
	pub := &fakePublisher{}
	store := newMemoryInflightStore()

	workPool, err := workerpool.NewManager(ctx, testWorkerPoolConfig{}, func(_ context.Context, _ error) {})
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = workPool.Shutdown(context.Background()) })

	p, err := New(ctx, "proc-test", cfg, workPool, pub, store)
	s.Require().NoError(err)
	return p, pub, server
}

func (s *ProcessorSuite) TestSubmitRejectedWhenNotRunning() {
	p, _, server := s.newProcessor(10)
	defer server.Close()

	task, err := NewTask(&Request{Method: MethodGet, URL: server.URL}, "OnDone", nil, nil, 5)
	s.Require().NoError(err)

	err = p.Submit(s.T().Context(), task)
	s.ErrorIs(err, ErrNotRunning)
}

func (s *ProcessorSuite) TestSubmitRejectedWhileDraining() {
	p, _, server := s.newProcessor(10)
	defer server.Close()

	s.Require().NoError(p.Start(s.T().Context()))
	s.Require().NoError(p.Drain())

	task, err := NewTask(&Request{Method: MethodGet, URL: server.URL}, "OnDone", nil, nil, 5)
	s.Require().NoError(err)

	err = p.Submit(s.T().Context(), task)
	s.Error(err)
}

func (s *ProcessorSuite) TestSubmitRejectedAtCapacity() {
	p, _, server := s.newProcessor(0)
	defer server.Close()

	s.Require().NoError(p.Start(s.T().Context()))

	task, err := NewTask(&Request{Method: MethodGet, URL: server.URL}, "OnDone", nil, nil, 5)
	s.Require().NoError(err)

	err = p.Submit(s.T().Context(), task)
	s.ErrorIs(err, ErrMaxCapacity)
}

func (s *ProcessorSuite) TestSuccessfulRequestPublishesCompletion() {
	p, pub, server := s.newProcessor(10)
	defer server.Close()

	s.Require().NoError(p.Start(s.T().Context()))

	task, err := NewTask(&Request{Method: MethodGet, URL: server.URL}, "OnDone", nil, nil, 5)
	s.Require().NoError(err)

	s.Require().NoError(p.Submit(s.T().Context(), task))

	s.Require().Eventually(func() bool {
		return len(pub.published) == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.Equal(ContinuationCompletion, pub.published[0].AsyncHTTPContinuation)
}

func (s *ProcessorSuite) TestDrainIsIdempotent() {
	p, _, server := s.newProcessor(10)
	defer server.Close()

	s.Require().NoError(p.Start(s.T().Context()))
	s.Require().NoError(p.Drain())
	s.Require().NoError(p.Drain())
	s.True(p.Drained())
}

func (s *ProcessorSuite) TestStopIsIdempotentAndTransitionsToStopped() {
	p, _, server := s.newProcessor(10)
	defer server.Close()

	s.Require().NoError(p.Start(s.T().Context()))
	s.Require().NoError(p.StopNow(s.T().Context()))
	s.Require().NoError(p.StopNow(s.T().Context()))
	s.True(p.lifecycle.Stopped())
}
