package reactor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"

	"github.com/pitabwire/asynchttp/config"
	"github.com/pitabwire/asynchttp/queue"
	"github.com/pitabwire/asynchttp/reactor/inflight"
	"github.com/pitabwire/asynchttp/workerpool"
)

// submission is one queued request awaiting an execution unit.
type submission struct {
	task   *Task
	result chan error
}

// Processor is the reactor: a single dedicated loop goroutine dequeuing
// submissions and spawning one execution unit per task, bounded by an
// atomic in-flight counter rather than an OS thread pool (spec §4.7).
type Processor struct {
	processID string
	cfg       config.ConfigurationReactor

	lifecycle *LifecycleManager
	pool      *ConnectionPool
	reader    *ResponseReader
	builder   *RequestBuilder
	store         inflight.Store
	publisher     queue.Publisher
	callbacks     *CallbackRegistry
	workPool      workerpool.Manager
	externalStore ExternalStore
	offloadBytes  int

	submissions chan submission
	inflightN   atomic.Int64

	inflightMu  sync.Mutex
	inflightIDs map[string]struct{}

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds a Processor wired to the supplied collaborators. The execution
// units it dispatches run as jobs on workPool rather than as raw goroutines,
// giving the job framework a concrete host (spec §1, §4.7). It starts
// stopped; call Start to begin accepting submissions.
func New(
	ctx context.Context,
	processID string,
	cfg config.ConfigurationReactor,
	workPool workerpool.Manager,
	publisher queue.Publisher,
	store inflight.Store,
	opts ...Option,
) (*Processor, error) {
	if workPool == nil {
		return nil, errors.New("reactor: workPool is required")
	}
	if _, err := workPool.GetPool(); err != nil {
		return nil, fmt.Errorf("reactor: workPool is not usable: %w", err)
	}

	p := &Processor{
		processID:    processID,
		cfg:          cfg,
		lifecycle:    NewLifecycleManager(),
		pool:         NewConnectionPool(cfg.GetIdleConnectionTimeout(), cfg.GetConnectTimeout()),
		reader:       NewResponseReader(cfg.GetMaxResponseSizeBytes()),
		builder:      NewRequestBuilder(cfg.GetUserAgent()),
		store:        store,
		publisher:    publisher,
		callbacks:    NewCallbackRegistry(),
		workPool:     workPool,
		offloadBytes: cfg.GetOffloadThresholdBytes(),
		submissions:  make(chan submission, cfg.GetSubmissionQueueCapacity()),
		inflightIDs:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.externalStore == nil {
		extStore, err := NewExternalStore(cfg.GetExternalStoreDriver(), cfg.GetExternalStoreDSN())
		if err != nil {
			return nil, fmt.Errorf("reactor: constructing external store: %w", err)
		}
		p.externalStore = extStore
	}
	util.Log(ctx).WithField("process_id", processID).Debug("reactor processor constructed")
	return p, nil
}

// Callbacks exposes the registry so callers can register handlers before
// Start.
func (p *Processor) Callbacks() *CallbackRegistry {
	return p.callbacks
}

// Start transitions the processor to running and launches its loop,
// heartbeat, and GC goroutines. It may be called again after a full Stop.
func (p *Processor) Start(ctx context.Context) error {
	if err := p.lifecycle.Transition(StateRunning); err != nil {
		return err
	}
	p.stopOnce = sync.Once{}
	p.submissions = make(chan submission, p.cfg.GetSubmissionQueueCapacity())

	p.wg.Add(3)
	go p.loop(ctx)
	go p.heartbeatLoop(ctx)
	go p.gcLoop(ctx)
	return nil
}

// Submit enqueues a task per the submission contract (spec §4.7.1):
// rejected outright when not running or when draining, rejected with
// ErrMaxCapacity when the in-flight count is already at the configured
// ceiling, otherwise stamped and queued.
func (p *Processor) Submit(ctx context.Context, task *Task) error {
	if p.lifecycle.Draining() {
		return fmt.Errorf("%w: processor is draining", ErrNotRunning)
	}
	if !p.lifecycle.Running() {
		return ErrNotRunning
	}
	if p.inflightN.Load() >= int64(p.cfg.GetMaxConnections()) {
		return ErrMaxCapacity
	}

	task.EnqueuedAt = time.Now()
	result := make(chan error, 1)
	select {
	case p.submissions <- submission{task: task, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submitRedirect bypasses the capacity check and the public Submit
// contract: a redirect hop is a continuation of work already admitted
// (spec §9).
func (p *Processor) submitRedirect(task *Task) {
	task.EnqueuedAt = time.Now()
	p.inflightN.Add(1)
	p.register(context.Background(), task)
	p.dispatch(context.Background(), task)
}

// dispatch hosts one execution unit as a job on the worker pool (spec §1,
// §4.7): the ants-backed pool runs task.execute, while the reactor loop
// itself stays a single dedicated goroutine issuing dispatches.
func (p *Processor) dispatch(ctx context.Context, task *Task) {
	p.wg.Add(1)
	job := workerpool.NewJob[any](func(jobCtx context.Context, _ workerpool.JobResultPipe[any]) error {
		p.execute(jobCtx, task)
		return nil
	})
	if err := workerpool.SubmitJob[any](ctx, p.workPool, job); err != nil {
		util.Log(ctx).WithError(err).WithField("task_id", task.ID).Error("could not submit execution unit to worker pool")
		_ = task.Fail(ctx, p.publisher, fmt.Errorf("submitting execution unit: %w", err))
		p.unregister(ctx, task)
		p.wg.Done()
	}
}

func (p *Processor) loop(ctx context.Context) {
	defer p.wg.Done()
	logger := util.Log(ctx).WithField("component", "reactor.loop").WithField("process_id", p.processID)
	logger.Debug("reactor loop starting")

	for {
		select {
		case sub, ok := <-p.submissions:
			if !ok {
				logger.Debug("reactor loop exiting: submission channel closed")
				return
			}
			p.inflightN.Add(1)
			p.register(ctx, sub.task)
			sub.result <- nil
			p.dispatch(ctx, sub.task)

		case <-p.lifecycle.ShutdownSignalled():
			logger.Debug("reactor loop draining remaining submissions before exit")
			p.drainRemaining(ctx)
			return
		}
	}
}

// drainRemaining admits whatever is already queued, then returns; it does
// not wait for in-flight execution units to finish (Stop does that).
func (p *Processor) drainRemaining(ctx context.Context) {
	for {
		select {
		case sub, ok := <-p.submissions:
			if !ok {
				return
			}
			p.inflightN.Add(1)
			p.register(ctx, sub.task)
			sub.result <- nil
			p.dispatch(ctx, sub.task)
		default:
			return
		}
	}
}

func (p *Processor) register(ctx context.Context, task *Task) {
	ttl := p.cfg.GetOrphanThreshold() * 3
	if err := p.store.Register(ctx, p.processID, task.ID, task.JobPayload, ttl); err != nil {
		util.Log(ctx).WithError(err).WithField("task_id", task.ID).Warn("could not register inflight task")
	}
	p.inflightMu.Lock()
	p.inflightIDs[task.ID] = struct{}{}
	p.inflightMu.Unlock()
}

func (p *Processor) unregister(ctx context.Context, task *Task) {
	if err := p.store.Unregister(ctx, p.processID, task.ID); err != nil {
		util.Log(ctx).WithError(err).WithField("task_id", task.ID).Warn("could not unregister inflight task")
	}
	p.inflightMu.Lock()
	delete(p.inflightIDs, task.ID)
	p.inflightMu.Unlock()
	p.inflightN.Add(-1)
}

// liveTaskIDs snapshots the ids this process currently owns, for the
// heartbeat sweep.
func (p *Processor) liveTaskIDs() []string {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	ids := make([]string, 0, len(p.inflightIDs))
	for id := range p.inflightIDs {
		ids = append(ids, id)
	}
	return ids
}

// execute is one execution unit: it owns a single task end to end,
// including any redirect hops it spawns, and always decrements the
// in-flight counter on every exit path.
func (p *Processor) execute(ctx context.Context, task *Task) {
	defer p.wg.Done()
	logger := util.Log(ctx).WithField("task_id", task.ID).WithField("url", task.Request.URL)

	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("execution unit panicked")
			_ = task.Fail(ctx, p.publisher, fmt.Errorf("execution panic: %v", r))
			p.unregister(ctx, task)
		}
	}()

	task.StartedAt = time.Now()

	timeout := task.Request.Timeout
	if timeout <= 0 {
		timeout = p.cfg.GetDefaultRequestTimeout()
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, httpResp, err := p.roundTrip(reqCtx, task)
	if err != nil {
		logger.WithError(err).Debug("request failed")
		if pubErr := task.Fail(ctx, p.publisher, err); pubErr != nil {
			logger.WithError(pubErr).Error("could not publish failure continuation")
		}
		p.unregister(ctx, task)
		return
	}

	if location := httpResp.HeaderGet("Location"); location != "" {
		redirectTask, redirErr := task.DeriveRedirect(httpResp.StatusCode, location)
		if redirErr != nil {
			_ = task.Fail(ctx, p.publisher, redirErr)
			p.unregister(ctx, task)
			return
		}
		if redirectTask != nil {
			p.unregister(ctx, task)
			p.submitRedirect(redirectTask)
			return
		}
	}

	if pubErr := task.Complete(ctx, p.publisher, p.externalStore, p.offloadBytes, resp); pubErr != nil {
		logger.WithError(pubErr).Error("could not publish completion continuation")
	}
	p.unregister(ctx, task)
}

func (p *Processor) roundTrip(ctx context.Context, task *Task) (*Response, *httpResponseHeaders, error) {
	client, err := p.pool.ClientFor(task.Request)
	if err != nil {
		return nil, nil, fmt.Errorf("acquiring connection: %w", err)
	}

	httpReq, err := p.builder.Build(ctx, task.Request)
	if err != nil {
		return nil, nil, fmt.Errorf("building request: %w", err)
	}

	started := time.Now()
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}

	body, err := p.reader.Read(ctx, httpResp)
	if err != nil {
		return nil, nil, err
	}

	resp := &Response{
		Status:   httpResp.StatusCode,
		Headers:  canonicalizeHeaders(httpResp.Header),
		Body:     body,
		Duration: time.Since(started),
		URL:      task.Request.URL,
		Method:   task.Request.Method,
		Protocol: httpResp.Proto,
	}

	return resp, &httpResponseHeaders{StatusCode: httpResp.StatusCode, Header: httpResp.Header}, nil
}

// canonicalizeHeaders lower-cases every Go-canonical header key coming off
// the standard library's http.Response, so headers are lower-case at rest
// from the moment a Response exists (spec §3), not only at wire-encode
// time.
func canonicalizeHeaders(h map[string][]string) Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = v
	}
	return out
}

// httpResponseHeaders carries just enough of the raw *http.Response for
// redirect derivation after the body has already been consumed and the
// connection released.
type httpResponseHeaders struct {
	StatusCode int
	Header     map[string][]string
}

func (h *httpResponseHeaders) HeaderGet(key string) string {
	vals := h.Header[key]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// Drain stops admitting new submissions while letting in-flight work run
// to completion. Idempotent.
func (p *Processor) Drain() error {
	if p.lifecycle.Draining() || p.lifecycle.Stopping() || p.lifecycle.Stopped() {
		return nil
	}
	return p.lifecycle.Transition(StateDraining)
}

// Drained reports whether Drain has taken effect.
func (p *Processor) Drained() bool {
	return p.lifecycle.Draining()
}

// InflightCount returns the current number of execution units in flight.
func (p *Processor) InflightCount() int64 {
	return p.inflightN.Load()
}

// StopNow is Stop(0): it does not wait for in-flight work before
// re-enqueueing it (spec §9's Open Question, resolved by exposing both).
func (p *Processor) StopNow(ctx context.Context) error {
	return p.Stop(ctx, 0)
}

// Stop signals shutdown, waits up to timeout for in-flight execution units
// to finish naturally, then re-enqueues whatever originating job payloads
// remain registered in the inflight store and releases pool connections.
func (p *Processor) Stop(ctx context.Context, timeout time.Duration) error {
	var stopErr error
	p.stopOnce.Do(func() {
		if !p.lifecycle.Draining() {
			if err := p.lifecycle.Transition(StateDraining); err != nil && !errors.Is(err, ErrInvalidTransition) {
				stopErr = err
				return
			}
		}
		if err := p.lifecycle.Transition(StateStopping); err != nil {
			stopErr = err
			return
		}
		p.lifecycle.SignalShutdown()

		deadline := time.Now().Add(timeout)
		for timeout > 0 && p.inflightN.Load() > 0 && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}

		p.reenqueueAbandoned(ctx)

		close(p.submissions)
		p.wg.Wait()
		p.pool.CloseAll()

		stopErr = p.lifecycle.Transition(StateStopped)
	})
	return stopErr
}

func (p *Processor) reenqueueAbandoned(ctx context.Context) {
	if p.inflightN.Load() == 0 {
		return
	}
	counts, err := p.store.CountsByProcess(ctx)
	if err != nil {
		util.Log(ctx).WithError(err).Warn("could not list inflight counts during shutdown")
		return
	}
	if counts[p.processID] == 0 {
		return
	}
	_, err = p.store.ReenqueueProcess(ctx, p.processID, func(reCtx context.Context, payload []byte) error {
		pubErr := p.publisher.Publish(reCtx, json.RawMessage(payload))
		if pubErr != nil {
			util.Log(ctx).WithError(pubErr).Warn("could not re-enqueue abandoned inflight job")
		}
		return pubErr
	})
	if err != nil {
		util.Log(ctx).WithError(err).Warn("could not re-enqueue abandoned inflight jobs")
	}
}

// heartbeatLoop periodically refreshes the heartbeat score for every task
// this process currently owns in one round trip, and evicts idle pooled
// connections, at an interval well under the orphan threshold (spec §4.4,
// §4.7.5, §4.2).
func (p *Processor) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.GetHeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if closed := p.pool.CloseIdle(time.Now()); closed > 0 {
				util.Log(ctx).WithField("count", closed).Debug("closed idle pooled connections")
			}

			ids := p.liveTaskIDs()
			if len(ids) == 0 {
				continue
			}
			if err := p.store.UpdateHeartbeats(ctx, p.processID, ids); err != nil {
				util.Log(ctx).WithError(err).Warn("could not update inflight heartbeats")
			}
		case <-p.lifecycle.ShutdownSignalled():
			return
		}
	}
}

// gcLoop periodically attempts the orphan-recovery sweep under a
// process-wide mutual-exclusion lease, so only one reactor process in a
// fleet performs cleanup at a time (spec §4.4).
func (p *Processor) gcLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.GetOrphanThreshold())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.runGC(ctx)
		case <-p.lifecycle.ShutdownSignalled():
			return
		}
	}
}

func (p *Processor) runGC(ctx context.Context) {
	logger := util.Log(ctx).WithField("component", "reactor.gc")
	acquired, err := p.store.AcquireGCLock(ctx, p.processID, p.cfg.GetOrphanThreshold())
	if err != nil {
		logger.WithError(err).Warn("could not attempt gc lock acquisition")
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := p.store.ReleaseGCLock(ctx, p.processID); err != nil {
			logger.WithError(err).Warn("could not release gc lock")
		}
	}()

	thresholdSeconds := int64(p.cfg.GetOrphanThreshold().Seconds())
	count, err := p.store.CleanupOrphans(ctx, thresholdSeconds, func(reCtx context.Context, payload []byte) error {
		pubErr := p.publisher.Publish(reCtx, json.RawMessage(payload))
		if pubErr != nil {
			logger.WithError(pubErr).Warn("could not re-enqueue orphaned inflight job")
		}
		return pubErr
	})
	if err != nil {
		logger.WithError(err).Warn("orphan cleanup scan failed")
		return
	}
	if count > 0 {
		logger.WithField("count", count).Info("re-enqueued orphaned inflight jobs")
	}
}
