package reactor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pitabwire/util"
)

// ContinuationMiddleware implements queue.SubscribeWorker, examining the
// async_http_continuation marker on every job it receives and dispatching
// completion/error callbacks, or re-raising a retry in the worker frame
// (spec §4.8).
type ContinuationMiddleware struct {
	callbacks *CallbackRegistry
	store     ExternalStore
}

// NewContinuationMiddleware builds a middleware dispatching through
// registry, resolving externalized bodies against store (nil disables
// payload-store indirection).
func NewContinuationMiddleware(registry *CallbackRegistry, store ExternalStore) *ContinuationMiddleware {
	return &ContinuationMiddleware{callbacks: registry, store: store}
}

// Handle satisfies queue.SubscribeWorker. A message with no recognized
// marker is yielded: it is not this middleware's job, so it returns nil
// without touching it.
func (m *ContinuationMiddleware) Handle(ctx context.Context, _ map[string]string, message []byte) error {
	var probe struct {
		Class                 string           `json:"class"`
		AsyncHTTPContinuation ContinuationKind `json:"async_http_continuation"`
	}
	if err := json.Unmarshal(message, &probe); err != nil {
		return fmt.Errorf("decoding continuation job: %w", err)
	}
	if probe.AsyncHTTPContinuation == "" {
		return nil
	}

	logger := util.Log(ctx).WithField("component", "reactor.continuation").WithField("class", probe.Class)

	switch probe.AsyncHTTPContinuation {
	case ContinuationCompletion:
		return m.handleCompletion(ctx, probe.Class, message)

	case ContinuationError:
		return m.handleError(ctx, probe.Class, message)

	case ContinuationRetry:
		return m.handleRetry(ctx, message)

	default:
		logger.Warn("unrecognized continuation marker, yielding")
		return nil
	}
}

func (m *ContinuationMiddleware) handleCompletion(ctx context.Context, class string, message []byte) error {
	var payload struct {
		Args []ResponseEnvelope `json:"args"`
	}
	if err := json.Unmarshal(message, &payload); err != nil {
		return fmt.Errorf("decoding completion envelope: %w", err)
	}
	if len(payload.Args) == 0 {
		return fmt.Errorf("completion job %q carries no envelope", class)
	}

	resp, err := DecodeResponse(ctx, m.store, &payload.Args[0])
	if err != nil {
		return fmt.Errorf("resolving completion envelope: %w", err)
	}

	fn, err := m.callbacks.Resolve(class)
	if err != nil {
		return err
	}
	return fn(resp)
}

func (m *ContinuationMiddleware) handleError(ctx context.Context, class string, message []byte) error {
	var payload struct {
		Args []ErrorEnvelope `json:"args"`
	}
	if err := json.Unmarshal(message, &payload); err != nil {
		return fmt.Errorf("decoding error envelope: %w", err)
	}
	if len(payload.Args) == 0 {
		return fmt.Errorf("error job %q carries no envelope", class)
	}

	taskErr := DecodeError(&payload.Args[0])

	fn, err := m.callbacks.Resolve(class)
	if err != nil {
		return err
	}
	return fn(taskErr)
}

// handleRetry discards the partial work and re-raises the Error as the
// job's own return value, so the hosting job framework's native retry
// machinery takes over. No callback is dispatched (spec §9).
func (m *ContinuationMiddleware) handleRetry(_ context.Context, message []byte) error {
	var payload struct {
		AsyncHTTPError *ErrorEnvelope `json:"async_http_error"`
	}
	if err := json.Unmarshal(message, &payload); err != nil {
		return fmt.Errorf("decoding retry envelope: %w", err)
	}
	if payload.AsyncHTTPError == nil {
		return fmt.Errorf("retry job carries no error envelope")
	}
	return DecodeError(payload.AsyncHTTPError)
}
