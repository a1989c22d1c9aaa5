package reactor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/pitabwire/asynchttp/queue"
)

// ResultState is the Request Task's result discriminator (spec §3).
type ResultState int

const (
	ResultPending ResultState = iota
	ResultSuccess
	ResultError
)

// RecoveryPolicy selects what Task.Fail does with the continuation: the
// default routes to the registered error callback, "retry" hands the
// failure back to the job framework's own retry machinery (spec §4.6).
type RecoveryPolicy string

const (
	RecoveryCallback RecoveryPolicy = ""
	RecoveryRetry    RecoveryPolicy = "retry"
)

var redirectStatuses = map[int]bool{301: true, 302: true, 303: true, 307: true, 308: true}

// Task is one live request: per-spec §3's Request Task. It is created by
// submission, mutated only by the execution unit that processes it, and
// terminated exactly once by completion, error, or shutdown re-enqueue.
type Task struct {
	ID                  string
	Request             *Request
	CallbackName        string
	ErrorCallbackName   string
	CallbackArgs        CallbackArgs
	Redirects           []string
	MaxRedirects        int
	Recovery            RecoveryPolicy
	RaiseErrorResponses bool

	// JobPayload is the opaque originating job payload, carried so the
	// task can be re-enqueued on shutdown without re-deriving it.
	JobPayload json.RawMessage

	EnqueuedAt time.Time
	StartedAt  time.Time

	mu          sync.Mutex
	completedAt time.Time
	state       ResultState
	terminal    bool
}

// NewTask constructs a Task, validating the request and callback args.
func NewTask(req *Request, callbackName string, args CallbackArgs, jobPayload json.RawMessage, maxRedirects int) (*Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if callbackName == "" {
		return nil, fmt.Errorf("callback name is required")
	}
	if args == nil {
		args = CallbackArgs{}
	}
	if err := args.Validate(); err != nil {
		return nil, err
	}
	return &Task{
		ID:           xid.New().String(),
		Request:      req,
		CallbackName: callbackName,
		CallbackArgs: args,
		MaxRedirects: maxRedirects,
		JobPayload:   jobPayload,
	}, nil
}

// State returns the task's current result discriminator.
func (t *Task) State() ResultState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Complete records the completed timestamp, attaches callback-args, and
// emits a "completion" continuation job. Exactly once. store and
// offloadThreshold implement the optional large-payload offload of spec
// §9; a nil store or non-positive threshold disables it.
func (t *Task) Complete(
	ctx context.Context,
	publisher queue.Publisher,
	store ExternalStore,
	offloadThreshold int,
	resp *Response,
) error {
	resp.CallbackArgs = t.CallbackArgs
	resp.RequestID = t.ID
	resp.Redirects = t.Redirects

	if t.RaiseErrorResponses && resp.Status >= 400 {
		return t.Fail(ctx, publisher, &HTTPStatusError{Response: resp})
	}

	t.mu.Lock()
	if t.terminal {
		t.mu.Unlock()
		return fmt.Errorf("task %s already terminal", t.ID)
	}
	t.terminal = true
	t.completedAt = time.Now()
	t.state = ResultSuccess
	t.mu.Unlock()

	env, err := EncodeResponse(ctx, store, offloadThreshold, resp)
	if err != nil {
		return fmt.Errorf("encoding completion envelope: %w", err)
	}

	payload := ContinuationPayload{
		Class:                 t.CallbackName,
		Args:                  []any{env},
		AsyncHTTPContinuation: ContinuationCompletion,
	}
	return publisher.Publish(ctx, payload)
}

// Fail records the completed timestamp, classifies the error, and emits an
// "error" (or "retry") continuation job. Exactly once.
func (t *Task) Fail(ctx context.Context, publisher queue.Publisher, cause error) error {
	t.mu.Lock()
	if t.terminal {
		t.mu.Unlock()
		return fmt.Errorf("task %s already terminal", t.ID)
	}
	t.terminal = true
	t.completedAt = time.Now()
	t.state = ResultError
	t.mu.Unlock()

	taskErr := t.classify(cause)
	env := EncodeError(taskErr)

	payload := ContinuationPayload{
		Class:                 t.errorCallback(),
		Args:                  []any{env},
		AsyncHTTPContinuation: ContinuationError,
	}
	if t.Recovery == RecoveryRetry {
		payload.AsyncHTTPContinuation = ContinuationRetry
		payload.AsyncHTTPError = env
	}
	return publisher.Publish(ctx, payload)
}

func (t *Task) errorCallback() string {
	if t.ErrorCallbackName != "" {
		return t.ErrorCallbackName
	}
	return t.CallbackName
}

func (t *Task) classify(cause error) *Error {
	var statusErr *HTTPStatusError
	if httpErr, ok := cause.(*HTTPStatusError); ok {
		statusErr = httpErr
	}

	kind := ClassifyError(cause)
	className := "Error"
	if statusErr != nil {
		className = "HTTPStatusError"
		if statusErr.IsClientError() {
			kind = ErrorKindUnknown
			className = "ClientError"
		} else if statusErr.IsServerError() {
			kind = ErrorKindUnknown
			className = "ServerError"
		}
	}

	duration := time.Duration(0)
	if !t.StartedAt.IsZero() {
		duration = t.completedAt.Sub(t.StartedAt)
	}

	return &Error{
		Kind:         kind,
		ClassName:    className,
		Message:      cause.Error(),
		Duration:     duration,
		RequestID:    t.ID,
		URL:          t.Request.URL,
		Method:       t.Request.Method,
		CallbackArgs: t.CallbackArgs,
	}
}

// ShouldFollowRedirect reports whether a response should be followed,
// derived from status, a non-empty location header, and a positive cap
// (spec §4.6).
func ShouldFollowRedirect(statusCode int, location string, maxRedirects int) bool {
	return redirectStatuses[statusCode] && location != "" && maxRedirects > 0
}

// DeriveRedirect produces a new Task for a redirect hop, or
// ErrRedirectsExhausted if following would exceed the cap. Returns (nil,
// nil) when the response should not be followed at all.
func (t *Task) DeriveRedirect(statusCode int, location string) (*Task, error) {
	maxRedirects := t.MaxRedirects
	if t.Request.MaxRedirects != nil {
		maxRedirects = *t.Request.MaxRedirects
	}

	if !ShouldFollowRedirect(statusCode, location, maxRedirects) {
		return nil, nil
	}

	if len(t.Redirects)+1 > maxRedirects {
		return nil, ErrRedirectsExhausted
	}

	resolved, err := resolveRedirectURL(t.Request.URL, location)
	if err != nil {
		return nil, fmt.Errorf("resolving redirect location: %w", err)
	}

	newReq := &Request{
		Method:         t.Request.Method,
		URL:            resolved,
		Headers:        t.Request.Headers.Clone(),
		Body:           t.Request.Body,
		Timeout:        t.Request.Timeout,
		ConnectTimeout: t.Request.ConnectTimeout,
		MaxRedirects:   t.Request.MaxRedirects,
	}
	if statusCode == 301 || statusCode == 302 || statusCode == 303 {
		newReq.Method = MethodGet
		newReq.Body = nil
	}

	redirects := make([]string, 0, len(t.Redirects)+1)
	redirects = append(redirects, t.Redirects...)
	redirects = append(redirects, t.Request.URL)

	return &Task{
		ID:                  xid.New().String(),
		Request:             newReq,
		CallbackName:        t.CallbackName,
		ErrorCallbackName:   t.ErrorCallbackName,
		CallbackArgs:        t.CallbackArgs,
		Redirects:           redirects,
		MaxRedirects:        t.MaxRedirects,
		Recovery:            t.Recovery,
		RaiseErrorResponses: t.RaiseErrorResponses,
		JobPayload:          t.JobPayload,
	}, nil
}

func resolveRedirectURL(base, location string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	locURL, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(locURL).String(), nil
}
