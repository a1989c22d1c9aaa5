package reactor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ContinuationKind is the marker field the Continuation Middleware
// dispatches on (spec §4.8).
type ContinuationKind string

const (
	ContinuationCompletion ContinuationKind = "completion"
	ContinuationError      ContinuationKind = "error"
	ContinuationRetry      ContinuationKind = "retry"
)

// ExternalStore is the optional large-payload offload collaborator (spec
// §9's payload-store indirection). cache.RawCache satisfies it.
type ExternalStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// payloadRef is the on-wire shape of an externalized body.
type payloadRef struct {
	Store string `json:"store"`
	Key   string `json:"key"`
}

const externalRefTTL = time.Hour

// ResponseEnvelope is the wire form of a Response (spec §6).
type ResponseEnvelope struct {
	Status       int            `json:"status"`
	Headers      Headers        `json:"headers"`
	Body         json.RawMessage `json:"body"`
	Duration     float64        `json:"duration"`
	RequestID    string         `json:"request_id"`
	URL          string         `json:"url"`
	HTTPMethod   string         `json:"http_method"`
	Protocol     string         `json:"protocol,omitempty"`
	CallbackArgs CallbackArgs   `json:"callback_args"`
}

// ErrorEnvelope is the wire form of an Error (spec §6).
type ErrorEnvelope struct {
	ClassName    string       `json:"class_name"`
	Message      string       `json:"message"`
	Backtrace    []string     `json:"backtrace"`
	ErrorType    string       `json:"error_type"`
	Duration     float64      `json:"duration"`
	RequestID    string       `json:"request_id"`
	URL          string       `json:"url"`
	HTTPMethod   string       `json:"http_method"`
	CallbackArgs CallbackArgs `json:"callback_args"`
}

// ContinuationPayload is the wire format pushed onto the job queue (spec
// §6): a class (callback name), a one-element args list holding the
// envelope, and a marker field routing the middleware.
type ContinuationPayload struct {
	Class                 string           `json:"class"`
	Args                  []any            `json:"args"`
	AsyncHTTPContinuation ContinuationKind `json:"async_http_continuation"`
	AsyncHTTPError        *ErrorEnvelope   `json:"async_http_error,omitempty"`
}

// EncodeResponse builds a ResponseEnvelope, offloading the body to store
// when it exceeds offloadThreshold bytes (0 disables offload).
func EncodeResponse(
	ctx context.Context,
	store ExternalStore,
	offloadThreshold int,
	resp *Response,
) (*ResponseEnvelope, error) {
	bodyRaw, err := encodeBody(ctx, store, offloadThreshold, resp.RequestID, resp.Body)
	if err != nil {
		return nil, err
	}
	return &ResponseEnvelope{
		Status:       resp.Status,
		Headers:      lowerCaseHeaders(resp.Headers),
		Body:         bodyRaw,
		Duration:     resp.Duration.Seconds(),
		RequestID:    resp.RequestID,
		URL:          resp.URL,
		HTTPMethod:   string(resp.Method),
		Protocol:     resp.Protocol,
		CallbackArgs: resp.CallbackArgs,
	}, nil
}

// DecodeResponse resolves a ResponseEnvelope back into a Response, fetching
// an externalized body if the envelope carries a $ref. A missing key is a
// hard error.
func DecodeResponse(ctx context.Context, store ExternalStore, env *ResponseEnvelope) (*Response, error) {
	body, err := decodeBody(ctx, store, env.Body)
	if err != nil {
		return nil, err
	}
	return &Response{
		Status:       env.Status,
		Headers:      env.Headers,
		Body:         body,
		Duration:     time.Duration(env.Duration * float64(time.Second)),
		RequestID:    env.RequestID,
		URL:          env.URL,
		Method:       Method(env.HTTPMethod),
		Protocol:     env.Protocol,
		CallbackArgs: env.CallbackArgs,
	}, nil
}

// EncodeError builds an ErrorEnvelope from a classified Error.
func EncodeError(e *Error) *ErrorEnvelope {
	return &ErrorEnvelope{
		ClassName:    e.ClassName,
		Message:      e.Message,
		Backtrace:    e.Backtrace,
		ErrorType:    string(e.Kind),
		Duration:     e.Duration.Seconds(),
		RequestID:    e.RequestID,
		URL:          e.URL,
		HTTPMethod:   string(e.Method),
		CallbackArgs: e.CallbackArgs,
	}
}

// DecodeError resolves an ErrorEnvelope back into an Error.
func DecodeError(env *ErrorEnvelope) *Error {
	return &Error{
		Kind:         ErrorKind(env.ErrorType),
		ClassName:    env.ClassName,
		Message:      env.Message,
		Backtrace:    env.Backtrace,
		Duration:     time.Duration(env.Duration * float64(time.Second)),
		RequestID:    env.RequestID,
		URL:          env.URL,
		Method:       Method(env.HTTPMethod),
		CallbackArgs: env.CallbackArgs,
	}
}

// lowerCaseHeaders canonicalizes a Headers map's keys to lower-case,
// merging values when two differently-cased keys collide (spec §3, §6).
// Response.Headers is already lower-cased by the time an envelope is built
// (the reactor canonicalizes at the HTTP boundary); this is a second,
// cheap guarantee for headers that reach the envelope by any other path.
func lowerCaseHeaders(h Headers) Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		lk := strings.ToLower(k)
		out[lk] = append(out[lk], v...)
	}
	return out
}

func encodeBody(ctx context.Context, store ExternalStore, threshold int, requestID string, body []byte) (json.RawMessage, error) {
	if body == nil {
		return json.RawMessage("null"), nil
	}

	if store != nil && threshold > 0 && len(body) > threshold {
		key := fmt.Sprintf("async_http/envelope/%s", requestID)
		if err := store.Set(ctx, key, body, externalRefTTL); err != nil {
			return nil, fmt.Errorf("offloading response body: %w", err)
		}
		ref := map[string]payloadRef{"$ref": {Store: "external", Key: key}}
		return json.Marshal(ref)
	}

	encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(body))
	if err != nil {
		return nil, fmt.Errorf("encoding response body: %w", err)
	}
	return encoded, nil
}

func decodeBody(ctx context.Context, store ExternalStore, raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var ref struct {
		Ref *payloadRef `json:"$ref"`
	}
	if err := json.Unmarshal(raw, &ref); err == nil && ref.Ref != nil {
		if store == nil {
			return nil, fmt.Errorf("envelope references external store %q but none is configured", ref.Ref.Store)
		}
		val, found, err := store.Get(ctx, ref.Ref.Key)
		if err != nil {
			return nil, fmt.Errorf("fetching externalized body: %w", err)
		}
		if !found {
			return nil, fmt.Errorf("externalized body key %q not found", ref.Ref.Key)
		}
		return val, nil
	}

	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("decoding response body: %w", err)
	}
	return base64.StdEncoding.DecodeString(encoded)
}
