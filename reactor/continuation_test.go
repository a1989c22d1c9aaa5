package reactor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/suite"
)

type ContinuationSuite struct {
	suite.Suite
}

func TestContinuationSuite(t *testing.T) {
	suite.Run(t, new(ContinuationSuite))
}

func (s *ContinuationSuite) TestYieldsOnAbsentMarker() {
	registry := NewCallbackRegistry()
	mw := NewContinuationMiddleware(registry, nil)

	err := mw.Handle(s.T().Context(), nil, []byte(`{"class":"SomeOtherJob"}`))
	s.NoError(err)
}

func (s *ContinuationSuite) TestCompletionDispatchesRegisteredCallback() {
	registry := NewCallbackRegistry()
	var received *Response
	registry.Register("OnDone", func(env any) error {
		received = env.(*Response)
		return nil
	})
	mw := NewContinuationMiddleware(registry, nil)

	resp := &Response{Status: 200, Body: []byte("ok"), RequestID: "req-1"}
	env, err := EncodeResponse(s.T().Context(), nil, 0, resp)
	s.Require().NoError(err)

	payload := ContinuationPayload{
		Class:                 "OnDone",
		Args:                  []any{env},
		AsyncHTTPContinuation: ContinuationCompletion,
	}
	raw, err := json.Marshal(payload)
	s.Require().NoError(err)

	s.Require().NoError(mw.Handle(s.T().Context(), nil, raw))
	s.Require().NotNil(received)
	s.Equal(200, received.Status)
	s.Equal([]byte("ok"), received.Body)
}

func (s *ContinuationSuite) TestCompletionWithNoRegisteredCallbackIsHardError() {
	registry := NewCallbackRegistry()
	mw := NewContinuationMiddleware(registry, nil)

	resp := &Response{Status: 200, RequestID: "req-2"}
	env, err := EncodeResponse(s.T().Context(), nil, 0, resp)
	s.Require().NoError(err)

	payload := ContinuationPayload{
		Class:                 "Unregistered",
		Args:                  []any{env},
		AsyncHTTPContinuation: ContinuationCompletion,
	}
	raw, err := json.Marshal(payload)
	s.Require().NoError(err)

	s.Error(mw.Handle(s.T().Context(), nil, raw))
}

func (s *ContinuationSuite) TestErrorDispatchesRegisteredErrorCallback() {
	registry := NewCallbackRegistry()
	var received *Error
	registry.Register("OnFail", func(env any) error {
		received = env.(*Error)
		return nil
	})
	mw := NewContinuationMiddleware(registry, nil)

	taskErr := &Error{Kind: ErrorKindTimeout, ClassName: "TimeoutError", Message: "boom", RequestID: "req-3"}
	env := EncodeError(taskErr)

	payload := ContinuationPayload{
		Class:                 "OnFail",
		Args:                  []any{env},
		AsyncHTTPContinuation: ContinuationError,
	}
	raw, err := json.Marshal(payload)
	s.Require().NoError(err)

	s.Require().NoError(mw.Handle(s.T().Context(), nil, raw))
	s.Require().NotNil(received)
	s.Equal(ErrorKindTimeout, received.Kind)
}

func (s *ContinuationSuite) TestRetryReRaisesErrorWithoutDispatchingCallback() {
	registry := NewCallbackRegistry()
	dispatched := false
	registry.Register("OnFail", func(_ any) error {
		dispatched = true
		return nil
	})
	mw := NewContinuationMiddleware(registry, nil)

	taskErr := &Error{Kind: ErrorKindConnection, ClassName: "ConnectionError", Message: "reset", RequestID: "req-4"}
	env := EncodeError(taskErr)

	payload := ContinuationPayload{
		Class:                 "OnFail",
		AsyncHTTPContinuation: ContinuationRetry,
		AsyncHTTPError:        env,
	}
	raw, err := json.Marshal(payload)
	s.Require().NoError(err)

	err = mw.Handle(s.T().Context(), nil, raw)
	s.Error(err)
	s.False(dispatched, "retry must not dispatch any callback")

	var asErr *Error
	s.Require().ErrorAs(err, &asErr)
	s.Equal(ErrorKindConnection, asErr.Kind)
}
