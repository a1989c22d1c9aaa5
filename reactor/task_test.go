package reactor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"
)

type fakePublisher struct {
	published []ContinuationPayload
}

func (f *fakePublisher) Initiated() bool { return true }
func (f *fakePublisher) Ref() string     { return "fake" }
func (f *fakePublisher) Init(_ context.Context) error { return nil }
func (f *fakePublisher) Publish(_ context.Context, payload any, _ ...map[string]string) error {
	f.published = append(f.published, payload.(ContinuationPayload))
	return nil
}
func (f *fakePublisher) Stop(_ context.Context) error { return nil }
func (f *fakePublisher) As(_ any) bool                { return false }

type TaskSuite struct {
	suite.Suite
}

func TestTaskSuite(t *testing.T) {
	suite.Run(t, new(TaskSuite))
}

func (s *TaskSuite) newTask(raiseErrors bool) *Task {
	req := &Request{Method: MethodGet, URL: "https://example.com"}
	task, err := NewTask(req, "OnDone", CallbackArgs{"id": float64(1)}, nil, 5)
	s.Require().NoError(err)
	task.RaiseErrorResponses = raiseErrors
	return task
}

func (s *TaskSuite) TestCompleteIsExactlyOnce() {
	pub := &fakePublisher{}
	task := s.newTask(false)

	s.Require().NoError(task.Complete(s.T().Context(), pub, nil, 0, &Response{Status: 200}))
	s.Error(task.Complete(s.T().Context(), pub, nil, 0, &Response{Status: 200}))

	s.Len(pub.published, 1)
	s.Equal(ContinuationCompletion, pub.published[0].AsyncHTTPContinuation)
}

func (s *TaskSuite) TestFailIsExactlyOnce() {
	pub := &fakePublisher{}
	task := s.newTask(false)

	s.Require().NoError(task.Fail(s.T().Context(), pub, ErrNotRunning))
	s.Error(task.Fail(s.T().Context(), pub, ErrNotRunning))

	s.Len(pub.published, 1)
	s.Equal(ContinuationError, pub.published[0].AsyncHTTPContinuation)
}

func (s *TaskSuite) TestRaiseErrorResponsesRoutesToErrorPath() {
	pub := &fakePublisher{}
	task := s.newTask(true)

	s.Require().NoError(task.Complete(s.T().Context(), pub, nil, 0, &Response{Status: 500}))

	s.Len(pub.published, 1)
	s.Equal(ContinuationError, pub.published[0].AsyncHTTPContinuation)

	// and the task is terminal, not double-completable
	s.Error(task.Complete(s.T().Context(), pub, nil, 0, &Response{Status: 200}))
}

func (s *TaskSuite) TestRetryRecoveryTagsContinuationAndCarriesErrorEnvelope() {
	pub := &fakePublisher{}
	task := s.newTask(false)
	task.Recovery = RecoveryRetry

	s.Require().NoError(task.Fail(s.T().Context(), pub, ErrMaxCapacity))

	s.Equal(ContinuationRetry, pub.published[0].AsyncHTTPContinuation)
	s.NotNil(pub.published[0].AsyncHTTPError)
}

func (s *TaskSuite) TestDeriveRedirectDowngradesToGetOn303() {
	task := s.newTask(false)
	task.Request.Method = MethodPost
	task.Request.Body = []byte("payload")

	redirect, err := task.DeriveRedirect(303, "https://example.com/next")
	s.Require().NoError(err)
	s.Require().NotNil(redirect)
	s.Equal(MethodGet, redirect.Request.Method)
	s.Nil(redirect.Request.Body)
	s.Equal([]string{"https://example.com"}, redirect.Redirects)
}

func (s *TaskSuite) TestDeriveRedirectPreservesMethodAndBodyOn307() {
	task := s.newTask(false)
	task.Request.Method = MethodPost
	task.Request.Body = []byte("payload")

	redirect, err := task.DeriveRedirect(307, "https://example.com/next")
	s.Require().NoError(err)
	s.Require().NotNil(redirect)
	s.Equal(MethodPost, redirect.Request.Method)
	s.Equal([]byte("payload"), redirect.Request.Body)
}

func (s *TaskSuite) TestDeriveRedirectNoOpWithoutLocation() {
	task := s.newTask(false)
	redirect, err := task.DeriveRedirect(301, "")
	s.Require().NoError(err)
	s.Nil(redirect)
}

func (s *TaskSuite) TestDeriveRedirectExhaustsCap() {
	task := s.newTask(false)
	task.MaxRedirects = 1
	task.Redirects = []string{"https://example.com/hop1"}

	_, err := task.DeriveRedirect(302, "https://example.com/hop2")
	s.ErrorIs(err, ErrRedirectsExhausted)
}
