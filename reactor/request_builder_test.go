package reactor

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type RequestBuilderSuite struct {
	suite.Suite
}

func TestRequestBuilderSuite(t *testing.T) {
	suite.Run(t, new(RequestBuilderSuite))
}

func (s *RequestBuilderSuite) TestCopiesHeadersAndBody() {
	builder := NewRequestBuilder("")
	req := &Request{
		Method:  MethodPost,
		URL:     "https://example.com/submit",
		Headers: Headers{"content-type": {"application/json"}},
		Body:    []byte(`{"a":1}`),
	}

	httpReq, err := builder.Build(s.T().Context(), req)
	s.Require().NoError(err)

	s.Equal("POST", httpReq.Method)
	s.Equal("application/json", httpReq.Header.Get("Content-Type"))

	body := make([]byte, len(req.Body))
	n, _ := httpReq.Body.Read(body)
	s.Equal(req.Body, body[:n])
}

func (s *RequestBuilderSuite) TestStampsDefaultUserAgentOnlyWhenAbsent() {
	builder := NewRequestBuilder("reactor/1.0")
	req := &Request{Method: MethodGet, URL: "https://example.com"}

	httpReq, err := builder.Build(s.T().Context(), req)
	s.Require().NoError(err)
	s.Equal("reactor/1.0", httpReq.Header.Get("User-Agent"))
}

func (s *RequestBuilderSuite) TestDoesNotOverrideExplicitUserAgent() {
	builder := NewRequestBuilder("reactor/1.0")
	req := &Request{
		Method:  MethodGet,
		URL:     "https://example.com",
		Headers: Headers{"user-agent": {"custom-agent/2.0"}},
	}

	httpReq, err := builder.Build(s.T().Context(), req)
	s.Require().NoError(err)
	s.Equal("custom-agent/2.0", httpReq.Header.Get("User-Agent"))
}

func (s *RequestBuilderSuite) TestNoBodyForGet() {
	builder := NewRequestBuilder("")
	req := &Request{Method: MethodGet, URL: "https://example.com"}

	httpReq, err := builder.Build(s.T().Context(), req)
	s.Require().NoError(err)
	s.Nil(httpReq.Body)
}
