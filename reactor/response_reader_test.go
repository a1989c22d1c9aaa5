package reactor

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"
)

type ResponseReaderSuite struct {
	suite.Suite
}

func TestResponseReaderSuite(t *testing.T) {
	suite.Run(t, new(ResponseReaderSuite))
}

func (s *ResponseReaderSuite) TestReadsBodyWithinBound() {
	reader := NewResponseReader(1024)
	resp := &http.Response{
		StatusCode:    http.StatusOK,
		ContentLength: 5,
		Body:          io.NopCloser(bytes.NewBufferString("hello")),
	}

	body, err := reader.Read(s.T().Context(), resp)
	s.Require().NoError(err)
	s.Equal("hello", string(body))
}

func (s *ResponseReaderSuite) TestNilBodyOn204() {
	reader := NewResponseReader(1024)
	resp := &http.Response{StatusCode: http.StatusNoContent}

	body, err := reader.Read(s.T().Context(), resp)
	s.Require().NoError(err)
	s.Nil(body)
}

func (s *ResponseReaderSuite) TestContentLengthPreCheckRejectsOversized() {
	reader := NewResponseReader(10)
	resp := &http.Response{
		StatusCode:    http.StatusOK,
		ContentLength: 100,
		Body:          io.NopCloser(bytes.NewBufferString(strings.Repeat("x", 100))),
	}

	_, err := reader.Read(s.T().Context(), resp)
	s.ErrorIs(err, ErrResponseTooLarge)
}

func (s *ResponseReaderSuite) TestMidStreamCapRejectsOversizedBodyWithUnknownLength() {
	reader := NewResponseReader(10)
	resp := &http.Response{
		StatusCode:    http.StatusOK,
		ContentLength: -1,
		Body:          io.NopCloser(bytes.NewBufferString(strings.Repeat("x", 100))),
	}

	_, err := reader.Read(s.T().Context(), resp)
	s.ErrorIs(err, ErrResponseTooLarge)
}

func (s *ResponseReaderSuite) TestDetectCharset() {
	charset, ok := DetectCharset("text/html; charset=UTF-8")
	s.True(ok)
	s.Equal("UTF-8", charset)

	_, ok = DetectCharset("application/octet-stream")
	s.False(ok)

	_, ok = DetectCharset("")
	s.False(ok)
}
