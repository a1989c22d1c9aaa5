package reactor

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
)

// ErrorKind is the closed classification every exception raised inside an
// execution unit is mapped to before it reaches a callback.
type ErrorKind string

const (
	ErrorKindTimeout          ErrorKind = "timeout"
	ErrorKindSSL              ErrorKind = "ssl"
	ErrorKindConnection       ErrorKind = "connection"
	ErrorKindResponseTooLarge ErrorKind = "response_too_large"
	ErrorKindProtocol         ErrorKind = "protocol"
	ErrorKindUnknown          ErrorKind = "unknown"
)

// ErrNotRunning is returned by submit when the processor is stopped,
// stopping, or draining.
var ErrNotRunning = errors.New("processor is not running")

// ErrMaxCapacity is returned by submit when the processor is at its
// configured in-flight cap.
var ErrMaxCapacity = errors.New("already at max capacity")

// ErrRedirectsExhausted is returned when a redirect chain exceeds its cap.
var ErrRedirectsExhausted = errors.New("redirect chain exceeded max redirects")

// ErrInvalidTransition is returned by the Lifecycle Manager for an illegal
// state transition request.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// ErrResponseTooLarge marks a Response Reader size-cap violation.
var ErrResponseTooLarge = errors.New("response_too_large")

// HTTPStatusError wraps a completed Response for the raise_error_responses
// policy (spec §7): a 4xx/5xx is surfaced as an error rather than flowing to
// the completion callback.
type HTTPStatusError struct {
	Response *Response
}

func (e *HTTPStatusError) Error() string {
	return "http status error"
}

// IsClientError reports whether the wrapped response is a 4xx.
func (e *HTTPStatusError) IsClientError() bool {
	return e.Response.Status >= 400 && e.Response.Status < 500
}

// IsServerError reports whether the wrapped response is a 5xx.
func (e *HTTPStatusError) IsServerError() bool {
	return e.Response.Status >= 500
}

// ClassifyError maps an arbitrary error from an execution unit to the
// closed taxonomy of §7. Unknown defaults to ErrorKindUnknown.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrorKindUnknown
	}

	if errors.Is(err, ErrResponseTooLarge) {
		return ErrorKindResponseTooLarge
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorKindTimeout
	}

	var tlsErr *tls.CertificateVerificationError
	if errors.As(err, &tlsErr) {
		return ErrorKindSSL
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return ErrorKindTimeout
	case strings.Contains(msg, "tls"), strings.Contains(msg, "x509"), strings.Contains(msg, "certificate"):
		return ErrorKindSSL
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "eof"):
		return ErrorKindConnection
	case strings.Contains(msg, "malformed http"), strings.Contains(msg, "protocol error"):
		return ErrorKindProtocol
	default:
		return ErrorKindUnknown
	}
}
