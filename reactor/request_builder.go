package reactor

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
)

// RequestBuilder is a pure function from Request to a protocol-level
// *http.Request (spec §4.5): no I/O, no client allocation.
type RequestBuilder struct {
	userAgent string
}

// NewRequestBuilder builds a builder that stamps userAgent when the
// request carries none.
func NewRequestBuilder(userAgent string) *RequestBuilder {
	return &RequestBuilder{userAgent: userAgent}
}

// Build constructs the protocol request.
func (b *RequestBuilder) Build(ctx context.Context, req *Request) (*http.Request, error) {
	var httpReq *http.Request
	var err error
	if len(req.Body) > 0 {
		httpReq, err = http.NewRequestWithContext(ctx, string(req.Method), req.URL, bytes.NewReader(req.Body))
	} else {
		httpReq, err = http.NewRequestWithContext(ctx, string(req.Method), req.URL, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	for key, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	if b.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", b.userAgent)
	}

	return httpReq, nil
}
