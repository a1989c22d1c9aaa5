package reactor

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/pitabwire/util"
)

// ResponseReader streams a response body chunk by chunk, enforcing a
// max-size bound (spec §4.3). It returns the body as raw bytes; it does not
// look at the content-type charset or decode the body.
type ResponseReader struct {
	maxBytes int64
}

// NewResponseReader builds a reader bounded by maxBytes.
func NewResponseReader(maxBytes int64) *ResponseReader {
	return &ResponseReader{maxBytes: maxBytes}
}

// Read consumes the body, returning nil for an empty body (e.g. 204). It
// fails fast on an oversized content-length header and mid-stream on an
// oversized body.
func (r *ResponseReader) Read(ctx context.Context, resp *http.Response) ([]byte, error) {
	if resp.Body == nil || resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	defer util.CloseAndLogOnError(ctx, resp.Body)

	if resp.ContentLength > 0 && resp.ContentLength > r.maxBytes {
		return nil, fmt.Errorf("%w: content-length %d exceeds max %d", ErrResponseTooLarge, resp.ContentLength, r.maxBytes)
	}

	limited := io.LimitReader(resp.Body, r.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if int64(len(body)) > r.maxBytes {
		return nil, fmt.Errorf("%w: body exceeds max %d bytes", ErrResponseTooLarge, r.maxBytes)
	}
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}

// DetectCharset extracts the charset parameter from content-type, if any.
// It does not check whether the charset is a known encoding, and Read does
// not call it.
func DetectCharset(contentType string) (string, bool) {
	if contentType == "" {
		return "", false
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", false
	}
	charset, ok := params["charset"]
	if !ok {
		return "", false
	}
	return strings.Trim(charset, `"'`), true
}
