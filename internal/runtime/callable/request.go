// Package callable implements the wire protocol of callable functions: the
// request shape check, the result and error envelopes, and the server-sent
// event stream used when the client asks for streaming.
package callable

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
)

const (
	ContentTypeJSON        = "application/json"
	ContentTypeEventStream = "text/event-stream"

	dataKey = "data"
)

var (
	ErrMethodNotAllowed = errors.New("callable: method must be POST")
	ErrContentType      = errors.New("callable: content type must be application/json")
	ErrMissingBody      = errors.New("callable: request body is missing or not JSON")
	ErrEnvelope         = errors.New("callable: body must be an object whose only key is \"data\"")
)

// ValidateRequest checks that r and its parsed body form a callable request.
// body is the decoded JSON body, or nil when it was absent or unparsable.
func ValidateRequest(r *http.Request, body any) error {
	if r.Method != http.MethodPost {
		return fmt.Errorf("%w, got %s", ErrMethodNotAllowed, r.Method)
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != ContentTypeJSON {
		return ErrContentType
	}
	if body == nil {
		return ErrMissingBody
	}
	envelope, ok := body.(map[string]any)
	if !ok {
		return ErrEnvelope
	}
	if _, ok := envelope[dataKey]; !ok {
		return ErrEnvelope
	}
	if len(envelope) != 1 {
		extra := make([]string, 0, len(envelope)-1)
		for k := range envelope {
			if k != dataKey {
				extra = append(extra, k)
			}
		}
		return fmt.Errorf("%w, found extra keys %v", ErrEnvelope, extra)
	}
	return nil
}

// IsCallableRequest reports whether ValidateRequest accepts r and body.
func IsCallableRequest(r *http.Request, body any) bool {
	return ValidateRequest(r, body) == nil
}

// Data returns the "data" member of a validated body.
func Data(body any) any {
	if envelope, ok := body.(map[string]any); ok {
		return envelope[dataKey]
	}
	return nil
}

// AcceptsStreaming reports whether the Accept header lists text/event-stream.
func AcceptsStreaming(r *http.Request) bool {
	for _, value := range r.Header.Values("Accept") {
		for _, part := range strings.Split(value, ",") {
			mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err == nil && mediaType == ContentTypeEventStream {
				return true
			}
		}
	}
	return false
}
