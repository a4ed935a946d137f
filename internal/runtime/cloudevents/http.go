package cloudevents

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/drblury/callflow/internal/runtime/jsoncodec"
)

const (
	// ContentTypeStructured marks a structured-mode HTTP event.
	ContentTypeStructured = "application/cloudevents+json"

	headerPrefix = "Ce-"
)

// ErrNotCloudEvent is returned for HTTP requests carrying neither a
// structured-mode body nor binary-mode ce-* headers.
var ErrNotCloudEvent = errors.New("callflow: request is not a CloudEvent")

// FromHTTP reads an event from an HTTP request in structured or binary mode.
// body is the already-read request body.
func FromHTTP(header http.Header, body []byte) (Event, error) {
	mediaType, _, _ := mime.ParseMediaType(header.Get("Content-Type"))
	if mediaType == ContentTypeStructured {
		var evt Event
		if err := evt.UnmarshalJSON(body); err != nil {
			return Event{}, fmt.Errorf("parse structured event: %w", err)
		}
		return evt, evt.Validate()
	}
	if header.Get(headerPrefix+"Specversion") == "" {
		return Event{}, ErrNotCloudEvent
	}
	return fromBinary(header, mediaType, body)
}

func fromBinary(header http.Header, mediaType string, body []byte) (Event, error) {
	evt := Event{Extensions: make(map[string]any)}
	for key, values := range header {
		if len(values) == 0 || !strings.HasPrefix(key, headerPrefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, headerPrefix))
		value := values[0]
		switch name {
		case "specversion":
			evt.SpecVersion = value
		case "type":
			evt.Type = value
		case "source":
			evt.Source = value
		case "id":
			evt.ID = value
		case "subject":
			evt.Subject = &value
		case "dataschema":
			evt.DataSchema = &value
		case "time":
			t, err := ParseTime(value)
			if err != nil {
				return Event{}, fmt.Errorf("invalid ce-time: %w", err)
			}
			evt.Time = t
		default:
			evt.Extensions[name] = value
		}
	}
	if tp := header.Get("Traceparent"); tp != "" {
		if _, ok := evt.Extensions[ExtTraceParent]; !ok {
			evt.Extensions[ExtTraceParent] = tp
		}
	}

	if ct := header.Get("Content-Type"); ct != "" {
		evt.DataContentType = &ct
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if isJSON(mediaType) {
			var data any
			if err := jsoncodec.Unmarshal(body, &data); err != nil {
				return Event{}, fmt.Errorf("parse event data: %w", err)
			}
			evt.Data = data
		} else {
			encoded := base64.StdEncoding.EncodeToString(body)
			evt.DataBase64 = &encoded
		}
	}
	return evt, evt.Validate()
}

func isJSON(mediaType string) bool {
	return mediaType == "" || mediaType == "application/json" || mediaType == "text/json" || strings.HasSuffix(mediaType, "+json")
}

// NewHTTPRequest builds a structured-mode POST of evt to url.
func NewHTTPRequest(ctx context.Context, url string, evt Event) (*http.Request, error) {
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	body, err := evt.MarshalJSON()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ContentTypeStructured)
	return req, nil
}
