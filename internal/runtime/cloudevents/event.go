// Package cloudevents provides the CloudEvents v1.0 envelope used by event
// triggers, together with its HTTP (binary and structured mode) and Watermill
// message bindings.
package cloudevents

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	idspkg "github.com/drblury/callflow/internal/runtime/ids"
	"github.com/drblury/callflow/internal/runtime/jsoncodec"
)

// SpecVersion is the CloudEvents specification version implemented.
const SpecVersion = "1.0"

// ExtTraceParent is the distributed tracing extension carrying a W3C
// traceparent value.
const ExtTraceParent = "traceparent"

// Event is a CloudEvents v1.0 event.
// See https://github.com/cloudevents/spec/blob/v1.0/spec.md.
type Event struct {
	SpecVersion string `json:"specversion"`
	// Type is the event type, for example
	// "google.cloud.pubsub.topic.v1.messagePublished".
	Type string `json:"type"`
	// Source identifies the producer, usually a resource URI.
	Source string `json:"source"`
	ID     string `json:"id"`

	Time            time.Time `json:"time,omitempty"`
	DataContentType *string   `json:"datacontenttype,omitempty"`
	DataSchema      *string   `json:"dataschema,omitempty"`
	// Subject names the resource within Source, such as a document path.
	Subject *string `json:"subject,omitempty"`

	// Data holds a JSON payload in generic form.
	Data any `json:"data,omitempty"`
	// DataBase64 holds a non-JSON payload.
	DataBase64 *string `json:"data_base64,omitempty"`

	// Extensions holds every other attribute.
	Extensions map[string]any `json:"extensions,omitempty"`
}

// New creates an event with a generated id and the current time.
func New(eventType, source string, data any) Event {
	return Event{
		SpecVersion: SpecVersion,
		Type:        eventType,
		Source:      source,
		ID:          idspkg.NewExecutionID(),
		Time:        time.Now().UTC(),
		Data:        data,
		Extensions:  make(map[string]any),
	}
}

func (e Event) WithSubject(subject string) Event {
	e.Subject = &subject
	return e
}

func (e Event) WithDataContentType(contentType string) Event {
	e.DataContentType = &contentType
	return e
}

func (e Event) WithExtension(key string, value any) Event {
	if e.Extensions == nil {
		e.Extensions = make(map[string]any)
	}
	e.Extensions[key] = value
	return e
}

// GetExtension returns nil for unknown keys.
func (e Event) GetExtension(key string) any {
	if e.Extensions == nil {
		return nil
	}
	return e.Extensions[key]
}

// GetExtensionString returns the extension formatted as a string, or "".
func (e Event) GetExtensionString(key string) string {
	v := e.GetExtension(key)
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// SubjectOrEmpty dereferences Subject.
func (e Event) SubjectOrEmpty() string {
	if e.Subject == nil {
		return ""
	}
	return *e.Subject
}

// DecodeData copies the payload into v. JSON payloads are converted through
// their JSON form; base64 payloads must target a *[]byte.
func (e Event) DecodeData(v any) error {
	if e.DataBase64 != nil {
		raw, err := base64.StdEncoding.DecodeString(*e.DataBase64)
		if err != nil {
			return fmt.Errorf("decode data_base64: %w", err)
		}
		target, ok := v.(*[]byte)
		if !ok {
			return fmt.Errorf("binary event data can only be decoded into *[]byte, got %T", v)
		}
		*target = raw
		return nil
	}
	if e.Data == nil {
		return errors.New("event has no data")
	}
	if err := jsoncodec.Convert(e.Data, v); err != nil {
		return fmt.Errorf("decode event data: %w", err)
	}
	return nil
}

// Validate checks the required attributes.
func (e Event) Validate() error {
	if e.SpecVersion == "" {
		return fmt.Errorf("specversion is required")
	}
	if e.SpecVersion != SpecVersion {
		return fmt.Errorf("specversion must be %q, got %q", SpecVersion, e.SpecVersion)
	}
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	if e.Source == "" {
		return fmt.Errorf("source is required")
	}
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

// Clone returns a copy that shares no pointers or maps with e. Data is copied
// shallowly.
func (e Event) Clone() Event {
	cloned := e
	cloned.DataContentType = cloneString(e.DataContentType)
	cloned.DataSchema = cloneString(e.DataSchema)
	cloned.Subject = cloneString(e.Subject)
	cloned.DataBase64 = cloneString(e.DataBase64)
	if e.Extensions != nil {
		cloned.Extensions = make(map[string]any, len(e.Extensions))
		for k, v := range e.Extensions {
			cloned.Extensions[k] = v
		}
	}
	return cloned
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

var knownAttrs = map[string]bool{
	"specversion":     true,
	"type":            true,
	"source":          true,
	"id":              true,
	"time":            true,
	"datacontenttype": true,
	"dataschema":      true,
	"subject":         true,
	"data":            true,
	"data_base64":     true,
}

// MarshalJSON writes the structured-mode JSON form, with extensions flattened
// into the top-level object.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 8+len(e.Extensions))
	for k, v := range e.Extensions {
		m[k] = v
	}

	m["specversion"] = e.SpecVersion
	m["type"] = e.Type
	m["source"] = e.Source
	m["id"] = e.ID
	if !e.Time.IsZero() {
		m["time"] = FormatTime(e.Time)
	}
	if e.DataContentType != nil {
		m["datacontenttype"] = *e.DataContentType
	}
	if e.DataSchema != nil {
		m["dataschema"] = *e.DataSchema
	}
	if e.Subject != nil {
		m["subject"] = *e.Subject
	}
	if e.Data != nil {
		m["data"] = e.Data
	}
	if e.DataBase64 != nil {
		m["data_base64"] = *e.DataBase64
	}
	return jsoncodec.Marshal(m)
}

// UnmarshalJSON reads the structured-mode JSON form.
func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := jsoncodec.Unmarshal(data, &m); err != nil {
		return err
	}

	for name, dst := range map[string]*string{
		"specversion": &e.SpecVersion,
		"type":        &e.Type,
		"source":      &e.Source,
		"id":          &e.ID,
	} {
		if raw, ok := m[name]; ok {
			if err := jsoncodec.Unmarshal(raw, dst); err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
		}
	}

	if raw, ok := m["time"]; ok {
		var s string
		if err := jsoncodec.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("invalid time: %w", err)
		}
		t, err := ParseTime(s)
		if err != nil {
			return fmt.Errorf("invalid time format: %w", err)
		}
		e.Time = t
	}

	for name, dst := range map[string]**string{
		"datacontenttype": &e.DataContentType,
		"dataschema":      &e.DataSchema,
		"subject":         &e.Subject,
		"data_base64":     &e.DataBase64,
	} {
		if raw, ok := m[name]; ok {
			var v string
			if err := jsoncodec.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = &v
		}
	}

	if raw, ok := m["data"]; ok {
		var v any
		if err := jsoncodec.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("invalid data: %w", err)
		}
		e.Data = v
	}

	e.Extensions = make(map[string]any)
	for k, raw := range m {
		if knownAttrs[k] {
			continue
		}
		var v any
		if err := jsoncodec.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("invalid extension %q: %w", k, err)
		}
		e.Extensions[k] = v
	}
	return nil
}
