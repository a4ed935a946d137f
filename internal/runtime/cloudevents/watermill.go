package cloudevents

import (
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Metadata keys used when an event travels as a Watermill message.
const (
	MetaSpecVersion     = "ce_specversion"
	MetaType            = "ce_type"
	MetaSource          = "ce_source"
	MetaID              = "ce_id"
	MetaTime            = "ce_time"
	MetaDataContentType = "ce_datacontenttype"
	MetaSubject         = "ce_subject"
	MetaDataSchema      = "ce_dataschema"
)

// ToMessage serialises evt as the structured JSON payload of a Watermill
// message and mirrors its attributes into the message metadata.
func ToMessage(evt Event) (*message.Message, error) {
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("invalid CloudEvent: %w", err)
	}
	payload, err := evt.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal CloudEvent: %w", err)
	}

	msg := message.NewMessage(evt.ID, payload)
	msg.Metadata.Set(MetaSpecVersion, evt.SpecVersion)
	msg.Metadata.Set(MetaType, evt.Type)
	msg.Metadata.Set(MetaSource, evt.Source)
	msg.Metadata.Set(MetaID, evt.ID)
	if !evt.Time.IsZero() {
		msg.Metadata.Set(MetaTime, FormatTime(evt.Time))
	}
	if evt.DataContentType != nil {
		msg.Metadata.Set(MetaDataContentType, *evt.DataContentType)
	}
	if evt.Subject != nil {
		msg.Metadata.Set(MetaSubject, *evt.Subject)
	}
	if evt.DataSchema != nil {
		msg.Metadata.Set(MetaDataSchema, *evt.DataSchema)
	}

	for k, v := range evt.Extensions {
		switch val := v.(type) {
		case nil:
		case string:
			msg.Metadata.Set(k, val)
		case bool:
			msg.Metadata.Set(k, strconv.FormatBool(val))
		default:
			msg.Metadata.Set(k, fmt.Sprintf("%v", val))
		}
	}
	return msg, nil
}

// FromMessage reads an event from a Watermill message. Payloads that are not
// structured CloudEvents become a synthetic event built from the metadata,
// with the raw payload as string data.
func FromMessage(msg *message.Message) Event {
	var evt Event
	if err := evt.UnmarshalJSON(msg.Payload); err == nil && evt.Validate() == nil {
		return evt
	}

	evt = Event{
		SpecVersion: SpecVersion,
		ID:          firstNonEmpty(msg.Metadata.Get(MetaID), msg.UUID),
		Type:        firstNonEmpty(msg.Metadata.Get(MetaType), "unknown"),
		Source:      firstNonEmpty(msg.Metadata.Get(MetaSource), "unknown"),
		Data:        string(msg.Payload),
		Extensions:  make(map[string]any),
	}
	if v := msg.Metadata.Get(MetaTime); v != "" {
		if t, err := ParseTime(v); err == nil {
			evt.Time = t
		}
	}
	if v := msg.Metadata.Get(MetaSubject); v != "" {
		evt.Subject = &v
	}
	for k, v := range msg.Metadata {
		if !isCloudEventsMetadata(k) {
			evt.Extensions[k] = v
		}
	}
	return evt
}

func isCloudEventsMetadata(key string) bool {
	switch key {
	case MetaSpecVersion, MetaType, MetaSource, MetaID, MetaTime,
		MetaDataContentType, MetaSubject, MetaDataSchema:
		return true
	default:
		return false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
