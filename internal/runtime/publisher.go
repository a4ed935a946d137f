package runtime

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/propagation"

	ce "github.com/drblury/callflow/internal/runtime/cloudevents"
	errspkg "github.com/drblury/callflow/internal/runtime/errors"
)

// PublishOption adjusts an event built by PublishData.
type PublishOption func(*ce.Event)

// WithSubject sets the CloudEvents subject attribute.
func WithSubject(subject string) PublishOption {
	return func(evt *ce.Event) {
		evt.Subject = &subject
	}
}

// WithDataContentType sets the data content type, e.g. "application/json".
func WithDataContentType(contentType string) PublishOption {
	return func(evt *ce.Event) {
		evt.DataContentType = &contentType
	}
}

// WithDataSchema sets the data schema URI.
func WithDataSchema(schema string) PublishOption {
	return func(evt *ce.Event) {
		evt.DataSchema = &schema
	}
}

// WithExtension adds a CloudEvents extension attribute.
func WithExtension(key string, value any) PublishOption {
	return func(evt *ce.Event) {
		*evt = evt.WithExtension(key, value)
	}
}

// PublishEvent sends evt to topic on the configured publisher. The current
// trace is attached as the traceparent extension when evt has none.
func (s *Service) PublishEvent(ctx context.Context, topic string, evt ce.Event) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	if s.publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	if evt.GetExtension(ce.ExtTraceParent) == nil {
		carrier := propagation.MapCarrier{}
		propagation.TraceContext{}.Inject(ctx, carrier)
		if tp := carrier.Get("traceparent"); tp != "" {
			evt = evt.Clone().WithExtension(ce.ExtTraceParent, tp)
		}
	}

	msg, err := ce.ToMessage(evt)
	if err != nil {
		return err
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	if err := s.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish event %s to %s: %w", evt.ID, topic, err)
	}
	return nil
}

// PublishData wraps data in a new event of eventType and publishes it on the
// topic of the same name.
func (s *Service) PublishData(ctx context.Context, eventType, source string, data any, opts ...PublishOption) error {
	evt := ce.New(eventType, source, data)
	for _, opt := range opts {
		opt(&evt)
	}
	return s.PublishEvent(ctx, eventType, evt)
}
