package runtime

import (
	"context"
	"errors"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/callflow/internal/runtime/callerr"
	ce "github.com/drblury/callflow/internal/runtime/cloudevents"
	errspkg "github.com/drblury/callflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/callflow/internal/runtime/logging"
)

// EventHandler handles one CloudEvent. The returned error decides what
// happens to the delivery:
//   - nil or ce.ErrSkip: acknowledged
//   - ce.ErrUnprocessable: logged and acknowledged
//   - ce.ErrRetry or ce.ErrRetryAfter: redelivered
//   - *callerr.Error: reported to the sender with its own status
//   - anything else: logged and reported as INTERNAL
type EventHandler func(ctx context.Context, evt ce.Event) error

// EventHandlerRegistration configures an event-triggered function.
type EventHandlerRegistration struct {
	Name string
	// EventType, when set, rejects events of any other type.
	EventType string
	// Topic, when set, also consumes events from Subscriber. The function is
	// always reachable over HTTP at "/<Name>".
	Topic string
	// Subscriber overrides ServiceDependencies.Subscriber for this function.
	Subscriber message.Subscriber
	Handler    EventHandler
}

// RegisterEventHandler mounts an event-triggered function.
func RegisterEventHandler(svc *Service, reg EventHandlerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if reg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	subscriber := reg.Subscriber
	if reg.Topic != "" && subscriber == nil {
		subscriber = svc.subscriber
		if subscriber == nil {
			return errspkg.ErrSubscriberRequired
		}
	}

	info, err := svc.registerFunction(functionRegistration{
		Name:      reg.Name,
		Kind:      KindEvent,
		EventType: reg.EventType,
		build: func(info *HandlerInfo) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				inv, ctx := svc.beginRequest(w, r, info)
				code, err := inv.serveEvent(ctx, w, r, reg)
				inv.end(code, err)
			})
		},
	})
	if err != nil {
		return err
	}

	if reg.Topic != "" {
		svc.router.AddNoPublisherHandler(reg.Name, reg.Topic, subscriber, svc.consumeMessage(info, reg))
		svc.consumers++
	}
	return nil
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// ConsumeEvents registers handler for events of eventType published on the
// topic of the same name.
func (s *Service) ConsumeEvents(eventType string, handler EventHandler) error {
	if eventType == "" {
		return errspkg.ErrEventTypeRequired
	}
	return RegisterEventHandler(s, EventHandlerRegistration{
		Name:      "events-" + unsafeNameChars.ReplaceAllString(eventType, "-"),
		EventType: eventType,
		Topic:     eventType,
		Handler:   handler,
	})
}

func (inv *invocation) serveEvent(ctx context.Context, w http.ResponseWriter, r *http.Request, reg EventHandlerRegistration) (callerr.Code, error) {
	body, err := inv.svc.readBody(w, r)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return inv.reply(w, callerr.New(callerr.InvalidArgument, "Request body is too large"))
		}
		return inv.reply(w, callerr.New(callerr.InvalidArgument, "Bad Request"))
	}
	evt, err := ce.FromHTTP(r.Header, body)
	if err != nil {
		inv.logger.Info("Rejected malformed CloudEvent", loggingpkg.LogFields{"reason": err.Error()})
		return inv.reply(w, callerr.New(callerr.InvalidArgument, err.Error()))
	}
	if reg.EventType != "" && evt.Type != reg.EventType {
		return inv.reply(w, callerr.Newf(callerr.InvalidArgument, "unexpected event type %q", evt.Type))
	}

	out := inv.handleEvent(ctx, evt, reg.Handler)
	switch out.result {
	case ce.ResultAck, ce.ResultSkip, ce.ResultUnprocessable:
		w.WriteHeader(http.StatusNoContent)
		return callerr.OK, out.err
	case ce.ResultRetry, ce.ResultRetryAfter:
		if out.delay > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(out.delay.Seconds()))))
		}
		code, _ := inv.reply(w, callerr.New(callerr.Unavailable, "Event should be redelivered"))
		return code, out.err
	default:
		code, _ := inv.reply(w, inv.sanitize(out.err, out.stack))
		return code, out.err
	}
}

// consumeMessage adapts an event handler to the Watermill router. Only retry
// results nack the message, after waiting out any requested delay.
func (s *Service) consumeMessage(info *HandlerInfo, reg EventHandlerRegistration) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		evt := ce.FromMessage(msg)

		ctx := msg.Context()
		if tp := evt.GetExtensionString(ce.ExtTraceParent); tp != "" {
			ctx = propagation.TraceContext{}.Extract(ctx, propagation.MapCarrier{"traceparent": tp})
		}
		var traceID string
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			traceID = sc.TraceID().String()
		}

		inv, ctx := s.beginInvocation(ctx, info, traceID)
		if reg.EventType != "" && evt.Type != reg.EventType {
			inv.logger.Debug("Ignoring event of another type", loggingpkg.LogFields{"event_type": evt.Type})
			inv.end(callerr.OK, nil)
			return nil
		}

		out := inv.handleEvent(ctx, evt, reg.Handler)
		switch out.result {
		case ce.ResultRetry, ce.ResultRetryAfter:
			inv.end(callerr.Unavailable, out.err)
			if out.delay > 0 {
				s.sleep(ctx, out.delay)
			}
			return out.err
		case ce.ResultExpected, ce.ResultUnexpected:
			cerr := inv.sanitize(out.err, out.stack)
			inv.end(cerr.Code, out.err)
			return nil
		default:
			inv.end(callerr.OK, out.err)
			return nil
		}
	}
}

type eventOutcome struct {
	result ce.HandlerResult
	delay  time.Duration
	err    error
	stack  []byte
}

// handleEvent runs the handler and classifies its outcome.
func (inv *invocation) handleEvent(ctx context.Context, evt ce.Event, handler EventHandler) eventOutcome {
	var out eventOutcome
	func() {
		defer func() {
			if p := recover(); p != nil {
				out.stack, out.err = recoverPanic(p)
			}
		}()
		out.err = handler(ctx, evt)
	}()

	out.result, out.delay = ce.ClassifyError(out.err)
	inv.svc.metrics.eventHandled(inv.info.Name, out.result)

	fields := loggingpkg.LogFields{
		"event_id":   evt.ID,
		"event_type": evt.Type,
		"source":     evt.Source,
	}
	switch out.result {
	case ce.ResultSkip:
		inv.logger.Debug("Skipped event", fields)
	case ce.ResultUnprocessable:
		inv.logger.Error("Dropping unprocessable event", out.err, fields)
	case ce.ResultRetry, ce.ResultRetryAfter:
		fields["delay"] = out.delay.String()
		inv.logger.Info("Event will be redelivered", fields)
	}
	return out
}

func (s *Service) sleep(ctx context.Context, d time.Duration) {
	done := make(chan struct{})
	t := s.clock.AfterFunc(d, func() { close(done) })
	defer t.Stop()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
