package runtime

import (
	"errors"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	// HeaderExecutionID carries the execution id of every invocation.
	HeaderExecutionID = "Function-Execution-Id"
	// HeaderCloudTrace is the legacy trace header, "TRACE_ID/SPAN_ID;o=1".
	HeaderCloudTrace = "X-Cloud-Trace-Context"

	tracerName = "github.com/drblury/callflow"
)

// Middleware wraps the HTTP handler of every route.
type Middleware func(http.Handler) http.Handler

// MiddlewareBuilder constructs a middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (Middleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a
// Service router.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard middleware chain used by the Service
// constructor.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CleanPathMiddleware(),
		TracerMiddleware(),
	}
}

// CleanPathMiddleware collapses duplicate slashes and strips a trailing slash
// so "/fn/" reaches the function registered as "fn".
func CleanPathMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "clean_path",
		Middleware: func(next http.Handler) http.Handler {
			return chimw.CleanPath(chimw.StripSlashes(next))
		},
	}
}

// TracerMiddleware continues the caller's W3C trace and wraps every request in
// an OpenTelemetry server span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service) (Middleware, error) {
			return tracerMiddleware(otel.Tracer(tracerName)), nil
		},
	}
}

func tracerMiddleware(tracer trace.Tracer) Middleware {
	propagator := propagation.TraceContext{}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, "callflow.request",
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				),
			)
			defer span.End()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RegisterMiddleware attaches the supplied middleware to the router. It must
// be called before any function is registered.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.mux == nil {
		return errors.New("router is not initialised")
	}
	if s.routesMounted {
		return errors.New("middlewares must be registered before any route")
	}

	var mw Middleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.mux.Use(mw)
	return nil
}

// traceIDFromRequest prefers the active span, then a traceparent header, then
// the legacy X-Cloud-Trace-Context header.
func traceIDFromRequest(r *http.Request) string {
	if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
		return sc.TraceID().String()
	}
	ctx := propagation.TraceContext{}.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	if legacy := r.Header.Get(HeaderCloudTrace); legacy != "" {
		id, _, _ := strings.Cut(legacy, "/")
		return strings.TrimSpace(id)
	}
	return ""
}
