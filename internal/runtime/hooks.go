package runtime

import (
	"context"
	"time"

	"github.com/drblury/callflow/internal/runtime/callerr"
	loggingpkg "github.com/drblury/callflow/internal/runtime/logging"
)

// CallContext provides information about one function invocation to hooks.
type CallContext struct {
	// Function is the registered function name.
	Function string
	Kind     FunctionKind
	// ExecutionID is echoed to the client in the Function-Execution-Id header.
	ExecutionID string
	TraceID     string
	// Context is the request context.
	Context   context.Context
	StartedAt time.Time
	// Duration is only set in OnCallDone and OnCallError.
	Duration time.Duration
	// Code is the status the client received. Only set in OnCallDone and
	// OnCallError.
	Code callerr.Code
	// Streaming reports whether the response was delivered as server-sent events.
	Streaming bool
}

// CallHooks defines callbacks for invocation lifecycle events.
// All hooks are optional.
type CallHooks struct {
	// OnCallStart runs before the request is validated.
	OnCallStart func(ctx CallContext)

	// OnCallDone runs after a successful invocation.
	OnCallDone func(ctx CallContext)

	// OnCallError runs after a failed invocation, including requests rejected
	// before the handler ran. err is the original error, not the sanitized one
	// the client saw.
	OnCallError func(ctx CallContext, err error)
}

// Merge combines two CallHooks. The hooks from other run after those of h.
func (h CallHooks) Merge(other CallHooks) CallHooks {
	return CallHooks{
		OnCallStart: chainHooks(h.OnCallStart, other.OnCallStart),
		OnCallDone:  chainHooks(h.OnCallDone, other.OnCallDone),
		OnCallError: chainErrorHooks(h.OnCallError, other.OnCallError),
	}
}

func chainHooks(a, b func(CallContext)) func(CallContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CallContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(CallContext, error)) func(CallContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CallContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h CallHooks) start(ctx CallContext) {
	if h.OnCallStart != nil {
		h.OnCallStart(ctx)
	}
}

func (h CallHooks) finish(ctx CallContext, err error) {
	if err != nil {
		if h.OnCallError != nil {
			h.OnCallError(ctx, err)
		}
		return
	}
	if h.OnCallDone != nil {
		h.OnCallDone(ctx)
	}
}

// LoggingHooks returns hooks that log every invocation at debug level and
// failures at info level. Unexpected failures are already logged at error
// level by the dispatcher.
func LoggingHooks(logger loggingpkg.ServiceLogger) CallHooks {
	return CallHooks{
		OnCallStart: func(ctx CallContext) {
			logger.Debug("Function invoked", callFields(ctx))
		},
		OnCallDone: func(ctx CallContext) {
			fields := callFields(ctx)
			fields["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Debug("Function completed", fields)
		},
		OnCallError: func(ctx CallContext, err error) {
			fields := callFields(ctx)
			fields["duration_ms"] = ctx.Duration.Milliseconds()
			fields["status"] = ctx.Code.String()
			if cerr, ok := callerr.As(err); ok {
				fields["message"] = cerr.Message
			}
			logger.Info("Function failed", fields)
		},
	}
}

func callFields(ctx CallContext) loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"function":     ctx.Function,
		"kind":         string(ctx.Kind),
		"execution_id": ctx.ExecutionID,
		"trace_id":     ctx.TraceID,
		"streaming":    ctx.Streaming,
	}
}

// MetricsHooks returns hooks that report invocation outcomes to the supplied
// callbacks.
func MetricsHooks(onStart, onDone, onError func(function string, kind FunctionKind)) CallHooks {
	return CallHooks{
		OnCallStart: func(ctx CallContext) {
			if onStart != nil {
				onStart(ctx.Function, ctx.Kind)
			}
		},
		OnCallDone: func(ctx CallContext) {
			if onDone != nil {
				onDone(ctx.Function, ctx.Kind)
			}
		},
		OnCallError: func(ctx CallContext, err error) {
			if onError != nil {
				onError(ctx.Function, ctx.Kind)
			}
		},
	}
}

// AlertingHooks returns hooks that call alertFunc for unexpected failures only.
func AlertingHooks(alertFunc func(ctx CallContext, err error)) CallHooks {
	return CallHooks{
		OnCallError: func(ctx CallContext, err error) {
			if _, expected := callerr.As(err); !expected {
				alertFunc(ctx, err)
			}
		},
	}
}
