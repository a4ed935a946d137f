package runtime

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"runtime/debug"

	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/callflow/internal/runtime/callerr"
	idspkg "github.com/drblury/callflow/internal/runtime/ids"
	"github.com/drblury/callflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/callflow/internal/runtime/logging"
)

var errBodyTooLarge = errors.New("callflow: request body too large")

// invocation is the bookkeeping shared by every trigger kind: execution id,
// request logger, span, stats, metrics and hooks.
type invocation struct {
	svc    *Service
	info   *HandlerInfo
	call   CallContext
	logger loggingpkg.ServiceLogger
	span   trace.Span
}

func (s *Service) beginInvocation(ctx context.Context, info *HandlerInfo, traceID string) (*invocation, context.Context) {
	now := s.clock.Now()
	executionID := idspkg.NewExecutionIDAt(now)

	ctx, span := s.tracer.Start(ctx, "callflow.invoke "+info.Name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("faas.name", info.Name),
			attribute.String("faas.trigger", string(info.Kind)),
			attribute.String("faas.execution", executionID),
		),
	)

	logger := s.Logger.With(loggingpkg.LogFields{
		"function":     info.Name,
		"execution_id": executionID,
		"trace_id":     traceID,
	})
	ctx = withInvocation(ctx, logger, executionID)

	inv := &invocation{
		svc:    s,
		info:   info,
		logger: logger,
		span:   span,
		call: CallContext{
			Function:    info.Name,
			Kind:        info.Kind,
			ExecutionID: executionID,
			TraceID:     traceID,
			Context:     ctx,
			StartedAt:   now,
		},
	}

	info.Stats.onStart()
	s.metrics.callStarted(info.Name)
	s.hooks.start(inv.call)
	return inv, ctx
}

// beginRequest starts an invocation for an HTTP request and echoes the
// execution id in the response headers.
func (s *Service) beginRequest(w http.ResponseWriter, r *http.Request, info *HandlerInfo) (*invocation, context.Context) {
	inv, ctx := s.beginInvocation(r.Context(), info, traceIDFromRequest(r))
	w.Header().Set(HeaderExecutionID, inv.call.ExecutionID)
	return inv, ctx
}

// end records the outcome. code is what the client received and err the
// original failure, if any.
func (inv *invocation) end(code callerr.Code, err error) {
	now := inv.svc.clock.Now()
	inv.call.Duration = now.Sub(inv.call.StartedAt)
	inv.call.Code = code

	inv.info.Stats.onFinish(now, inv.call.Duration, err, inv.svc.errorClassifier)
	inv.svc.metrics.callFinished(inv.info.Name, inv.info.Kind, code, inv.call.Duration)

	inv.span.SetAttributes(attribute.String("callflow.status", code.String()))
	if code != callerr.OK {
		inv.span.SetStatus(codes.Error, code.String())
	}
	inv.span.End()

	inv.svc.hooks.finish(inv.call, err)
}

// sanitize returns the error the client may see. Anything that is not a
// *callerr.Error is logged in full and replaced by the generic internal error.
func (inv *invocation) sanitize(err error, stack []byte) *callerr.Error {
	cerr, expected := callerr.Sanitize(err)
	if !expected {
		inv.logger.Error("Function failed with an unexpected error", err, loggingpkg.Failure(err, stack))
	}
	return cerr
}

// recoverPanic converts a panic into an error carrying the goroutine stack.
func recoverPanic(p any) ([]byte, error) {
	stack := debug.Stack()
	if err, ok := p.(error); ok {
		return stack, pkgerrors.Wrap(err, "function panicked")
	}
	return stack, pkgerrors.Errorf("function panicked: %v", p)
}

// readJSONBody reads at most MaxRequestBytes and parses the body as JSON. An
// empty or unparsable body yields nil, which the callable validator rejects.
func (s *Service) readJSONBody(w http.ResponseWriter, r *http.Request) (any, error) {
	raw, err := s.readBody(w, r)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var body any
	if err := jsoncodec.Unmarshal(raw, &body); err != nil {
		return nil, nil
	}
	return body, nil
}

func (s *Service) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.Conf.MaxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errBodyTooLarge
		}
		return nil, err
	}
	return raw, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
