package runtime

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/callflow/internal/runtime/callerr"
)

func TestCallHooksLifecycle(t *testing.T) {
	var events []string
	var done CallContext
	hooks := CallHooks{
		OnCallStart: func(ctx CallContext) { events = append(events, "start:"+ctx.Function) },
		OnCallDone: func(ctx CallContext) {
			events = append(events, "done")
			done = ctx
		},
		OnCallError: func(ctx CallContext, err error) { events = append(events, "error") },
	}
	svc := newTestService(t, nil, ServiceDependencies{Hooks: hooks})
	registerAdd(t, svc)

	rec := serve(svc.Handler(), callableRequest("/add", `{"data":{"a":1,"b":1}}`, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"start:add", "done"}, events)
	assert.Equal(t, KindCallable, done.Kind)
	assert.Equal(t, callerr.OK, done.Code)
	assert.Equal(t, rec.Header().Get(HeaderExecutionID), done.ExecutionID)
	assert.False(t, done.StartedAt.IsZero())
}

func TestCallHooksSeeOriginalError(t *testing.T) {
	boom := errors.New("boom")
	var got error
	var code callerr.Code
	svc := newTestService(t, nil, ServiceDependencies{Hooks: CallHooks{
		OnCallError: func(ctx CallContext, err error) {
			got = err
			code = ctx.Code
		},
	}})
	require.NoError(t, RegisterCallable(svc, CallableRegistration[any, any]{
		Name: "fail",
		Handler: func(ctx context.Context, req *CallableRequest[any]) (any, error) {
			return nil, boom
		},
	}))

	serve(svc.Handler(), callableRequest("/fail", `{"data":null}`, nil))

	assert.ErrorIs(t, got, boom)
	assert.Equal(t, callerr.Internal, code)
}

func TestCallHooksRejectedRequest(t *testing.T) {
	var code callerr.Code
	svc := newTestService(t, nil, ServiceDependencies{Hooks: CallHooks{
		OnCallError: func(ctx CallContext, err error) { code = ctx.Code },
	}})
	registerAdd(t, svc)

	serve(svc.Handler(), callableRequest("/add", `[]`, nil))

	assert.Equal(t, callerr.InvalidArgument, code)
}

func TestCallHooksMerge(t *testing.T) {
	var order []string
	first := CallHooks{
		OnCallStart: func(CallContext) { order = append(order, "first-start") },
		OnCallError: func(CallContext, error) { order = append(order, "first-error") },
	}
	second := CallHooks{
		OnCallStart: func(CallContext) { order = append(order, "second-start") },
		OnCallDone:  func(CallContext) { order = append(order, "second-done") },
	}

	merged := first.Merge(second)
	merged.start(CallContext{})
	merged.finish(CallContext{}, nil)
	merged.finish(CallContext{}, errors.New("x"))

	assert.Equal(t, []string{"first-start", "second-start", "second-done", "first-error"}, order)
	assert.NotPanics(t, func() {
		CallHooks{}.Merge(CallHooks{}).finish(CallContext{}, errors.New("x"))
	})
}

func TestMetricsHooks(t *testing.T) {
	var starts, dones, errs int
	hooks := MetricsHooks(
		func(string, FunctionKind) { starts++ },
		func(string, FunctionKind) { dones++ },
		func(string, FunctionKind) { errs++ },
	)
	hooks.start(CallContext{Function: "f"})
	hooks.finish(CallContext{Function: "f"}, nil)
	hooks.finish(CallContext{Function: "f"}, errors.New("x"))

	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, dones)
	assert.Equal(t, 1, errs)
}

func TestAlertingHooksIgnoreExpectedErrors(t *testing.T) {
	var alerts []error
	hooks := AlertingHooks(func(ctx CallContext, err error) { alerts = append(alerts, err) })

	hooks.finish(CallContext{}, callerr.New(callerr.NotFound, "missing"))
	hooks.finish(CallContext{}, errors.New("db down"))

	require.Len(t, alerts, 1)
	assert.EqualError(t, alerts[0], "db down")
}

func TestLoggingHooks(t *testing.T) {
	log, buf := newBufferLogger()
	hooks := LoggingHooks(log)

	hooks.start(CallContext{Function: "f", ExecutionID: "exec-1"})
	hooks.finish(CallContext{Function: "f", Code: callerr.NotFound}, callerr.New(callerr.NotFound, "gone"))

	out := buf.String()
	assert.Contains(t, out, `"msg":"Function invoked"`)
	assert.Contains(t, out, `"execution_id":"exec-1"`)
	assert.Contains(t, out, `"status":"NOT_FOUND"`)
	assert.Contains(t, out, `"message":"gone"`)
}
