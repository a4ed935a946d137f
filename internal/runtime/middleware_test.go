package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceIDFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		want   string
	}{
		{name: "none", want: ""},
		{
			name:   "traceparent",
			header: http.Header{"Traceparent": {"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}},
			want:   "4bf92f3577b34da6a3ce929d0e0e4736",
		},
		{
			name:   "legacy cloud trace",
			header: http.Header{HeaderCloudTrace: {"105445aa7843bc8bf206b12000100000/1;o=1"}},
			want:   "105445aa7843bc8bf206b12000100000",
		},
		{
			name: "traceparent wins",
			header: http.Header{
				"Traceparent":    {"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
				HeaderCloudTrace: {"105445aa7843bc8bf206b12000100000/1;o=1"},
			},
			want: "4bf92f3577b34da6a3ce929d0e0e4736",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			for k, v := range tt.header {
				req.Header[k] = v
			}
			assert.Equal(t, tt.want, traceIDFromRequest(req))
		})
	}
}

func TestTracerMiddlewareKeepsIncomingTrace(t *testing.T) {
	var traceID string
	svc := newTestService(t, nil, ServiceDependencies{Hooks: CallHooks{
		OnCallStart: func(ctx CallContext) { traceID = ctx.TraceID },
	}})
	registerAdd(t, svc)

	req := callableRequest("/add", `{"data":{"a":1,"b":2}}`, http.Header{
		"Traceparent": {"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
	})
	rec := serve(svc.Handler(), req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", traceID)
}

func TestCleanPathMiddleware(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	registerAdd(t, svc)

	for _, path := range []string{"/add/", "//add"} {
		rec := serve(svc.Handler(), callableRequest(path, `{"data":{"a":1,"b":2}}`, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestCustomMiddlewareRuns(t *testing.T) {
	var seen string
	svc := newTestService(t, nil, ServiceDependencies{
		Middlewares: []MiddlewareRegistration{{
			Name: "tag",
			Middleware: func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					seen = r.URL.Path
					w.Header().Set("X-Tag", "1")
					next.ServeHTTP(w, r)
				})
			},
		}},
	})
	registerAdd(t, svc)

	rec := serve(svc.Handler(), callableRequest("/add", `{"data":{"a":1,"b":2}}`, nil))

	assert.Equal(t, "/add", seen)
	assert.Equal(t, "1", rec.Header().Get("X-Tag"))
}

func TestRegisterMiddlewareValidation(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{DisableDefaultMiddlewares: true})

	assert.Error(t, svc.RegisterMiddleware(MiddlewareRegistration{Name: "empty"}))
	require.NoError(t, svc.RegisterMiddleware(MiddlewareRegistration{
		Builder: func(*Service) (Middleware, error) { return nil, nil },
	}))

	registerAdd(t, svc)
	err := svc.RegisterMiddleware(MiddlewareRegistration{
		Middleware: func(next http.Handler) http.Handler { return next },
	})
	assert.Error(t, err, "middlewares cannot be added once routes exist")
}
