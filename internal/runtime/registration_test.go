package runtime

import (
	"context"
	"net/http"
	"testing"

	ce "github.com/drblury/callflow/internal/runtime/cloudevents"
	configpkg "github.com/drblury/callflow/internal/runtime/config"
	errspkg "github.com/drblury/callflow/internal/runtime/errors"
)

func TestRegisterFunctionValidatesName(t *testing.T) {
	svc := newTestService(t, &configpkg.Config{TrustAllTokens: true, MetricsEnabled: true}, ServiceDependencies{})
	noop := func(w http.ResponseWriter, r *http.Request) error { return nil }

	tests := []struct {
		name string
		err  error
	}{
		{name: "", err: errspkg.ErrHandlerNameRequired},
		{name: "with space", err: errspkg.ErrInvalidHandlerName},
		{name: "nested/path", err: errspkg.ErrInvalidHandlerName},
		{name: "metrics", err: errspkg.ErrDuplicateHandler},
		{name: "ok_name-1", err: nil},
		{name: "ok_name-1", err: errspkg.ErrDuplicateHandler},
	}

	for _, tt := range tests {
		err := RegisterHTTPFunction(svc, HTTPFunctionRegistration{Name: tt.name, Handler: noop})
		if tt.err == nil {
			if err != nil {
				t.Fatalf("%q: unexpected error: %v", tt.name, err)
			}
			continue
		}
		if err != tt.err {
			t.Fatalf("%q: expected %v, got %v", tt.name, tt.err, err)
		}
	}
}

func TestRegisterFunctionNamesAreSharedAcrossKinds(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	registerAdd(t, svc)

	err := RegisterEventHandler(svc, EventHandlerRegistration{
		Name:    "add",
		Handler: func(ctx context.Context, evt ce.Event) error { return nil },
	})
	if err != errspkg.ErrDuplicateHandler {
		t.Fatalf("expected duplicate handler error, got %v", err)
	}
}

func TestFunctionsListsRegistrationOrder(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	registerAdd(t, svc)
	if err := RegisterHTTPFunction(svc, HTTPFunctionRegistration{
		Name:    "hook",
		Handler: func(w http.ResponseWriter, r *http.Request) error { return nil },
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := RegisterEventHandler(svc, EventHandlerRegistration{
		Name:      "onEvent",
		EventType: "t",
		Handler:   func(ctx context.Context, evt ce.Event) error { return nil },
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	functions := svc.Functions()
	if len(functions) != 3 {
		t.Fatalf("expected 3 functions, got %d", len(functions))
	}
	want := []struct {
		name string
		kind FunctionKind
	}{{"add", KindCallable}, {"hook", KindHTTP}, {"onEvent", KindEvent}}
	for i, w := range want {
		if functions[i].Name != w.name || functions[i].Kind != w.kind || functions[i].Path != "/"+w.name {
			t.Fatalf("function %d: got %+v", i, functions[i])
		}
	}
	if functions[2].EventType != "t" {
		t.Fatalf("expected event type to be recorded, got %q", functions[2].EventType)
	}
	if svc.lookupFunction("missing") != nil {
		t.Fatal("expected nil for unknown function")
	}
}
