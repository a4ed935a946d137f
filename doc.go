// Package callflow hosts callable functions behind an HTTP server. A callable
// is invoked with a POST of {"data": ...}, answers with {"result": ...} or
// {"error": {...}}, and can stream progress to clients that accept
// text/event-stream.
//
// A Service owns the router and the function registry. Fill a Config, create
// the Service with NewService, register functions and call Start:
//
//	svc, err := callflow.NewService(&callflow.Config{ProjectID: "demo"}, logger, callflow.ServiceDependencies{})
//	if err != nil {
//		return err
//	}
//	err = callflow.RegisterCallable(svc, callflow.CallableRegistration[Req, Resp]{
//		Name:    "addMessage",
//		Handler: addMessage,
//	})
//	...
//	return svc.Start(ctx)
//
// # Callables
//
// Each request is checked for the POST method, the application/json content
// type and a body holding exactly one "data" key. The Authorization bearer
// token is verified as an ID token and the X-Firebase-AppCheck header as an
// App Check token; an invalid ID token is always rejected while an invalid
// App Check token is only rejected when Config.EnforceAppCheck is set.
// Request data goes through the wire codec, so 64-bit integers survive as
// typed wrappers.
//
// Handlers return a *Error built with NewError to send a specific code from
// the 17-code taxonomy. Any other error, or a panic, reaches the client as
// INTERNAL with a generic message.
//
// # Other triggers
//
// RegisterHTTPFunction mounts a plain http.HandlerFunc. RegisterEventHandler
// accepts CloudEvents over HTTP in binary or structured mode and, when a Topic
// is set, consumes them from a Watermill subscriber. Brokers are built by name
// through BuildTransport after RegisterBuiltinTransports.
//
// # Operations
//
// Every invocation gets an execution id, echoed in the Function-Execution-Id
// header, and a logger carrying it. CallHooks observe start, success and
// failure. Prometheus metrics are served at Config.MetricsPath and per
// function statistics at /api/functions.
package callflow
