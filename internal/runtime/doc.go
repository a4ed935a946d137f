/*
Package runtime implements the function server behind the callflow facade.

# Architecture Overview

A Service wraps a chi router. Every registered function is mounted at
"/<name>" and, when Config.Target names it, at "/" too. Event handlers with a
topic are also added to a Watermill router that runs next to the HTTP server.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - HTTP router and server lifecycle
  - Token verifier
  - Watermill router for topic consumers
  - Prometheus registry and metrics
  - Middleware chain

## Registration (registration.go, dispatcher.go, http_function.go, events.go)

  - dispatcher.go: typed callables and the callable protocol
  - http_function.go: raw HTTP functions
  - events.go: CloudEvent triggers over HTTP and from subscribers

## Invocations (invocation.go, context.go, hooks.go)

Each request starts an invocation carrying the execution id, a span, a scoped
logger and the hooks. Its end records the outcome in stats and metrics.

## Stats & Monitoring (models.go, resources.go, webui.go, metrics.go)

  - Latency percentiles (p50, p95, p99)
  - Outcome counts by error category
  - Process resource sampling
  - JSON report at /api/functions

## Publishing (publisher.go)

Wraps data in a CloudEvent and hands it to the configured publisher.

# Sub-packages

  - auth/: ID token and App Check verification with cached public keys
  - callable/: request validation, response envelopes, SSE streams
  - callerr/: the error codes clients see
  - clock/: real and fake clocks
  - cloudevents/: event model and HTTP/Watermill bindings
  - codec/: wire encoding of callable data
  - config/: server configuration with validation
  - errors/: sentinel errors
  - ids/: ULID execution ids
  - jsoncodec/: JSON marshaling
  - logging/: logger interface and adapters
*/
package runtime
