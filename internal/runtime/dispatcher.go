package runtime

import (
	"context"
	"errors"
	"net/http"

	"github.com/drblury/callflow/internal/runtime/auth"
	"github.com/drblury/callflow/internal/runtime/callable"
	"github.com/drblury/callflow/internal/runtime/callerr"
	"github.com/drblury/callflow/internal/runtime/codec"
	errspkg "github.com/drblury/callflow/internal/runtime/errors"
	"github.com/drblury/callflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/callflow/internal/runtime/logging"
)

// CallableRequest is what a callable handler receives.
type CallableRequest[T any] struct {
	// Data is the decoded "data" member of the request.
	Data T
	// RawData is Data before typed decoding: nil, bool, float64, int64,
	// uint64, string, []any or map[string]any.
	RawData any

	// Auth is nil unless the request carried a valid ID token.
	Auth *auth.AuthIdentity
	// AppCheck is nil unless the request carried a valid App Check token.
	AppCheck *auth.AttestationIdentity
	// InstanceIDToken is passed through unverified.
	InstanceIDToken string

	// AcceptsStreaming reports whether the client asked for server-sent
	// events. SendChunk only delivers when it is true.
	AcceptsStreaming bool

	Header      http.Header
	ExecutionID string
	TraceID     string
	Logger      loggingpkg.ServiceLogger

	stream *callable.Stream
}

// SendChunk streams v to the client ahead of the final result. It returns
// false when the client did not ask for streaming, has disconnected, or v has
// no wire encoding.
func (r *CallableRequest[T]) SendChunk(v any) bool {
	if r.stream == nil {
		return false
	}
	return r.stream.Send(v)
}

// Forward streams every value received from values until the channel is
// closed or the client disconnects.
func (r *CallableRequest[T]) Forward(ctx context.Context, values <-chan any) error {
	if r.stream == nil {
		return callable.ErrStreamNotOpen
	}
	return callable.Forward(ctx, r.stream, values)
}

// CallableHandler handles one callable invocation. Return a *callerr.Error to
// send a deliberate failure; any other error reaches the client only as
// INTERNAL "An unexpected error occurred.".
type CallableHandler[T, O any] func(ctx context.Context, req *CallableRequest[T]) (O, error)

// CallableRegistration configures a callable function.
type CallableRegistration[T, O any] struct {
	Name    string
	Handler CallableHandler[T, O]
	// Decoder builds T from the decoded request data, which must then be a
	// JSON object. Without a decoder the data is used directly when it is
	// already a T and converted through its JSON form otherwise.
	Decoder func(map[string]any) (T, error)
}

// RegisterCallable mounts a callable function at "/<Name>".
func RegisterCallable[T, O any](svc *Service, reg CallableRegistration[T, O]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if reg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	_, err := svc.registerFunction(functionRegistration{
		Name: reg.Name,
		Kind: KindCallable,
		build: func(info *HandlerInfo) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				inv, ctx := svc.beginRequest(w, r, info)
				code, err := dispatchCallable(ctx, inv, w, r, reg)
				inv.end(code, err)
			})
		},
	})
	return err
}

// dispatchCallable runs the callable protocol for one request and returns the
// code the client received together with the original failure.
func dispatchCallable[T, O any](ctx context.Context, inv *invocation, w http.ResponseWriter, r *http.Request, reg CallableRegistration[T, O]) (callerr.Code, error) {
	s := inv.svc

	body, err := s.readJSONBody(w, r)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return inv.reply(w, callerr.New(callerr.InvalidArgument, "Request body is too large"))
		}
		return inv.reply(w, callerr.New(callerr.InvalidArgument, "Bad Request"))
	}
	if err := callable.ValidateRequest(r, body); err != nil {
		inv.logger.Info("Invalid callable request", loggingpkg.LogFields{"reason": err.Error()})
		return inv.reply(w, callerr.New(callerr.InvalidArgument, "Bad Request"))
	}

	outcome := s.verifier.Verify(ctx, r.Header)
	if rejected := inv.checkTokens(outcome); rejected != nil {
		return inv.reply(w, rejected)
	}

	raw, err := codec.Decode(callable.Data(body))
	if err != nil {
		inv.logger.Info("Undecodable callable data", loggingpkg.LogFields{"reason": err.Error()})
		return inv.reply(w, callerr.New(callerr.InvalidArgument, "Invalid request data"))
	}
	data, err := decodeData(raw, reg.Decoder)
	if err != nil {
		cerr, ok := callerr.As(err)
		if !ok {
			inv.logger.Info("Callable data rejected by decoder", loggingpkg.LogFields{"reason": err.Error()})
			cerr = callerr.New(callerr.InvalidArgument, "Invalid request data")
		}
		return inv.reply(w, cerr)
	}

	req := &CallableRequest[T]{
		Data:             data,
		RawData:          raw,
		Auth:             outcome.Auth,
		AppCheck:         outcome.AppCheck,
		InstanceIDToken:  r.Header.Get(auth.HeaderInstanceID),
		AcceptsStreaming: callable.AcceptsStreaming(r),
		Header:           r.Header,
		ExecutionID:      inv.call.ExecutionID,
		TraceID:          inv.call.TraceID,
		Logger:           inv.logger,
	}

	if req.AcceptsStreaming {
		stream, stop, err := inv.openStream(w, r)
		if err != nil {
			return callerr.Internal, err
		}
		defer stop()
		req.stream = stream
	}

	result, stack, herr := invokeCallable(ctx, reg.Handler, req)

	var resp callable.Response
	if herr != nil {
		resp = callable.Failure(inv.sanitize(herr, stack))
	} else if encoded, eerr := codec.Encode(result); eerr != nil {
		herr = eerr
		resp = callable.Failure(inv.sanitize(eerr, nil))
	} else {
		resp = callable.Success(encoded)
	}

	if req.stream == nil {
		if werr := callable.WriteJSON(w, resp); werr != nil {
			inv.logger.Debug("Failed to write response", loggingpkg.LogFields{"error": werr.Error()})
		}
		return responseCode(resp), herr
	}

	if req.stream.State() == callable.StreamAborted {
		inv.logger.Debug("Client disconnected, discarding result", nil)
		if herr == nil {
			herr = callerr.New(callerr.Cancelled, "")
		}
		return callerr.Cancelled, herr
	}
	if werr := req.stream.Finish(resp); werr != nil {
		inv.logger.Debug("Failed to write final stream event", loggingpkg.LogFields{"error": werr.Error()})
	}
	return responseCode(resp), herr
}

// checkTokens applies the access rules: an invalid ID token is always
// rejected, a missing one is allowed. App Check is only required when
// enforced; otherwise an invalid App Check token is logged and ignored.
func (inv *invocation) checkTokens(outcome auth.VerificationOutcome) *callerr.Error {
	if outcome.AuthStatus == auth.TokenInvalid {
		inv.logger.Info("Rejected invalid auth token", loggingpkg.LogFields{"reason": errString(outcome.AuthErr)})
		return callerr.New(callerr.Unauthenticated, "")
	}
	if outcome.AppCheckStatus == auth.TokenValid {
		return nil
	}
	fields := loggingpkg.LogFields{
		"app_check": outcome.AppCheckStatus.String(),
		"reason":    errString(outcome.AppCheckErr),
	}
	if inv.svc.Conf.EnforceAppCheck {
		inv.logger.Info("Rejected request without a valid App Check token", fields)
		return callerr.New(callerr.Unauthenticated, "")
	}
	if outcome.AppCheckStatus == auth.TokenInvalid {
		inv.logger.Info("Allowing request with an invalid App Check token", fields)
	}
	return nil
}

// openStream switches the response to server-sent events. The returned stop
// function detaches the stream from the request context.
func (inv *invocation) openStream(w http.ResponseWriter, r *http.Request) (*callable.Stream, func() bool, error) {
	s := inv.svc
	stats := inv.info.Stats
	observe := s.metrics.streamObserver(inv.info.Name)
	stream := callable.NewStream(w,
		callable.WithClock(s.clock),
		callable.WithHeartbeat(s.heartbeatInterval()),
		callable.WithObserver(func(ev callable.StreamEvent) {
			stats.onStreamEvent(ev)
			observe(ev)
		}),
	)
	if err := stream.Open(); err != nil {
		return nil, nil, err
	}
	stats.onStreamOpen()
	inv.call.Streaming = true
	inv.span.AddEvent("stream opened")
	return stream, context.AfterFunc(r.Context(), stream.Abort), nil
}

// reply writes a failure that happened before the handler ran.
func (inv *invocation) reply(w http.ResponseWriter, cerr *callerr.Error) (callerr.Code, error) {
	if err := callable.WriteJSON(w, callable.Failure(cerr)); err != nil {
		inv.logger.Debug("Failed to write response", loggingpkg.LogFields{"error": err.Error()})
	}
	return cerr.Code, cerr
}

func responseCode(resp callable.Response) callerr.Code {
	if resp.Err != nil {
		return resp.Err.Code
	}
	return callerr.OK
}

func invokeCallable[T, O any](ctx context.Context, handler CallableHandler[T, O], req *CallableRequest[T]) (result O, stack []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			stack, err = recoverPanic(p)
		}
	}()
	result, err = handler(ctx, req)
	return result, nil, err
}

// decodeData turns the codec output into the handler's request type.
func decodeData[T any](raw any, decoder func(map[string]any) (T, error)) (T, error) {
	var zero T
	if decoder != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return zero, callerr.New(callerr.InvalidArgument, "Request data must be an object")
		}
		return decoder(m)
	}
	if raw == nil {
		return zero, nil
	}
	if v, ok := raw.(T); ok {
		return v, nil
	}
	var out T
	if err := jsoncodec.Convert(raw, &out); err != nil {
		return zero, err
	}
	return out, nil
}
