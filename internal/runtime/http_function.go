package runtime

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/drblury/callflow/internal/runtime/callable"
	"github.com/drblury/callflow/internal/runtime/callerr"
	errspkg "github.com/drblury/callflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/callflow/internal/runtime/logging"
)

// HTTPFunc handles a plain HTTP request. A returned error is sanitized like a
// callable failure and written as an error envelope, unless the function has
// already started the response.
type HTTPFunc func(w http.ResponseWriter, r *http.Request) error

// HTTPFunctionRegistration configures a plain HTTP function.
type HTTPFunctionRegistration struct {
	Name    string
	Handler HTTPFunc
}

// RegisterHTTPFunction mounts a plain HTTP function at "/<Name>". The request
// is passed through without the callable protocol or token checks.
func RegisterHTTPFunction(svc *Service, reg HTTPFunctionRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if reg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	_, err := svc.registerFunction(functionRegistration{
		Name: reg.Name,
		Kind: KindHTTP,
		build: func(info *HandlerInfo) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				inv, ctx := svc.beginRequest(w, r, info)
				code, err := inv.serveHTTPFunc(w, r.WithContext(ctx), reg.Handler)
				inv.end(code, err)
			})
		},
	})
	return err
}

func (inv *invocation) serveHTTPFunc(w http.ResponseWriter, r *http.Request, fn HTTPFunc) (code callerr.Code, err error) {
	ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

	var stack []byte
	func() {
		defer func() {
			if p := recover(); p != nil {
				stack, err = recoverPanic(p)
			}
		}()
		err = fn(ww, r)
	}()

	if err == nil {
		return statusCode(ww.Status()), nil
	}

	cerr := inv.sanitize(err, stack)
	if ww.Status() != 0 {
		inv.logger.Debug("Response already started, dropping error envelope", loggingpkg.LogFields{
			"status": ww.Status(),
			"code":   cerr.Code.String(),
		})
		return statusCode(ww.Status()), err
	}
	if werr := callable.WriteJSON(ww, callable.Failure(cerr)); werr != nil {
		inv.logger.Debug("Failed to write response", loggingpkg.LogFields{"error": werr.Error()})
	}
	return cerr.Code, err
}

// statusCode maps a status written by the function itself to a code.
func statusCode(status int) callerr.Code {
	if status < http.StatusBadRequest {
		return callerr.OK
	}
	return callerr.FromHTTPStatus(status)
}
