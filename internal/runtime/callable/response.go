package callable

import (
	"bytes"
	"errors"
	"net/http"

	"github.com/drblury/callflow/internal/runtime/callerr"
	"github.com/drblury/callflow/internal/runtime/jsoncodec"
)

// Response is the terminal outcome of an invocation: either a result or an
// error, never both.
type Response struct {
	Result any
	Err    *callerr.Error
}

// Success wraps an encoded result.
func Success(result any) Response {
	return Response{Result: result}
}

// Failure wraps an error. A nil err is treated as an unexpected failure.
func Failure(err *callerr.Error) Response {
	if err == nil {
		err = callerr.Unexpected()
	}
	return Response{Err: err}
}

// Status returns the HTTP status of the response.
func (r Response) Status() int {
	if r.Err != nil {
		return r.Err.HTTPStatus()
	}
	return http.StatusOK
}

type resultEnvelope struct {
	Result any `json:"result"`
}

type errorEnvelope struct {
	Error callerr.WireError `json:"error"`
}

// MarshalJSON renders {"result": ...} or {"error": {...}}.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Err != nil {
		return jsoncodec.Marshal(errorEnvelope{Error: r.Err.Wire()})
	}
	return jsoncodec.Marshal(resultEnvelope{Result: r.Result})
}

// ParseResponse decodes a response envelope as written by WriteJSON.
func ParseResponse(data []byte) (Response, error) {
	var raw struct {
		Result any                `json:"result"`
		Error  *callerr.WireError `json:"error"`
	}
	if err := jsoncodec.Unmarshal(data, &raw); err != nil {
		return Response{}, err
	}
	if raw.Error != nil {
		return Response{Err: callerr.FromWire(*raw.Error)}, nil
	}
	if !bytes.Contains(data, []byte(`"result"`)) {
		return Response{}, errors.New("callable: response has neither result nor error")
	}
	return Response{Result: raw.Result}, nil
}

// WriteJSON writes resp as a single JSON response. If the result cannot be
// marshalled the client receives the generic internal error instead and the
// marshalling error is returned.
func WriteJSON(w http.ResponseWriter, resp Response) error {
	body, err := resp.MarshalJSON()
	if err != nil {
		resp = Failure(callerr.Unexpected())
		body, _ = resp.MarshalJSON()
	}
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(resp.Status())
	if _, werr := w.Write(body); werr != nil && err == nil {
		err = werr
	}
	return err
}
