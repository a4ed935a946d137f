// Package callerr defines the closed set of error codes a callable function can
// return to its client, together with their wire status strings, default
// messages and HTTP status codes.
//
// Handlers return a *Error to fail a call deliberately. Its message and details
// are sent to the client verbatim. Any other error is treated as unexpected and
// replaced by Unexpected() before it reaches the wire.
package callerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies one of the 17 error kinds understood by callable clients.
//
// Codes are declared in canonical order. FromHTTPStatus depends on this order
// to resolve HTTP statuses that several codes share.
type Code int

const (
	OK Code = iota
	InvalidArgument
	FailedPrecondition
	OutOfRange
	Unauthenticated
	PermissionDenied
	NotFound
	AlreadyExists
	Aborted
	ResourceExhausted
	Cancelled
	Internal
	Unknown
	DataLoss
	Unimplemented
	Unavailable
	DeadlineExceeded

	numCodes
)

// InternalMessage is the only message clients ever see for unexpected failures.
const InternalMessage = "An unexpected error occurred."

type descriptor struct {
	status     string
	message    string
	httpStatus int
}

var descriptors = [numCodes]descriptor{
	OK:                 {"OK", "OK", http.StatusOK},
	InvalidArgument:    {"INVALID_ARGUMENT", "Invalid argument", http.StatusBadRequest},
	FailedPrecondition: {"FAILED_PRECONDITION", "Failed precondition", http.StatusBadRequest},
	OutOfRange:         {"OUT_OF_RANGE", "Value out of range", http.StatusBadRequest},
	Unauthenticated:    {"UNAUTHENTICATED", "Unauthenticated", http.StatusUnauthorized},
	PermissionDenied:   {"PERMISSION_DENIED", "Permission denied", http.StatusForbidden},
	NotFound:           {"NOT_FOUND", "Resource not found", http.StatusNotFound},
	AlreadyExists:      {"ALREADY_EXISTS", "Resource already exists", http.StatusConflict},
	Aborted:            {"ABORTED", "Operation aborted", http.StatusConflict},
	ResourceExhausted:  {"RESOURCE_EXHAUSTED", "Resource exhausted", http.StatusTooManyRequests},
	Cancelled:          {"CANCELLED", "Request was cancelled", 499},
	Internal:           {"INTERNAL", "Internal error", http.StatusInternalServerError},
	Unknown:            {"UNKNOWN", "Unknown error occurred", http.StatusInternalServerError},
	DataLoss:           {"DATA_LOSS", "Data loss", http.StatusInternalServerError},
	Unimplemented:      {"UNIMPLEMENTED", "Operation not implemented", http.StatusNotImplemented},
	Unavailable:        {"UNAVAILABLE", "Service unavailable", http.StatusServiceUnavailable},
	DeadlineExceeded:   {"DEADLINE_EXCEEDED", "Deadline exceeded", http.StatusGatewayTimeout},
}

// Codes returns every code in canonical order.
func Codes() []Code {
	out := make([]Code, numCodes)
	for i := range out {
		out[i] = Code(i)
	}
	return out
}

// Valid reports whether c is one of the declared codes.
func (c Code) Valid() bool {
	return c >= 0 && c < numCodes
}

func (c Code) descriptor() descriptor {
	if !c.Valid() {
		return descriptors[Unknown]
	}
	return descriptors[c]
}

// String returns the SCREAMING_SNAKE_CASE wire status of the code.
func (c Code) String() string {
	return c.descriptor().status
}

// DefaultMessage returns the message used when none is supplied.
func (c Code) DefaultMessage() string {
	return c.descriptor().message
}

// HTTPStatus returns the fixed HTTP status for the code.
func (c Code) HTTPStatus() int {
	return c.descriptor().httpStatus
}

// FromHTTPStatus maps an HTTP status back to a code. Shared statuses resolve to
// the first code in canonical order; unmapped statuses yield Unknown.
func FromHTTPStatus(status int) Code {
	for i, d := range descriptors {
		if d.httpStatus == status {
			return Code(i)
		}
	}
	return Unknown
}

// ParseCode resolves a wire status string such as "NOT_FOUND".
func ParseCode(status string) (Code, bool) {
	for i, d := range descriptors {
		if d.status == status {
			return Code(i), true
		}
	}
	return Unknown, false
}

// Error is a deliberate, client-visible failure.
type Error struct {
	Code    Code
	Message string
	Details any
}

// New builds an Error. An empty message falls back to the code's default.
func New(code Code, message string) *Error {
	if !code.Valid() {
		code = Unknown
	}
	if message == "" {
		message = code.DefaultMessage()
	}
	return &Error{Code: code, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithDetails returns a copy of e carrying details. Details must be JSON
// serialisable.
func (e *Error) WithDetails(details any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

func (e *Error) Error() string {
	return e.Code.String() + ": " + e.Message
}

// HTTPStatus returns the HTTP status the error is sent with.
func (e *Error) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WireError is the JSON form of an Error inside the {"error": ...} envelope.
type WireError struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Wire returns the error's wire representation.
func (e *Error) Wire() WireError {
	return WireError{
		Status:  e.Code.String(),
		Message: e.Message,
		Details: e.Details,
	}
}

// FromWire rebuilds an Error from a previously produced wire error. Unknown
// statuses become Unknown.
func FromWire(w WireError) *Error {
	code, _ := ParseCode(w.Status)
	return &Error{Code: code, Message: w.Message, Details: w.Details}
}

// Unexpected returns the generic error sent for every unexpected failure.
func Unexpected() *Error {
	return New(Internal, InternalMessage)
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Sanitize returns the error that may be shown to a client: err itself when it
// is an *Error, otherwise Unexpected(). The boolean reports whether err was
// expected.
func Sanitize(err error) (*Error, bool) {
	if ce, ok := As(err); ok {
		return ce, true
	}
	return Unexpected(), false
}
