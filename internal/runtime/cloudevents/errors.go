package cloudevents

import (
	"errors"
	"fmt"
	"time"

	"github.com/drblury/callflow/internal/runtime/callerr"
)

// Event handlers return these errors to tell the delivering platform what to
// do with an event.
var (
	// ErrRetry asks for redelivery.
	ErrRetry = errors.New("callflow: retry event")

	// ErrSkip acknowledges the event without processing, for example a
	// duplicate delivery.
	ErrSkip = errors.New("callflow: skip event")

	// ErrUnprocessable acknowledges an event that can never succeed. It is
	// logged as an error but not redelivered.
	ErrUnprocessable = errors.New("callflow: unprocessable event")
)

// RetryAfterError asks for redelivery no sooner than Delay.
type RetryAfterError struct {
	Delay time.Duration
	Cause error
}

// ErrRetryAfter returns a RetryAfterError.
//
//	return cloudevents.ErrRetryAfter(time.Minute, fmt.Errorf("rate limited"))
func ErrRetryAfter(delay time.Duration, cause error) *RetryAfterError {
	return &RetryAfterError{Delay: delay, Cause: cause}
}

func (e *RetryAfterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("callflow: retry after %v: %v", e.Delay, e.Cause)
	}
	return fmt.Sprintf("callflow: retry after %v", e.Delay)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrRetry) hold for every RetryAfterError.
func (e *RetryAfterError) Is(target error) bool {
	if target == ErrRetry {
		return true
	}
	_, ok := target.(*RetryAfterError)
	return ok
}

// HandlerResult is the outcome of handling one event.
type HandlerResult int

const (
	ResultAck HandlerResult = iota
	ResultSkip
	ResultRetry
	ResultRetryAfter
	ResultUnprocessable
	// ResultExpected is a *callerr.Error returned deliberately by the handler.
	ResultExpected
	// ResultUnexpected is any other error.
	ResultUnexpected
)

func (r HandlerResult) String() string {
	switch r {
	case ResultAck:
		return "ack"
	case ResultSkip:
		return "skip"
	case ResultRetry:
		return "retry"
	case ResultRetryAfter:
		return "retry_after"
	case ResultUnprocessable:
		return "unprocessable"
	case ResultExpected:
		return "expected"
	case ResultUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// Acked reports whether the platform should consider the event delivered.
func (r HandlerResult) Acked() bool {
	return r == ResultAck || r == ResultSkip || r == ResultUnprocessable
}

// ClassifyError maps a handler error to a result. The delay is set only for
// ResultRetryAfter.
func ClassifyError(err error) (HandlerResult, time.Duration) {
	if err == nil {
		return ResultAck, 0
	}

	var retryAfter *RetryAfterError
	if errors.As(err, &retryAfter) {
		return ResultRetryAfter, retryAfter.Delay
	}
	if errors.Is(err, ErrSkip) {
		return ResultSkip, 0
	}
	if errors.Is(err, ErrUnprocessable) {
		return ResultUnprocessable, 0
	}
	if errors.Is(err, ErrRetry) {
		return ResultRetry, 0
	}
	if _, ok := callerr.As(err); ok {
		return ResultExpected, 0
	}
	return ResultUnexpected, 0
}

// IsRetryable reports whether err asks for redelivery.
func IsRetryable(err error) bool {
	result, _ := ClassifyError(err)
	return result == ResultRetry || result == ResultRetryAfter
}
