package errors

import sterrors "errors"

var (
	ErrServiceRequired     = sterrors.New("callflow: service is required")
	ErrHandlerRequired     = sterrors.New("callflow: handler function is required")
	ErrHandlerNameRequired = sterrors.New("callflow: handler name is required")
	ErrInvalidHandlerName  = sterrors.New("callflow: handler name may only contain letters, digits, '-' and '_'")
	ErrDuplicateHandler    = sterrors.New("callflow: a function with this name is already registered")
	ErrConfigRequired      = sterrors.New("callflow: configuration is required")
	ErrLoggerRequired      = sterrors.New("callflow: logger is required")
	ErrEventTypeRequired   = sterrors.New("callflow: event type is required")
	ErrSubscriberRequired  = sterrors.New("callflow: subscriber is required")
	ErrPublisherRequired   = sterrors.New("callflow: publisher is required")
	ErrTopicRequired       = sterrors.New("callflow: topic is required")
	ErrServiceStarted      = sterrors.New("callflow: service already started")
)

// ConfigValidationError wraps the joined validation failures of a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "callflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
