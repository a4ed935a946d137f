package callflow

import (
	runtimepkg "github.com/drblury/callflow/internal/runtime"
	"github.com/drblury/callflow/internal/runtime/auth"
	"github.com/drblury/callflow/internal/runtime/callable"
	"github.com/drblury/callflow/internal/runtime/callerr"
	"github.com/drblury/callflow/internal/runtime/clock"
	ce "github.com/drblury/callflow/internal/runtime/cloudevents"
	"github.com/drblury/callflow/internal/runtime/codec"
	configpkg "github.com/drblury/callflow/internal/runtime/config"
	errspkg "github.com/drblury/callflow/internal/runtime/errors"
	idspkg "github.com/drblury/callflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/callflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/callflow/internal/runtime/logging"
	"github.com/drblury/callflow/transport"
	"github.com/drblury/callflow/transport/transports"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	// Callables
	CallableRequest[T any]             = runtimepkg.CallableRequest[T]
	CallableHandler[T any, O any]      = runtimepkg.CallableHandler[T, O]
	CallableRegistration[T any, O any] = runtimepkg.CallableRegistration[T, O]
	HTTPFunc                           = runtimepkg.HTTPFunc
	HTTPFunctionRegistration           = runtimepkg.HTTPFunctionRegistration
	EventHandler                       = runtimepkg.EventHandler
	EventHandlerRegistration           = runtimepkg.EventHandlerRegistration
	FunctionKind                       = runtimepkg.FunctionKind
	PublishOption                      = runtimepkg.PublishOption

	// Errors sent to clients
	Code      = callerr.Code
	Error     = callerr.Error
	WireError = callerr.WireError

	// Caller identity
	AuthIdentity        = auth.AuthIdentity
	AttestationIdentity = auth.AttestationIdentity
	TokenStatus         = auth.TokenStatus
	Verifier            = auth.Verifier
	VerifierConfig      = auth.VerifierConfig

	// Streaming
	Stream      = callable.Stream
	StreamState = callable.StreamState

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	Middleware             = runtimepkg.Middleware

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	HandlerInfo           = runtimepkg.HandlerInfo
	HandlerStats          = runtimepkg.HandlerStats
	FunctionsReport       = runtimepkg.FunctionsReport
	ProcessUsage          = runtimepkg.ProcessUsage
	Metrics               = runtimepkg.Metrics
	ConfigValidationError = errspkg.ConfigValidationError

	// Invocation hooks
	CallContext = runtimepkg.CallContext
	CallHooks   = runtimepkg.CallHooks

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	// CloudEvents
	Event            = ce.Event
	RetryAfterError  = ce.RetryAfterError
	HandlerResult    = ce.HandlerResult
	Clock            = clock.Clock
	FakeClock        = clock.FakeClock
	CodecFormatError = codec.FormatError

	// Brokers
	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportSettings     = transport.Settings
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

const (
	KindCallable = runtimepkg.KindCallable
	KindHTTP     = runtimepkg.KindHTTP
	KindEvent    = runtimepkg.KindEvent

	OK                 = callerr.OK
	InvalidArgument    = callerr.InvalidArgument
	FailedPrecondition = callerr.FailedPrecondition
	OutOfRange         = callerr.OutOfRange
	Unauthenticated    = callerr.Unauthenticated
	PermissionDenied   = callerr.PermissionDenied
	NotFound           = callerr.NotFound
	AlreadyExists      = callerr.AlreadyExists
	Aborted            = callerr.Aborted
	ResourceExhausted  = callerr.ResourceExhausted
	Cancelled          = callerr.Cancelled
	Internal           = callerr.Internal
	Unknown            = callerr.Unknown
	DataLoss           = callerr.DataLoss
	Unimplemented      = callerr.Unimplemented
	Unavailable        = callerr.Unavailable
	DeadlineExceeded   = callerr.DeadlineExceeded

	TokenMissing = auth.TokenMissing
	TokenInvalid = auth.TokenInvalid
	TokenValid   = auth.TokenValid

	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryAuth       = runtimepkg.ErrorCategoryAuth
	ErrorCategoryExpected   = runtimepkg.ErrorCategoryExpected
	ErrorCategoryInternal   = runtimepkg.ErrorCategoryInternal
	ErrorCategoryCancelled  = runtimepkg.ErrorCategoryCancelled

	HeaderExecutionID = runtimepkg.HeaderExecutionID
)

var (
	NewService     = runtimepkg.NewService
	ValidateConfig = configpkg.ValidateConfig

	RegisterHTTPFunction = runtimepkg.RegisterHTTPFunction
	RegisterEventHandler = runtimepkg.RegisterEventHandler

	NewError          = callerr.New
	NewErrorf         = callerr.Newf
	FromHTTPStatus    = callerr.FromHTTPStatus
	AsError           = callerr.As
	NewVerifier       = auth.NewVerifier
	IsCallableRequest = callable.IsCallableRequest

	DefaultMiddlewares     = runtimepkg.DefaultMiddlewares
	CleanPathMiddleware    = runtimepkg.CleanPathMiddleware
	TracerMiddleware       = runtimepkg.TracerMiddleware
	LoggerFromContext      = runtimepkg.LoggerFromContext
	ExecutionIDFromContext = runtimepkg.ExecutionIDFromContext

	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	WithSubject         = runtimepkg.WithSubject
	WithDataContentType = runtimepkg.WithDataContentType
	WithDataSchema      = runtimepkg.WithDataSchema
	WithExtension       = runtimepkg.WithExtension

	NewCloudEvent = ce.New
	ErrRetryAfter = ce.ErrRetryAfter
	ClassifyError = ce.ClassifyError
	IsRetryable   = ce.IsRetryable

	EncodeData = codec.Encode
	DecodeData = codec.Decode

	RealClock    = clock.Real
	NewFakeClock = clock.Fake

	NewExecutionID = idspkg.NewExecutionID

	BuildTransport            = transport.Build
	NewTransportRegistry      = transport.NewRegistry
	RegisterTransport         = transport.Register
	RegisterBuiltinTransports = transports.RegisterAll
	GetTransportCapabilities  = transport.GetCapabilities

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger
	NewWatermillLogger        = loggingpkg.NewWatermillAdapter

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
)

// Sentinel errors.
var (
	ErrServiceRequired     = errspkg.ErrServiceRequired
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrHandlerNameRequired = errspkg.ErrHandlerNameRequired
	ErrInvalidHandlerName  = errspkg.ErrInvalidHandlerName
	ErrDuplicateHandler    = errspkg.ErrDuplicateHandler
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrEventTypeRequired   = errspkg.ErrEventTypeRequired
	ErrSubscriberRequired  = errspkg.ErrSubscriberRequired
	ErrPublisherRequired   = errspkg.ErrPublisherRequired
	ErrTopicRequired       = errspkg.ErrTopicRequired
	ErrServiceStarted      = errspkg.ErrServiceStarted

	ErrRetry         = ce.ErrRetry
	ErrSkip          = ce.ErrSkip
	ErrUnprocessable = ce.ErrUnprocessable

	ErrStreamNotOpen = callable.ErrStreamNotOpen

	ErrNoBroker = transport.ErrNoBroker
)

// RegisterCallable registers a callable function on svc.
func RegisterCallable[T any, O any](svc *Service, reg CallableRegistration[T, O]) error {
	return runtimepkg.RegisterCallable(svc, reg)
}

// TransportNames lists the brokers registered by name, sorted.
func TransportNames() []string {
	return transport.DefaultRegistry.Names()
}

// NewEntryServiceLogger adapts a logrus-style entry.
func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
