package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	wmmw "github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/callflow/internal/runtime/auth"
	"github.com/drblury/callflow/internal/runtime/clock"
	configpkg "github.com/drblury/callflow/internal/runtime/config"
	errspkg "github.com/drblury/callflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/callflow/internal/runtime/logging"
)

const readHeaderTimeout = 10 * time.Second

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to get the defaults derived from the configuration.
type ServiceDependencies struct {
	// Verifier replaces the token verifier built from the configuration.
	Verifier *auth.Verifier
	// HTTPClient is used for public key downloads.
	HTTPClient *http.Client
	// Clock drives key expiry, stream heartbeats and execution ids.
	Clock clock.Clock
	Hooks CallHooks
	// Registry receives the Prometheus collectors. A private registry is
	// created when nil.
	Registry        *prometheus.Registry
	ErrorClassifier ErrorClassifier

	// Subscriber is the default source for event handlers with a Topic.
	Subscriber message.Subscriber
	// Publisher backs PublishEvent.
	Publisher message.Publisher

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
}

// Service serves registered functions over HTTP and, for event handlers with a
// topic, from a Watermill subscriber.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	mux           chi.Router
	routesMounted bool

	verifier        *auth.Verifier
	clock           clock.Clock
	hooks           CallHooks
	metrics         *Metrics
	registry        *prometheus.Registry
	errorClassifier ErrorClassifier
	tracer          trace.Tracer

	subscriber message.Subscriber
	publisher  message.Publisher
	router     *message.Router
	consumers  int

	handlers   []*HandlerInfo
	handlersMu sync.RWMutex
	process    *processSampler

	started atomic.Bool
}

// NewService constructs a Service for the supplied configuration. Register
// functions on the returned Service before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	cfg := conf.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log.Info("Creating function service", loggingpkg.LogFields{
		"config": cfg.String(),
	})

	s := &Service{
		Conf:            &cfg,
		Logger:          log,
		mux:             chi.NewRouter(),
		clock:           deps.Clock,
		hooks:           deps.Hooks,
		registry:        deps.Registry,
		errorClassifier: deps.ErrorClassifier,
		tracer:          otel.Tracer(tracerName),
		subscriber:      deps.Subscriber,
		publisher:       deps.Publisher,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	if s.errorClassifier == nil {
		s.errorClassifier = defaultErrorClassifier
	}
	s.process = newProcessSampler(s.clock)

	s.metrics = NewMetrics(s.registry)
	if err := s.metrics.Register(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	s.verifier = deps.Verifier
	if s.verifier == nil {
		verifier, err := s.newVerifier(deps.HTTPClient)
		if err != nil {
			return nil, err
		}
		s.verifier = verifier
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.ShutdownTimeout}, loggingpkg.NewWatermillAdapter(log))
	if err != nil {
		return nil, err
	}
	router.AddMiddleware(wmmw.CorrelationID, wmmw.Recoverer)
	s.router = router

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	s.mountOperationalRoutes()

	return s, nil
}

func (s *Service) newVerifier(client *http.Client) (*auth.Verifier, error) {
	cfg := auth.VerifierConfig{
		ProjectID:     s.Conf.ProjectID,
		ProjectNumber: s.Conf.ProjectNumber,
		Clock:         s.clock,
	}
	if s.Conf.TrustAllTokens {
		cfg.Mode = auth.ModeTrustAll
		s.Logger.Info("Token signatures are NOT verified", loggingpkg.LogFields{"mode": cfg.Mode.String()})
		return auth.NewVerifier(cfg)
	}

	idKeysURL := s.Conf.IDTokenKeysURL
	if idKeysURL == "" {
		idKeysURL = auth.DefaultIDTokenKeysURL
	}
	appCheckKeysURL := s.Conf.AppCheckKeysURL
	if appCheckKeysURL == "" {
		appCheckKeysURL = auth.DefaultAppCheckKeysURL
	}

	cfg.Mode = auth.ModeVerify
	cfg.IDTokenKeys = auth.NewKeySetCache(&auth.HTTPKeyFetcher{URL: idKeysURL, Client: client}, s.clock, s.Conf.KeyCacheTTL)
	cfg.IDTokenKeys.OnRefresh = s.metrics.keyRefreshObserver("id_token")
	cfg.AppCheckKeys = auth.NewKeySetCache(&auth.HTTPKeyFetcher{URL: appCheckKeysURL, Client: client}, s.clock, s.Conf.KeyCacheTTL)
	cfg.AppCheckKeys.OnRefresh = s.metrics.keyRefreshObserver("app_check")
	return auth.NewVerifier(cfg)
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) mountOperationalRoutes() {
	if s.Conf.MetricsEnabled {
		s.mount(s.Conf.MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	}
	if s.Conf.WebUIEnabled {
		s.mount(functionsAPIPath, http.HandlerFunc(s.handleGetFunctions))
	}
}

func (s *Service) mount(path string, h http.Handler) {
	s.routesMounted = true
	s.mux.Handle(path, h)
}

// Handler returns the HTTP handler serving every registered function, for
// embedding in an existing server.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Metrics returns the service's Prometheus collectors.
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// Verifier returns the token verifier used for callable requests.
func (s *Service) Verifier() *auth.Verifier {
	return s.verifier
}

// Start serves HTTP on Conf.Addr, and runs the event router when event
// handlers consume a topic, until ctx is cancelled. In-flight requests get
// Conf.ShutdownTimeout to finish.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errspkg.ErrServiceStarted
	}

	srv := &http.Server{
		Addr:              s.Conf.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{
			"address":   s.Conf.Addr,
			"functions": len(s.Functions()),
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.Conf.ShutdownTimeout)
		defer cancel()
		s.Logger.Info("Shutting down HTTP server", nil)
		return srv.Shutdown(shutdownCtx)
	})
	if s.consumers > 0 {
		g.Go(func() error {
			return s.router.Run(gctx)
		})
	}
	return g.Wait()
}

// Functions returns the registered functions in registration order.
func (s *Service) Functions() []*HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make([]*HandlerInfo, len(s.handlers))
	copy(out, s.handlers)
	return out
}

func (s *Service) heartbeatInterval() time.Duration {
	if s.Conf.HeartbeatInterval < 0 {
		return 0
	}
	return s.Conf.HeartbeatInterval
}
