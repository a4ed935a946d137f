package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/callflow/internal/runtime/callable"
	"github.com/drblury/callflow/internal/runtime/callerr"
	ce "github.com/drblury/callflow/internal/runtime/cloudevents"
)

// Metrics holds the Prometheus collectors of a Service.
type Metrics struct {
	mu sync.Mutex

	invocationsTotal *prometheus.CounterVec
	durationSeconds  *prometheus.HistogramVec
	inFlight         *prometheus.GaugeVec
	streamEvents     *prometheus.CounterVec
	eventResults     *prometheus.CounterVec
	keyRefreshes     *prometheus.CounterVec
	keysLoaded       *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "callflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "callflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors. Call Register to expose them.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:       registerer,
		invocationsTotal: newCounterVec("function", "invocations_total", "Function invocations by final status", []string{"function", "kind", "status"}),
		durationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "callflow",
				Subsystem: "function",
				Name:      "duration_seconds",
				Help:      "Time from request receipt to the final response byte",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"function", "kind"},
		),
		inFlight:     newGaugeVec("function", "in_flight", "Invocations currently running", []string{"function"}),
		streamEvents: newCounterVec("stream", "events_total", "Server-sent event stream activity", []string{"function", "event"}),
		eventResults: newCounterVec("event", "results_total", "Event handler outcomes", []string{"function", "result"}),
		keyRefreshes: newCounterVec("auth", "key_refreshes_total", "Public key set refreshes", []string{"keyset", "result"}),
		keysLoaded:   newGaugeVec("auth", "keys_loaded", "Keys held by the last successful refresh", []string{"keyset"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.invocationsTotal,
		m.durationSeconds,
		m.inFlight,
		m.streamEvents,
		m.eventResults,
		m.keyRefreshes,
		m.keysLoaded,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) callStarted(function string) {
	m.inFlight.WithLabelValues(function).Inc()
}

func (m *Metrics) callFinished(function string, kind FunctionKind, code callerr.Code, duration time.Duration) {
	m.inFlight.WithLabelValues(function).Dec()
	m.invocationsTotal.WithLabelValues(function, string(kind), code.String()).Inc()
	m.durationSeconds.WithLabelValues(function, string(kind)).Observe(duration.Seconds())
}

func (m *Metrics) streamObserver(function string) func(callable.StreamEvent) {
	chunks := m.streamEvents.WithLabelValues(function, "chunk")
	heartbeats := m.streamEvents.WithLabelValues(function, "heartbeat")
	aborts := m.streamEvents.WithLabelValues(function, "abort")
	return func(ev callable.StreamEvent) {
		switch ev {
		case callable.EventChunk:
			chunks.Inc()
		case callable.EventHeartbeat:
			heartbeats.Inc()
		case callable.EventAbort:
			aborts.Inc()
		}
	}
}

func (m *Metrics) eventHandled(function string, result ce.HandlerResult) {
	m.eventResults.WithLabelValues(function, result.String()).Inc()
}

// keyRefreshObserver is installed as KeySetCache.OnRefresh.
func (m *Metrics) keyRefreshObserver(keyset string) func(keys int, err error) {
	return func(keys int, err error) {
		if err != nil {
			m.keyRefreshes.WithLabelValues(keyset, "error").Inc()
			return
		}
		m.keyRefreshes.WithLabelValues(keyset, "ok").Inc()
		m.keysLoaded.WithLabelValues(keyset).Set(float64(keys))
	}
}

// Reset clears every series (useful for testing).
func (m *Metrics) Reset() {
	m.invocationsTotal.Reset()
	m.durationSeconds.Reset()
	m.inFlight.Reset()
	m.streamEvents.Reset()
	m.eventResults.Reset()
	m.keyRefreshes.Reset()
	m.keysLoaded.Reset()
}
