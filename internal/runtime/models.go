package runtime

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/drblury/callflow/internal/runtime/callable"
	"github.com/drblury/callflow/internal/runtime/callerr"
	"github.com/drblury/callflow/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// FunctionKind is the trigger type of a registered function.
type FunctionKind string

const (
	KindCallable FunctionKind = "callable"
	KindHTTP     FunctionKind = "http"
	KindEvent    FunctionKind = "event"
)

type HandlerStats struct {
	mu sync.Mutex `json:"-"`

	Invocations         uint64    `json:"invocations"`
	Failed              uint64    `json:"failed"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastInvokedAt       time.Time `json:"last_invoked_at"`
	InFlight            uint64    `json:"in_flight"`
	MaxInFlight         uint64    `json:"max_in_flight"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Streams    StreamMetrics     `json:"streams"`

	latencyWindow    *latencyWindow    `json:"-"`
	throughputWindow *throughputWindow `json:"-"`
}

// HandlerInfo describes one registered function for the stats API.
type HandlerInfo struct {
	Name      string        `json:"name"`
	Kind      FunctionKind  `json:"kind"`
	Path      string        `json:"path"`
	EventType string        `json:"event_type,omitempty"`
	Stats     *HandlerStats `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS          float64 `json:"current_rps"`
	WindowSeconds       float64 `json:"window_seconds"`
	InvocationsInWindow uint64  `json:"invocations_in_window"`
	TotalInvocations    uint64  `json:"total_invocations"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Auth       uint64 `json:"auth"`
	Expected   uint64 `json:"expected"`
	Internal   uint64 `json:"internal"`
	Cancelled  uint64 `json:"cancelled"`
	LastError  string `json:"last_error,omitempty"`
}

// StreamMetrics counts streaming responses of a callable.
type StreamMetrics struct {
	Opened     uint64 `json:"opened"`
	Chunks     uint64 `json:"chunks"`
	Heartbeats uint64 `json:"heartbeats"`
	Aborted    uint64 `json:"aborted"`
}

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryAuth       ErrorCategory = "auth"
	ErrorCategoryExpected   ErrorCategory = "expected"
	ErrorCategoryInternal   ErrorCategory = "internal"
	ErrorCategoryCancelled  ErrorCategory = "cancelled"
)

type ErrorClassifier func(error) ErrorCategory

func newHandlerStats() *HandlerStats {
	return &HandlerStats{
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (h *HandlerStats) onStart() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.InFlight++
	if h.InFlight > h.MaxInFlight {
		h.MaxInFlight = h.InFlight
	}
}

func (h *HandlerStats) onFinish(now time.Time, duration time.Duration, err error, classifier ErrorClassifier) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.InFlight > 0 {
		h.InFlight--
	}

	h.Invocations++
	if err != nil {
		h.Failed++
	}
	h.TotalProcessingTime += int64(duration)
	h.LastInvokedAt = now.UTC()

	if h.latencyWindow != nil {
		h.latencyWindow.Add(duration)
		snapshot := h.latencyWindow.Snapshot()
		snapshot.AverageNs = h.TotalProcessingTime / int64(h.Invocations)
		h.Latency = snapshot
	}

	if h.throughputWindow != nil {
		snapshot := h.throughputWindow.AddAndSnapshot(now)
		h.Throughput.CurrentRPS = snapshot.CurrentRPS
		h.Throughput.WindowSeconds = snapshot.WindowSeconds
		h.Throughput.InvocationsInWindow = uint64(snapshot.Count)
	}
	h.Throughput.TotalInvocations = h.Invocations

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	h.Errors.Record(classifier(err), err)
}

func (h *HandlerStats) onStreamEvent(ev callable.StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch ev {
	case callable.EventChunk:
		h.Streams.Chunks++
	case callable.EventHeartbeat:
		h.Streams.Heartbeats++
	case callable.EventAbort:
		h.Streams.Aborted++
	}
}

func (h *HandlerStats) onStreamOpen() {
	h.mu.Lock()
	h.Streams.Opened++
	h.mu.Unlock()
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	type Alias HandlerStats
	return jsoncodec.Marshal((*Alias)(h))
}

// Record counts err under category. The last error message is kept only for
// expected errors, whose text is already client visible.
func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Internal++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryAuth:
		e.Auth++
	case ErrorCategoryExpected:
		e.Expected++
	case ErrorCategoryCancelled:
		e.Cancelled++
	default:
		e.Internal++
	}
	if cerr, ok := callerr.As(err); ok {
		e.LastError = cerr.Error()
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil {
		return metrics
	}
	metrics.LastNs = lw.last
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		tw.samples = append(tw.samples[:0], tw.samples[idx:]...)
	}

	span := now.Sub(tw.samples[0])
	if span < time.Second {
		span = time.Second
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}

func defaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorCategoryCancelled
	}
	cerr, ok := callerr.As(err)
	if !ok {
		return ErrorCategoryInternal
	}
	switch cerr.Code {
	case callerr.InvalidArgument, callerr.FailedPrecondition, callerr.OutOfRange:
		return ErrorCategoryValidation
	case callerr.Unauthenticated, callerr.PermissionDenied:
		return ErrorCategoryAuth
	case callerr.Cancelled, callerr.DeadlineExceeded:
		return ErrorCategoryCancelled
	default:
		return ErrorCategoryExpected
	}
}
