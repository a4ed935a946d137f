package callable

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/drblury/callflow/internal/runtime/clock"
	"github.com/drblury/callflow/internal/runtime/codec"
	"github.com/drblury/callflow/internal/runtime/jsoncodec"
)

// StreamState is the lifecycle state of a Stream.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamOpen
	StreamClosed
	StreamAborted
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamOpen:
		return "open"
	case StreamClosed:
		return "closed"
	case StreamAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// StreamEvent is reported to a stream observer.
type StreamEvent int

const (
	EventChunk StreamEvent = iota
	EventHeartbeat
	EventAbort
)

var (
	// ErrStreamNotOpen is returned by writes outside the Open state.
	ErrStreamNotOpen = errors.New("callable: stream is not open")

	pingFrame = []byte(": ping\n\n")
)

type chunk struct {
	Message any `json:"message"`
}

// Stream delivers server-sent events for one request. All writes go through a
// single guarded entry point, so nothing reaches the client once the stream is
// closed or aborted.
type Stream struct {
	mu      sync.Mutex
	w       io.Writer
	header  http.Header
	status  func(int)
	flusher http.Flusher

	clock     clock.Clock
	heartbeat time.Duration
	timer     clock.Timer
	armed     uint64

	state  StreamState
	ctx    context.Context
	cancel context.CancelFunc

	observe func(StreamEvent)
}

// StreamOption customises a Stream.
type StreamOption func(*Stream)

// WithClock replaces the wall clock used for heartbeats.
func WithClock(c clock.Clock) StreamOption {
	return func(s *Stream) { s.clock = c }
}

// WithHeartbeat sets the idle interval after which a keep-alive comment is
// written. A non-positive interval disables heartbeats.
func WithHeartbeat(d time.Duration) StreamOption {
	return func(s *Stream) { s.heartbeat = d }
}

// WithObserver registers fn to be told about chunks, heartbeats and aborts.
func WithObserver(fn func(StreamEvent)) StreamOption {
	return func(s *Stream) { s.observe = fn }
}

// NewStream prepares a stream over w. Nothing is written until Open.
func NewStream(w http.ResponseWriter, opts ...StreamOption) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		w:      w,
		header: w.Header(),
		status: w.WriteHeader,
		clock:  clock.Real(),
		ctx:    ctx,
		cancel: cancel,
	}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the stream is closed or aborted.
func (s *Stream) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Open writes the event-stream headers and arms the heartbeat.
func (s *Stream) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StreamIdle {
		return ErrStreamNotOpen
	}
	s.header.Set("Content-Type", ContentTypeEventStream)
	s.header.Set("Cache-Control", "no-cache")
	s.header.Set("Connection", "keep-alive")
	s.status(http.StatusOK)
	s.state = StreamOpen
	s.flush()
	s.armLocked()
	return nil
}

// Send writes v as one {"message": v} event and reports whether it was
// delivered.
func (s *Stream) Send(v any) bool {
	return s.Write(v) == nil
}

// Write is Send with the failure reason: ErrStreamNotOpen, a *codec.FormatError
// for values with no encoding, or the underlying write error.
func (s *Stream) Write(v any) error {
	encoded, err := codec.Encode(v)
	if err != nil {
		return err
	}
	payload, err := jsoncodec.Marshal(chunk{Message: encoded})
	if err != nil {
		return err
	}
	if err := s.writeFrame(dataFrame(payload)); err != nil {
		return err
	}
	s.notify(EventChunk)
	return nil
}

// Finish writes the terminal result or error event and closes the stream.
func (s *Stream) Finish(resp Response) error {
	payload, err := resp.MarshalJSON()
	if err != nil {
		payload, _ = Failure(nil).MarshalJSON()
	}
	werr := s.writeFrame(dataFrame(payload))
	s.Close()
	if werr != nil {
		return werr
	}
	return err
}

// Abort marks the stream aborted, stops the heartbeat and cancels forwarding.
// It is idempotent and has no effect on a closed stream.
func (s *Stream) Abort() {
	s.mu.Lock()
	aborted := s.abortLocked()
	s.mu.Unlock()
	if aborted {
		s.notify(EventAbort)
	}
}

// Close ends the stream. Once Close returns no further bytes are written.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	if s.state == StreamClosed || s.state == StreamAborted {
		return
	}
	s.state = StreamClosed
	s.stopLocked()
}

func (s *Stream) abortLocked() bool {
	s.cancel()
	if s.state == StreamClosed || s.state == StreamAborted {
		return false
	}
	s.state = StreamAborted
	s.stopLocked()
	return true
}

func (s *Stream) writeFrame(frame []byte) error {
	s.mu.Lock()
	if s.state != StreamOpen {
		s.mu.Unlock()
		return ErrStreamNotOpen
	}
	if _, err := s.w.Write(frame); err != nil {
		s.abortLocked()
		s.mu.Unlock()
		s.notify(EventAbort)
		return err
	}
	s.flush()
	s.armLocked()
	s.mu.Unlock()
	return nil
}

func (s *Stream) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *Stream) armLocked() {
	s.stopLocked()
	if s.heartbeat <= 0 {
		return
	}
	s.armed++
	gen := s.armed
	s.timer = s.clock.AfterFunc(s.heartbeat, func() { s.ping(gen) })
}

func (s *Stream) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Stream) ping(gen uint64) {
	s.mu.Lock()
	if s.state != StreamOpen || gen != s.armed {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	if _, err := s.w.Write(pingFrame); err != nil {
		s.abortLocked()
		s.mu.Unlock()
		s.notify(EventAbort)
		return
	}
	s.flush()
	s.armLocked()
	s.mu.Unlock()
	s.notify(EventHeartbeat)
}

func (s *Stream) notify(ev StreamEvent) {
	if s.observe != nil {
		s.observe(ev)
	}
}

func dataFrame(payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(payload) + 8)
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// Forward sends every value received from values until the channel is
// closed, ctx is done, or the stream stops. It returns nil once values is
// drained, ErrStreamNotOpen when the stream stopped first, or ctx.Err().
func Forward[T any](ctx context.Context, s *Stream, values <-chan T) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return ErrStreamNotOpen
		case v, ok := <-values:
			if !ok {
				return nil
			}
			if err := s.Write(v); err != nil {
				return err
			}
		}
	}
}
