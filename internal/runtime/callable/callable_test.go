package callable

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/callflow/internal/runtime/callerr"
	"github.com/drblury/callflow/internal/runtime/clock"
	"github.com/drblury/callflow/internal/runtime/jsoncodec"
)

func parseBody(t *testing.T, raw string) any {
	t.Helper()
	var v any
	if err := jsoncodec.Unmarshal([]byte(raw), &v); err != nil {
		return nil
	}
	return v
}

func TestRequestValidityMatrix(t *testing.T) {
	methods := []string{http.MethodGet, http.MethodPost}
	contentTypes := []string{"application/json", "application/json; charset=utf-8", "text/plain"}
	bodies := []string{`{"data":1}`, `{"data":1,"x":2}`, `null`}

	for _, method := range methods {
		for _, ct := range contentTypes {
			for _, body := range bodies {
				name := fmt.Sprintf("%s|%s|%s", method, ct, body)
				t.Run(name, func(t *testing.T) {
					r := httptest.NewRequest(method, "/fn", strings.NewReader(body))
					r.Header.Set("Content-Type", ct)
					want := method == http.MethodPost && ct != "text/plain" && body == `{"data":1}`
					assert.Equal(t, want, IsCallableRequest(r, parseBody(t, body)))
				})
			}
		}
	}
}

func TestValidateRequestReasons(t *testing.T) {
	post := func(ct string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/fn", nil)
		r.Header.Set("Content-Type", ct)
		return r
	}

	assert.ErrorIs(t, ValidateRequest(httptest.NewRequest(http.MethodPut, "/fn", nil), nil), ErrMethodNotAllowed)
	assert.ErrorIs(t, ValidateRequest(post(""), parseBody(t, `{"data":1}`)), ErrContentType)
	assert.ErrorIs(t, ValidateRequest(post("application/json"), nil), ErrMissingBody)
	assert.ErrorIs(t, ValidateRequest(post("application/json"), parseBody(t, `[1]`)), ErrEnvelope)
	assert.ErrorIs(t, ValidateRequest(post("application/json"), parseBody(t, `{}`)), ErrEnvelope)
	assert.ErrorIs(t, ValidateRequest(post("application/json"), parseBody(t, `{"other":1}`)), ErrEnvelope)
	assert.NoError(t, ValidateRequest(post("Application/JSON"), parseBody(t, `{"data":null}`)))
	assert.Nil(t, Data(parseBody(t, `{"data":null}`)))
	assert.Equal(t, map[string]any{"a": "b"}, Data(parseBody(t, `{"data":{"a":"b"}}`)))
}

func TestAcceptsStreaming(t *testing.T) {
	tests := []struct {
		accept string
		want   bool
	}{
		{"", false},
		{"application/json", false},
		{"text/event-stream", true},
		{"application/json, text/event-stream;q=0.9", true},
		{"text/event-streams", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodPost, "/fn", nil)
		if tt.accept != "" {
			r.Header.Set("Accept", tt.accept)
		}
		assert.Equal(t, tt.want, AcceptsStreaming(r), tt.accept)
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteJSON(rec, Success(map[string]any{"message": "hi"})))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"result":{"message":"hi"}}`, rec.Body.String())

	rec = httptest.NewRecorder()
	require.NoError(t, WriteJSON(rec, Success(nil)))
	assert.JSONEq(t, `{"result":null}`, rec.Body.String())

	rec = httptest.NewRecorder()
	require.NoError(t, WriteJSON(rec, Failure(callerr.New(callerr.NotFound, "User 42 not found"))))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":{"status":"NOT_FOUND","message":"User 42 not found"}}`, rec.Body.String())

	rec = httptest.NewRecorder()
	err := WriteJSON(rec, Success(make(chan int)))
	assert.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":{"status":"INTERNAL","message":"An unexpected error occurred."}}`, rec.Body.String())
}

func TestParseResponse(t *testing.T) {
	resp, err := ParseResponse([]byte(`{"result":{"n":1}}`))
	require.NoError(t, err)
	assert.Nil(t, resp.Err)
	assert.Equal(t, map[string]any{"n": 1.0}, resp.Result)

	resp, err = ParseResponse([]byte(`{"error":{"status":"ABORTED","message":"busy","details":{"retry":true}}}`))
	require.NoError(t, err)
	require.NotNil(t, resp.Err)
	assert.Equal(t, callerr.Aborted, resp.Err.Code)
	assert.Equal(t, http.StatusConflict, resp.Status())

	_, err = ParseResponse([]byte(`{}`))
	assert.Error(t, err)
}

type failingWriter struct {
	header http.Header
	fail   bool
	writes int
}

func (f *failingWriter) Header() http.Header { return f.header }
func (f *failingWriter) WriteHeader(int)     {}
func (f *failingWriter) Write(p []byte) (int, error) {
	if f.fail {
		return 0, errors.New("broken pipe")
	}
	f.writes++
	return len(p), nil
}

const beat = 10 * time.Second

func openStream(t *testing.T, opts ...StreamOption) (*Stream, *httptest.ResponseRecorder, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(time.Unix(0, 0))
	rec := httptest.NewRecorder()
	s := NewStream(rec, append([]StreamOption{WithClock(fake), WithHeartbeat(beat)}, opts...)...)
	require.NoError(t, s.Open())
	return s, rec, fake
}

func TestStreamOpenAndSend(t *testing.T) {
	var events []StreamEvent
	s, rec, _ := openStream(t, WithObserver(func(ev StreamEvent) { events = append(events, ev) }))

	assert.Equal(t, StreamOpen, s.State())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.ErrorIs(t, s.Open(), ErrStreamNotOpen)

	assert.True(t, s.Send(map[string]any{"n": 1}))
	assert.True(t, s.Send("two"))
	assert.Equal(t, "data: {\"message\":{\"n\":1}}\n\ndata: {\"message\":\"two\"}\n\n", rec.Body.String())
	assert.Equal(t, []StreamEvent{EventChunk, EventChunk}, events)
}

func TestStreamRejectsUnencodableChunk(t *testing.T) {
	s, rec, _ := openStream(t)
	assert.False(t, s.Send(make(chan int)))
	assert.Equal(t, StreamOpen, s.State())
	assert.Empty(t, rec.Body.String())
}

func TestStreamHeartbeat(t *testing.T) {
	s, rec, fake := openStream(t)
	assert.Equal(t, 1, fake.Pending())

	fake.Advance(beat)
	assert.Equal(t, ": ping\n\n", rec.Body.String())

	fake.Advance(2 * beat)
	assert.Equal(t, strings.Repeat(": ping\n\n", 3), rec.Body.String())
	assert.Equal(t, 1, fake.Pending())
	assert.Equal(t, StreamOpen, s.State())
}

func TestStreamWriteRearmsHeartbeat(t *testing.T) {
	s, rec, fake := openStream(t)

	fake.Advance(beat - time.Second)
	require.True(t, s.Send(1))
	fake.Advance(beat - time.Second)
	assert.NotContains(t, rec.Body.String(), "ping")

	fake.Advance(time.Second)
	assert.True(t, strings.HasSuffix(rec.Body.String(), ": ping\n\n"))
	assert.Equal(t, 1, fake.Pending())
}

func TestStreamHeartbeatDisabled(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	rec := httptest.NewRecorder()
	s := NewStream(rec, WithClock(fake), WithHeartbeat(0))
	require.NoError(t, s.Open())
	require.True(t, s.Send(1))
	assert.Equal(t, 0, fake.Pending())
}

func TestStreamAbort(t *testing.T) {
	var events []StreamEvent
	s, rec, fake := openStream(t, WithObserver(func(ev StreamEvent) { events = append(events, ev) }))
	require.True(t, s.Send(1))
	before := rec.Body.Len()

	s.Abort()
	s.Abort()

	assert.Equal(t, StreamAborted, s.State())
	assert.Equal(t, 0, fake.Pending(), "heartbeat must be cancelled")
	assert.False(t, s.Send(2))
	assert.ErrorIs(t, s.Write(2), ErrStreamNotOpen)
	fake.Advance(10 * beat)
	assert.Equal(t, before, rec.Body.Len())
	assert.Equal(t, []StreamEvent{EventChunk, EventAbort}, events)

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed after abort")
	}

	s.Close()
	assert.Equal(t, StreamAborted, s.State())
}

func TestStreamClose(t *testing.T) {
	s, rec, fake := openStream(t)
	s.Close()
	s.Close()

	assert.Equal(t, StreamClosed, s.State())
	assert.Equal(t, 0, fake.Pending(), "heartbeat must be cancelled")
	assert.False(t, s.Send(1))
	fake.Advance(10 * beat)
	assert.Empty(t, rec.Body.String())

	s.Abort()
	assert.Equal(t, StreamClosed, s.State())
}

func TestStreamFinish(t *testing.T) {
	s, rec, fake := openStream(t)
	require.True(t, s.Send("partial"))
	require.NoError(t, s.Finish(Success(map[string]any{"done": true})))

	assert.Equal(t, StreamClosed, s.State())
	assert.Equal(t, 0, fake.Pending())
	assert.Equal(t, "data: {\"message\":\"partial\"}\n\ndata: {\"result\":{\"done\":true}}\n\n", rec.Body.String())

	s, rec, _ = openStream(t)
	require.NoError(t, s.Finish(Failure(callerr.New(callerr.PermissionDenied, ""))))
	assert.Equal(t, "data: {\"error\":{\"status\":\"PERMISSION_DENIED\",\"message\":\"Permission denied\"}}\n\n", rec.Body.String())

	assert.ErrorIs(t, s.Finish(Success(1)), ErrStreamNotOpen)
}

func TestStreamWriteFailureAborts(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	w := &failingWriter{header: http.Header{}}
	s := NewStream(w, WithClock(fake), WithHeartbeat(beat))
	require.NoError(t, s.Open())

	w.fail = true
	assert.False(t, s.Send(1))
	assert.Equal(t, StreamAborted, s.State())
	assert.Equal(t, 0, fake.Pending())

	w.fail = false
	assert.False(t, s.Send(2))
	assert.Zero(t, w.writes)
}

func TestStreamHeartbeatFailureAborts(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	w := &failingWriter{header: http.Header{}}
	s := NewStream(w, WithClock(fake), WithHeartbeat(beat))
	require.NoError(t, s.Open())

	w.fail = true
	fake.Advance(beat)
	assert.Equal(t, StreamAborted, s.State())
	assert.Equal(t, 0, fake.Pending())
}

func TestForward(t *testing.T) {
	s, rec, _ := openStream(t)
	values := make(chan int, 3)
	values <- 1
	values <- 2
	values <- 3
	close(values)

	require.NoError(t, Forward(context.Background(), s, values))
	assert.Equal(t, 3, strings.Count(rec.Body.String(), "data: "))
}

func TestForwardStopsOnAbort(t *testing.T) {
	s, _, _ := openStream(t)
	values := make(chan string)
	done := make(chan error, 1)
	go func() { done <- Forward(context.Background(), s, values) }()

	values <- "first"
	s.Abort()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStreamNotOpen)
	case <-time.After(time.Second):
		t.Fatal("forward did not stop after abort")
	}
}

func TestForwardStopsOnContext(t *testing.T) {
	s, _, _ := openStream(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Forward(ctx, s, make(chan int)), context.Canceled)
}
