package runtime

import (
	"bytes"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drblury/callflow/internal/runtime/callable"
	"github.com/drblury/callflow/internal/runtime/clock"
	configpkg "github.com/drblury/callflow/internal/runtime/config"
	"github.com/drblury/callflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/callflow/internal/runtime/logging"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

// syncBuffer collects log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newBufferLogger() (loggingpkg.ServiceLogger, *syncBuffer) {
	buf := &syncBuffer{}
	log := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return loggingpkg.NewSlogServiceLogger(log), buf
}

// newTestService builds a service that trusts unsigned tokens and runs on a
// fake clock unless cfg or deps say otherwise.
func newTestService(t *testing.T, cfg *configpkg.Config, deps ServiceDependencies) *Service {
	t.Helper()
	return newTestServiceWithLogger(t, cfg, deps, newTestLogger())
}

func newTestServiceWithLogger(t *testing.T, cfg *configpkg.Config, deps ServiceDependencies, log loggingpkg.ServiceLogger) *Service {
	t.Helper()
	if cfg == nil {
		cfg = &configpkg.Config{TrustAllTokens: true}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Fake(testEpoch)
	}
	svc, err := NewService(cfg, log, deps)
	require.NoError(t, err)
	return svc
}

// unsignedToken builds an emulator-style token with an empty signature.
func unsignedToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload, err := jsoncodec.Marshal(claims)
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + "."
}

func callableRequest(path, body string, header http.Header) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func parseEnvelope(t *testing.T, body []byte) callable.Response {
	t.Helper()
	resp, err := callable.ParseResponse(body)
	require.NoError(t, err, "body: %s", body)
	return resp
}

// streamFrames splits an event-stream body into its data payloads and the
// number of heartbeat comments.
func streamFrames(body string) (frames []string, pings int) {
	for _, block := range strings.Split(body, "\n\n") {
		switch {
		case strings.HasPrefix(block, "data: "):
			frames = append(frames, strings.TrimPrefix(block, "data: "))
		case strings.HasPrefix(block, ": ping"):
			pings++
		}
	}
	return frames, pings
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}
