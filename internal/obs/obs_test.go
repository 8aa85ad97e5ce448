package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SmitUplenchwar2687/throttleguard/internal/guard"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func rejection(reqCtx *guard.RequestContext) *guard.RateLimitError {
	return guard.NewRateLimitError("Slow down", "strict", "ip:10.0.0.1", 1500*time.Millisecond, reqCtx, epoch)
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestSetupLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger("WARN", "json", &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["message"])
	assert.Contains(t, lines[0], "time")
}

func TestSetupLogger_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger("loud", "", &buf)
	logger.Debug().Msg("hidden")
	logger.Info().Msg("shown")
	assert.Len(t, decodeLines(t, &buf), 1)
}

func TestSetupLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger("info", "console", &buf)
	logger.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	o := NewLogObserver(SetupLogger("debug", "json", &buf), LogObserverOptions{})

	o.Notify(rejection(&guard.RequestContext{
		IP: "10.0.0.1", Path: "/api", Method: "GET", UserID: "42",
		Metadata: map[string]string{"tenant": "acme"},
	}), nil)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	entry := lines[0]
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "rate_limit", entry["type"])
	assert.Equal(t, "Slow down", entry["message"])
	assert.Equal(t, "strict", entry["strategy"])
	assert.Equal(t, "ip:10.0.0.1", entry["key"])
	assert.EqualValues(t, 1500, entry["retry_after_ms"])
	assert.Equal(t, "10.0.0.1", entry["ip"])
	assert.Equal(t, "/api", entry["path"])
	assert.Equal(t, "GET", entry["method"])
	assert.Equal(t, "42", entry["user_id"])
	assert.Equal(t, map[string]any{"tenant": "acme"}, entry["metadata"])
}

func TestLogObserver_LevelAndDisabled(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger("debug", "json", &buf)

	NewLogObserver(logger, LogObserverOptions{Level: "info"}).Notify(rejection(nil), nil)
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "info", lines[0]["level"])
	assert.NotContains(t, lines[0], "ip")

	buf.Reset()
	NewLogObserver(logger, LogObserverOptions{Disabled: true}).Notify(rejection(nil), nil)
	assert.Empty(t, buf.String())
}

func TestMetrics_Notify(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Notify(rejection(nil), nil)
	m.Notify(rejection(nil), nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Rejections.WithLabelValues("strict")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RetryAfter, "throttleguard_retry_after_seconds"))
}

func TestMetrics_RecordSweep(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordSweep(map[string]int{"basic": 3}, map[string]int{"basic": 7})
	m.RecordSweep(map[string]int{"basic": 2}, map[string]int{"basic": 5})

	assert.Equal(t, 5.0, testutil.ToFloat64(m.SweptKeys.WithLabelValues("basic")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.TrackedKeys.WithLabelValues("basic")))
}

func TestMetrics_Middleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("ok"))
	}))

	for _, path := range []string{"/", "/", "/missing"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "404")))
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	h := RequestLogger(SetupLogger("info", "json", &buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/brew", nil))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "/brew", lines[0]["path"])
	assert.EqualValues(t, http.StatusTeapot, lines[0]["status"])
	assert.NotEmpty(t, lines[0]["req_id"])
}

func TestLogObserver_ExplicitContextWins(t *testing.T) {
	var buf bytes.Buffer
	o := NewLogObserver(SetupLogger("debug", "json", &buf), LogObserverOptions{})

	o.Notify(rejection(&guard.RequestContext{IP: "10.0.0.1"}), &guard.RequestContext{IP: "10.0.0.9", Path: "/other"})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "10.0.0.9", lines[0]["ip"])
	assert.Equal(t, "/other", lines[0]["path"])
}
