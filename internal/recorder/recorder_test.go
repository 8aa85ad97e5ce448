package recorder

import (
	"bufio"
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SmitUplenchwar2687/throttleguard/internal/guard"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRecord_AssignsIDs(t *testing.T) {
	rec := New(nil)
	require.NoError(t, rec.Record(TrafficRecord{Timestamp: epoch, Key: "user:1"}))
	require.NoError(t, rec.Record(TrafficRecord{ID: "fixed", Timestamp: epoch, Key: "user:2"}))

	got := rec.Records()
	require.Len(t, got, 2)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, "fixed", got[1].ID)
}

func TestRecords_IsSnapshot(t *testing.T) {
	rec := New(nil)
	require.NoError(t, rec.Record(TrafficRecord{Timestamp: epoch, Key: "user:1"}))

	snap := rec.Records()
	snap[0].Key = "changed"
	require.NoError(t, rec.Record(TrafficRecord{Timestamp: epoch, Key: "user:2"}))

	assert.Equal(t, "user:1", rec.Records()[0].Key)
	assert.Len(t, snap, 1)
}

func TestRecord_StreamsLines(t *testing.T) {
	var buf bytes.Buffer
	rec := New(&buf)
	require.NoError(t, rec.Record(TrafficRecord{Timestamp: epoch, Key: "ip:10.0.0.1", Endpoint: "GET /api"}))
	require.NoError(t, rec.Record(TrafficRecord{Timestamp: epoch, Key: "ip:10.0.0.2", Endpoint: "POST /api"}))

	var keys []string
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var r TrafficRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		keys = append(keys, r.Key)
	}
	assert.Equal(t, []string{"ip:10.0.0.1", "ip:10.0.0.2"}, keys)
}

func TestExportAndLoadFile(t *testing.T) {
	rec := New(nil)
	require.NoError(t, rec.Record(TrafficRecord{
		Timestamp: epoch, Key: "user:1", Policy: "strict", Endpoint: "GET /a",
		Metadata: map[string]string{"region": "eu"},
	}))
	require.NoError(t, rec.Record(TrafficRecord{Timestamp: epoch.Add(5 * time.Second), Key: "user:2", Endpoint: "POST /b"}))

	path := filepath.Join(t.TempDir(), "traffic.json")
	require.NoError(t, rec.ExportFile(path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "strict", loaded[0].Policy)
	assert.Equal(t, "eu", loaded[0].Metadata["region"])
	assert.True(t, loaded[1].Timestamp.Equal(epoch.Add(5*time.Second)))
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, Error.Has(err), "got %v", err)
}

func TestLoadJSON_Rejects(t *testing.T) {
	for name, input := range map[string]string{
		"not json":          `{`,
		"object":            `{"key": "user:1"}`,
		"missing key":       `[{"timestamp": "2024-01-01T00:00:00Z"}]`,
		"missing timestamp": `[{"key": "user:1"}]`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadJSON(strings.NewReader(input))
			assert.True(t, Error.Has(err), "got %v", err)
		})
	}
}

func TestWriteJSON_EmptyIsArray(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, nil))
	assert.Equal(t, "[]", strings.TrimSpace(buf.String()))

	loaded, err := LoadJSON(&buf)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestTrafficRecord_Request(t *testing.T) {
	r := TrafficRecord{Key: "ip:1", Policy: "strict", Endpoint: "/api", Metadata: map[string]string{"a": "b"}}
	req := r.Request()
	assert.Equal(t, "ip:1", req.Key)
	assert.Equal(t, "strict", req.Policy)
	require.NotNil(t, req.Context)
	assert.Equal(t, "/api", req.Context.Path)
	assert.Empty(t, req.Context.Method)
	assert.Equal(t, "b", req.Context.Metadata["a"])
}

func TestTrafficRecord_RequestSplitsEndpoint(t *testing.T) {
	for endpoint, want := range map[string][2]string{
		"GET /health":      {"GET", "/health"},
		"POST /api/events": {"POST", "/api/events"},
		"/metrics":         {"", "/metrics"},
		"not a path":       {"", "not a path"},
		"":                 {"", ""},
	} {
		ctx := TrafficRecord{Key: "k", Endpoint: endpoint}.Request().Context
		assert.Equal(t, want[0], ctx.Method, endpoint)
		assert.Equal(t, want[1], ctx.Path, endpoint)
	}
}

func TestNewDecisionEvent(t *testing.T) {
	r := TrafficRecord{Key: "ip:1", Policy: "strict"}

	ev := NewDecisionEvent(r, nil, epoch)
	assert.True(t, ev.Allowed)
	assert.NotEmpty(t, ev.ID)
	assert.True(t, ev.Time.Equal(epoch))

	rlErr := guard.NewRateLimitError("Slow down", "strict", "ip:1", 2500*time.Millisecond, nil, epoch)
	ev = NewDecisionEvent(r, rlErr, epoch)
	assert.False(t, ev.Allowed)
	assert.Equal(t, "Slow down", ev.Message)
	assert.EqualValues(t, 2500, ev.RetryAfterMs)
	assert.Empty(t, ev.Error)

	ev = NewDecisionEvent(r, guard.ErrUnknownStrategy.New("strict"), epoch)
	assert.False(t, ev.Allowed)
	assert.NotEmpty(t, ev.Error)
	assert.Zero(t, ev.RetryAfterMs)
}

func TestRecorder_ConcurrentAccess(t *testing.T) {
	rec := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = rec.Record(TrafficRecord{Timestamp: epoch, Key: "user:1"})
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, rec.Len())
}
