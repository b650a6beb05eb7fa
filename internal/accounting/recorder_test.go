package accounting

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestControlPlaneRecorderShipsEvents(t *testing.T) {
	type payload struct {
		Events []event `json:"events"`
	}

	var mu sync.Mutex
	var received []event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/internal/usage", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var p payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		received = append(received, p.Events...)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	rec := NewControlPlaneRecorder(ControlPlaneConfig{
		URL:           srv.URL,
		APIKey:        "secret",
		FlushInterval: 10 * time.Millisecond,
	}, discardLogger())

	rec.RecordConnectionOpen("sess-1", "acme/orders", "alice")
	rec.RecordQuery("acme/orders")
	rec.RecordQuery("acme/orders")
	rec.RecordQuery("acme/catalog")
	rec.RecordConnectionClose("sess-1", 1500*time.Millisecond)
	rec.Close()

	mu.Lock()
	defer mu.Unlock()

	kinds := map[string]int{}
	queriesByBackend := map[string]int64{}
	for _, ev := range received {
		kinds[ev.Kind]++
		if ev.Kind == "queries" {
			queriesByBackend[ev.BackendID] += ev.Queries
		}
		if ev.Kind == "connection_close" {
			assert.Equal(t, int64(1500), ev.Duration)
		}
	}
	assert.Equal(t, 1, kinds["connection_open"])
	assert.Equal(t, 1, kinds["connection_close"])
	assert.Equal(t, int64(2), queriesByBackend["acme/orders"])
	assert.Equal(t, int64(1), queriesByBackend["acme/catalog"])
}

func TestControlPlaneRecorderSurvivesDeadEndpoint(t *testing.T) {
	rec := NewControlPlaneRecorder(ControlPlaneConfig{
		URL:           "http://127.0.0.1:1",
		Timeout:       50 * time.Millisecond,
		FlushInterval: 10 * time.Millisecond,
	}, discardLogger())

	rec.RecordQuery("acme/orders")
	rec.RecordConnectionOpen("sess-1", "acme/orders", "alice")

	// Close must return despite undeliverable events.
	done := make(chan struct{})
	go func() {
		rec.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = NopRecorder{}
	r.RecordQuery("x")
	r.RecordConnectionOpen("s", "x", "u")
	r.RecordConnectionClose("s", time.Second)
}
