package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ControlPlaneConfig holds settings for shipping usage events to the
// control plane.
type ControlPlaneConfig struct {
	// URL is the base URL of the control plane API.
	URL string

	// APIKey authenticates the gateway to the control plane.
	APIKey string

	// Timeout for a single request.
	Timeout time.Duration

	// QueueSize bounds the number of pending events. Events past the
	// bound are dropped, never allowed to stall the relay.
	QueueSize int

	// FlushInterval is how often queued query counts are aggregated and
	// shipped.
	FlushInterval time.Duration
}

// DefaultControlPlaneConfig returns sane dispatch defaults.
func DefaultControlPlaneConfig() ControlPlaneConfig {
	return ControlPlaneConfig{
		Timeout:       5 * time.Second,
		QueueSize:     1024,
		FlushInterval: 10 * time.Second,
	}
}

type event struct {
	Kind      string    `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	BackendID string    `json:"backend_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	Duration  int64     `json:"duration_ms,omitempty"`
	Queries   int64     `json:"queries,omitempty"`
	At        time.Time `json:"at"`
}

// ControlPlaneRecorder ships usage events to the control plane
// asynchronously. Query frames are counted per backend and flushed on an
// interval; connection events are shipped as they arrive. Delivery is best
// effort: failures are logged and dropped, the proxy never blocks on
// accounting.
type ControlPlaneRecorder struct {
	cfg    ControlPlaneConfig
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	queries map[string]int64

	events   chan event
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewControlPlaneRecorder builds the recorder and starts its dispatch loop.
func NewControlPlaneRecorder(cfg ControlPlaneConfig, logger *slog.Logger) *ControlPlaneRecorder {
	def := DefaultControlPlaneConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &ControlPlaneRecorder{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With("component", "accounting"),
		queries: make(map[string]int64),
		events:  make(chan event, cfg.QueueSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go r.run()
	return r
}

// RecordQuery implements Recorder. Counts are aggregated in memory and
// flushed on the configured interval.
func (r *ControlPlaneRecorder) RecordQuery(backendID string) {
	r.mu.Lock()
	r.queries[backendID]++
	r.mu.Unlock()
}

// RecordConnectionOpen implements Recorder.
func (r *ControlPlaneRecorder) RecordConnectionOpen(sessionID, backendID, username string) {
	r.enqueue(event{
		Kind:      "connection_open",
		SessionID: sessionID,
		BackendID: backendID,
		Username:  username,
		At:        time.Now().UTC(),
	})
}

// RecordConnectionClose implements Recorder.
func (r *ControlPlaneRecorder) RecordConnectionClose(sessionID string, duration time.Duration) {
	r.enqueue(event{
		Kind:      "connection_close",
		SessionID: sessionID,
		Duration:  duration.Milliseconds(),
		At:        time.Now().UTC(),
	})
}

// Close flushes pending counts and stops the dispatch loop.
func (r *ControlPlaneRecorder) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

func (r *ControlPlaneRecorder) enqueue(ev event) {
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("accounting queue full, dropping event", "kind", ev.Kind)
	}
}

func (r *ControlPlaneRecorder) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.drain()
			r.flushQueries()
			return
		case ev := <-r.events:
			r.ship([]event{ev})
		case <-ticker.C:
			r.flushQueries()
		}
	}
}

// drain ships whatever connection events are still queued at shutdown.
func (r *ControlPlaneRecorder) drain() {
	for {
		select {
		case ev := <-r.events:
			r.ship([]event{ev})
		default:
			return
		}
	}
}

func (r *ControlPlaneRecorder) flushQueries() {
	r.mu.Lock()
	counts := r.queries
	r.queries = make(map[string]int64)
	r.mu.Unlock()

	if len(counts) == 0 {
		return
	}
	batch := make([]event, 0, len(counts))
	now := time.Now().UTC()
	for backendID, n := range counts {
		batch = append(batch, event{Kind: "queries", BackendID: backendID, Queries: n, At: now})
	}
	r.ship(batch)
}

func (r *ControlPlaneRecorder) ship(batch []event) {
	body, err := json.Marshal(map[string][]event{"events": batch})
	if err != nil {
		r.logger.Error("encoding usage events failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.cfg.URL+"/api/v1/internal/usage", bytes.NewReader(body))
	if err != nil {
		r.logger.Error("building usage request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("shipping usage events failed", "events", len(batch), "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		r.logger.Warn("usage endpoint rejected batch",
			"events", len(batch), "status", resp.StatusCode)
	}
}
