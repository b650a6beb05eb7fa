// Package wake brings sleeping backends up on demand. The coordinator
// guarantees at most one wake sequence per backend at a time; concurrent
// callers share the result.
package wake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrWakeTimeout is returned when the retry budget is exhausted before
	// the backend accepts connections.
	ErrWakeTimeout = errors.New("wake timeout exceeded")

	// ErrWakeFailed is returned when the orchestrator rejects the start
	// request.
	ErrWakeFailed = errors.New("wake operation failed")
)

// Endpoint is a reachable backend address.
type Endpoint struct {
	Host string
	Port int
}

// Addr renders the endpoint in host:port form.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Backend identifies a backend and where it listens once awake.
type Backend struct {
	ID       string
	Endpoint Endpoint
}

// Orchestrator is the external process-orchestration collaborator.
type Orchestrator interface {
	Start(ctx context.Context, backendID string) error
	Stop(ctx context.Context, backendID string) error
}

// ProbeFunc checks whether a backend accepts TCP connections.
type ProbeFunc func(ctx context.Context, endpoint Endpoint, timeout time.Duration) bool

// TCPProbe is the default liveness probe: a bounded-timeout connect attempt.
func TCPProbe(ctx context.Context, endpoint Endpoint, timeout time.Duration) bool {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint.Addr())
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Config holds coordinator tuning knobs.
type Config struct {
	// ProbeTimeout bounds a single liveness probe.
	ProbeTimeout time.Duration

	// PollInterval is the fixed delay between post-start liveness polls.
	PollInterval time.Duration

	// MaxPolls bounds the post-start poll loop. Exceeding it is a hard
	// failure, never a silent retry-forever.
	MaxPolls int
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout: 2 * time.Second,
		PollInterval: 500 * time.Millisecond,
		MaxPolls:     60,
	}
}

// Coordinator serializes wake sequences per backend identity.
type Coordinator struct {
	cfg    Config
	orch   Orchestrator
	probe  ProbeFunc
	logger *slog.Logger

	group    singleflight.Group
	inFlight atomic.Int64
}

// NewCoordinator creates a coordinator. A nil probe uses TCPProbe.
func NewCoordinator(cfg Config, orch Orchestrator, probe ProbeFunc, logger *slog.Logger) *Coordinator {
	if probe == nil {
		probe = TCPProbe
	}
	return &Coordinator{
		cfg:    cfg,
		orch:   orch,
		probe:  probe,
		logger: logger,
	}
}

// EnsureAwake returns a live endpoint for the backend, starting it if
// necessary. Concurrent calls for the same backend share one wake sequence
// and one orchestrator start request; the in-flight record is cleared once
// the shared result resolves.
func (c *Coordinator) EnsureAwake(ctx context.Context, backend Backend) (Endpoint, error) {
	v, err, _ := c.group.Do(backend.ID, func() (interface{}, error) {
		c.inFlight.Add(1)
		defer c.inFlight.Add(-1)
		return c.ensureAwake(ctx, backend)
	})
	if err != nil {
		return Endpoint{}, err
	}
	return v.(Endpoint), nil
}

func (c *Coordinator) ensureAwake(ctx context.Context, backend Backend) (Endpoint, error) {
	// Fast path: already reachable.
	if c.probe(ctx, backend.Endpoint, c.cfg.ProbeTimeout) {
		return backend.Endpoint, nil
	}

	c.logger.Info("waking backend", "backend_id", backend.ID)
	started := time.Now()

	if err := c.orch.Start(ctx, backend.ID); err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrWakeFailed, err)
	}

	for attempt := 0; attempt < c.cfg.MaxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return Endpoint{}, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
		if c.probe(ctx, backend.Endpoint, c.cfg.ProbeTimeout) {
			c.logger.Info("backend awake",
				"backend_id", backend.ID,
				"wake_duration", time.Since(started))
			return backend.Endpoint, nil
		}
	}

	c.logger.Warn("backend did not wake within retry budget",
		"backend_id", backend.ID,
		"polls", c.cfg.MaxPolls)
	return Endpoint{}, ErrWakeTimeout
}

// InFlight returns the number of wake sequences currently running.
func (c *Coordinator) InFlight() int {
	return int(c.inFlight.Load())
}
