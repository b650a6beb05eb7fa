package tier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ucd-library/pg-farm-sub000/internal/directory"
)

// Stopper puts a backend to sleep. Satisfied by the wake orchestrator.
type Stopper interface {
	Stop(ctx context.Context, backendID string) error
}

// Profiler applies a tier's resource profile to a backend.
type Profiler interface {
	ApplyProfile(ctx context.Context, backendID string, tier string, profile ResourceProfile) error
}

// SweeperConfig configures the idle sweep loop.
type SweeperConfig struct {
	Interval     time.Duration
	SweepTimeout time.Duration
}

// DefaultSweeperConfig returns the default sweep cadence.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:     time.Minute,
		SweepTimeout: 30 * time.Second,
	}
}

// Sweeper periodically reconciles every running backend against the tier
// policy: downgrading or upgrading resource profiles as idle time moves
// backends across tier boundaries, and stopping backends idle past their
// sleep threshold.
type Sweeper struct {
	policy   *Policy
	lister   directory.BackendLister
	stopper  Stopper
	profiler Profiler
	cfg      SweeperConfig
	logger   *slog.Logger

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	now func() time.Time
}

// NewSweeper builds a sweeper. profiler may be nil when tier transitions
// carry no resource changes.
func NewSweeper(policy *Policy, lister directory.BackendLister, stopper Stopper, profiler Profiler, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweeperConfig().Interval
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = DefaultSweeperConfig().SweepTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		policy:   policy,
		lister:   lister,
		stopper:  stopper,
		profiler: profiler,
		cfg:      cfg,
		logger:   logger.With("component", "tier-sweeper"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Run executes the sweep loop until Stop is called.
func (s *Sweeper) Run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SweepTimeout)
			s.SweepOnce(ctx)
			cancel()
		}
	}
}

// Stop terminates the loop and waits for an in-progress sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// SweepOnce runs a single reconciliation pass. Failures on individual
// backends are logged and skipped so one broken backend cannot stall the
// sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	backends, err := s.lister.ListRunningBackends(ctx)
	if err != nil {
		s.logger.Error("listing running backends failed", "error", err)
		return
	}

	now := s.now()
	for _, backend := range backends {
		class := ParseClass(backend.AvailabilityClass)
		if class == ClassAlways {
			continue
		}

		idle := now.Sub(backend.LastActivity)
		decision := s.policy.Resolve(class, idle)

		if decision.Sleep {
			if err := s.stopper.Stop(ctx, backend.BackendID); err != nil {
				s.logger.Error("stopping idle backend failed",
					"backend", backend.BackendID, "idle", idle, "error", err)
				continue
			}
			s.logger.Info("put idle backend to sleep",
				"backend", backend.BackendID, "class", class, "idle", idle)
			continue
		}

		if decision.Tier == nil || decision.Tier.Name == backend.Tier {
			continue
		}
		if s.profiler != nil {
			if err := s.profiler.ApplyProfile(ctx, backend.BackendID, decision.Tier.Name, decision.Tier.Profile); err != nil {
				s.logger.Error("applying tier profile failed",
					"backend", backend.BackendID, "tier", decision.Tier.Name, "error", err)
				continue
			}
		}
		s.logger.Info("moved backend between tiers",
			"backend", backend.BackendID, "class", class,
			"from", backend.Tier, "to", decision.Tier.Name, "idle", idle)
	}
}
