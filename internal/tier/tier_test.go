package tier

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucd-library/pg-farm-sub000/internal/directory"
)

func TestResolve(t *testing.T) {
	policy := DefaultPolicy()
	require.NoError(t, policy.Validate())

	tests := []struct {
		name     string
		class    Class
		idle     time.Duration
		wantTier string
		sleep    bool
	}{
		{name: "fresh LOW sits in the top tier", class: ClassLow, idle: 0, wantTier: "performance"},
		{name: "LOW past the first threshold drops to standard", class: ClassLow, idle: 3 * time.Minute, wantTier: "standard"},
		{name: "LOW past every defined threshold holds the lowest defined tier", class: ClassLow, idle: 20 * time.Minute, wantTier: "standard"},
		{name: "LOW past its sleep threshold sleeps", class: ClassLow, idle: 30*time.Minute + time.Second, sleep: true},
		{name: "fresh MEDIUM sits in the top tier", class: ClassMedium, idle: time.Minute, wantTier: "performance"},
		{name: "MEDIUM walks down to economy", class: ClassMedium, idle: time.Hour, wantTier: "economy"},
		{name: "MEDIUM sleeps past four hours", class: ClassMedium, idle: 4*time.Hour + time.Minute, sleep: true},
		{name: "HIGH stays performant for long", class: ClassHigh, idle: 9 * time.Minute, wantTier: "performance"},
		{name: "HIGH eventually reaches economy", class: ClassHigh, idle: 3 * time.Hour, wantTier: "economy"},
		{name: "HIGH sleeps after three days", class: ClassHigh, idle: 73 * time.Hour, sleep: true},
		{name: "ALWAYS pins the top tier when fresh", class: ClassAlways, idle: 0, wantTier: "performance"},
		{name: "ALWAYS pins the top tier no matter the idle", class: ClassAlways, idle: 1000 * time.Hour, wantTier: "performance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := policy.Resolve(tt.class, tt.idle)
			if tt.sleep {
				assert.True(t, decision.Sleep)
				return
			}
			require.NotNil(t, decision.Tier)
			assert.False(t, decision.Sleep)
			assert.Equal(t, tt.wantTier, decision.Tier.Name)
		})
	}
}

func TestResolveUndefinedClassLeavesPreviousTierAuthoritative(t *testing.T) {
	// economy defines no LOW threshold, so LOW never sinks below standard.
	policy := DefaultPolicy()
	decision := policy.Resolve(ClassLow, 15*time.Minute)
	require.NotNil(t, decision.Tier)
	assert.Equal(t, "standard", decision.Tier.Name)
}

func TestParseClass(t *testing.T) {
	assert.Equal(t, ClassHigh, ParseClass("HIGH"))
	assert.Equal(t, ClassAlways, ParseClass("ALWAYS"))
	assert.Equal(t, ClassLow, ParseClass(""))
	assert.Equal(t, ClassLow, ParseClass("bogus"))
}

func TestValidate(t *testing.T) {
	t.Run("empty ladder rejected", func(t *testing.T) {
		p := &Policy{}
		assert.Error(t, p.Validate())
	})

	t.Run("gap in class coverage rejected", func(t *testing.T) {
		p := &Policy{Tiers: []Tier{
			{Name: "a", MaxIdle: map[Class]time.Duration{ClassLow: time.Minute}},
			{Name: "b", MaxIdle: map[Class]time.Duration{ClassHigh: time.Hour}},
			{Name: "c", MaxIdle: map[Class]time.Duration{ClassLow: time.Hour}},
		}}
		assert.Error(t, p.Validate())
	})

	t.Run("decreasing thresholds rejected", func(t *testing.T) {
		p := &Policy{Tiers: []Tier{
			{Name: "a", MaxIdle: map[Class]time.Duration{ClassLow: time.Hour}},
			{Name: "b", MaxIdle: map[Class]time.Duration{ClassLow: time.Minute}},
		}}
		assert.Error(t, p.Validate())
	})
}

type fakeLister struct {
	backends []directory.BackendRecord
	err      error
}

func (f *fakeLister) ListRunningBackends(context.Context) ([]directory.BackendRecord, error) {
	return f.backends, f.err
}

type fakeStopper struct {
	mu      sync.Mutex
	stopped []string
	err     error
}

func (f *fakeStopper) Stop(_ context.Context, backendID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.stopped = append(f.stopped, backendID)
	return nil
}

type fakeProfiler struct {
	mu      sync.Mutex
	applied map[string]string
}

func (f *fakeProfiler) ApplyProfile(_ context.Context, backendID, tier string, _ ResourceProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applied == nil {
		f.applied = map[string]string{}
	}
	f.applied[backendID] = tier
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweepOnce(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	lister := &fakeLister{backends: []directory.BackendRecord{
		{BackendID: "acme/orders", AvailabilityClass: "LOW", Tier: "performance", LastActivity: now.Add(-time.Hour)},
		{BackendID: "acme/catalog", AvailabilityClass: "MEDIUM", Tier: "performance", LastActivity: now.Add(-time.Hour)},
		{BackendID: "acme/site", AvailabilityClass: "ALWAYS", Tier: "performance", LastActivity: now.Add(-500 * time.Hour)},
		{BackendID: "acme/fresh", AvailabilityClass: "HIGH", Tier: "performance", LastActivity: now.Add(-time.Minute)},
	}}
	stopper := &fakeStopper{}
	profiler := &fakeProfiler{}

	s := NewSweeper(DefaultPolicy(), lister, stopper, profiler, DefaultSweeperConfig(), discardLogger())
	s.now = func() time.Time { return now }

	s.SweepOnce(context.Background())

	// LOW idle an hour is past its sleep threshold. MEDIUM idle an hour
	// drops to economy. ALWAYS is never touched. The fresh backend stays
	// where it is.
	assert.Equal(t, []string{"acme/orders"}, stopper.stopped)
	assert.Equal(t, map[string]string{"acme/catalog": "economy"}, profiler.applied)
}

func TestSweepOnceStopFailureSkipsBackend(t *testing.T) {
	now := time.Now()
	lister := &fakeLister{backends: []directory.BackendRecord{
		{BackendID: "acme/orders", AvailabilityClass: "LOW", Tier: "standard", LastActivity: now.Add(-time.Hour)},
		{BackendID: "acme/catalog", AvailabilityClass: "MEDIUM", Tier: "performance", LastActivity: now.Add(-time.Hour)},
	}}
	stopper := &fakeStopper{err: errors.New("orchestrator down")}
	profiler := &fakeProfiler{}

	s := NewSweeper(DefaultPolicy(), lister, stopper, profiler, DefaultSweeperConfig(), discardLogger())
	s.now = func() time.Time { return now }

	s.SweepOnce(context.Background())

	// The failed stop does not prevent the tier move on the next backend.
	assert.Empty(t, stopper.stopped)
	assert.Equal(t, map[string]string{"acme/catalog": "economy"}, profiler.applied)
}

func TestSweeperRunStop(t *testing.T) {
	lister := &fakeLister{}
	s := NewSweeper(DefaultPolicy(), lister, &fakeStopper{}, nil,
		SweeperConfig{Interval: 5 * time.Millisecond, SweepTimeout: time.Second}, discardLogger())

	go s.Run()
	time.Sleep(20 * time.Millisecond)
	s.Stop()
}
