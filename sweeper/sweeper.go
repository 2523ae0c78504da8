// Package sweeper runs the periodic expiry sweep that declares silent masters
// dead.
package sweeper

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"github.com/getpup/buildcoord"
	"github.com/getpup/buildcoord/metrics"
)

// DefaultInterval is the time between sweeps.
const DefaultInterval = 60 * time.Second

// Expirer deactivates stale masters. *liveness.Tracker implements it.
type Expirer interface {
	ExpireStale(ctx context.Context, forceHouseKeeping bool) error
}

// Config configures a Sweeper.
type Config struct {
	// Expirer is required.
	Expirer Expirer

	// Interval defaults to DefaultInterval.
	Interval time.Duration

	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// Logger is optional.
	Logger buildcoord.Logger

	// Metrics is optional.
	Metrics *metrics.Collector
}

// Sweeper schedules ExpireStale. The first sweep after construction forces
// housekeeping so work left behind by masters that died while nothing was
// sweeping gets reclaimed at startup.
type Sweeper struct {
	config    Config
	scheduler gocron.Scheduler
	swept     atomic.Bool
}

// New creates a Sweeper. The schedule does not run until Start.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Expirer == nil {
		return nil, &buildcoord.ValidationError{Field: "expirer", Reason: "required"}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	scheduler, err := gocron.NewScheduler(gocron.WithClock(cfg.Clock))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	s := &Sweeper{config: cfg, scheduler: scheduler}
	_, err = scheduler.NewJob(
		gocron.DurationJob(cfg.Interval),
		gocron.NewTask(func(ctx context.Context) {
			_ = s.Sweep(ctx)
		}),
		gocron.WithName("expire-masters"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, fmt.Errorf("failed to schedule sweep: %w", err)
	}
	return s, nil
}

// Start begins running sweeps in the background.
func (s *Sweeper) Start() {
	s.scheduler.Start()
}

// Stop waits for a running sweep and stops the schedule.
func (s *Sweeper) Stop() error {
	return s.scheduler.Shutdown()
}

// Sweep runs one sweep now. Only the first sweep forces housekeeping.
func (s *Sweeper) Sweep(ctx context.Context) error {
	force := !s.swept.Swap(true)

	err := s.config.Expirer.ExpireStale(ctx, force)
	if err != nil {
		s.config.Metrics.IncSweeps(metrics.OutcomeError)
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "expiry sweep failed", "force_housekeeping", force, "error", err)
		}
		return err
	}

	s.config.Metrics.IncSweeps(metrics.OutcomeSuccess)
	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "expiry sweep done", "force_housekeeping", force)
	}
	return nil
}
