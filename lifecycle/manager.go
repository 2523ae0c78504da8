package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/getpup/buildcoord"
	"github.com/getpup/buildcoord/metrics"
	"github.com/getpup/buildcoord/store"
)

// Heartbeater records liveness transitions. *liveness.Tracker implements it.
type Heartbeater interface {
	RecordActive(ctx context.Context, name string, masterID int64) error
	RecordStopped(ctx context.Context, name string, masterID int64) error
}

// Config holds configuration for the lifecycle Manager.
type Config struct {
	// Store resolves the master's name to its id (required).
	Store store.MasterStore

	// Heartbeater receives heartbeats and the final stop (required).
	Heartbeater Heartbeater

	// Name is this master's name (required).
	Name string

	// HeartbeatInterval is the interval between heartbeats (default: 60s).
	HeartbeatInterval time.Duration

	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// Logger is for observability (optional).
	Logger buildcoord.Logger

	// Metrics is optional.
	Metrics *metrics.Collector
}

// Manager runs the heartbeat loop of the master this process is running.
type Manager struct {
	config   Config
	masterID int64
}

// New creates a new lifecycle Manager with the given configuration.
func New(cfg Config) *Manager {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &Manager{
		config: cfg,
	}
}

// Register looks up this master's id by name, creating the master row on
// first sight, and stores the id in the manager.
func (m *Manager) Register(ctx context.Context) (int64, error) {
	if m.config.Name == "" {
		return 0, &buildcoord.ValidationError{Field: "name", Reason: "master name is required"}
	}

	id, err := m.config.Store.FindMasterID(ctx, m.config.Name, m.config.Clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to register master %q: %w", m.config.Name, err)
	}

	m.masterID = id
	if m.config.Logger != nil {
		m.config.Logger.Info(ctx, "master registered", "master_id", id, "name", m.config.Name)
	}
	return id, nil
}

// StartHeartbeat sends a heartbeat immediately and then at the configured
// interval until the context is cancelled. A failed heartbeat is logged and
// retried on the next tick; the sweep on other masters decides when silence
// means death.
func (m *Manager) StartHeartbeat(ctx context.Context) error {
	if m.masterID == 0 {
		return errors.New("master is not registered")
	}

	ticker := m.config.Clock.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	m.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			m.beat(ctx)
		}
	}
}

func (m *Manager) beat(ctx context.Context) {
	start := m.config.Clock.Now()
	err := m.config.Heartbeater.RecordActive(ctx, m.config.Name, m.masterID)
	m.config.Metrics.ObserveHeartbeatLatency(m.config.Clock.Since(start).Seconds())

	if err != nil {
		if m.config.Logger != nil && ctx.Err() == nil {
			m.config.Logger.Error(ctx, "heartbeat failed", "master_id", m.masterID, "error", err)
		}
		return
	}

	if m.config.Logger != nil {
		m.config.Logger.Debug(ctx, "heartbeat sent", "master_id", m.masterID)
	}
}

// Stop marks this master stopped, reclaiming its work immediately instead of
// waiting for another master's sweep to expire it.
func (m *Manager) Stop(ctx context.Context) error {
	if m.masterID == 0 {
		return nil
	}

	if err := m.config.Heartbeater.RecordStopped(ctx, m.config.Name, m.masterID); err != nil {
		return fmt.Errorf("failed to stop master %d: %w", m.masterID, err)
	}

	if m.config.Logger != nil {
		m.config.Logger.Info(ctx, "master stopped", "master_id", m.masterID)
	}
	return nil
}

// MasterID returns the registered master id, or 0 before Register.
func (m *Manager) MasterID() int64 {
	return m.masterID
}

// Name returns the configured master name.
func (m *Manager) Name() string {
	return m.config.Name
}
