// Package deactivation reclaims the in-progress work of a master that has
// stopped or expired, releases its ownership through the registered
// dependents, and broadcasts the "stopped" event.
package deactivation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/getpup/buildcoord"
	"github.com/getpup/buildcoord/metrics"
	"github.com/getpup/buildcoord/mq"
	"github.com/getpup/buildcoord/store"
)

// Store is the subset of the record store used by the orchestrator.
type Store interface {
	store.MasterStore
	store.BuildStore
	store.BuildRequestStore
}

// Config configures an Orchestrator.
type Config struct {
	Store    Store
	Producer mq.Producer

	// Clock stamps completion times. Defaults to the real clock.
	Clock clockwork.Clock

	// Logger is optional.
	Logger buildcoord.Logger

	// Metrics is optional.
	Metrics *metrics.Collector
}

// Orchestrator finalizes a dead master's builds, steps and logs.
type Orchestrator struct {
	store    Store
	producer mq.Producer
	clock    clockwork.Clock
	logger   buildcoord.Logger
	metrics  *metrics.Collector

	mu         sync.RWMutex
	dependents []registration
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Orchestrator{
		store:    cfg.Store,
		producer: cfg.Producer,
		clock:    clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Register adds a dependent notified on every deactivation.
func (o *Orchestrator) Register(name string, d Dependent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dependents = append(o.dependents, registration{name: name, dependent: d})
}

// StoppedKey is the routing key of a master's "stopped" event.
func StoppedKey(masterID int64) mq.RoutingKey {
	return mq.RoutingKey{"masters", strconv.FormatInt(masterID, 10), "stopped"}
}

// StartedKey is the routing key of a master's "started" event.
func StartedKey(masterID int64) mq.RoutingKey {
	return mq.RoutingKey{"masters", strconv.FormatInt(masterID, 10), "started"}
}

// Deactivate reclaims the master's work, notifies dependents and emits one
// "stopped" event. If the master has become active again in the meantime it
// returns nil without side effects.
func (o *Orchestrator) Deactivate(ctx context.Context, masterID int64, name string) error {
	start := o.clock.Now()

	m, err := o.store.GetMaster(ctx, masterID)
	switch {
	case err == nil && m.Active:
		if o.logger != nil {
			o.logger.Debug(ctx, "master active again, skipping deactivation", "master_id", masterID, "name", name)
		}
		return nil
	case err != nil && !errors.Is(err, buildcoord.ErrMasterNotFound):
		o.metrics.IncDeactivationFailures()
		return fmt.Errorf("failed to check master %d: %w", masterID, err)
	}

	if err := o.Housekeeping(ctx, masterID, name); err != nil {
		o.metrics.IncDeactivationFailures()
		return err
	}

	msg := buildcoord.MasterMessage{MasterID: masterID, Name: name, Active: false}
	if err := o.producer.Produce(ctx, StoppedKey(masterID), msg); err != nil {
		o.metrics.IncDeactivationFailures()
		return fmt.Errorf("failed to broadcast master %d stopped: %w", masterID, err)
	}

	o.metrics.ObserveDeactivationDuration(o.clock.Since(start).Seconds())
	if o.logger != nil {
		o.logger.Info(ctx, "master deactivated", "master_id", masterID, "name", name)
	}
	return nil
}

// Housekeeping finalizes unfinished builds, releases claimed build requests
// and notifies dependents, without the "stopped" broadcast.
func (o *Orchestrator) Housekeeping(ctx context.Context, masterID int64, name string) error {
	builds, err := o.store.FindUnfinishedBuilds(ctx, masterID)
	if err != nil {
		return fmt.Errorf("failed to find unfinished builds for master %d: %w", masterID, err)
	}

	for _, b := range builds {
		if err := o.finishBuild(ctx, b); err != nil {
			return err
		}
		if o.logger != nil {
			o.logger.Info(ctx, "reclaimed build", "master_id", masterID, "build_id", b.ID, "number", b.Number)
		}
	}

	if err := o.unclaim(ctx, masterID); err != nil {
		return err
	}

	return o.notifyDependents(ctx, masterID)
}

// finishBuild closes logs, then steps, then the build itself. A step that
// already has a result can still own open logs, so logs are closed under
// every step while only unfinished steps get the retry result.
func (o *Orchestrator) finishBuild(ctx context.Context, b buildcoord.Build) error {
	steps, err := o.store.GetSteps(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("failed to list steps for build %d: %w", b.ID, err)
	}

	for _, st := range steps {
		logs, err := o.store.FindUnfinishedLogs(ctx, st.ID)
		if err != nil {
			return fmt.Errorf("failed to find unfinished logs for step %d: %w", st.ID, err)
		}
		for _, l := range logs {
			if err := o.store.FinishLog(ctx, l.ID); err != nil {
				return fmt.Errorf("failed to finish log %d: %w", l.ID, err)
			}
			o.metrics.IncLogsReclaimed()
		}

		if st.Finished() {
			continue
		}
		if err := o.store.FinishStep(ctx, st.ID, buildcoord.Retry, false, o.clock.Now()); err != nil {
			return fmt.Errorf("failed to finish step %d: %w", st.ID, err)
		}
		o.metrics.IncStepsReclaimed()
	}

	if err := o.store.FinishBuild(ctx, b.ID, buildcoord.Retry, o.clock.Now()); err != nil {
		return fmt.Errorf("failed to finish build %d: %w", b.ID, err)
	}
	o.metrics.IncBuildsReclaimed()
	return nil
}

func (o *Orchestrator) unclaim(ctx context.Context, masterID int64) error {
	brs, err := o.store.GetClaimedBuildRequests(ctx, masterID)
	if err != nil {
		return fmt.Errorf("failed to find claimed build requests for master %d: %w", masterID, err)
	}
	if len(brs) == 0 {
		return nil
	}

	ids := make([]int64, len(brs))
	for i, br := range brs {
		ids[i] = br.ID
	}
	if err := o.store.UnclaimBuildRequests(ctx, ids); err != nil {
		return fmt.Errorf("failed to unclaim build requests for master %d: %w", masterID, err)
	}
	o.metrics.AddRequestsUnclaimed(len(ids))
	return nil
}

// notifyDependents runs every hook in parallel and waits for all of them.
func (o *Orchestrator) notifyDependents(ctx context.Context, masterID int64) error {
	o.mu.RLock()
	dependents := make([]registration, len(o.dependents))
	copy(dependents, o.dependents)
	o.mu.RUnlock()

	var g errgroup.Group
	for _, reg := range dependents {
		g.Go(func() error {
			if err := reg.dependent.OnMasterDeactivated(ctx, masterID); err != nil {
				if o.logger != nil {
					o.logger.Error(ctx, "dependent failed", "dependent", reg.name, "master_id", masterID, "error", err)
				}
				return &DependentError{Name: reg.name, MasterID: masterID, Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}
