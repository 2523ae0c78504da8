// Package liveness tracks master heartbeats and turns active/inactive
// transitions into "started" events and deactivations.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/getpup/buildcoord"
	"github.com/getpup/buildcoord/deactivation"
	"github.com/getpup/buildcoord/metrics"
	"github.com/getpup/buildcoord/mq"
	"github.com/getpup/buildcoord/store"
)

// DefaultExpiryThreshold is how long a master may go without a heartbeat
// before a sweep declares it dead.
const DefaultExpiryThreshold = 10 * time.Minute

// DefaultClaimTimeout is how long a tracker may hold a pending deactivation
// before another tracker may take it over.
const DefaultClaimTimeout = 10 * time.Minute

// Deactivator reclaims a dead master's work.
// *deactivation.Orchestrator implements it.
type Deactivator interface {
	Deactivate(ctx context.Context, masterID int64, name string) error
	Housekeeping(ctx context.Context, masterID int64, name string) error
}

// Config configures a Tracker.
type Config struct {
	Store       store.MasterStore
	Deactivator Deactivator
	Producer    mq.Producer

	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// ExpiryThreshold defaults to DefaultExpiryThreshold.
	ExpiryThreshold time.Duration

	// ClaimTimeout defaults to DefaultClaimTimeout. It must exceed the
	// longest expected deactivation.
	ClaimTimeout time.Duration

	// Logger is optional.
	Logger buildcoord.Logger

	// Metrics is optional.
	Metrics *metrics.Collector
}

// Tracker maintains master liveness. The store's compare-and-set on the
// active flag decides which caller owns a transition, and the work a
// transition owes is recorded on the master row. A Tracker holds no state of
// its own, so many may run against one store and any of them finishes what a
// dead one left behind.
type Tracker struct {
	store        store.MasterStore
	deactivator  Deactivator
	producer     mq.Producer
	clock        clockwork.Clock
	expiry       time.Duration
	claimTimeout time.Duration
	logger       buildcoord.Logger
	metrics      *metrics.Collector
}

// New creates a Tracker.
func New(cfg Config) *Tracker {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	expiry := cfg.ExpiryThreshold
	if expiry <= 0 {
		expiry = DefaultExpiryThreshold
	}
	claimTimeout := cfg.ClaimTimeout
	if claimTimeout <= 0 {
		claimTimeout = DefaultClaimTimeout
	}
	return &Tracker{
		store:        cfg.Store,
		deactivator:  cfg.Deactivator,
		producer:     cfg.Producer,
		clock:        clock,
		expiry:       expiry,
		claimTimeout: claimTimeout,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
}

// RecordActive records a heartbeat and marks the master active. The
// inactive-to-active flip leaves a "started" event pending on the master row.
// Whoever claims it broadcasts it. A failed broadcast puts it back, so the
// next heartbeat retries it.
func (t *Tracker) RecordActive(ctx context.Context, name string, masterID int64) error {
	m, err := t.store.UpsertMasterActive(ctx, masterID, name, t.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to record heartbeat for master %d: %w", masterID, err)
	}

	if _, err := t.store.SetMasterState(ctx, masterID, true); err != nil {
		return fmt.Errorf("failed to activate master %d: %w", masterID, err)
	}

	claimed, err := t.store.ClaimStarted(ctx, masterID)
	if err != nil {
		return fmt.Errorf("failed to claim started event for master %d: %w", masterID, err)
	}
	if !claimed {
		if t.logger != nil {
			t.logger.Debug(ctx, "heartbeat", "master_id", masterID)
		}
		return nil
	}

	msg := buildcoord.MasterMessage{MasterID: masterID, Name: m.Name, Active: true}
	if err := t.producer.Produce(ctx, deactivation.StartedKey(masterID), msg); err != nil {
		err = fmt.Errorf("failed to broadcast master %d started: %w", masterID, err)
		if restoreErr := t.store.RestoreStarted(ctx, masterID); restoreErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to keep started event pending for master %d: %w", masterID, restoreErr))
		}
		return err
	}

	t.metrics.IncMastersStarted()
	if t.logger != nil {
		t.logger.Info(ctx, "master started", "master_id", masterID, "name", m.Name)
	}
	return nil
}

// RecordStopped marks the master inactive and deactivates it. It is a no-op
// for a master that is already inactive.
func (t *Tracker) RecordStopped(ctx context.Context, name string, masterID int64) error {
	changed, err := t.store.SetMasterState(ctx, masterID, false)
	if err != nil {
		return fmt.Errorf("failed to deactivate master %d: %w", masterID, err)
	}
	if !changed {
		return nil
	}

	t.metrics.IncMastersStopped(metrics.ReasonStopped)
	if t.logger != nil {
		t.logger.Info(ctx, "master stopped", "master_id", masterID, "name", name)
	}
	return t.deactivate(ctx, masterID, name)
}

// ExpireStale deactivates every active master whose last heartbeat is older
// than the expiry threshold. Deactivations left pending by a failed or dead
// tracker are retried first, once their claim is free or has timed out. With
// forceHouseKeeping, stale masters that are already inactive also get their
// work reclaimed, without an event.
func (t *Tracker) ExpireStale(ctx context.Context, forceHouseKeeping bool) error {
	now := t.clock.Now()
	threshold := now.Add(-t.expiry)
	var errs []error

	handled := make(map[int64]bool)
	pending, err := t.store.ListPendingDeactivations(ctx, now.Add(-t.claimTimeout))
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list pending deactivations: %w", err))
	}
	for _, m := range pending {
		handled[m.ID] = true
		if t.logger != nil {
			t.logger.Info(ctx, "retrying pending deactivation", "master_id", m.ID, "name", m.Name)
		}
		if err := t.deactivate(ctx, m.ID, m.Name); err != nil {
			errs = append(errs, err)
		}
	}

	ids, err := t.store.ListActiveMastersOlderThan(ctx, threshold)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("failed to list stale masters: %w", err))...)
	}

	for _, id := range ids {
		handled[id] = true
		if err := t.expire(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	if forceHouseKeeping {
		errs = append(errs, t.houseKeepInactive(ctx, threshold, handled)...)
	}

	if t.metrics != nil {
		if masters, err := t.store.GetMasters(ctx); err == nil {
			active := 0
			for _, m := range masters {
				if m.Active {
					active++
				}
			}
			t.metrics.SetActiveMasters(active)
		}
	}

	return errors.Join(errs...)
}

func (t *Tracker) expire(ctx context.Context, masterID int64) error {
	m, err := t.store.GetMaster(ctx, masterID)
	if err != nil {
		return fmt.Errorf("failed to get stale master %d: %w", masterID, err)
	}

	changed, err := t.store.SetMasterState(ctx, masterID, false)
	if err != nil {
		return fmt.Errorf("failed to expire master %d: %w", masterID, err)
	}
	if !changed {
		// Another path deactivated it between the scan and now.
		return nil
	}

	t.metrics.IncMastersStopped(metrics.ReasonExpired)
	if t.logger != nil {
		t.logger.Info(ctx, "master expired", "master_id", masterID, "name", m.Name, "last_active", m.LastActive)
	}
	return t.deactivate(ctx, masterID, m.Name)
}

func (t *Tracker) houseKeepInactive(ctx context.Context, threshold time.Time, skip map[int64]bool) []error {
	masters, err := t.store.GetMasters(ctx)
	if err != nil {
		return []error{fmt.Errorf("failed to list masters: %w", err)}
	}

	var errs []error
	for _, m := range masters {
		// A pending deactivation belongs to whoever holds its claim.
		if m.Active || m.DeactivationPending || skip[m.ID] || !m.LastActive.Before(threshold) {
			continue
		}
		if err := t.deactivator.Housekeeping(ctx, m.ID, m.Name); err != nil {
			errs = append(errs, fmt.Errorf("housekeeping for master %d: %w", m.ID, err))
		}
	}
	return errs
}

// deactivate claims the master's pending deactivation and runs the
// deactivator. On failure the claim is released so the next sweep of any
// tracker retries it. A tracker that dies mid-way leaves the claim behind
// until it times out.
func (t *Tracker) deactivate(ctx context.Context, masterID int64, name string) error {
	now := t.clock.Now()
	claimed, err := t.store.ClaimDeactivation(ctx, masterID, now, now.Add(-t.claimTimeout))
	if err != nil {
		return fmt.Errorf("failed to claim deactivation of master %d: %w", masterID, err)
	}
	if !claimed {
		if t.logger != nil {
			t.logger.Debug(ctx, "deactivation claimed elsewhere", "master_id", masterID, "name", name)
		}
		return nil
	}

	if err := t.deactivator.Deactivate(ctx, masterID, name); err != nil {
		if t.logger != nil {
			t.logger.Error(ctx, "master deactivation failed", "master_id", masterID, "name", name, "error", err)
		}
		err = fmt.Errorf("failed to deactivate master %d: %w", masterID, err)
		if releaseErr := t.store.ReleaseDeactivation(ctx, masterID); releaseErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to release deactivation of master %d: %w", masterID, releaseErr))
		}
		return err
	}

	if err := t.store.CompleteDeactivation(ctx, masterID); err != nil {
		return fmt.Errorf("failed to complete deactivation of master %d: %w", masterID, err)
	}
	return nil
}
