package ownership

import (
	"context"
	"fmt"

	"github.com/getpup/buildcoord"
	"github.com/getpup/buildcoord/deactivation"
	"github.com/getpup/buildcoord/store"
)

// released clears the owner of every row a master held.
type released struct {
	kind   string
	list   func(ctx context.Context, masterID int64) ([]int64, error)
	clear  func(ctx context.Context, id int64) error
	logger buildcoord.Logger
}

func (r *released) OnMasterDeactivated(ctx context.Context, masterID int64) error {
	ids, err := r.list(ctx, masterID)
	if err != nil {
		return fmt.Errorf("failed to list %s for master %d: %w", r.kind, masterID, err)
	}

	for _, id := range ids {
		if err := r.clear(ctx, id); err != nil {
			return fmt.Errorf("failed to release %s %d: %w", r.kind, id, err)
		}
	}

	if len(ids) > 0 && r.logger != nil {
		r.logger.Info(ctx, "released "+r.kind, "master_id", masterID, "count", len(ids))
	}
	return nil
}

// NewSchedulers creates the scheduler-ownership dependent. Deactivating a
// master leaves its schedulers unowned so another master can claim them.
func NewSchedulers(s store.OwnershipStore, logger buildcoord.Logger) deactivation.Dependent {
	return &released{
		kind: "schedulers",
		list: s.GetSchedulerIDsForMaster,
		clear: func(ctx context.Context, id int64) error {
			return s.SetSchedulerMaster(ctx, id, nil)
		},
		logger: logger,
	}
}

// NewChangeSources creates the change-source-ownership dependent.
func NewChangeSources(s store.OwnershipStore, logger buildcoord.Logger) deactivation.Dependent {
	return &released{
		kind: "change sources",
		list: s.GetChangeSourceIDsForMaster,
		clear: func(ctx context.Context, id int64) error {
			return s.SetChangeSourceMaster(ctx, id, nil)
		},
		logger: logger,
	}
}

// RegisterAll registers the builder, scheduler and change-source dependents.
func RegisterAll(o *deactivation.Orchestrator, s store.OwnershipStore, logger buildcoord.Logger) *Builders {
	builders := NewBuilders(s, logger)
	o.Register("builders", builders)
	o.Register("schedulers", NewSchedulers(s, logger))
	o.Register("changesources", NewChangeSources(s, logger))
	return builders
}
