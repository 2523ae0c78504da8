// Package ownership releases the per-master ownership held by builders,
// schedulers and change sources when a master is deactivated.
package ownership

import (
	"context"
	"fmt"

	"github.com/getpup/buildcoord"
	"github.com/getpup/buildcoord/deactivation"
	"github.com/getpup/buildcoord/store"
)

// Builders tracks which masters service which builders.
type Builders struct {
	store  store.OwnershipStore
	logger buildcoord.Logger
}

var _ deactivation.Dependent = (*Builders)(nil)

// NewBuilders creates the builder-ownership dependent. logger may be nil.
func NewBuilders(s store.OwnershipStore, logger buildcoord.Logger) *Builders {
	return &Builders{store: s, logger: logger}
}

// OnMasterDeactivated removes every builder association of the master.
func (b *Builders) OnMasterDeactivated(ctx context.Context, masterID int64) error {
	builderIDs, err := b.store.GetBuilderIDsForMaster(ctx, masterID)
	if err != nil {
		return fmt.Errorf("failed to list builders for master %d: %w", masterID, err)
	}

	for _, builderID := range builderIDs {
		if err := b.store.RemoveBuilderMaster(ctx, builderID, masterID); err != nil {
			return fmt.Errorf("failed to remove master %d from builder %d: %w", masterID, builderID, err)
		}
	}

	if len(builderIDs) > 0 && b.logger != nil {
		b.logger.Info(ctx, "released builders", "master_id", masterID, "count", len(builderIDs))
	}
	return nil
}

// MastersForBuilder returns the masters currently servicing a builder.
// Unknown builders and builders without masters yield an empty slice.
func (b *Builders) MastersForBuilder(ctx context.Context, builderID int64) ([]buildcoord.Master, error) {
	masters, err := b.store.GetMastersForBuilder(ctx, builderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get masters for builder %d: %w", builderID, err)
	}
	if masters == nil {
		masters = []buildcoord.Master{}
	}
	return masters, nil
}
