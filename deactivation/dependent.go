package deactivation

import (
	"context"
	"fmt"
)

// Dependent is implemented by subsystems that keep per-master ownership state
// and must release it when a master is deactivated. A dependent with no state
// for the master must return nil.
type Dependent interface {
	OnMasterDeactivated(ctx context.Context, masterID int64) error
}

// DependentFunc adapts a function to Dependent.
type DependentFunc func(ctx context.Context, masterID int64) error

// OnMasterDeactivated calls f.
func (f DependentFunc) OnMasterDeactivated(ctx context.Context, masterID int64) error {
	return f(ctx, masterID)
}

// DependentError reports the failure of a dependent's deactivation hook.
type DependentError struct {
	Name     string
	MasterID int64
	Err      error
}

func (e *DependentError) Error() string {
	return fmt.Sprintf("dependent %s failed for master %d: %v", e.Name, e.MasterID, e.Err)
}

func (e *DependentError) Unwrap() error {
	return e.Err
}

type registration struct {
	name      string
	dependent Dependent
}
