package store

import (
	"context"
	"time"

	"github.com/getpup/buildcoord"
)

// MasterStore persists master liveness.
// Implementations must be safe for concurrent access from multiple masters.
type MasterStore interface {
	// FindMasterID returns the id of the master with the given name, creating
	// an inactive row with LastActive set to now if none exists.
	FindMasterID(ctx context.Context, name string, now time.Time) (int64, error)

	// GetMaster returns a master by id.
	// Returns buildcoord.ErrMasterNotFound if the master does not exist.
	GetMaster(ctx context.Context, id int64) (buildcoord.Master, error)

	// GetMasters returns every master, ordered by id.
	GetMasters(ctx context.Context) ([]buildcoord.Master, error)

	// UpsertMasterActive records a heartbeat: LastActive is set to now.
	// A missing row is created inactive using name as its identity; the
	// active flag itself only changes through SetMasterState.
	UpsertMasterActive(ctx context.Context, id int64, name string, now time.Time) (buildcoord.Master, error)

	// SetMasterState atomically sets the active flag and reports whether the
	// flag actually flipped. Exactly one of several racing callers observes true.
	// A flip to active marks the "started" event pending; a flip to inactive
	// marks the deactivation pending and unclaimed.
	// Returns buildcoord.ErrMasterNotFound if the master does not exist.
	SetMasterState(ctx context.Context, id int64, active bool) (bool, error)

	// ClaimStarted clears the pending "started" event of an active master.
	// Exactly one of several racing callers observes true.
	ClaimStarted(ctx context.Context, id int64) (bool, error)

	// RestoreStarted marks the "started" event of an active master pending
	// again after it could not be delivered.
	RestoreStarted(ctx context.Context, id int64) error

	// ListPendingDeactivations returns inactive masters whose deactivation has
	// not completed and is either unclaimed or claimed before staleBefore,
	// ordered by id.
	ListPendingDeactivations(ctx context.Context, staleBefore time.Time) ([]buildcoord.Master, error)

	// ClaimDeactivation takes over the pending deactivation of an inactive
	// master if it is unclaimed or was claimed before staleBefore.
	// Exactly one of several racing callers observes true.
	ClaimDeactivation(ctx context.Context, id int64, now, staleBefore time.Time) (bool, error)

	// ReleaseDeactivation drops the claim and leaves the deactivation pending.
	ReleaseDeactivation(ctx context.Context, id int64) error

	// CompleteDeactivation clears the pending deactivation.
	CompleteDeactivation(ctx context.Context, id int64) error

	// ListActiveMastersOlderThan returns the ids of active masters whose
	// LastActive is strictly before threshold, ordered by id.
	ListActiveMastersOlderThan(ctx context.Context, threshold time.Time) ([]int64, error)
}

// BuildStore persists builds and their steps and logs.
type BuildStore interface {
	// AddBuild creates an in-progress build and assigns the next build
	// number for its builder. The ID, Number and result fields of b are ignored.
	AddBuild(ctx context.Context, b buildcoord.Build) (buildcoord.Build, error)

	// GetBuild returns a build by id.
	// Returns buildcoord.ErrBuildNotFound if the build does not exist.
	GetBuild(ctx context.Context, id int64) (buildcoord.Build, error)

	// FindUnfinishedBuilds returns in-progress builds owned by masterID, ordered by id.
	FindUnfinishedBuilds(ctx context.Context, masterID int64) ([]buildcoord.Build, error)

	// FinishBuild sets the build's result and completion time.
	FinishBuild(ctx context.Context, buildID int64, results buildcoord.Result, at time.Time) error

	// AddStep appends an in-progress step to a build.
	AddStep(ctx context.Context, buildID int64, name string, at time.Time) (buildcoord.Step, error)

	// GetStep returns a step by id.
	GetStep(ctx context.Context, id int64) (buildcoord.Step, error)

	// GetSteps returns every step of a build, ordered by number.
	GetSteps(ctx context.Context, buildID int64) ([]buildcoord.Step, error)

	// FindUnfinishedSteps returns in-progress steps of a build, ordered by number.
	FindUnfinishedSteps(ctx context.Context, buildID int64) ([]buildcoord.Step, error)

	// FinishStep sets the step's result, hidden flag and completion time.
	FinishStep(ctx context.Context, stepID int64, results buildcoord.Result, hidden bool, at time.Time) error

	// AddLog creates an empty, open log for a step.
	AddLog(ctx context.Context, stepID int64, name string) (buildcoord.Log, error)

	// GetLog returns a log by id.
	GetLog(ctx context.Context, id int64) (buildcoord.Log, error)

	// FindUnfinishedLogs returns the open logs of a step, ordered by id.
	FindUnfinishedLogs(ctx context.Context, stepID int64) ([]buildcoord.Log, error)

	// AppendLog appends content as a single chunk and advances NumLines.
	// Returns buildcoord.ErrLogFinished once the log has been finished.
	AppendLog(ctx context.Context, logID int64, content string) (buildcoord.LogChunk, error)

	// GetLogChunks returns every chunk of a log in line order.
	GetLogChunks(ctx context.Context, logID int64) ([]buildcoord.LogChunk, error)

	// FinishLog marks the log complete, freezing NumLines.
	FinishLog(ctx context.Context, logID int64) error
}

// BuildRequestStore persists queued work and claims.
type BuildRequestStore interface {
	// AddBuildRequest queues an unclaimed request for a builder.
	AddBuildRequest(ctx context.Context, builderID int64) (buildcoord.BuildRequest, error)

	// GetBuildRequest returns a build request with its claim, if any.
	GetBuildRequest(ctx context.Context, id int64) (buildcoord.BuildRequest, error)

	// ClaimBuildRequests claims all the given requests for masterID, or none.
	// Returns buildcoord.ErrAlreadyClaimed if any request is already claimed.
	ClaimBuildRequests(ctx context.Context, ids []int64, masterID int64, at time.Time) error

	// GetClaimedBuildRequests returns incomplete requests claimed by masterID, ordered by id.
	GetClaimedBuildRequests(ctx context.Context, masterID int64) ([]buildcoord.BuildRequest, error)

	// UnclaimBuildRequests releases the claims on the given requests.
	UnclaimBuildRequests(ctx context.Context, ids []int64) error
}

// OwnershipStore persists which masters run which builders, schedulers and
// change sources.
type OwnershipStore interface {
	AddBuilder(ctx context.Context, name string) (int64, error)
	AddBuilderMaster(ctx context.Context, builderID, masterID int64) error
	RemoveBuilderMaster(ctx context.Context, builderID, masterID int64) error
	GetBuilderIDsForMaster(ctx context.Context, masterID int64) ([]int64, error)

	// GetMastersForBuilder returns the masters associated with a builder,
	// ordered by id. Unknown builders yield an empty slice.
	GetMastersForBuilder(ctx context.Context, builderID int64) ([]buildcoord.Master, error)

	AddScheduler(ctx context.Context, name string) (int64, error)
	// SetSchedulerMaster assigns a scheduler to masterID; nil clears the owner.
	SetSchedulerMaster(ctx context.Context, schedulerID int64, masterID *int64) error
	GetSchedulerIDsForMaster(ctx context.Context, masterID int64) ([]int64, error)

	AddChangeSource(ctx context.Context, name string) (int64, error)
	// SetChangeSourceMaster assigns a change source to masterID; nil clears the owner.
	SetChangeSourceMaster(ctx context.Context, changeSourceID int64, masterID *int64) error
	GetChangeSourceIDsForMaster(ctx context.Context, masterID int64) ([]int64, error)
}

// Store is the full transactional record store.
type Store interface {
	MasterStore
	BuildStore
	BuildRequestStore
	OwnershipStore
}
