package store

import (
	"context"
	"sync"
	"time"

	"github.com/getpup/buildcoord"
)

// MockStore wraps a Store for tests. It records every mutating call and every
// call made by the liveness and deactivation paths in order, and lets tests
// replace individual methods to inject errors or simulate races.
type MockStore struct {
	Store

	mu    sync.Mutex
	calls []Call

	// GetMasterFunc is called by GetMaster if set.
	GetMasterFunc func(ctx context.Context, id int64) (buildcoord.Master, error)

	// UpsertMasterActiveFunc is called by UpsertMasterActive if set.
	UpsertMasterActiveFunc func(ctx context.Context, id int64, name string, now time.Time) (buildcoord.Master, error)

	// SetMasterStateFunc is called by SetMasterState if set.
	SetMasterStateFunc func(ctx context.Context, id int64, active bool) (bool, error)

	// ListActiveMastersOlderThanFunc is called by ListActiveMastersOlderThan if set.
	ListActiveMastersOlderThanFunc func(ctx context.Context, threshold time.Time) ([]int64, error)

	// ClaimStartedFunc is called by ClaimStarted if set.
	ClaimStartedFunc func(ctx context.Context, id int64) (bool, error)

	// ListPendingDeactivationsFunc is called by ListPendingDeactivations if set.
	ListPendingDeactivationsFunc func(ctx context.Context, staleBefore time.Time) ([]buildcoord.Master, error)

	// CompleteDeactivationFunc is called by CompleteDeactivation if set.
	CompleteDeactivationFunc func(ctx context.Context, id int64) error

	// FinishLogFunc is called by FinishLog if set.
	FinishLogFunc func(ctx context.Context, logID int64) error

	// FinishStepFunc is called by FinishStep if set.
	FinishStepFunc func(ctx context.Context, stepID int64, results buildcoord.Result, hidden bool, at time.Time) error

	// FinishBuildFunc is called by FinishBuild if set.
	FinishBuildFunc func(ctx context.Context, buildID int64, results buildcoord.Result, at time.Time) error

	// UnclaimBuildRequestsFunc is called by UnclaimBuildRequests if set.
	UnclaimBuildRequestsFunc func(ctx context.Context, ids []int64) error
}

// Call records the method name and arguments of a single tracked call.
type Call struct {
	Method string
	Args   []any
}

// NewMockStore creates a MockStore delegating to inner.
func NewMockStore(inner Store) *MockStore {
	return &MockStore{Store: inner}
}

func (m *MockStore) record(method string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of the tracked calls in invocation order.
func (m *MockStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsTo returns the tracked calls of a single method.
func (m *MockStore) CallsTo(method string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Methods returns the names of the tracked calls in invocation order.
func (m *MockStore) Methods() []string {
	calls := m.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Method
	}
	return out
}

// Reset clears the call history.
func (m *MockStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// GetMaster implements MasterStore.
func (m *MockStore) GetMaster(ctx context.Context, id int64) (buildcoord.Master, error) {
	m.record("GetMaster", id)
	if m.GetMasterFunc != nil {
		return m.GetMasterFunc(ctx, id)
	}
	return m.Store.GetMaster(ctx, id)
}

// UpsertMasterActive implements MasterStore.
func (m *MockStore) UpsertMasterActive(ctx context.Context, id int64, name string, now time.Time) (buildcoord.Master, error) {
	m.record("UpsertMasterActive", id, name, now)
	if m.UpsertMasterActiveFunc != nil {
		return m.UpsertMasterActiveFunc(ctx, id, name, now)
	}
	return m.Store.UpsertMasterActive(ctx, id, name, now)
}

// SetMasterState implements MasterStore.
func (m *MockStore) SetMasterState(ctx context.Context, id int64, active bool) (bool, error) {
	m.record("SetMasterState", id, active)
	if m.SetMasterStateFunc != nil {
		return m.SetMasterStateFunc(ctx, id, active)
	}
	return m.Store.SetMasterState(ctx, id, active)
}

// ListActiveMastersOlderThan implements MasterStore.
func (m *MockStore) ListActiveMastersOlderThan(ctx context.Context, threshold time.Time) ([]int64, error) {
	m.record("ListActiveMastersOlderThan", threshold)
	if m.ListActiveMastersOlderThanFunc != nil {
		return m.ListActiveMastersOlderThanFunc(ctx, threshold)
	}
	return m.Store.ListActiveMastersOlderThan(ctx, threshold)
}

// ClaimStarted implements MasterStore.
func (m *MockStore) ClaimStarted(ctx context.Context, id int64) (bool, error) {
	m.record("ClaimStarted", id)
	if m.ClaimStartedFunc != nil {
		return m.ClaimStartedFunc(ctx, id)
	}
	return m.Store.ClaimStarted(ctx, id)
}

// RestoreStarted implements MasterStore.
func (m *MockStore) RestoreStarted(ctx context.Context, id int64) error {
	m.record("RestoreStarted", id)
	return m.Store.RestoreStarted(ctx, id)
}

// ListPendingDeactivations implements MasterStore.
func (m *MockStore) ListPendingDeactivations(ctx context.Context, staleBefore time.Time) ([]buildcoord.Master, error) {
	m.record("ListPendingDeactivations", staleBefore)
	if m.ListPendingDeactivationsFunc != nil {
		return m.ListPendingDeactivationsFunc(ctx, staleBefore)
	}
	return m.Store.ListPendingDeactivations(ctx, staleBefore)
}

// ClaimDeactivation implements MasterStore.
func (m *MockStore) ClaimDeactivation(ctx context.Context, id int64, now, staleBefore time.Time) (bool, error) {
	m.record("ClaimDeactivation", id)
	return m.Store.ClaimDeactivation(ctx, id, now, staleBefore)
}

// ReleaseDeactivation implements MasterStore.
func (m *MockStore) ReleaseDeactivation(ctx context.Context, id int64) error {
	m.record("ReleaseDeactivation", id)
	return m.Store.ReleaseDeactivation(ctx, id)
}

// CompleteDeactivation implements MasterStore.
func (m *MockStore) CompleteDeactivation(ctx context.Context, id int64) error {
	m.record("CompleteDeactivation", id)
	if m.CompleteDeactivationFunc != nil {
		return m.CompleteDeactivationFunc(ctx, id)
	}
	return m.Store.CompleteDeactivation(ctx, id)
}

// FinishLog implements BuildStore.
func (m *MockStore) FinishLog(ctx context.Context, logID int64) error {
	m.record("FinishLog", logID)
	if m.FinishLogFunc != nil {
		return m.FinishLogFunc(ctx, logID)
	}
	return m.Store.FinishLog(ctx, logID)
}

// FinishStep implements BuildStore.
func (m *MockStore) FinishStep(ctx context.Context, stepID int64, results buildcoord.Result, hidden bool, at time.Time) error {
	m.record("FinishStep", stepID, results, hidden)
	if m.FinishStepFunc != nil {
		return m.FinishStepFunc(ctx, stepID, results, hidden, at)
	}
	return m.Store.FinishStep(ctx, stepID, results, hidden, at)
}

// FinishBuild implements BuildStore.
func (m *MockStore) FinishBuild(ctx context.Context, buildID int64, results buildcoord.Result, at time.Time) error {
	m.record("FinishBuild", buildID, results)
	if m.FinishBuildFunc != nil {
		return m.FinishBuildFunc(ctx, buildID, results, at)
	}
	return m.Store.FinishBuild(ctx, buildID, results, at)
}

// AppendLog implements BuildStore.
func (m *MockStore) AppendLog(ctx context.Context, logID int64, content string) (buildcoord.LogChunk, error) {
	m.record("AppendLog", logID, content)
	return m.Store.AppendLog(ctx, logID, content)
}

// UnclaimBuildRequests implements BuildRequestStore.
func (m *MockStore) UnclaimBuildRequests(ctx context.Context, ids []int64) error {
	m.record("UnclaimBuildRequests", ids)
	if m.UnclaimBuildRequestsFunc != nil {
		return m.UnclaimBuildRequestsFunc(ctx, ids)
	}
	return m.Store.UnclaimBuildRequests(ctx, ids)
}

// RemoveBuilderMaster implements OwnershipStore.
func (m *MockStore) RemoveBuilderMaster(ctx context.Context, builderID, masterID int64) error {
	m.record("RemoveBuilderMaster", builderID, masterID)
	return m.Store.RemoveBuilderMaster(ctx, builderID, masterID)
}

// SetSchedulerMaster implements OwnershipStore.
func (m *MockStore) SetSchedulerMaster(ctx context.Context, schedulerID int64, masterID *int64) error {
	m.record("SetSchedulerMaster", schedulerID, masterID)
	return m.Store.SetSchedulerMaster(ctx, schedulerID, masterID)
}

// SetChangeSourceMaster implements OwnershipStore.
func (m *MockStore) SetChangeSourceMaster(ctx context.Context, changeSourceID int64, masterID *int64) error {
	m.record("SetChangeSourceMaster", changeSourceID, masterID)
	return m.Store.SetChangeSourceMaster(ctx, changeSourceID, masterID)
}
