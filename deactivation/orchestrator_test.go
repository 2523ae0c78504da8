package deactivation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/buildcoord"
	"github.com/getpup/buildcoord/metrics"
	"github.com/getpup/buildcoord/mq"
	"github.com/getpup/buildcoord/store"
	"github.com/getpup/buildcoord/store/memory"
)

type fixture struct {
	inner *memory.Store
	store *store.MockStore
	rec   *mq.Recorder
	clock *clockwork.FakeClock
	orch  *Orchestrator

	builderID int64
}

func newFixture(t *testing.T, collector *metrics.Collector) *fixture {
	t.Helper()

	inner := memory.New()
	f := &fixture{
		inner: inner,
		store: store.NewMockStore(inner),
		rec:   mq.NewRecorder(),
		clock: clockwork.NewFakeClockAt(time.Unix(0, 0).UTC()),
	}
	f.orch = New(Config{
		Store:    f.store,
		Producer: f.rec,
		Clock:    f.clock,
		Metrics:  collector,
	})

	builderID, err := inner.AddBuilder(context.Background(), "bldr")
	require.NoError(t, err)
	f.builderID = builderID
	return f
}

type seeded struct {
	build buildcoord.Build
	step  buildcoord.Step
	log   buildcoord.Log
}

// seedBuild creates an unfinished build with one step and one two-line log.
func (f *fixture) seedBuild(t *testing.T, masterID int64) seeded {
	t.Helper()
	ctx := context.Background()

	b, err := f.inner.AddBuild(ctx, buildcoord.Build{BuilderID: f.builderID, MasterID: masterID, WorkerID: 13})
	require.NoError(t, err)
	st, err := f.inner.AddStep(ctx, b.ID, "compile", f.clock.Now())
	require.NoError(t, err)
	l, err := f.inner.AddLog(ctx, st.ID, "stdio")
	require.NoError(t, err)
	_, err = f.inner.AppendLog(ctx, l.ID, "line1\nline2\n")
	require.NoError(t, err)

	return seeded{build: b, step: st, log: l}
}

func finishCalls(s *store.MockStore) []store.Call {
	var out []store.Call
	for _, c := range s.Calls() {
		switch c.Method {
		case "FinishLog", "FinishStep", "FinishBuild":
			out = append(out, c)
		}
	}
	return out
}

func TestDeactivate_FinalizesLogThenStepThenBuild(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inner.PutMaster(buildcoord.Master{ID: 14, Name: "some:master"})
	s := f.seedBuild(t, 14)
	f.clock.Advance(30 * time.Second)

	err := f.orch.Deactivate(ctx, 14, "some:master")
	require.NoError(t, err)

	assert.Equal(t, []store.Call{
		{Method: "FinishLog", Args: []any{s.log.ID}},
		{Method: "FinishStep", Args: []any{s.step.ID, buildcoord.Retry, false}},
		{Method: "FinishBuild", Args: []any{s.build.ID, buildcoord.Retry}},
	}, finishCalls(f.store))

	l, err := f.inner.GetLog(ctx, s.log.ID)
	require.NoError(t, err)
	assert.True(t, l.Complete)
	assert.Equal(t, 2, l.NumLines)

	st, err := f.inner.GetStep(ctx, s.step.ID)
	require.NoError(t, err)
	assert.Equal(t, buildcoord.Retry, *st.Results)
	assert.False(t, st.Hidden)
	assert.Equal(t, f.clock.Now(), *st.CompleteAt)

	b, err := f.inner.GetBuild(ctx, s.build.ID)
	require.NoError(t, err)
	assert.Equal(t, buildcoord.Retry, *b.Results)

	assert.Equal(t, []mq.Production{{
		Key: mq.RoutingKey{"masters", "14", "stopped"},
		Msg: buildcoord.MasterMessage{MasterID: 14, Name: "some:master", Active: false},
	}}, f.rec.Productions())
}

func TestDeactivate_ClosesOpenLogsUnderFinishedSteps(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inner.PutMaster(buildcoord.Master{ID: 14, Name: "some:master"})
	s := f.seedBuild(t, 14)
	require.NoError(t, f.inner.FinishStep(ctx, s.step.ID, buildcoord.Success, false, f.clock.Now()))
	f.clock.Advance(30 * time.Second)

	require.NoError(t, f.orch.Deactivate(ctx, 14, "some:master"))

	assert.Equal(t, []store.Call{
		{Method: "FinishLog", Args: []any{s.log.ID}},
		{Method: "FinishBuild", Args: []any{s.build.ID, buildcoord.Retry}},
	}, finishCalls(f.store))

	l, err := f.inner.GetLog(ctx, s.log.ID)
	require.NoError(t, err)
	assert.True(t, l.Complete)

	_, err = f.inner.AppendLog(ctx, s.log.ID, "late\n")
	assert.ErrorIs(t, err, buildcoord.ErrLogFinished)

	st, err := f.inner.GetStep(ctx, s.step.ID)
	require.NoError(t, err)
	assert.Equal(t, buildcoord.Success, *st.Results, "a finished step keeps its result")
	assert.Equal(t, time.Unix(0, 0).UTC(), *st.CompleteAt)
}

func TestDeactivate_NotifiesDependentsAfterFinalizingAndBeforeBroadcast(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inner.PutMaster(buildcoord.Master{ID: 14})
	s := f.seedBuild(t, 14)

	var (
		mu   sync.Mutex
		seen = map[string]int64{}
	)
	hook := func(name string) Dependent {
		return DependentFunc(func(ctx context.Context, masterID int64) error {
			b, err := f.inner.GetBuild(ctx, s.build.ID)
			assert.NoError(t, err)
			assert.True(t, b.Finished(), "build must be finished before dependents run")
			assert.Empty(t, f.rec.Productions(), "dependents must run before the broadcast")

			mu.Lock()
			defer mu.Unlock()
			seen[name] = masterID
			return nil
		})
	}
	f.orch.Register("builders", hook("builders"))
	f.orch.Register("schedulers", hook("schedulers"))
	f.orch.Register("changesources", hook("changesources"))

	require.NoError(t, f.orch.Deactivate(ctx, 14, "m14"))

	assert.Equal(t, map[string]int64{"builders": 14, "schedulers": 14, "changesources": 14}, seen)
	assert.Len(t, f.rec.Productions(), 1)
}

func TestDeactivate_AbortsWhenMasterIsActiveAgain(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inner.PutMaster(buildcoord.Master{ID: 14, Active: true})
	f.seedBuild(t, 14)

	called := false
	f.orch.Register("builders", DependentFunc(func(context.Context, int64) error {
		called = true
		return nil
	}))

	err := f.orch.Deactivate(ctx, 14, "m14")

	require.NoError(t, err)
	assert.Empty(t, finishCalls(f.store))
	assert.Empty(t, f.rec.Productions())
	assert.False(t, called)
}

func TestDeactivate_RepeatedCallMutatesNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inner.PutMaster(buildcoord.Master{ID: 14})
	f.seedBuild(t, 14)

	require.NoError(t, f.orch.Deactivate(ctx, 14, "m14"))
	f.store.Reset()

	require.NoError(t, f.orch.Deactivate(ctx, 14, "m14"))

	assert.Empty(t, finishCalls(f.store))
	assert.Empty(t, f.store.CallsTo("UnclaimBuildRequests"))
}

func TestDeactivate_OnlyTouchesTheDeadMastersUnfinishedBuilds(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inner.PutMaster(buildcoord.Master{ID: 14})
	f.inner.PutMaster(buildcoord.Master{ID: 15, Active: true})

	first := f.seedBuild(t, 14)
	second := f.seedBuild(t, 14)
	other := f.seedBuild(t, 15)
	done, err := f.inner.AddBuild(ctx, buildcoord.Build{BuilderID: f.builderID, MasterID: 14})
	require.NoError(t, err)
	require.NoError(t, f.inner.FinishBuild(ctx, done.ID, buildcoord.Success, f.clock.Now()))

	require.NoError(t, f.orch.Deactivate(ctx, 14, "m14"))

	var finishedBuilds []any
	for _, c := range f.store.CallsTo("FinishBuild") {
		finishedBuilds = append(finishedBuilds, c.Args[0])
	}
	assert.ElementsMatch(t, []any{first.build.ID, second.build.ID}, finishedBuilds)

	b, err := f.inner.GetBuild(ctx, other.build.ID)
	require.NoError(t, err)
	assert.False(t, b.Finished())

	b, err = f.inner.GetBuild(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, buildcoord.Success, *b.Results)
}

func TestDeactivate_ReleasesClaimedBuildRequests(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inner.PutMaster(buildcoord.Master{ID: 14})

	br, err := f.inner.AddBuildRequest(ctx, f.builderID)
	require.NoError(t, err)
	require.NoError(t, f.inner.ClaimBuildRequests(ctx, []int64{br.ID}, 14, f.clock.Now()))

	require.NoError(t, f.orch.Deactivate(ctx, 14, "m14"))

	claimed, err := f.inner.GetClaimedBuildRequests(ctx, 14)
	require.NoError(t, err)
	assert.Empty(t, claimed)
	assert.Equal(t, []store.Call{{Method: "UnclaimBuildRequests", Args: []any{[]int64{br.ID}}}}, f.store.CallsTo("UnclaimBuildRequests"))
}

func TestDeactivate_StoreFailureIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inner.PutMaster(buildcoord.Master{ID: 14})
	f.seedBuild(t, 14)
	f.store.FinishStepFunc = func(context.Context, int64, buildcoord.Result, bool, time.Time) error {
		return errors.New("disk full")
	}

	called := false
	f.orch.Register("builders", DependentFunc(func(context.Context, int64) error {
		called = true
		return nil
	}))

	err := f.orch.Deactivate(ctx, 14, "m14")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, f.store.CallsTo("FinishBuild"))
	assert.False(t, called)
	assert.Empty(t, f.rec.Productions())
}

func TestDeactivate_DependentFailureIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inner.PutMaster(buildcoord.Master{ID: 14})

	var otherCalled sync.WaitGroup
	otherCalled.Add(1)
	boom := errors.New("boom")
	f.orch.Register("schedulers", DependentFunc(func(context.Context, int64) error { return boom }))
	f.orch.Register("builders", DependentFunc(func(context.Context, int64) error {
		otherCalled.Done()
		return nil
	}))

	err := f.orch.Deactivate(ctx, 14, "m14")

	var depErr *DependentError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, "schedulers", depErr.Name)
	assert.Equal(t, int64(14), depErr.MasterID)
	assert.ErrorIs(t, err, boom)
	otherCalled.Wait()
	assert.Empty(t, f.rec.Productions())
}

func TestDeactivate_ProducerFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.inner.PutMaster(buildcoord.Master{ID: 14})
	f.rec.Err = errors.New("bus unavailable")

	err := f.orch.Deactivate(context.Background(), 14, "m14")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus unavailable")
}

func TestDeactivate_GuardReadFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.store.GetMasterFunc = func(context.Context, int64) (buildcoord.Master, error) {
		return buildcoord.Master{}, errors.New("connection reset")
	}

	err := f.orch.Deactivate(context.Background(), 14, "m14")

	require.Error(t, err)
	assert.Empty(t, f.store.CallsTo("FinishBuild"))
	assert.Empty(t, f.rec.Productions())
}

func TestDeactivate_UnknownMasterStillBroadcasts(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.orch.Deactivate(context.Background(), 99, "ghost"))

	assert.Equal(t, []mq.Production{{
		Key: StoppedKey(99),
		Msg: buildcoord.MasterMessage{MasterID: 99, Name: "ghost"},
	}}, f.rec.Productions())
}

func TestHousekeeping_DoesNotBroadcast(t *testing.T) {
	f := newFixture(t, nil)
	f.inner.PutMaster(buildcoord.Master{ID: 14})
	s := f.seedBuild(t, 14)

	require.NoError(t, f.orch.Housekeeping(context.Background(), 14, "m14"))

	b, err := f.inner.GetBuild(context.Background(), s.build.ID)
	require.NoError(t, err)
	assert.True(t, b.Finished())
	assert.Empty(t, f.rec.Productions())
}

func TestDeactivate_RecordsMetrics(t *testing.T) {
	collector := metrics.NewCollector("test-deactivation")
	f := newFixture(t, collector)
	f.inner.PutMaster(buildcoord.Master{ID: 14})
	f.seedBuild(t, 14)

	require.NoError(t, f.orch.Deactivate(context.Background(), 14, "m14"))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.BuildsReclaimedTotal.WithLabelValues("test-deactivation")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StepsReclaimedTotal.WithLabelValues("test-deactivation")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.LogsReclaimedTotal.WithLabelValues("test-deactivation")))
}

func TestRoutingKeys(t *testing.T) {
	assert.Equal(t, mq.RoutingKey{"masters", "13", "started"}, StartedKey(13))
	assert.Equal(t, mq.RoutingKey{"masters", "13", "stopped"}, StoppedKey(13))
}

func TestDependentError(t *testing.T) {
	err := &DependentError{Name: "builders", MasterID: 13, Err: errors.New("x")}

	assert.Equal(t, "dependent builders failed for master 13: x", err.Error())
}
