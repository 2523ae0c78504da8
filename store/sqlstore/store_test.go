package sqlstore

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/buildcoord"
)

func at(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// Every connection to :memory: gets its own database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s, err := New(db, SQLite)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestParseDialect(t *testing.T) {
	tests := []struct {
		name string
		want Dialect
	}{
		{"postgres", Postgres},
		{"PostgreSQL", Postgres},
		{"mysql", MySQL},
		{"mariadb", MySQL},
		{"sqlite3", SQLite},
		{"sqlite", SQLite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDialect(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseDialect("oracle")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	query := "UPDATE m SET a = ? WHERE id = ? AND a <> ?"

	assert.Equal(t, "UPDATE m SET a = $1 WHERE id = $2 AND a <> $3", Postgres.rebind(query))
	assert.Equal(t, query, MySQL.rebind(query))
	assert.Equal(t, query, SQLite.rebind(query))
}

func TestInsertIgnore(t *testing.T) {
	assert.Equal(t, "INSERT IGNORE INTO t (a, b) VALUES (?, ?)", MySQL.insertIgnore("t", "a, b", "?, ?"))
	assert.Equal(t, "INSERT INTO t (a, b) VALUES (?, ?) ON CONFLICT DO NOTHING", SQLite.insertIgnore("t", "a, b", "?, ?"))
	assert.Equal(t, "INSERT INTO t (a, b) VALUES (?, ?) ON CONFLICT DO NOTHING", Postgres.insertIgnore("t", "a, b", "?, ?"))
}

func TestTableConfig_Validate(t *testing.T) {
	assert.NoError(t, TableConfig{}.Validate())
	assert.NoError(t, DefaultTableConfig().Validate())

	err := TableConfig{Prefix: "bad; DROP TABLE x"}.Validate()
	require.Error(t, err)
	assert.True(t, buildcoord.IsValidationError(err))

	_, err = NewWithConfig(nil, SQLite, TableConfig{Prefix: "1abc"})
	assert.True(t, buildcoord.IsValidationError(err))
}

func TestMigrationUp(t *testing.T) {
	t.Run("postgres", func(t *testing.T) {
		ddl, err := MigrationUp(Postgres, TableConfig{Prefix: "ci_"})
		require.NoError(t, err)

		assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS ci_masters")
		assert.Contains(t, ddl, "id BIGSERIAL PRIMARY KEY")
		assert.Contains(t, ddl, "CREATE UNIQUE INDEX IF NOT EXISTS idx_ci_masters_name ON ci_masters (name)")
		assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS ci_logchunks")
		assert.Contains(t, ddl, "deactivation_claimed_at BIGINT NULL")
	})

	t.Run("mysql", func(t *testing.T) {
		ddl, err := MigrationUp(MySQL, TableConfig{})
		require.NoError(t, err)

		assert.Contains(t, ddl, "BIGINT AUTO_INCREMENT PRIMARY KEY")
		assert.Contains(t, ddl, "ENGINE=InnoDB")
		assert.Contains(t, ddl, "CREATE UNIQUE INDEX idx_masters_name ON masters (name)")
		assert.NotContains(t, ddl, "INDEX IF NOT EXISTS")
	})

	t.Run("sqlite", func(t *testing.T) {
		ddl, err := MigrationUp(SQLite, DefaultTableConfig())
		require.NoError(t, err)

		assert.Contains(t, ddl, "INTEGER PRIMARY KEY AUTOINCREMENT")
		assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS buildcoord_buildrequest_claims")
	})
}

func TestMigrationDown(t *testing.T) {
	ddl, err := MigrationDown(TableConfig{Prefix: "ci_"})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(ddl), "\n")
	require.Len(t, lines, 11)
	assert.Equal(t, "DROP TABLE IF EXISTS ci_logchunks;", lines[0])
	assert.Equal(t, "DROP TABLE IF EXISTS ci_masters;", lines[10])
}

func TestMigrate_IsRepeatable(t *testing.T) {
	s := newTestStore(t)

	assert.NoError(t, s.Migrate(context.Background()))
}

func TestFindMasterID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.FindMasterID(ctx, "master-a", at(60))
	require.NoError(t, err)

	again, err := s.FindMasterID(ctx, "master-a", at(120))
	require.NoError(t, err)
	assert.Equal(t, id, again)

	other, err := s.FindMasterID(ctx, "master-b", at(120))
	require.NoError(t, err)
	assert.NotEqual(t, id, other)

	m, err := s.GetMaster(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, buildcoord.Master{ID: id, Name: "master-a", Active: false, LastActive: at(60)}, m)
}

func TestGetMaster_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetMaster(context.Background(), 42)

	assert.ErrorIs(t, err, buildcoord.ErrMasterNotFound)
}

func TestUpsertMasterActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.UpsertMasterActive(ctx, 13, "master-13", at(60))
	require.NoError(t, err)
	assert.Equal(t, buildcoord.Master{ID: 13, Name: "master-13", LastActive: at(60)}, m)

	changed, err := s.SetMasterState(ctx, 13, true)
	require.NoError(t, err)
	require.True(t, changed)

	m, err = s.UpsertMasterActive(ctx, 13, "renamed", at(120))
	require.NoError(t, err)
	assert.Equal(t, buildcoord.Master{ID: 13, Name: "master-13", Active: true, LastActive: at(120), StartedPending: true}, m)
}

func TestSetMasterState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.UpsertMasterActive(ctx, 14, "master-14", at(0))
	require.NoError(t, err)

	changed, err := s.SetMasterState(ctx, 14, true)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.SetMasterState(ctx, 14, true)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.SetMasterState(ctx, 14, false)
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = s.SetMasterState(ctx, 99, true)
	assert.ErrorIs(t, err, buildcoord.ErrMasterNotFound)
}

func TestSetMasterState_ConcurrentFlipHappensOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.UpsertMasterActive(ctx, 14, "master-14", at(0))
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		flips int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := s.SetMasterState(ctx, 14, true)
			assert.NoError(t, err)
			if changed {
				mu.Lock()
				flips++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, flips)
}

func TestStartedAnnouncement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.UpsertMasterActive(ctx, 14, "master-14", at(0))
	require.NoError(t, err)

	claimed, err := s.ClaimStarted(ctx, 14)
	require.NoError(t, err)
	assert.False(t, claimed, "inactive master owes no started event")

	_, err = s.SetMasterState(ctx, 14, true)
	require.NoError(t, err)

	claimed, err = s.ClaimStarted(ctx, 14)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimStarted(ctx, 14)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, s.RestoreStarted(ctx, 14))
	claimed, err = s.ClaimStarted(ctx, 14)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestPendingDeactivation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []int64{14, 15} {
		_, err := s.UpsertMasterActive(ctx, id, "master-"+strconv.FormatInt(id, 10), at(0))
		require.NoError(t, err)
		_, err = s.SetMasterState(ctx, id, true)
		require.NoError(t, err)
	}
	_, err := s.SetMasterState(ctx, 14, false)
	require.NoError(t, err)

	m, err := s.GetMaster(ctx, 14)
	require.NoError(t, err)
	assert.True(t, m.DeactivationPending)
	assert.False(t, m.StartedPending)
	assert.Nil(t, m.DeactivationClaimedAt)

	pending, err := s.ListPendingDeactivations(ctx, at(100))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(14), pending[0].ID)

	claimed, err := s.ClaimDeactivation(ctx, 14, at(100), at(40))
	require.NoError(t, err)
	require.True(t, claimed)

	t.Run("fresh claim is exclusive", func(t *testing.T) {
		claimed, err := s.ClaimDeactivation(ctx, 14, at(110), at(50))
		require.NoError(t, err)
		assert.False(t, claimed)

		pending, err := s.ListPendingDeactivations(ctx, at(50))
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("stale claim is taken over", func(t *testing.T) {
		pending, err := s.ListPendingDeactivations(ctx, at(101))
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, at(100), *pending[0].DeactivationClaimedAt)

		claimed, err := s.ClaimDeactivation(ctx, 14, at(200), at(101))
		require.NoError(t, err)
		assert.True(t, claimed)
	})

	t.Run("release makes it claimable again", func(t *testing.T) {
		require.NoError(t, s.ReleaseDeactivation(ctx, 14))

		claimed, err := s.ClaimDeactivation(ctx, 14, at(210), at(0))
		require.NoError(t, err)
		assert.True(t, claimed)
	})

	t.Run("complete clears it", func(t *testing.T) {
		require.NoError(t, s.CompleteDeactivation(ctx, 14))

		m, err := s.GetMaster(ctx, 14)
		require.NoError(t, err)
		assert.False(t, m.DeactivationPending)
		assert.Nil(t, m.DeactivationClaimedAt)

		pending, err := s.ListPendingDeactivations(ctx, at(1000))
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("reactivation drops an unfinished deactivation", func(t *testing.T) {
		_, err := s.SetMasterState(ctx, 15, false)
		require.NoError(t, err)
		_, err = s.SetMasterState(ctx, 15, true)
		require.NoError(t, err)

		claimed, err := s.ClaimDeactivation(ctx, 15, at(300), at(300))
		require.NoError(t, err)
		assert.False(t, claimed)
	})
}

func TestListActiveMastersOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []int64{14, 15, 16} {
		_, err := s.UpsertMasterActive(ctx, id, "master-"+strconv.FormatInt(id, 10), at(0))
		require.NoError(t, err)
	}
	_, err := s.SetMasterState(ctx, 14, true)
	require.NoError(t, err)
	_, err = s.SetMasterState(ctx, 16, true)
	require.NoError(t, err)
	_, err = s.UpsertMasterActive(ctx, 16, "master-16", at(600))
	require.NoError(t, err)

	ids, err := s.ListActiveMastersOlderThan(ctx, at(60))

	require.NoError(t, err)
	assert.Equal(t, []int64{14}, ids)
}

func TestBuildsStepsAndLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	builderID, err := s.AddBuilder(ctx, "bldr1")
	require.NoError(t, err)

	build, err := s.AddBuild(ctx, buildcoord.Build{BuilderID: builderID, BuildRequestID: 1, WorkerID: 13, MasterID: 14, StartedAt: at(10)})
	require.NoError(t, err)
	assert.Equal(t, 1, build.Number)

	next, err := s.AddBuild(ctx, buildcoord.Build{BuilderID: builderID, MasterID: 15, StartedAt: at(10)})
	require.NoError(t, err)
	assert.Equal(t, 2, next.Number)

	step, err := s.AddStep(ctx, build.ID, "compile", at(20))
	require.NoError(t, err)
	assert.Equal(t, 0, step.Number)

	l, err := s.AddLog(ctx, step.ID, "stdio")
	require.NoError(t, err)

	chunk, err := s.AppendLog(ctx, l.ID, "line1\nline2\n")
	require.NoError(t, err)
	assert.Equal(t, buildcoord.LogChunk{LogID: l.ID, FirstLine: 0, LastLine: 1, Content: "line1\nline2"}, chunk)

	t.Run("unfinished lookups", func(t *testing.T) {
		builds, err := s.FindUnfinishedBuilds(ctx, 14)
		require.NoError(t, err)
		require.Len(t, builds, 1)
		assert.Equal(t, build, builds[0])

		steps, err := s.FindUnfinishedSteps(ctx, build.ID)
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, step, steps[0])

		logs, err := s.FindUnfinishedLogs(ctx, step.ID)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, 2, logs[0].NumLines)
	})

	t.Run("finishing", func(t *testing.T) {
		require.NoError(t, s.FinishLog(ctx, l.ID))
		require.NoError(t, s.FinishStep(ctx, step.ID, buildcoord.Retry, false, at(30)))
		require.NoError(t, s.FinishBuild(ctx, build.ID, buildcoord.Retry, at(30)))

		_, err := s.AppendLog(ctx, l.ID, "late\n")
		assert.ErrorIs(t, err, buildcoord.ErrLogFinished)

		gotStep, err := s.GetStep(ctx, step.ID)
		require.NoError(t, err)
		require.NotNil(t, gotStep.Results)
		assert.Equal(t, buildcoord.Retry, *gotStep.Results)
		assert.False(t, gotStep.Hidden)
		assert.Equal(t, at(30), *gotStep.CompleteAt)

		gotBuild, err := s.GetBuild(ctx, build.ID)
		require.NoError(t, err)
		assert.True(t, gotBuild.Finished())
		assert.Equal(t, buildcoord.Retry, *gotBuild.Results)

		builds, err := s.FindUnfinishedBuilds(ctx, 14)
		require.NoError(t, err)
		assert.Empty(t, builds)

		chunks, err := s.GetLogChunks(ctx, l.ID)
		require.NoError(t, err)
		assert.Len(t, chunks, 1)
	})

	t.Run("finished steps are still listed", func(t *testing.T) {
		steps, err := s.FindUnfinishedSteps(ctx, build.ID)
		require.NoError(t, err)
		assert.Empty(t, steps)

		steps, err = s.GetSteps(ctx, build.ID)
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, step.ID, steps[0].ID)
		assert.True(t, steps[0].Finished())
	})

	t.Run("finishing twice is harmless", func(t *testing.T) {
		assert.NoError(t, s.FinishLog(ctx, l.ID))
		assert.NoError(t, s.FinishBuild(ctx, build.ID, buildcoord.Retry, at(30)))
	})

	t.Run("missing rows", func(t *testing.T) {
		assert.ErrorIs(t, s.FinishLog(ctx, 999), buildcoord.ErrLogNotFound)
		assert.ErrorIs(t, s.FinishStep(ctx, 999, buildcoord.Retry, false, at(0)), buildcoord.ErrStepNotFound)
		assert.ErrorIs(t, s.FinishBuild(ctx, 999, buildcoord.Retry, at(0)), buildcoord.ErrBuildNotFound)

		_, err := s.AddBuild(ctx, buildcoord.Build{BuilderID: 999})
		assert.ErrorIs(t, err, buildcoord.ErrBuilderNotFound)
		_, err = s.AddStep(ctx, 999, "x", at(0))
		assert.ErrorIs(t, err, buildcoord.ErrBuildNotFound)
		_, err = s.AddLog(ctx, 999, "x")
		assert.ErrorIs(t, err, buildcoord.ErrStepNotFound)
		_, err = s.AppendLog(ctx, 999, "x")
		assert.ErrorIs(t, err, buildcoord.ErrLogNotFound)
	})
}

func TestBuildRequestClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	builderID, err := s.AddBuilder(ctx, "bldr1")
	require.NoError(t, err)

	br1, err := s.AddBuildRequest(ctx, builderID)
	require.NoError(t, err)
	br2, err := s.AddBuildRequest(ctx, builderID)
	require.NoError(t, err)

	require.NoError(t, s.ClaimBuildRequests(ctx, []int64{br1.ID}, 14, at(5)))

	err = s.ClaimBuildRequests(ctx, []int64{br2.ID, br1.ID}, 15, at(6))
	assert.ErrorIs(t, err, buildcoord.ErrAlreadyClaimed)

	got, err := s.GetBuildRequest(ctx, br2.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Claim)

	claimed, err := s.GetClaimedBuildRequests(ctx, 14)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, &buildcoord.Claim{BuildRequestID: br1.ID, MasterID: 14, ClaimedAt: at(5)}, claimed[0].Claim)

	require.NoError(t, s.UnclaimBuildRequests(ctx, []int64{br1.ID}))

	claimed, err = s.GetClaimedBuildRequests(ctx, 14)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	_, err = s.GetBuildRequest(ctx, 999)
	assert.ErrorIs(t, err, buildcoord.ErrBuildRequestNotFound)
}

func TestOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.UpsertMasterActive(ctx, 13, "m13", at(0))
	require.NoError(t, err)

	bldr1, err := s.AddBuilder(ctx, "bldr1")
	require.NoError(t, err)
	bldr2, err := s.AddBuilder(ctx, "bldr2")
	require.NoError(t, err)

	require.NoError(t, s.AddBuilderMaster(ctx, bldr1, 13))
	require.NoError(t, s.AddBuilderMaster(ctx, bldr1, 13))

	masters, err := s.GetMastersForBuilder(ctx, bldr1)
	require.NoError(t, err)
	require.Len(t, masters, 1)
	assert.Equal(t, "m13", masters[0].Name)

	masters, err = s.GetMastersForBuilder(ctx, bldr2)
	require.NoError(t, err)
	assert.NotNil(t, masters)
	assert.Empty(t, masters)

	ids, err := s.GetBuilderIDsForMaster(ctx, 13)
	require.NoError(t, err)
	assert.Equal(t, []int64{bldr1}, ids)

	require.NoError(t, s.RemoveBuilderMaster(ctx, bldr1, 13))
	ids, err = s.GetBuilderIDsForMaster(ctx, 13)
	require.NoError(t, err)
	assert.Empty(t, ids)

	master := int64(13)
	schedID, err := s.AddScheduler(ctx, "nightly")
	require.NoError(t, err)
	csID, err := s.AddChangeSource(ctx, "poller")
	require.NoError(t, err)

	require.NoError(t, s.SetSchedulerMaster(ctx, schedID, &master))
	require.NoError(t, s.SetChangeSourceMaster(ctx, csID, &master))

	ids, err = s.GetSchedulerIDsForMaster(ctx, 13)
	require.NoError(t, err)
	assert.Equal(t, []int64{schedID}, ids)
	ids, err = s.GetChangeSourceIDsForMaster(ctx, 13)
	require.NoError(t, err)
	assert.Equal(t, []int64{csID}, ids)

	require.NoError(t, s.SetSchedulerMaster(ctx, schedID, nil))
	require.NoError(t, s.SetChangeSourceMaster(ctx, csID, nil))

	ids, err = s.GetSchedulerIDsForMaster(ctx, 13)
	require.NoError(t, err)
	assert.Empty(t, ids)

	assert.ErrorIs(t, s.SetSchedulerMaster(ctx, 999, nil), buildcoord.ErrSchedulerNotFound)
	assert.ErrorIs(t, s.SetChangeSourceMaster(ctx, 999, nil), buildcoord.ErrChangeSourceNotFound)
	assert.ErrorIs(t, s.AddBuilderMaster(ctx, 999, 13), buildcoord.ErrBuilderNotFound)
	assert.ErrorIs(t, s.AddBuilderMaster(ctx, bldr2, 99), buildcoord.ErrMasterNotFound)
}
