package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getpup/buildcoord"
	"github.com/getpup/buildcoord/store"
)

// Store is a database/sql implementation of store.Store.
// It speaks PostgreSQL, MySQL and SQLite depending on its Dialect.
type Store struct {
	db      *sql.DB
	dialect Dialect
	config  TableConfig
	t       tables
}

var _ store.Store = (*Store)(nil)

// New creates a store with the default table configuration.
func New(db *sql.DB, dialect Dialect) (*Store, error) {
	return NewWithConfig(db, dialect, DefaultTableConfig())
}

// NewWithConfig creates a store with custom table names.
func NewWithConfig(db *sql.DB, dialect Dialect, config TableConfig) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		db:      db,
		dialect: dialect,
		config:  config,
		t:       config.tables(),
	}, nil
}

// Migrate creates the store's tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	ddl, err := MigrationUp(s.dialect, s.config)
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(ddl, ";\n") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration: %w", err)
		}
	}
	return nil
}

func (s *Store) q(query string, args ...any) string {
	return s.dialect.rebind(fmt.Sprintf(query, args...))
}

// FindMasterID returns the id for name, creating an inactive master if needed.
func (s *Store) FindMasterID(ctx context.Context, name string, now time.Time) (int64, error) {
	lookup := s.q(`SELECT id FROM %s WHERE name = ?`, s.t.masters)

	var id int64
	err := s.db.QueryRowContext(ctx, lookup, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to find master: %w", err)
	}

	insert := s.dialect.rebind(s.dialect.insertIgnore(s.t.masters, "name, active, last_active", "?, 0, ?"))
	if _, err := s.db.ExecContext(ctx, insert, name, now.Unix()); err != nil {
		return 0, fmt.Errorf("failed to create master: %w", err)
	}

	// A concurrent caller may have won the insert; read back either way.
	if err := s.db.QueryRowContext(ctx, lookup, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to find master: %w", err)
	}
	return id, nil
}

const masterColumns = `id, name, active, last_active, started_pending, deactivation_pending, deactivation_claimed_at`

func scanMaster(row interface{ Scan(...any) error }) (buildcoord.Master, error) {
	var (
		m                   buildcoord.Master
		active              int64
		lastActive          int64
		startedPending      int64
		deactivationPending int64
		claimedAt           sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.Name, &active, &lastActive, &startedPending, &deactivationPending, &claimedAt); err != nil {
		return buildcoord.Master{}, err
	}
	m.Active = active != 0
	m.LastActive = fromUnix(lastActive)
	m.StartedPending = startedPending != 0
	m.DeactivationPending = deactivationPending != 0
	m.DeactivationClaimedAt = nullTime(claimedAt)
	return m, nil
}

// GetMaster returns a master by id.
// Returns buildcoord.ErrMasterNotFound if the master does not exist.
func (s *Store) GetMaster(ctx context.Context, id int64) (buildcoord.Master, error) {
	query := s.q(`SELECT %s FROM %s WHERE id = ?`, masterColumns, s.t.masters)

	m, err := scanMaster(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return buildcoord.Master{}, buildcoord.ErrMasterNotFound
	}
	if err != nil {
		return buildcoord.Master{}, fmt.Errorf("failed to get master: %w", err)
	}
	return m, nil
}

// GetMasters returns every master ordered by id.
func (s *Store) GetMasters(ctx context.Context) ([]buildcoord.Master, error) {
	query := s.q(`SELECT %s FROM %s ORDER BY id`, masterColumns, s.t.masters)
	return s.queryMasters(ctx, query)
}

func (s *Store) queryMasters(ctx context.Context, query string, args ...any) (masters []buildcoord.Master, err error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get masters: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	masters = []buildcoord.Master{}
	for rows.Next() {
		m, err := scanMaster(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan master: %w", err)
		}
		masters = append(masters, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating masters: %w", err)
	}
	return masters, nil
}

// UpsertMasterActive records a heartbeat for the master, creating an inactive
// row under name if none exists. The active flag is left untouched.
func (s *Store) UpsertMasterActive(ctx context.Context, id int64, name string, now time.Time) (buildcoord.Master, error) {
	insert := s.dialect.rebind(s.dialect.insertIgnore(s.t.masters, "id, name, active, last_active", "?, ?, 0, ?"))
	result, err := s.db.ExecContext(ctx, insert, id, name, now.Unix())
	if err != nil {
		return buildcoord.Master{}, fmt.Errorf("failed to create master: %w", err)
	}
	if s.dialect == Postgres {
		inserted, err := result.RowsAffected()
		if err != nil {
			return buildcoord.Master{}, fmt.Errorf("failed to check rows affected: %w", err)
		}
		if inserted > 0 {
			// An explicit id does not advance the serial sequence.
			if err := s.syncMasterSequence(ctx); err != nil {
				return buildcoord.Master{}, err
			}
		}
	}

	update := s.q(`UPDATE %s SET last_active = ? WHERE id = ?`, s.t.masters)
	if _, err := s.db.ExecContext(ctx, update, now.Unix(), id); err != nil {
		return buildcoord.Master{}, fmt.Errorf("failed to update master heartbeat: %w", err)
	}

	return s.GetMaster(ctx, id)
}

func (s *Store) syncMasterSequence(ctx context.Context) error {
	query := fmt.Sprintf(`SELECT setval(pg_get_serial_sequence('%s', 'id'), (SELECT MAX(id) FROM %s))`,
		s.t.masters, s.t.masters)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to advance master id sequence: %w", err)
	}
	return nil
}

// SetMasterState flips the active flag with a compare-and-set and reports
// whether this call performed the transition. The same statement records the
// work the transition leaves pending.
func (s *Store) SetMasterState(ctx context.Context, id int64, active bool) (bool, error) {
	query := s.q(`UPDATE %s SET active = ?, started_pending = ?, deactivation_pending = ?, deactivation_claimed_at = NULL
		WHERE id = ? AND active <> ?`, s.t.masters)

	flag := boolInt(active)
	result, err := s.db.ExecContext(ctx, query, flag, flag, 1-flag, id, flag)
	if err != nil {
		return false, fmt.Errorf("failed to set master state: %w", err)
	}

	changed, err := affected(result)
	if err != nil || changed {
		return changed, err
	}

	if err := s.requireRow(ctx, s.db, s.t.masters, id, buildcoord.ErrMasterNotFound); err != nil {
		return false, err
	}
	return false, nil
}

// ClaimStarted clears the pending "started" event of an active master.
func (s *Store) ClaimStarted(ctx context.Context, id int64) (bool, error) {
	query := s.q(`UPDATE %s SET started_pending = 0 WHERE id = ? AND active = 1 AND started_pending = 1`, s.t.masters)

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim started event: %w", err)
	}
	return affected(result)
}

// RestoreStarted marks the "started" event of an active master pending again.
func (s *Store) RestoreStarted(ctx context.Context, id int64) error {
	query := s.q(`UPDATE %s SET started_pending = 1 WHERE id = ? AND active = 1`, s.t.masters)

	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to restore started event: %w", err)
	}
	return nil
}

// ListPendingDeactivations returns inactive masters with a claimable deactivation.
func (s *Store) ListPendingDeactivations(ctx context.Context, staleBefore time.Time) ([]buildcoord.Master, error) {
	query := s.q(`SELECT %s FROM %s
		WHERE active = 0 AND deactivation_pending = 1
		AND (deactivation_claimed_at IS NULL OR deactivation_claimed_at < ?)
		ORDER BY id`, masterColumns, s.t.masters)
	return s.queryMasters(ctx, query, staleBefore.Unix())
}

// ClaimDeactivation takes over a pending deactivation.
func (s *Store) ClaimDeactivation(ctx context.Context, id int64, now, staleBefore time.Time) (bool, error) {
	query := s.q(`UPDATE %s SET deactivation_claimed_at = ?
		WHERE id = ? AND active = 0 AND deactivation_pending = 1
		AND (deactivation_claimed_at IS NULL OR deactivation_claimed_at < ?)`, s.t.masters)

	result, err := s.db.ExecContext(ctx, query, now.Unix(), id, staleBefore.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to claim deactivation: %w", err)
	}
	return affected(result)
}

// ReleaseDeactivation drops the claim on a pending deactivation.
func (s *Store) ReleaseDeactivation(ctx context.Context, id int64) error {
	query := s.q(`UPDATE %s SET deactivation_claimed_at = NULL WHERE id = ? AND deactivation_pending = 1`, s.t.masters)

	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to release deactivation: %w", err)
	}
	return nil
}

// CompleteDeactivation clears the pending deactivation.
func (s *Store) CompleteDeactivation(ctx context.Context, id int64) error {
	query := s.q(`UPDATE %s SET deactivation_pending = 0, deactivation_claimed_at = NULL WHERE id = ?`, s.t.masters)

	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to complete deactivation: %w", err)
	}
	return nil
}

// ListActiveMastersOlderThan returns active masters last seen before threshold.
func (s *Store) ListActiveMastersOlderThan(ctx context.Context, threshold time.Time) ([]int64, error) {
	query := s.q(`SELECT id FROM %s WHERE active = 1 AND last_active < ? ORDER BY id`, s.t.masters)
	return s.queryIDs(ctx, query, threshold.Unix())
}

const buildColumns = `id, number, builderid, buildrequestid, workerid, masterid, started_at, complete_at, results`

func scanBuild(row interface{ Scan(...any) error }) (buildcoord.Build, error) {
	var (
		b          buildcoord.Build
		startedAt  int64
		completeAt sql.NullInt64
		results    sql.NullInt64
	)
	err := row.Scan(&b.ID, &b.Number, &b.BuilderID, &b.BuildRequestID, &b.WorkerID, &b.MasterID,
		&startedAt, &completeAt, &results)
	if err != nil {
		return buildcoord.Build{}, err
	}
	b.StartedAt = fromUnix(startedAt)
	b.CompleteAt = nullTime(completeAt)
	b.Results = nullResult(results)
	return b, nil
}

// AddBuild creates an in-progress build with the next number for its builder.
func (s *Store) AddBuild(ctx context.Context, b buildcoord.Build) (buildcoord.Build, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireRow(ctx, tx, s.t.builders, b.BuilderID, buildcoord.ErrBuilderNotFound); err != nil {
			return err
		}

		var number int
		query := s.q(`SELECT COALESCE(MAX(number), 0) FROM %s WHERE builderid = ?`, s.t.builds)
		if err := tx.QueryRowContext(ctx, query, b.BuilderID).Scan(&number); err != nil {
			return fmt.Errorf("failed to number build: %w", err)
		}

		insert := fmt.Sprintf(`INSERT INTO %s (number, builderid, buildrequestid, workerid, masterid, started_at)
			VALUES (?, ?, ?, ?, ?, ?)`, s.t.builds)
		id, err := s.dialect.insertID(ctx, tx, s.dialect.rebind(insert),
			number+1, b.BuilderID, b.BuildRequestID, b.WorkerID, b.MasterID, b.StartedAt.Unix())
		if err != nil {
			return fmt.Errorf("failed to add build: %w", err)
		}

		b.ID = id
		b.Number = number + 1
		b.StartedAt = fromUnix(b.StartedAt.Unix())
		b.CompleteAt = nil
		b.Results = nil
		return nil
	})
	if err != nil {
		return buildcoord.Build{}, err
	}
	return b, nil
}

// GetBuild returns a build by id.
func (s *Store) GetBuild(ctx context.Context, id int64) (buildcoord.Build, error) {
	query := s.q(`SELECT %s FROM %s WHERE id = ?`, buildColumns, s.t.builds)

	b, err := scanBuild(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return buildcoord.Build{}, buildcoord.ErrBuildNotFound
	}
	if err != nil {
		return buildcoord.Build{}, fmt.Errorf("failed to get build: %w", err)
	}
	return b, nil
}

// FindUnfinishedBuilds returns in-progress builds owned by masterID.
func (s *Store) FindUnfinishedBuilds(ctx context.Context, masterID int64) (builds []buildcoord.Build, err error) {
	query := s.q(`SELECT %s FROM %s WHERE masterid = ? AND complete_at IS NULL ORDER BY id`, buildColumns, s.t.builds)

	rows, err := s.db.QueryContext(ctx, query, masterID)
	if err != nil {
		return nil, fmt.Errorf("failed to find unfinished builds: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build: %w", err)
		}
		builds = append(builds, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating builds: %w", err)
	}
	return builds, nil
}

// FinishBuild sets the build's result and completion time.
func (s *Store) FinishBuild(ctx context.Context, buildID int64, results buildcoord.Result, at time.Time) error {
	query := s.q(`UPDATE %s SET complete_at = ?, results = ? WHERE id = ?`, s.t.builds)
	return s.update(ctx, "finish build", s.t.builds, buildID, buildcoord.ErrBuildNotFound, query,
		at.Unix(), int(results), buildID)
}

const stepColumns = `id, number, name, buildid, started_at, complete_at, results, hidden`

func scanStep(row interface{ Scan(...any) error }) (buildcoord.Step, error) {
	var (
		st         buildcoord.Step
		startedAt  int64
		completeAt sql.NullInt64
		results    sql.NullInt64
		hidden     int64
	)
	err := row.Scan(&st.ID, &st.Number, &st.Name, &st.BuildID, &startedAt, &completeAt, &results, &hidden)
	if err != nil {
		return buildcoord.Step{}, err
	}
	st.StartedAt = fromUnix(startedAt)
	st.CompleteAt = nullTime(completeAt)
	st.Results = nullResult(results)
	st.Hidden = hidden != 0
	return st, nil
}

// AddStep appends an in-progress step to a build.
func (s *Store) AddStep(ctx context.Context, buildID int64, name string, at time.Time) (buildcoord.Step, error) {
	var st buildcoord.Step
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireRow(ctx, tx, s.t.builds, buildID, buildcoord.ErrBuildNotFound); err != nil {
			return err
		}

		var number int
		query := s.q(`SELECT COUNT(*) FROM %s WHERE buildid = ?`, s.t.steps)
		if err := tx.QueryRowContext(ctx, query, buildID).Scan(&number); err != nil {
			return fmt.Errorf("failed to number step: %w", err)
		}

		insert := fmt.Sprintf(`INSERT INTO %s (number, name, buildid, started_at) VALUES (?, ?, ?, ?)`, s.t.steps)
		id, err := s.dialect.insertID(ctx, tx, s.dialect.rebind(insert), number, name, buildID, at.Unix())
		if err != nil {
			return fmt.Errorf("failed to add step: %w", err)
		}

		st = buildcoord.Step{
			ID:        id,
			BuildID:   buildID,
			Number:    number,
			Name:      name,
			StartedAt: fromUnix(at.Unix()),
		}
		return nil
	})
	if err != nil {
		return buildcoord.Step{}, err
	}
	return st, nil
}

// GetStep returns a step by id.
func (s *Store) GetStep(ctx context.Context, id int64) (buildcoord.Step, error) {
	query := s.q(`SELECT %s FROM %s WHERE id = ?`, stepColumns, s.t.steps)

	st, err := scanStep(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return buildcoord.Step{}, buildcoord.ErrStepNotFound
	}
	if err != nil {
		return buildcoord.Step{}, fmt.Errorf("failed to get step: %w", err)
	}
	return st, nil
}

// GetSteps returns every step of a build ordered by number.
func (s *Store) GetSteps(ctx context.Context, buildID int64) ([]buildcoord.Step, error) {
	query := s.q(`SELECT %s FROM %s WHERE buildid = ? ORDER BY number`, stepColumns, s.t.steps)
	return s.querySteps(ctx, query, buildID)
}

// FindUnfinishedSteps returns in-progress steps of a build ordered by number.
func (s *Store) FindUnfinishedSteps(ctx context.Context, buildID int64) ([]buildcoord.Step, error) {
	query := s.q(`SELECT %s FROM %s WHERE buildid = ? AND complete_at IS NULL ORDER BY number`, stepColumns, s.t.steps)
	return s.querySteps(ctx, query, buildID)
}

func (s *Store) querySteps(ctx context.Context, query string, args ...any) (steps []buildcoord.Step, err error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find steps: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}
	return steps, nil
}

// FinishStep sets the step's result, hidden flag and completion time.
func (s *Store) FinishStep(ctx context.Context, stepID int64, results buildcoord.Result, hidden bool, at time.Time) error {
	query := s.q(`UPDATE %s SET complete_at = ?, results = ?, hidden = ? WHERE id = ?`, s.t.steps)
	return s.update(ctx, "finish step", s.t.steps, stepID, buildcoord.ErrStepNotFound, query,
		at.Unix(), int(results), boolInt(hidden), stepID)
}

const logColumns = `id, name, stepid, num_lines, complete`

func scanLog(row interface{ Scan(...any) error }) (buildcoord.Log, error) {
	var (
		l        buildcoord.Log
		complete int64
	)
	if err := row.Scan(&l.ID, &l.Name, &l.StepID, &l.NumLines, &complete); err != nil {
		return buildcoord.Log{}, err
	}
	l.Complete = complete != 0
	return l, nil
}

// AddLog creates an empty, open log for a step.
func (s *Store) AddLog(ctx context.Context, stepID int64, name string) (buildcoord.Log, error) {
	if err := s.requireRow(ctx, s.db, s.t.steps, stepID, buildcoord.ErrStepNotFound); err != nil {
		return buildcoord.Log{}, err
	}

	insert := fmt.Sprintf(`INSERT INTO %s (name, stepid) VALUES (?, ?)`, s.t.logs)
	id, err := s.dialect.insertID(ctx, s.db, s.dialect.rebind(insert), name, stepID)
	if err != nil {
		return buildcoord.Log{}, fmt.Errorf("failed to add log: %w", err)
	}
	return buildcoord.Log{ID: id, StepID: stepID, Name: name}, nil
}

// GetLog returns a log by id.
func (s *Store) GetLog(ctx context.Context, id int64) (buildcoord.Log, error) {
	query := s.q(`SELECT %s FROM %s WHERE id = ?`, logColumns, s.t.logs)

	l, err := scanLog(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return buildcoord.Log{}, buildcoord.ErrLogNotFound
	}
	if err != nil {
		return buildcoord.Log{}, fmt.Errorf("failed to get log: %w", err)
	}
	return l, nil
}

// FindUnfinishedLogs returns the open logs of a step.
func (s *Store) FindUnfinishedLogs(ctx context.Context, stepID int64) (logs []buildcoord.Log, err error) {
	query := s.q(`SELECT %s FROM %s WHERE stepid = ? AND complete = 0 ORDER BY id`, logColumns, s.t.logs)

	rows, err := s.db.QueryContext(ctx, query, stepID)
	if err != nil {
		return nil, fmt.Errorf("failed to find unfinished logs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating logs: %w", err)
	}
	return logs, nil
}

// AppendLog appends content to an open log as a single chunk.
func (s *Store) AppendLog(ctx context.Context, logID int64, content string) (buildcoord.LogChunk, error) {
	var chunk buildcoord.LogChunk
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var numLines, complete int
		query := s.q(`SELECT num_lines, complete FROM %s WHERE id = ?`, s.t.logs)
		err := tx.QueryRowContext(ctx, query, logID).Scan(&numLines, &complete)
		if errors.Is(err, sql.ErrNoRows) {
			return buildcoord.ErrLogNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get log: %w", err)
		}
		if complete != 0 {
			return buildcoord.ErrLogFinished
		}

		normalized, lines := buildcoord.NormalizeLogContent(content)
		chunk = buildcoord.LogChunk{
			LogID:     logID,
			FirstLine: numLines,
			LastLine:  numLines + lines - 1,
			Content:   normalized,
		}
		if lines == 0 {
			return nil
		}

		insert := s.q(`INSERT INTO %s (logid, first_line, last_line, content) VALUES (?, ?, ?, ?)`, s.t.logChunks)
		if _, err := tx.ExecContext(ctx, insert, logID, chunk.FirstLine, chunk.LastLine, chunk.Content); err != nil {
			return fmt.Errorf("failed to insert log chunk: %w", err)
		}

		update := s.q(`UPDATE %s SET num_lines = num_lines + ? WHERE id = ?`, s.t.logs)
		if _, err := tx.ExecContext(ctx, update, lines, logID); err != nil {
			return fmt.Errorf("failed to update log line count: %w", err)
		}
		return nil
	})
	if err != nil {
		return buildcoord.LogChunk{}, err
	}
	return chunk, nil
}

// GetLogChunks returns every chunk of a log in line order.
func (s *Store) GetLogChunks(ctx context.Context, logID int64) (chunks []buildcoord.LogChunk, err error) {
	if err := s.requireRow(ctx, s.db, s.t.logs, logID, buildcoord.ErrLogNotFound); err != nil {
		return nil, err
	}

	query := s.q(`SELECT logid, first_line, last_line, content FROM %s WHERE logid = ? ORDER BY first_line`, s.t.logChunks)
	rows, err := s.db.QueryContext(ctx, query, logID)
	if err != nil {
		return nil, fmt.Errorf("failed to get log chunks: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	chunks = []buildcoord.LogChunk{}
	for rows.Next() {
		var c buildcoord.LogChunk
		if err := rows.Scan(&c.LogID, &c.FirstLine, &c.LastLine, &c.Content); err != nil {
			return nil, fmt.Errorf("failed to scan log chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log chunks: %w", err)
	}
	return chunks, nil
}

// FinishLog marks a log complete.
func (s *Store) FinishLog(ctx context.Context, logID int64) error {
	query := s.q(`UPDATE %s SET complete = 1 WHERE id = ?`, s.t.logs)
	return s.update(ctx, "finish log", s.t.logs, logID, buildcoord.ErrLogNotFound, query, logID)
}

// AddBuildRequest queues an unclaimed request for a builder.
func (s *Store) AddBuildRequest(ctx context.Context, builderID int64) (buildcoord.BuildRequest, error) {
	if err := s.requireRow(ctx, s.db, s.t.builders, builderID, buildcoord.ErrBuilderNotFound); err != nil {
		return buildcoord.BuildRequest{}, err
	}

	insert := fmt.Sprintf(`INSERT INTO %s (builderid) VALUES (?)`, s.t.buildRequests)
	id, err := s.dialect.insertID(ctx, s.db, s.dialect.rebind(insert), builderID)
	if err != nil {
		return buildcoord.BuildRequest{}, fmt.Errorf("failed to add build request: %w", err)
	}
	return buildcoord.BuildRequest{ID: id, BuilderID: builderID}, nil
}

func (s *Store) buildRequestQuery(where string) string {
	return s.q(`SELECT br.id, br.builderid, br.complete, c.masterid, c.claimed_at
		FROM %s br LEFT JOIN %s c ON c.brid = br.id
		WHERE %s
		ORDER BY br.id`, s.t.buildRequests, s.t.claims, where)
}

func scanBuildRequest(row interface{ Scan(...any) error }) (buildcoord.BuildRequest, error) {
	var (
		br        buildcoord.BuildRequest
		complete  int64
		masterID  sql.NullInt64
		claimedAt sql.NullInt64
	)
	if err := row.Scan(&br.ID, &br.BuilderID, &complete, &masterID, &claimedAt); err != nil {
		return buildcoord.BuildRequest{}, err
	}
	br.Complete = complete != 0
	if masterID.Valid {
		br.Claim = &buildcoord.Claim{
			BuildRequestID: br.ID,
			MasterID:       masterID.Int64,
			ClaimedAt:      fromUnix(claimedAt.Int64),
		}
	}
	return br, nil
}

// GetBuildRequest returns a build request by id.
func (s *Store) GetBuildRequest(ctx context.Context, id int64) (buildcoord.BuildRequest, error) {
	br, err := scanBuildRequest(s.db.QueryRowContext(ctx, s.buildRequestQuery("br.id = ?"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return buildcoord.BuildRequest{}, buildcoord.ErrBuildRequestNotFound
	}
	if err != nil {
		return buildcoord.BuildRequest{}, fmt.Errorf("failed to get build request: %w", err)
	}
	return br, nil
}

// ClaimBuildRequests claims every request for masterID, or none of them.
func (s *Store) ClaimBuildRequests(ctx context.Context, ids []int64, masterID int64, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		claimed := s.q(`SELECT COUNT(*) FROM %s WHERE brid = ?`, s.t.claims)
		for _, id := range ids {
			if err := s.requireRow(ctx, tx, s.t.buildRequests, id, buildcoord.ErrBuildRequestNotFound); err != nil {
				return err
			}
			var n int
			if err := tx.QueryRowContext(ctx, claimed, id).Scan(&n); err != nil {
				return fmt.Errorf("failed to check claim: %w", err)
			}
			if n > 0 {
				return buildcoord.ErrAlreadyClaimed
			}
		}

		insert := s.q(`INSERT INTO %s (brid, masterid, claimed_at) VALUES (?, ?, ?)`, s.t.claims)
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, insert, id, masterID, at.Unix()); err != nil {
				return fmt.Errorf("failed to claim build request: %w", err)
			}
		}
		return nil
	})
}

// GetClaimedBuildRequests returns incomplete requests claimed by masterID.
func (s *Store) GetClaimedBuildRequests(ctx context.Context, masterID int64) (brs []buildcoord.BuildRequest, err error) {
	rows, err := s.db.QueryContext(ctx, s.buildRequestQuery("c.masterid = ? AND br.complete = 0"), masterID)
	if err != nil {
		return nil, fmt.Errorf("failed to get claimed build requests: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	for rows.Next() {
		br, err := scanBuildRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build request: %w", err)
		}
		brs = append(brs, br)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating build requests: %w", err)
	}
	return brs, nil
}

// UnclaimBuildRequests releases the claims on the given requests.
func (s *Store) UnclaimBuildRequests(ctx context.Context, ids []int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := s.q(`DELETE FROM %s WHERE brid = ?`, s.t.claims)
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, query, id); err != nil {
				return fmt.Errorf("failed to unclaim build request: %w", err)
			}
		}
		return nil
	})
}

// AddBuilder creates a builder.
func (s *Store) AddBuilder(ctx context.Context, name string) (int64, error) {
	insert := fmt.Sprintf(`INSERT INTO %s (name) VALUES (?)`, s.t.builders)
	id, err := s.dialect.insertID(ctx, s.db, s.dialect.rebind(insert), name)
	if err != nil {
		return 0, fmt.Errorf("failed to add builder: %w", err)
	}
	return id, nil
}

// AddBuilderMaster associates a builder with a master. It is idempotent.
func (s *Store) AddBuilderMaster(ctx context.Context, builderID, masterID int64) error {
	if err := s.requireRow(ctx, s.db, s.t.builders, builderID, buildcoord.ErrBuilderNotFound); err != nil {
		return err
	}
	if err := s.requireRow(ctx, s.db, s.t.masters, masterID, buildcoord.ErrMasterNotFound); err != nil {
		return err
	}

	insert := s.dialect.rebind(s.dialect.insertIgnore(s.t.builderMasters, "builderid, masterid", "?, ?"))
	if _, err := s.db.ExecContext(ctx, insert, builderID, masterID); err != nil {
		return fmt.Errorf("failed to add builder master: %w", err)
	}
	return nil
}

// RemoveBuilderMaster drops a builder-master association if present.
func (s *Store) RemoveBuilderMaster(ctx context.Context, builderID, masterID int64) error {
	query := s.q(`DELETE FROM %s WHERE builderid = ? AND masterid = ?`, s.t.builderMasters)
	if _, err := s.db.ExecContext(ctx, query, builderID, masterID); err != nil {
		return fmt.Errorf("failed to remove builder master: %w", err)
	}
	return nil
}

// GetBuilderIDsForMaster returns the builders associated with masterID.
func (s *Store) GetBuilderIDsForMaster(ctx context.Context, masterID int64) ([]int64, error) {
	query := s.q(`SELECT builderid FROM %s WHERE masterid = ? ORDER BY builderid`, s.t.builderMasters)
	return s.queryIDs(ctx, query, masterID)
}

// GetMastersForBuilder returns the masters associated with a builder.
func (s *Store) GetMastersForBuilder(ctx context.Context, builderID int64) ([]buildcoord.Master, error) {
	query := s.q(`SELECT m.id, m.name, m.active, m.last_active, m.started_pending, m.deactivation_pending, m.deactivation_claimed_at
		FROM %s m JOIN %s bm ON bm.masterid = m.id
		WHERE bm.builderid = ?
		ORDER BY m.id`, s.t.masters, s.t.builderMasters)
	return s.queryMasters(ctx, query, builderID)
}

// AddScheduler creates an unowned scheduler.
func (s *Store) AddScheduler(ctx context.Context, name string) (int64, error) {
	insert := fmt.Sprintf(`INSERT INTO %s (name) VALUES (?)`, s.t.schedulers)
	id, err := s.dialect.insertID(ctx, s.db, s.dialect.rebind(insert), name)
	if err != nil {
		return 0, fmt.Errorf("failed to add scheduler: %w", err)
	}
	return id, nil
}

// SetSchedulerMaster sets or clears the owner of a scheduler.
func (s *Store) SetSchedulerMaster(ctx context.Context, schedulerID int64, masterID *int64) error {
	query := s.q(`UPDATE %s SET masterid = ? WHERE id = ?`, s.t.schedulers)
	return s.update(ctx, "set scheduler master", s.t.schedulers, schedulerID, buildcoord.ErrSchedulerNotFound, query,
		nullID(masterID), schedulerID)
}

// GetSchedulerIDsForMaster returns the schedulers owned by masterID.
func (s *Store) GetSchedulerIDsForMaster(ctx context.Context, masterID int64) ([]int64, error) {
	query := s.q(`SELECT id FROM %s WHERE masterid = ? ORDER BY id`, s.t.schedulers)
	return s.queryIDs(ctx, query, masterID)
}

// AddChangeSource creates an unowned change source.
func (s *Store) AddChangeSource(ctx context.Context, name string) (int64, error) {
	insert := fmt.Sprintf(`INSERT INTO %s (name) VALUES (?)`, s.t.changeSources)
	id, err := s.dialect.insertID(ctx, s.db, s.dialect.rebind(insert), name)
	if err != nil {
		return 0, fmt.Errorf("failed to add change source: %w", err)
	}
	return id, nil
}

// SetChangeSourceMaster sets or clears the owner of a change source.
func (s *Store) SetChangeSourceMaster(ctx context.Context, changeSourceID int64, masterID *int64) error {
	query := s.q(`UPDATE %s SET masterid = ? WHERE id = ?`, s.t.changeSources)
	return s.update(ctx, "set change source master", s.t.changeSources, changeSourceID, buildcoord.ErrChangeSourceNotFound, query,
		nullID(masterID), changeSourceID)
}

// GetChangeSourceIDsForMaster returns the change sources owned by masterID.
func (s *Store) GetChangeSourceIDsForMaster(ctx context.Context, masterID int64) ([]int64, error) {
	query := s.q(`SELECT id FROM %s WHERE masterid = ? ORDER BY id`, s.t.changeSources)
	return s.queryIDs(ctx, query, masterID)
}

// update runs an UPDATE keyed by id. MySQL reports zero affected rows when
// the values are unchanged, so a miss is confirmed with an existence check.
func (s *Store) update(ctx context.Context, op, table string, id int64, notFound error, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}
	return s.requireRow(ctx, s.db, table, id, notFound)
}

func (s *Store) requireRow(ctx context.Context, db execer, table string, id int64, notFound error) error {
	var n int
	query := s.q(`SELECT COUNT(*) FROM %s WHERE id = ?`, table)
	if err := db.QueryRowContext(ctx, query, id).Scan(&n); err != nil {
		return fmt.Errorf("failed to check %s: %w", table, err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) (ids []int64, err error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ids: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ids: %w", err)
	}
	return ids, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// affected reports whether a compare-and-set UPDATE matched a row.
func affected(result sql.Result) (bool, error) {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}

func nullResult(v sql.NullInt64) *buildcoord.Result {
	if !v.Valid {
		return nil
	}
	return buildcoord.Result(v.Int64).Ptr()
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}
