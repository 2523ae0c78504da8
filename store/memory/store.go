package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/getpup/buildcoord"
	"github.com/getpup/buildcoord/store"
)

// Store is an in-memory implementation of store.Store.
// A single sync.RWMutex serializes writers, which makes every operation,
// including SetMasterState, atomic.
type Store struct {
	mu sync.RWMutex

	masters        map[int64]buildcoord.Master
	builders       map[int64]buildcoord.Builder
	builderMasters map[int64]map[int64]struct{} // builderID -> masterIDs
	schedulers     map[int64]owned
	changeSources  map[int64]owned
	buildRequests  map[int64]buildcoord.BuildRequest
	builds         map[int64]buildcoord.Build
	steps          map[int64]buildcoord.Step
	logs           map[int64]buildcoord.Log
	chunks         map[int64][]buildcoord.LogChunk // logID -> chunks

	lastID int64
}

type owned struct {
	name     string
	masterID *int64
}

var _ store.Store = (*Store)(nil)

// New creates a new in-memory store with initialized maps.
func New() *Store {
	return &Store{
		masters:        make(map[int64]buildcoord.Master),
		builders:       make(map[int64]buildcoord.Builder),
		builderMasters: make(map[int64]map[int64]struct{}),
		schedulers:     make(map[int64]owned),
		changeSources:  make(map[int64]owned),
		buildRequests:  make(map[int64]buildcoord.BuildRequest),
		builds:         make(map[int64]buildcoord.Build),
		steps:          make(map[int64]buildcoord.Step),
		logs:           make(map[int64]buildcoord.Log),
		chunks:         make(map[int64][]buildcoord.LogChunk),
	}
}

// nextID must be called with mu held for writing.
func (s *Store) nextID() int64 {
	s.lastID++
	return s.lastID
}

// PutMaster inserts or replaces a master row verbatim. It exists for seeding
// fixtures and bypasses the heartbeat semantics of UpsertMasterActive.
func (s *Store) PutMaster(m buildcoord.Master) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Name == "" {
		m.Name = defaultMasterName(m.ID)
	}
	s.masters[m.ID] = m
	if m.ID > s.lastID {
		s.lastID = m.ID
	}
}

// FindMasterID returns the id for name, creating an inactive master if needed.
func (s *Store) FindMasterID(ctx context.Context, name string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.masters {
		if m.Name == name {
			return m.ID, nil
		}
	}

	id := s.nextID()
	s.masters[id] = buildcoord.Master{ID: id, Name: name, LastActive: now}
	return id, nil
}

// GetMaster returns a master by id.
// Returns buildcoord.ErrMasterNotFound if the master does not exist.
func (s *Store) GetMaster(ctx context.Context, id int64) (buildcoord.Master, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.masters[id]
	if !ok {
		return buildcoord.Master{}, buildcoord.ErrMasterNotFound
	}
	return m, nil
}

// GetMasters returns every master ordered by id.
func (s *Store) GetMasters(ctx context.Context) ([]buildcoord.Master, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	masters := make([]buildcoord.Master, 0, len(s.masters))
	for _, m := range s.masters {
		masters = append(masters, m)
	}
	sort.Slice(masters, func(i, j int) bool { return masters[i].ID < masters[j].ID })
	return masters, nil
}

// UpsertMasterActive records a heartbeat for the master.
func (s *Store) UpsertMasterActive(ctx context.Context, id int64, name string, now time.Time) (buildcoord.Master, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.masters[id]
	if !ok {
		m = buildcoord.Master{ID: id, Name: name}
		if id > s.lastID {
			s.lastID = id
		}
	}
	m.LastActive = now
	s.masters[id] = m
	return m, nil
}

// SetMasterState flips the active flag and reports whether it changed.
func (s *Store) SetMasterState(ctx context.Context, id int64, active bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.masters[id]
	if !ok {
		return false, buildcoord.ErrMasterNotFound
	}
	if m.Active == active {
		return false, nil
	}
	m.Active = active
	m.StartedPending = active
	m.DeactivationPending = !active
	m.DeactivationClaimedAt = nil
	s.masters[id] = m
	return true, nil
}

// ClaimStarted clears the pending "started" event of an active master.
func (s *Store) ClaimStarted(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.masters[id]
	if !ok || !m.Active || !m.StartedPending {
		return false, nil
	}
	m.StartedPending = false
	s.masters[id] = m
	return true, nil
}

// RestoreStarted marks the "started" event of an active master pending again.
func (s *Store) RestoreStarted(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.masters[id]
	if ok && m.Active {
		m.StartedPending = true
		s.masters[id] = m
	}
	return nil
}

func deactivationClaimable(m buildcoord.Master, staleBefore time.Time) bool {
	if m.Active || !m.DeactivationPending {
		return false
	}
	return m.DeactivationClaimedAt == nil || m.DeactivationClaimedAt.Before(staleBefore)
}

// ListPendingDeactivations returns inactive masters with a claimable deactivation.
func (s *Store) ListPendingDeactivations(ctx context.Context, staleBefore time.Time) ([]buildcoord.Master, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var masters []buildcoord.Master
	for _, m := range s.masters {
		if deactivationClaimable(m, staleBefore) {
			masters = append(masters, m)
		}
	}
	sort.Slice(masters, func(i, j int) bool { return masters[i].ID < masters[j].ID })
	return masters, nil
}

// ClaimDeactivation takes over a pending deactivation.
func (s *Store) ClaimDeactivation(ctx context.Context, id int64, now, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.masters[id]
	if !ok || !deactivationClaimable(m, staleBefore) {
		return false, nil
	}
	m.DeactivationClaimedAt = &now
	s.masters[id] = m
	return true, nil
}

// ReleaseDeactivation drops the claim on a pending deactivation.
func (s *Store) ReleaseDeactivation(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.masters[id]; ok && m.DeactivationPending {
		m.DeactivationClaimedAt = nil
		s.masters[id] = m
	}
	return nil
}

// CompleteDeactivation clears the pending deactivation.
func (s *Store) CompleteDeactivation(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.masters[id]; ok {
		m.DeactivationPending = false
		m.DeactivationClaimedAt = nil
		s.masters[id] = m
	}
	return nil
}

// ListActiveMastersOlderThan returns active masters last seen before threshold.
func (s *Store) ListActiveMastersOlderThan(ctx context.Context, threshold time.Time) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for _, m := range s.masters {
		if m.Active && m.LastActive.Before(threshold) {
			ids = append(ids, m.ID)
		}
	}
	sortIDs(ids)
	return ids, nil
}

// AddBuild creates an in-progress build with the next number for its builder.
func (s *Store) AddBuild(ctx context.Context, b buildcoord.Build) (buildcoord.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.builders[b.BuilderID]; !ok {
		return buildcoord.Build{}, buildcoord.ErrBuilderNotFound
	}

	number := 0
	for _, existing := range s.builds {
		if existing.BuilderID == b.BuilderID && existing.Number > number {
			number = existing.Number
		}
	}

	b.ID = s.nextID()
	b.Number = number + 1
	b.CompleteAt = nil
	b.Results = nil
	s.builds[b.ID] = b
	return b, nil
}

// GetBuild returns a build by id.
func (s *Store) GetBuild(ctx context.Context, id int64) (buildcoord.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.builds[id]
	if !ok {
		return buildcoord.Build{}, buildcoord.ErrBuildNotFound
	}
	return b, nil
}

// FindUnfinishedBuilds returns in-progress builds owned by masterID.
func (s *Store) FindUnfinishedBuilds(ctx context.Context, masterID int64) ([]buildcoord.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var builds []buildcoord.Build
	for _, b := range s.builds {
		if b.MasterID == masterID && !b.Finished() {
			builds = append(builds, b)
		}
	}
	sort.Slice(builds, func(i, j int) bool { return builds[i].ID < builds[j].ID })
	return builds, nil
}

// FinishBuild sets the build's result and completion time.
func (s *Store) FinishBuild(ctx context.Context, buildID int64, results buildcoord.Result, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.builds[buildID]
	if !ok {
		return buildcoord.ErrBuildNotFound
	}
	b.CompleteAt = &at
	b.Results = results.Ptr()
	s.builds[buildID] = b
	return nil
}

// AddStep appends an in-progress step to a build.
func (s *Store) AddStep(ctx context.Context, buildID int64, name string, at time.Time) (buildcoord.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.builds[buildID]; !ok {
		return buildcoord.Step{}, buildcoord.ErrBuildNotFound
	}

	number := 0
	for _, st := range s.steps {
		if st.BuildID == buildID {
			number++
		}
	}

	st := buildcoord.Step{
		ID:        s.nextID(),
		BuildID:   buildID,
		Number:    number,
		Name:      name,
		StartedAt: at,
	}
	s.steps[st.ID] = st
	return st, nil
}

// GetStep returns a step by id.
func (s *Store) GetStep(ctx context.Context, id int64) (buildcoord.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.steps[id]
	if !ok {
		return buildcoord.Step{}, buildcoord.ErrStepNotFound
	}
	return st, nil
}

// GetSteps returns every step of a build ordered by number.
func (s *Store) GetSteps(ctx context.Context, buildID int64) ([]buildcoord.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var steps []buildcoord.Step
	for _, st := range s.steps {
		if st.BuildID == buildID {
			steps = append(steps, st)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Number < steps[j].Number })
	return steps, nil
}

// FindUnfinishedSteps returns in-progress steps of a build ordered by number.
func (s *Store) FindUnfinishedSteps(ctx context.Context, buildID int64) ([]buildcoord.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var steps []buildcoord.Step
	for _, st := range s.steps {
		if st.BuildID == buildID && !st.Finished() {
			steps = append(steps, st)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Number < steps[j].Number })
	return steps, nil
}

// FinishStep sets the step's result, hidden flag and completion time.
func (s *Store) FinishStep(ctx context.Context, stepID int64, results buildcoord.Result, hidden bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.steps[stepID]
	if !ok {
		return buildcoord.ErrStepNotFound
	}
	st.CompleteAt = &at
	st.Results = results.Ptr()
	st.Hidden = hidden
	s.steps[stepID] = st
	return nil
}

// AddLog creates an empty, open log for a step.
func (s *Store) AddLog(ctx context.Context, stepID int64, name string) (buildcoord.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.steps[stepID]; !ok {
		return buildcoord.Log{}, buildcoord.ErrStepNotFound
	}

	l := buildcoord.Log{ID: s.nextID(), StepID: stepID, Name: name}
	s.logs[l.ID] = l
	return l, nil
}

// GetLog returns a log by id.
func (s *Store) GetLog(ctx context.Context, id int64) (buildcoord.Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.logs[id]
	if !ok {
		return buildcoord.Log{}, buildcoord.ErrLogNotFound
	}
	return l, nil
}

// FindUnfinishedLogs returns the open logs of a step.
func (s *Store) FindUnfinishedLogs(ctx context.Context, stepID int64) ([]buildcoord.Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var logs []buildcoord.Log
	for _, l := range s.logs {
		if l.StepID == stepID && !l.Complete {
			logs = append(logs, l)
		}
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].ID < logs[j].ID })
	return logs, nil
}

// AppendLog appends content to an open log as a single chunk.
func (s *Store) AppendLog(ctx context.Context, logID int64, content string) (buildcoord.LogChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[logID]
	if !ok {
		return buildcoord.LogChunk{}, buildcoord.ErrLogNotFound
	}
	if l.Complete {
		return buildcoord.LogChunk{}, buildcoord.ErrLogFinished
	}

	normalized, lines := buildcoord.NormalizeLogContent(content)
	chunk := buildcoord.LogChunk{
		LogID:     logID,
		FirstLine: l.NumLines,
		LastLine:  l.NumLines + lines - 1,
		Content:   normalized,
	}
	if lines == 0 {
		return chunk, nil
	}

	s.chunks[logID] = append(s.chunks[logID], chunk)
	l.NumLines += lines
	s.logs[logID] = l
	return chunk, nil
}

// GetLogChunks returns every chunk of a log in line order.
func (s *Store) GetLogChunks(ctx context.Context, logID int64) ([]buildcoord.LogChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.logs[logID]; !ok {
		return nil, buildcoord.ErrLogNotFound
	}
	chunks := make([]buildcoord.LogChunk, len(s.chunks[logID]))
	copy(chunks, s.chunks[logID])
	return chunks, nil
}

// FinishLog marks a log complete.
func (s *Store) FinishLog(ctx context.Context, logID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[logID]
	if !ok {
		return buildcoord.ErrLogNotFound
	}
	l.Complete = true
	s.logs[logID] = l
	return nil
}

// AddBuildRequest queues an unclaimed request for a builder.
func (s *Store) AddBuildRequest(ctx context.Context, builderID int64) (buildcoord.BuildRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.builders[builderID]; !ok {
		return buildcoord.BuildRequest{}, buildcoord.ErrBuilderNotFound
	}

	br := buildcoord.BuildRequest{ID: s.nextID(), BuilderID: builderID}
	s.buildRequests[br.ID] = br
	return br, nil
}

// GetBuildRequest returns a build request by id.
func (s *Store) GetBuildRequest(ctx context.Context, id int64) (buildcoord.BuildRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	br, ok := s.buildRequests[id]
	if !ok {
		return buildcoord.BuildRequest{}, buildcoord.ErrBuildRequestNotFound
	}
	return br, nil
}

// ClaimBuildRequests claims every request for masterID, or none of them.
func (s *Store) ClaimBuildRequests(ctx context.Context, ids []int64, masterID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		br, ok := s.buildRequests[id]
		if !ok {
			return buildcoord.ErrBuildRequestNotFound
		}
		if br.Claim != nil {
			return buildcoord.ErrAlreadyClaimed
		}
	}

	for _, id := range ids {
		br := s.buildRequests[id]
		br.Claim = &buildcoord.Claim{BuildRequestID: id, MasterID: masterID, ClaimedAt: at}
		s.buildRequests[id] = br
	}
	return nil
}

// GetClaimedBuildRequests returns incomplete requests claimed by masterID.
func (s *Store) GetClaimedBuildRequests(ctx context.Context, masterID int64) ([]buildcoord.BuildRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var brs []buildcoord.BuildRequest
	for _, br := range s.buildRequests {
		if !br.Complete && br.Claim != nil && br.Claim.MasterID == masterID {
			brs = append(brs, br)
		}
	}
	sort.Slice(brs, func(i, j int) bool { return brs[i].ID < brs[j].ID })
	return brs, nil
}

// UnclaimBuildRequests releases the claims on the given requests.
func (s *Store) UnclaimBuildRequests(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		br, ok := s.buildRequests[id]
		if !ok {
			continue
		}
		br.Claim = nil
		s.buildRequests[id] = br
	}
	return nil
}

// AddBuilder creates a builder.
func (s *Store) AddBuilder(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID()
	s.builders[id] = buildcoord.Builder{ID: id, Name: name}
	return id, nil
}

// AddBuilderMaster associates a builder with a master. It is idempotent.
func (s *Store) AddBuilderMaster(ctx context.Context, builderID, masterID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.builders[builderID]; !ok {
		return buildcoord.ErrBuilderNotFound
	}
	if _, ok := s.masters[masterID]; !ok {
		return buildcoord.ErrMasterNotFound
	}

	set, ok := s.builderMasters[builderID]
	if !ok {
		set = make(map[int64]struct{})
		s.builderMasters[builderID] = set
	}
	set[masterID] = struct{}{}
	return nil
}

// RemoveBuilderMaster drops a builder-master association if present.
func (s *Store) RemoveBuilderMaster(ctx context.Context, builderID, masterID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.builderMasters[builderID], masterID)
	return nil
}

// GetBuilderIDsForMaster returns the builders associated with masterID.
func (s *Store) GetBuilderIDsForMaster(ctx context.Context, masterID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for builderID, set := range s.builderMasters {
		if _, ok := set[masterID]; ok {
			ids = append(ids, builderID)
		}
	}
	sortIDs(ids)
	return ids, nil
}

// GetMastersForBuilder returns the masters associated with a builder.
func (s *Store) GetMastersForBuilder(ctx context.Context, builderID int64) ([]buildcoord.Master, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	masters := []buildcoord.Master{}
	for masterID := range s.builderMasters[builderID] {
		if m, ok := s.masters[masterID]; ok {
			masters = append(masters, m)
		}
	}
	sort.Slice(masters, func(i, j int) bool { return masters[i].ID < masters[j].ID })
	return masters, nil
}

// AddScheduler creates an unowned scheduler.
func (s *Store) AddScheduler(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID()
	s.schedulers[id] = owned{name: name}
	return id, nil
}

// SetSchedulerMaster sets or clears the owner of a scheduler.
func (s *Store) SetSchedulerMaster(ctx context.Context, schedulerID int64, masterID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return setOwner(s.schedulers, schedulerID, masterID, buildcoord.ErrSchedulerNotFound)
}

// GetSchedulerIDsForMaster returns the schedulers owned by masterID.
func (s *Store) GetSchedulerIDsForMaster(ctx context.Context, masterID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ownedBy(s.schedulers, masterID), nil
}

// AddChangeSource creates an unowned change source.
func (s *Store) AddChangeSource(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID()
	s.changeSources[id] = owned{name: name}
	return id, nil
}

// SetChangeSourceMaster sets or clears the owner of a change source.
func (s *Store) SetChangeSourceMaster(ctx context.Context, changeSourceID int64, masterID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return setOwner(s.changeSources, changeSourceID, masterID, buildcoord.ErrChangeSourceNotFound)
}

// GetChangeSourceIDsForMaster returns the change sources owned by masterID.
func (s *Store) GetChangeSourceIDsForMaster(ctx context.Context, masterID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ownedBy(s.changeSources, masterID), nil
}

func setOwner(rows map[int64]owned, id int64, masterID *int64, notFound error) error {
	row, ok := rows[id]
	if !ok {
		return notFound
	}
	if masterID != nil {
		m := *masterID
		masterID = &m
	}
	row.masterID = masterID
	rows[id] = row
	return nil
}

func ownedBy(rows map[int64]owned, masterID int64) []int64 {
	var ids []int64
	for id, row := range rows {
		if row.masterID != nil && *row.masterID == masterID {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func defaultMasterName(id int64) string {
	return "master-" + strconv.FormatInt(id, 10)
}
