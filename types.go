package buildcoord

import (
	"strings"
	"time"
)

// Master is a coordinator process that claims and executes build work.
// Masters are never deleted; a dead master is only marked inactive.
type Master struct {
	// ID is the stable identity of the master.
	ID int64

	// Name is the human-readable name first seen for this ID.
	Name string

	// Active reports whether the master is currently considered alive.
	Active bool

	// LastActive is the time of the last processed heartbeat.
	LastActive time.Time

	// StartedPending is set when the master became active and its "started"
	// event has not been delivered yet.
	StartedPending bool

	// DeactivationPending is set when the master became inactive and its
	// deactivation has not completed yet.
	DeactivationPending bool

	// DeactivationClaimedAt is when a tracker took over the pending
	// deactivation. It is nil while nobody holds it.
	DeactivationClaimedAt *time.Time
}

// Builder is a build configuration serviced by zero or more masters.
type Builder struct {
	ID   int64
	Name string
}

// BuildRequest is a unit of queued work for a builder.
type BuildRequest struct {
	ID        int64
	BuilderID int64
	Complete  bool

	// Claim is nil while the request sits unclaimed in the queue.
	Claim *Claim
}

// Claim ties a BuildRequest to the master executing it.
type Claim struct {
	BuildRequestID int64
	MasterID       int64
	ClaimedAt      time.Time
}

// Build is the execution of a claimed BuildRequest by a master.
type Build struct {
	ID             int64
	Number         int
	BuilderID      int64
	BuildRequestID int64
	WorkerID       int64
	MasterID       int64
	StartedAt      time.Time

	// CompleteAt and Results are nil while the build is in progress.
	CompleteAt *time.Time
	Results    *Result
}

// Finished reports whether the build has a terminal result.
func (b Build) Finished() bool {
	return b.Results != nil
}

// Step is an ordered child of a Build.
type Step struct {
	ID         int64
	BuildID    int64
	Number     int
	Name       string
	StartedAt  time.Time
	CompleteAt *time.Time
	Results    *Result
	Hidden     bool
}

// Finished reports whether the step has a terminal result.
func (s Step) Finished() bool {
	return s.Results != nil
}

// Log is an append-only sequence of line chunks belonging to a Step.
type Log struct {
	ID       int64
	StepID   int64
	Name     string
	NumLines int

	// Complete is set once no further chunks will be appended.
	Complete bool
}

// LogChunk is a contiguous range of lines appended to a Log.
// Line numbers are 0-indexed and inclusive.
type LogChunk struct {
	LogID     int64
	FirstLine int
	LastLine  int
	Content   string
}

// MasterMessage is the payload broadcast on master state transitions.
type MasterMessage struct {
	MasterID int64  `json:"masterid"`
	Name     string `json:"name"`
	Active   bool   `json:"active"`
}

// NormalizeLogContent strips a single trailing newline from content and
// returns it with the number of lines it holds. Empty content holds no lines.
func NormalizeLogContent(content string) (string, int) {
	content = strings.TrimSuffix(content, "\n")
	if content == "" {
		return "", 0
	}
	return content, strings.Count(content, "\n") + 1
}
