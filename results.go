package buildcoord

import "fmt"

// Result is the terminal status of a build or step.
type Result int

const (
	Success Result = iota
	Warnings
	Failure
	Skipped
	Exception
	// Retry marks interrupted work that is eligible for re-execution.
	Retry
	Cancelled
)

var resultNames = [...]string{
	Success:   "success",
	Warnings:  "warnings",
	Failure:   "failure",
	Skipped:   "skipped",
	Exception: "exception",
	Retry:     "retry",
	Cancelled: "cancelled",
}

func (r Result) String() string {
	if r < 0 || int(r) >= len(resultNames) {
		return fmt.Sprintf("result(%d)", int(r))
	}
	return resultNames[r]
}

// Ptr returns a pointer to a copy of r, for the nullable Results fields.
func (r Result) Ptr() *Result {
	return &r
}
