package buildcoord

import (
	"errors"
	"fmt"
)

var (
	// ErrMasterNotFound indicates no master exists with the given id.
	ErrMasterNotFound = errors.New("master not found")

	// ErrBuilderNotFound indicates no builder exists with the given id.
	ErrBuilderNotFound = errors.New("builder not found")

	// ErrBuildNotFound indicates no build exists with the given id.
	ErrBuildNotFound = errors.New("build not found")

	// ErrStepNotFound indicates no step exists with the given id.
	ErrStepNotFound = errors.New("step not found")

	// ErrLogNotFound indicates no log exists with the given id.
	ErrLogNotFound = errors.New("log not found")

	// ErrLogFinished indicates a chunk was appended to a finished log.
	ErrLogFinished = errors.New("log already finished")

	// ErrSchedulerNotFound indicates no scheduler exists with the given id.
	ErrSchedulerNotFound = errors.New("scheduler not found")

	// ErrChangeSourceNotFound indicates no change source exists with the given id.
	ErrChangeSourceNotFound = errors.New("change source not found")

	// ErrBuildRequestNotFound indicates no build request exists with the given id.
	ErrBuildRequestNotFound = errors.New("build request not found")

	// ErrAlreadyClaimed indicates a build request is claimed by another master.
	ErrAlreadyClaimed = errors.New("build request already claimed")
)

// ValidationError reports malformed configuration found at construction time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
