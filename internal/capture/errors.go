package capture

import "errors"

var (
	// ErrCycleInProgress is returned by Trigger when another cycle holds the gate
	ErrCycleInProgress = errors.New("capture cycle already in progress")

	// ErrStagePanic wraps a panic recovered inside a cycle stage
	ErrStagePanic = errors.New("stage panicked")
)
