// Package detector answers "is this still running?" for processes swapr
// does not hold a handle to: a service started by an earlier invocation,
// or the holder of a lock file.
package detector

import "context"

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}
