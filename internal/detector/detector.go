package detector

import (
	"context"
	"log/slog"
)

// Detector is a strategy that determines if a service process is running.
// Implementations may scan the process table or run an external check command.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// Probe evaluates d and folds every failure into "not running".
// A broken check is absence of evidence, so it is logged and never returned.
func Probe(ctx context.Context, d Detector) bool {
	if d == nil {
		return false
	}
	alive, err := d.Alive(ctx)
	if err != nil {
		slog.Debug("det failed, treating as not running",
			slog.String("detector", d.Describe()),
			slog.Any("error", err))
		return false
	}
	return alive
}
