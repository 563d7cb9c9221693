package recovery

import (
	"context"
	"errors"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/stagekit/stagekit/pkg/models"
)

// DirectoryHeuristic recreates the directory named by the path hint, falling
// back to a fresh temporary directory when the original location cannot be
// created.
func DirectoryHeuristic(_ context.Context, _ error, hints Hints) (*ActionResult, error) {
	if hints.Path == "" {
		return nil, errors.New("no path hint for directory recovery")
	}

	if err := os.MkdirAll(hints.Path, 0o755); err == nil {
		return &ActionResult{
			Outcome: models.OutcomeSuccess,
			Value:   hints.Path,
			Message: "created missing directory",
		}, nil
	}

	dir, err := os.MkdirTemp("", "stagekit-")
	if err != nil {
		return nil, err
	}

	return &ActionResult{
		Outcome: models.OutcomePartialSuccess,
		Value:   dir,
		Message: "fell back to temporary directory",
	}, nil
}

// MemoryHeuristic forces a garbage collection cycle and hands freed memory
// back to the operating system.
func MemoryHeuristic(_ context.Context, _ error, _ Hints) (*ActionResult, error) {
	runtime.GC()
	debug.FreeOSMemory()

	return &ActionResult{
		Outcome: models.OutcomePartialSuccess,
		Message: "forced garbage collection",
	}, nil
}

// OfflineHeuristic answers a timeout by switching to offline mode so cached
// state keeps serving until connectivity returns.
func OfflineHeuristic(_ context.Context, _ error, _ Hints) (*ActionResult, error) {
	return &ActionResult{
		Outcome: models.OutcomePartialSuccess,
		Value:   "offline",
		Message: "enabled offline mode until connectivity returns",
	}, nil
}
