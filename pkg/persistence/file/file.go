// Package file provides file-backed persistence for workflow instances and
// recovery attempts. Each instance is one JSON document; attempts append to a
// JSON-lines log.
package file

import (
	"context"
	"os"
	"strings"

	"github.com/stagekit/stagekit/pkg/log"
	"github.com/stagekit/stagekit/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root         string
	instanceRepo *InstanceRepository
	attemptRepo  *AttemptRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) persistence.Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)
	logger := log.WithModule("file-persistence")

	return &Persistence{
		root:         cleanRoot,
		instanceRepo: NewInstanceRepository(cleanRoot, logger),
		attemptRepo:  NewAttemptRepository(cleanRoot, logger),
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) Instances() persistence.InstanceRepository {
	return fp.instanceRepo
}

func (fp *Persistence) Attempts() persistence.AttemptRepository {
	return fp.attemptRepo
}
