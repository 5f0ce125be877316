// Package collector finalizes finished tasks: it waits out the drain
// window for trailing output, archives the working directory into
// object storage, and builds the results payload recorded with the
// terminal transition. It also hosts the reconciler that reaps
// orphaned and expired tasks.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/agentflow/runner/internal/storage"
)

// ArchiveKey is where a task's result archive lives in object storage.
func ArchiveKey(clientID, taskID string) string {
	return path.Join(clientID, taskID, "results.zip")
}

// Results is the payload attached to the task row at the terminal
// transition and returned verbatim by the API.
type Results struct {
	ExitCode   int    `json:"exit_code"`
	ArchiveKey string `json:"archive_key,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	Violation  string `json:"violation,omitempty"`
}

// Collector archives finished task working directories.
type Collector struct {
	store       *storage.Local
	logger      *zap.Logger
	drainWindow time.Duration
}

// New creates a collector with the given drain window.
func New(store *storage.Local, drainWindow time.Duration, logger *zap.Logger) *Collector {
	return &Collector{store: store, drainWindow: drainWindow, logger: logger}
}

// Collect runs after the child exits: wait for trailing stream writes
// to land, archive the work tree, and assemble the results. Archiving
// failures degrade to a results payload without an archive; the task's
// terminal status is already decided and is not changed here.
func (c *Collector) Collect(ctx context.Context, clientID, taskID, workDir, stderr string, exitCode int, violation string) json.RawMessage {
	select {
	case <-ctx.Done():
	case <-time.After(c.drainWindow):
	}

	res := Results{ExitCode: exitCode, Stderr: stderr, Violation: violation}

	var buf bytes.Buffer
	if err := storage.ZipDir(workDir, &buf); err != nil {
		c.logger.Warn("Result archive build failed",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	} else {
		key := ArchiveKey(clientID, taskID)
		if err := c.store.Put(ctx, key, &buf); err != nil {
			c.logger.Warn("Result archive upload failed",
				zap.String("task_id", taskID),
				zap.Error(err),
			)
		} else {
			res.ArchiveKey = key
			c.logger.Info("Results archived",
				zap.String("task_id", taskID),
				zap.String("key", key),
			)
		}
	}

	raw, _ := json.Marshal(res)
	return raw
}
