// Package checkpoint persists and recovers per-job resume state under
// tempRoot/<jobId>/state.json (spec.md §4.1 "Checkpoint and resume",
// §6.5). Writes are atomic via renameio, the same durability guarantee
// the teacher's writeM3U/writeXMLTV give playlist and EPG output.
package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/jellyvod/jellydown/internal/engine/model"
	"github.com/jellyvod/jellydown/internal/engineerr"
	"github.com/jellyvod/jellydown/internal/jlog"
)

const fileName = "state.json"

func path(tempRoot, jobID string) string {
	return filepath.Join(tempRoot, jobID, fileName)
}

// Write atomically persists cp under tempRoot/<jobId>/state.json.
func Write(tempRoot string, cp model.Checkpoint) error {
	p := path(tempRoot, cp.JobID)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return &engineerr.CheckpointWriteError{Cause: err}
	}

	pendingFile, err := renameio.NewPendingFile(p)
	if err != nil {
		return &engineerr.CheckpointWriteError{Cause: err}
	}
	defer func() { _ = pendingFile.Cleanup() }()

	enc := json.NewEncoder(pendingFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cp); err != nil {
		return &engineerr.CheckpointWriteError{Cause: err}
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return &engineerr.CheckpointWriteError{Cause: err}
	}
	return nil
}

// Read loads the checkpoint for jobID, or (nil, nil) if none exists.
func Read(tempRoot, jobID string) (*model.Checkpoint, error) {
	data, err := os.ReadFile(path(tempRoot, jobID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &engineerr.CheckpointWriteError{Cause: err}
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, &engineerr.CheckpointWriteError{Cause: err}
	}
	return &cp, nil
}

// Delete removes the checkpoint for jobID. Missing files are not an error.
func Delete(tempRoot, jobID string) error {
	err := os.Remove(path(tempRoot, jobID))
	if err != nil && !os.IsNotExist(err) {
		return &engineerr.CheckpointWriteError{Cause: err}
	}
	return nil
}

// ScanForRecovery walks tempRoot and returns a Checkpoint for every job
// directory whose persisted status was non-terminal or failed, so the
// scheduler can surface it in the failed state for an explicit
// ResumeFailed (spec.md: "Never auto-resume without explicit request").
func ScanForRecovery(tempRoot string) ([]model.Checkpoint, error) {
	logger := jlog.WithComponent("checkpoint")

	entries, err := os.ReadDir(tempRoot)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &engineerr.CheckpointWriteError{Cause: err}
	}

	var recovered []model.Checkpoint
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cp, err := Read(tempRoot, entry.Name())
		if err != nil {
			logger.Warn().Err(err).Str("job_id", entry.Name()).Msg("failed to read checkpoint during recovery scan")
			continue
		}
		if cp == nil {
			continue
		}
		if cp.Status == model.StatusCompleted || cp.Status == model.StatusCancelled {
			continue
		}
		recovered = append(recovered, *cp)
	}
	return recovered, nil
}
