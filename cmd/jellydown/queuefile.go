package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/jellyvod/jellydown/internal/engine/model"
)

// queueFileName is where pending descriptors are persisted between CLI
// invocations, the supplemented "queue persistence across restarts"
// feature (SPEC_FULL.md §13): this process model has no long-lived daemon
// to hold an in-memory queue between "jellydown queue add" and
// "jellydown start" invocations, so the queue itself is the durable state.
const queueFileName = "queue.json"

func readQueueFile(tempRoot string) ([]model.Descriptor, error) {
	return readNamedQueueFile(tempRoot, queueFileName)
}

func writeQueueFile(tempRoot string, descriptors []model.Descriptor) error {
	return writeNamedQueueFile(tempRoot, queueFileName, descriptors)
}

func readNamedQueueFile(tempRoot, name string) ([]model.Descriptor, error) {
	data, err := os.ReadFile(filepath.Join(tempRoot, name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var descriptors []model.Descriptor
	if err := json.Unmarshal(data, &descriptors); err != nil {
		return nil, err
	}
	return descriptors, nil
}

func writeNamedQueueFile(tempRoot, name string, descriptors []model.Descriptor) error {
	if err := os.MkdirAll(tempRoot, 0o755); err != nil {
		return err
	}
	pendingFile, err := renameio.NewPendingFile(filepath.Join(tempRoot, name))
	if err != nil {
		return err
	}
	defer func() { _ = pendingFile.Cleanup() }()

	enc := json.NewEncoder(pendingFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(descriptors); err != nil {
		return err
	}
	return pendingFile.CloseAtomicallyReplace()
}
