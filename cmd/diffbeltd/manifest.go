package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/calvinalkan/diffbelt/internal/diffbeltstore"
	"github.com/calvinalkan/diffbelt/pkg/fs"
)

// manifestFileName names the file that records the set of collection names and their is_manual
// flag across restarts. The per-collection storage engines already
// persist records/generations/readers durably (internal/storage's
// write-ahead log); this file is the one piece of state diffbeltstore
// itself never durably tracks (collection.New takes isManual as a
// caller-supplied argument, not something it can recover from an
// engine it hasn't opened yet).
const manifestFileName = "collections.json"

type manifestEntry struct {
	Name     string `json:"name"`
	IsManual bool   `json:"is_manual"`
}

func manifestPath(dataDir string) string {
	return filepath.Join(dataDir, manifestFileName)
}

func loadManifest(dataDir string) ([]manifestEntry, error) {
	data, err := os.ReadFile(manifestPath(dataDir)) //nolint:gosec // path is process-internal
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, err
	}

	var entries []manifestEntry

	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	return entries, nil
}

// saveManifest rewrites the manifest from the store's current
// collection list, atomically via pkg/fs.AtomicWriter — the same
// crash-safe replacement primitive internal/storage's file engine uses
// for its own checkpoint file.
func saveManifest(dataDir string, store *diffbeltstore.Store) error {
	list := store.List()

	entries := make([]manifestEntry, len(list))
	for i, c := range list {
		entries[i] = manifestEntry{Name: c.Name, IsManual: c.IsManual}
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}

	fsys := fs.NewReal()

	if err := fsys.MkdirAll(dataDir, 0o750); err != nil {
		return err
	}

	w := fs.NewAtomicWriter(fsys)

	return w.WriteWithDefaults(manifestPath(dataDir), bytes.NewReader(data))
}

// restoreCollections replays the manifest against a freshly constructed
// store, reopening each collection's existing on-disk engines so its
// persisted generation/reader state comes back with it.
func restoreCollections(dataDir string, store *diffbeltstore.Store, logger interface {
	Info(msg string, args ...any)
}) error {
	entries, err := loadManifest(dataDir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if _, err := store.CreateCollection(e.Name, e.IsManual); err != nil {
			return err
		}

		logger.Info("restored collection", "name", e.Name, "is_manual", e.IsManual)
	}

	return nil
}
