// Package backup persists pre-change file snapshots under the workspace
// state directory so any touched file can be restored, including after a
// process restart.
package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"sew/internal/fs"
)

// ErrUnavailable is returned when a backup key no longer resolves to a
// snapshot, typically because retention pruning removed it.
var ErrUnavailable = errors.New("backup unavailable")

// Store is a flat directory of snapshot files. Keys are file names: the
// sanitized workspace-relative path, the batch id prefix, and a nanosecond
// timestamp, so two saves of the same file within one batch stay distinct.
type Store struct {
	dir string
}

// NewStore opens (creating if needed) the snapshot directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create backup directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save persists content under a fresh unique key and returns the key.
func (s *Store) Save(relPath, batchID string, content []byte) (string, error) {
	id := batchID
	if len(id) > 8 {
		id = id[:8]
	}
	key := fmt.Sprintf("%s.%s.%d.bak", sanitize(relPath), id, time.Now().UnixNano())
	if err := os.WriteFile(filepath.Join(s.dir, key), content, 0o644); err != nil {
		return "", fmt.Errorf("could not write backup for %s: %w", relPath, err)
	}
	return key, nil
}

// Read returns the snapshot content for key.
func (s *Store) Read(key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, key)
		}
		return nil, err
	}
	return data, nil
}

// Restore writes the snapshot for key back to path, creating parent
// directories as needed.
func (s *Store) Restore(key, path string) error {
	data, err := s.Read(key)
	if err != nil {
		return err
	}
	if err := fs.EnsureParent(path); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Remove deletes a snapshot. Missing snapshots are not an error; retention
// pruning may race with manual cleanup.
func (s *Store) Remove(key string) error {
	err := os.Remove(filepath.Join(s.dir, key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// PurgeOlderThan removes snapshots whose embedded timestamp is older than
// the given age and returns how many were removed. It is only ever invoked
// explicitly, never as a side effect of executing a batch.
func (s *Store) PurgeOlderThan(age time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-age).UnixNano()
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".bak") {
			continue
		}
		ts, ok := keyTimestamp(entry.Name())
		if !ok || ts >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// keyTimestamp extracts the nanosecond timestamp embedded in a key.
func keyTimestamp(key string) (int64, bool) {
	parts := strings.Split(strings.TrimSuffix(key, ".bak"), ".")
	if len(parts) < 2 {
		return 0, false
	}
	ts, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// sanitize flattens a workspace-relative path into a file name.
func sanitize(relPath string) string {
	r := strings.NewReplacer("/", "__", "\\", "__", ":", "_")
	return r.Replace(filepath.ToSlash(relPath))
}
