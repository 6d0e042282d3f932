package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNoSnapshot is returned when no snapshot has been generated yet, or
// the database lives in memory and cannot be snapshotted.
var ErrNoSnapshot = errors.New("snapshot not available")

// SnapshotInfo describes the current snapshot file.
type SnapshotInfo struct {
	Path      string
	SizeBytes int64
	CreatedAt time.Time
}

// SnapshotPath returns where the current snapshot is written:
// snapshots/current.db next to the database file.
func (s *SQLiteStore) SnapshotPath() (string, error) {
	if s.path == "" || strings.HasPrefix(s.path, ":memory:") || strings.Contains(s.path, "mode=memory") {
		return "", ErrNoSnapshot
	}
	return filepath.Join(filepath.Dir(s.path), "snapshots", "current.db"), nil
}

// GenerateSnapshot writes a consistent copy of the database with VACUUM
// INTO. The copy is built under a temporary name and renamed over the
// previous snapshot, so readers never see a partial file.
func (s *SQLiteStore) GenerateSnapshot(ctx context.Context) error {
	path, err := s.SnapshotPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale snapshot: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("vacuum into snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// Snapshot returns the current snapshot file.
func (s *SQLiteStore) Snapshot() (SnapshotInfo, error) {
	path, err := s.SnapshotPath()
	if err != nil {
		return SnapshotInfo{}, err
	}
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return SnapshotInfo{}, ErrNoSnapshot
	}
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("stat snapshot: %w", err)
	}
	return SnapshotInfo{Path: path, SizeBytes: fi.Size(), CreatedAt: fi.ModTime().UTC()}, nil
}
