// Package fs stores attachment payloads as files under a base directory.
//
// Payloads are written to tmp/ and renamed into objects/<xx>/<ref>, so a
// reader never sees a partially written blob.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/shineum/mail-ingest-lite/internal/blob"
)

// Store is a filesystem blob.Store.
type Store struct {
	base string
}

// New creates the directory layout under base and returns a Store.
func New(base string) (*Store, error) {
	for _, dir := range []string{filepath.Join(base, "tmp"), filepath.Join(base, "objects")} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create blob directory: %w", err)
		}
	}
	return &Store{base: base}, nil
}

// objectPath validates ref and returns its final location. Refs are UUIDs,
// which rules out path traversal.
func (s *Store) objectPath(ref string) (string, error) {
	if _, err := uuid.Parse(ref); err != nil {
		return "", fmt.Errorf("invalid blob ref %q", ref)
	}
	return filepath.Join(s.base, "objects", ref[:2], ref), nil
}

// Put implements blob.Store.
func (s *Store) Put(ctx context.Context, ref string, data []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to put blob: %w", err)
	}

	finalPath, err := s.objectPath(ref)
	if err != nil {
		return err
	}
	tmpPath := filepath.Join(s.base, "tmp", ref)

	if err := os.WriteFile(tmpPath, data, 0o640); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o750); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to commit blob: %w", err)
	}

	return nil
}

// Get implements blob.Store.
func (s *Store) Get(_ context.Context, ref string) ([]byte, error) {
	path, err := s.objectPath(ref)
	if err != nil {
		return nil, blob.ErrNotFound
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, blob.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Delete implements blob.Store. A ref that could never have been issued is
// treated as already absent.
func (s *Store) Delete(_ context.Context, ref string) error {
	path, err := s.objectPath(ref)
	if err != nil {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}
