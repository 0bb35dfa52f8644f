// Package blob defines the attachment payload store and an in-memory
// implementation.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get for an unknown ref.
var ErrNotFound = errors.New("blob not found")

// Store holds attachment payloads addressed by an opaque ref.
type Store interface {
	// Put stores data under ref, which the caller obtains from NewRef so it
	// can be recorded before any bytes are written.
	Put(ctx context.Context, ref string, data []byte, contentType string) error

	// Get returns the payload for ref, or ErrNotFound.
	Get(ctx context.Context, ref string) ([]byte, error)

	// Delete removes ref. Deleting a missing ref is not an error.
	Delete(ctx context.Context, ref string) error
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NewRef returns a fresh random ref.
func NewRef() string {
	return uuid.NewString()
}

// Memory is a Store kept in a map.
type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// Put implements Store.
func (m *Memory) Put(ctx context.Context, ref string, data []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to put blob: %w", err)
	}
	m.mu.Lock()
	m.blobs[ref] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	delete(m.blobs, ref)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored blobs.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}

// Has reports whether ref is stored.
func (m *Memory) Has(ref string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[ref]
	return ok
}
