package persistence

import (
	"context"
	"sync"

	"collabtext/internal/domain"
)

// Ensure MemoryBackend implements the interface.
var _ Backend = (*MemoryBackend)(nil)

// MemoryBackend is an in-memory Backend for tests and local development.
// SetFailure makes every call fail, which simulates an outage.
type MemoryBackend struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
	versions  map[string]int64
	failure   error
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		snapshots: make(map[string][]byte),
		versions:  make(map[string]int64),
	}
}

// SetFailure makes all calls return err until it is reset with nil.
func (b *MemoryBackend) SetFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failure = err
}

// Name implements Backend.
func (b *MemoryBackend) Name() string { return "memory" }

// Load implements Backend.
func (b *MemoryBackend) Load(_ context.Context, docID string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.failure != nil {
		return nil, b.failure
	}
	data, ok := b.snapshots[docID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Save implements Backend.
func (b *MemoryBackend) Save(_ context.Context, docID string, snapshot []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failure != nil {
		return b.failure
	}
	b.snapshots[docID] = append([]byte(nil), snapshot...)
	return nil
}

// Version implements Backend.
func (b *MemoryBackend) Version(_ context.Context, docID string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.failure != nil {
		return 0, b.failure
	}
	return b.versions[docID], nil
}

// IncrVersion implements Backend.
func (b *MemoryBackend) IncrVersion(_ context.Context, docID string, floor int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failure != nil {
		return 0, b.failure
	}
	v := b.versions[docID]
	if v < floor {
		v = floor
	}
	v++
	b.versions[docID] = v
	return v, nil
}
