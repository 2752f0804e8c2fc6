package keystore

import (
	"context"
	"errors"
	"sync"

	"github.com/rickgao/brokerlink/internal/errs"
)

// ErrExists is returned by Backend.Create when the key is already present.
var ErrExists = errors.New("keystore: record exists")

// Backend stores opaque sealed records.
type Backend interface {
	// Get returns errs.ErrNotFound when key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Create stores value only if key is absent, otherwise ErrExists.
	Create(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}

// MemoryBackend keeps records in process memory.
type MemoryBackend struct {
	mu    sync.Mutex
	items map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: make(map[string][]byte)}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryBackend) Create(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[key]; ok {
		return ErrExists
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.items[key] = v
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
