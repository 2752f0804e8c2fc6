// Package shard provides a striped map: keys hash onto a fixed set of
// independently locked shards so unrelated keys never contend.
package shard

import (
	"hash/maphash"
	"sync"
)

// DefaultCount is the number of shards used by New.
const DefaultCount = 16

// Map is a concurrent map split into independently locked shards.
type Map[K comparable, V any] struct {
	shards []*bucket[K, V]
	mask   uint64
	seed   maphash.Seed
}

type bucket[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// New creates a map with DefaultCount shards.
func New[K comparable, V any]() *Map[K, V] {
	return NewWithCount[K, V](DefaultCount)
}

// NewWithCount creates a map with n shards. n must be a power of two;
// anything else falls back to DefaultCount.
func NewWithCount[K comparable, V any](n int) *Map[K, V] {
	if n <= 0 || n&(n-1) != 0 {
		n = DefaultCount
	}

	m := &Map[K, V]{
		shards: make([]*bucket[K, V], n),
		mask:   uint64(n - 1),
		seed:   maphash.MakeSeed(),
	}
	for i := range m.shards {
		m.shards[i] = &bucket[K, V]{items: make(map[K]V)}
	}
	return m
}

func (m *Map[K, V]) bucket(key K) *bucket[K, V] {
	return m.shards[maphash.Comparable(m.seed, key)&m.mask]
}

// Get returns the value stored under key.
func (m *Map[K, V]) Get(key K) (V, bool) {
	b := m.bucket(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.items[key]
	return v, ok
}

// Set stores value under key.
func (m *Map[K, V]) Set(key K, value V) {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[key] = value
}

// Delete removes key.
func (m *Map[K, V]) Delete(key K) {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.items, key)
}

// Take removes key and returns the value it held. Exactly one of any number
// of concurrent Take calls for the same entry observes ok == true.
func (m *Map[K, V]) Take(key K) (V, bool) {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.items[key]
	if ok {
		delete(b.items, key)
	}
	return v, ok
}

// Compute runs fn under the key's shard lock. fn receives the current value
// (if any) and returns the value to store; keep == false deletes the key.
// fn must not call back into the same Map.
func (m *Map[K, V]) Compute(key K, fn func(cur V, ok bool) (next V, keep bool)) (V, bool) {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.items[key]
	next, keep := fn(cur, ok)
	if keep {
		b.items[key] = next
		return next, true
	}
	delete(b.items, key)
	var zero V
	return zero, false
}

// Range calls fn for every entry until fn returns false. Each shard is
// read-locked while it is visited, so fn must not mutate the Map.
func (m *Map[K, V]) Range(fn func(K, V) bool) {
	for _, b := range m.shards {
		b.mu.RLock()
		for k, v := range b.items {
			if !fn(k, v) {
				b.mu.RUnlock()
				return
			}
		}
		b.mu.RUnlock()
	}
}

// Values returns a snapshot of every value.
func (m *Map[K, V]) Values() []V {
	out := make([]V, 0, m.Count())
	m.Range(func(_ K, v V) bool {
		out = append(out, v)
		return true
	})
	return out
}

// RemoveIf deletes every entry matching pred and returns the removed values.
func (m *Map[K, V]) RemoveIf(pred func(K, V) bool) []V {
	var removed []V
	for _, b := range m.shards {
		b.mu.Lock()
		for k, v := range b.items {
			if pred(k, v) {
				delete(b.items, k)
				removed = append(removed, v)
			}
		}
		b.mu.Unlock()
	}
	return removed
}

// Count returns the number of entries.
func (m *Map[K, V]) Count() int {
	n := 0
	for _, b := range m.shards {
		b.mu.RLock()
		n += len(b.items)
		b.mu.RUnlock()
	}
	return n
}
