package storage

import (
	"maps"
	"slices"
	"sync"
)

// MemoryBackend implements Backend with in-memory maps (not persistent).
// Update works on a copy of the data and swaps it in only when fn succeeds.
type MemoryBackend struct {
	buckets map[string]map[string][]byte
	mu      sync.RWMutex
}

// NewMemoryBackend creates a new in-memory storage backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		buckets: make(map[string]map[string][]byte),
	}
}

func (m *MemoryBackend) Update(fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	draft := make(map[string]map[string][]byte, len(m.buckets))
	for name, bkt := range m.buckets {
		draft[name] = maps.Clone(bkt)
	}

	if err := fn(&memoryTx{buckets: draft, writable: true}); err != nil {
		return err
	}

	m.buckets = draft
	return nil
}

func (m *MemoryBackend) View(fn func(tx Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return fn(&memoryTx{buckets: m.buckets})
}

// Close is a no-op for memory backend
func (m *MemoryBackend) Close() error {
	return nil
}

type memoryTx struct {
	buckets  map[string]map[string][]byte
	writable bool
}

func (t *memoryTx) CreateBucket(name []byte) (Bucket, error) {
	if !t.writable {
		return nil, errReadOnly
	}
	key := string(name)
	if _, ok := t.buckets[key]; !ok {
		t.buckets[key] = make(map[string][]byte)
	}
	return &memoryBucket{data: t.buckets[key], writable: true}, nil
}

func (t *memoryTx) Bucket(name []byte) Bucket {
	data, ok := t.buckets[string(name)]
	if !ok {
		return nil
	}
	return &memoryBucket{data: data, writable: t.writable}
}

func (t *memoryTx) DeleteBucket(name []byte) error {
	if !t.writable {
		return errReadOnly
	}
	delete(t.buckets, string(name))
	return nil
}

func (t *memoryTx) ForEachBucket(fn func(name []byte) error) error {
	for _, name := range slices.Sorted(maps.Keys(t.buckets)) {
		if err := fn([]byte(name)); err != nil {
			return err
		}
	}
	return nil
}

type memoryBucket struct {
	data     map[string][]byte
	writable bool
}

func (b *memoryBucket) Put(key, value []byte) error {
	if !b.writable {
		return errReadOnly
	}
	// Copy value to prevent external modifications
	b.data[string(key)] = slices.Clone(value)
	return nil
}

func (b *memoryBucket) Get(key []byte) []byte {
	return b.data[string(key)]
}

func (b *memoryBucket) Delete(key []byte) error {
	if !b.writable {
		return errReadOnly
	}
	delete(b.data, string(key))
	return nil
}

// ForEach visits keys in byte order, matching bbolt.
func (b *memoryBucket) ForEach(fn func(k, v []byte) error) error {
	for _, k := range slices.Sorted(maps.Keys(b.data)) {
		if err := fn([]byte(k), b.data[k]); err != nil {
			return err
		}
	}
	return nil
}
