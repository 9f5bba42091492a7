package cache

import (
	"context"
	"sort"
	"sync"
)

// NewMemoryStore 返回进程内缓存，重启即丢失，适合测试与无盘部署。
func NewMemoryStore() Store {
	return &memoryStore{buckets: make(map[string]map[Key]Entry)}
}

type memoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[Key]Entry
	active  string
}

func (m *memoryStore) Open(ctx context.Context, version string) (Bucket, error) {
	if err := checkVersion(version); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[version]; !ok {
		m.buckets[version] = make(map[Key]Entry)
	}
	return &memoryBucket{store: m, version: version}, nil
}

func (m *memoryStore) Versions(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := make([]string, 0, len(m.buckets))
	for version := range m.buckets {
		versions = append(versions, version)
	}
	sort.Strings(versions)
	return versions, nil
}

func (m *memoryStore) Drop(ctx context.Context, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, version)
	return nil
}

func (m *memoryStore) ActiveVersion(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, nil
}

func (m *memoryStore) MarkActive(ctx context.Context, version string) error {
	if err := checkVersion(version); err != nil {
		return err
	}
	m.mu.Lock()
	m.active = version
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

type memoryBucket struct {
	store   *memoryStore
	version string
}

func (b *memoryBucket) Version() string {
	return b.version
}

func (b *memoryBucket) Get(ctx context.Context, key Key) (*Entry, error) {
	b.store.mu.RLock()
	defer b.store.mu.RUnlock()
	entry, ok := b.store.buckets[b.version][key]
	if !ok {
		return nil, ErrNotFound
	}
	cloned := cloneEntry(entry)
	return &cloned, nil
}

func (b *memoryBucket) Put(ctx context.Context, entry Entry) error {
	if err := entry.Key.validate(); err != nil {
		return err
	}
	cloned := cloneEntry(entry)
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	entries, ok := b.store.buckets[b.version]
	if !ok {
		return ErrVersionGone
	}
	entries[entry.Key] = cloned
	return nil
}

func (b *memoryBucket) Remove(ctx context.Context, key Key) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	delete(b.store.buckets[b.version], key)
	return nil
}

func (b *memoryBucket) Keys(ctx context.Context) ([]Key, error) {
	b.store.mu.RLock()
	defer b.store.mu.RUnlock()
	entries := b.store.buckets[b.version]
	keys := make([]Key, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	return keys, nil
}
