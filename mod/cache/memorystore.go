package cache

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore implements Storage in process memory
type MemoryStore struct {
	mu         sync.Mutex
	partitions map[string]*memoryPartition
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		partitions: make(map[string]*memoryPartition),
	}
}

// Open returns the named partition, creating it on first use
func (ms *MemoryStore) Open(ctx context.Context, name string) (Partition, error) {
	if name == "" {
		return nil, ErrPartitionName
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	p, ok := ms.partitions[name]
	if !ok {
		p = &memoryPartition{
			name:    name,
			entries: make(map[string]*Entry),
		}
		ms.partitions[name] = p
	}
	return p, nil
}

// Names lists the partitions in lexical order
func (ms *MemoryStore) Names(ctx context.Context) ([]string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	names := make([]string, 0, len(ms.partitions))
	for name := range ms.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Drop deletes a partition
func (ms *MemoryStore) Drop(ctx context.Context, name string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	p, ok := ms.partitions[name]
	if !ok {
		return false, nil
	}
	delete(ms.partitions, name)

	// Handles already given out see an empty partition
	p.mu.Lock()
	p.order = nil
	p.entries = make(map[string]*Entry)
	p.mu.Unlock()
	return true, nil
}

// Close is a no-op for the memory store
func (ms *MemoryStore) Close() error {
	return nil
}

type memoryPartition struct {
	name    string
	mu      sync.RWMutex
	order   []string
	entries map[string]*Entry
}

func (p *memoryPartition) Name() string {
	return p.name
}

func (p *memoryPartition) Keys(ctx context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	keys := make([]string, len(p.order))
	copy(keys, p.order)
	return keys, nil
}

func (p *memoryPartition) Match(ctx context.Context, key string) (*Entry, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, ok := p.entries[key]
	if !ok {
		return nil, false, nil
	}
	return entry.Clone(), true, nil
}

func (p *memoryPartition) Put(ctx context.Context, key string, entry *Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[key]; exists {
		p.removeFromOrder(key)
	}
	p.entries[key] = entry.Clone()
	p.order = append(p.order, key)
	return nil
}

func (p *memoryPartition) Delete(ctx context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[key]; !exists {
		return false, nil
	}
	delete(p.entries, key)
	p.removeFromOrder(key)
	return true, nil
}

func (p *memoryPartition) removeFromOrder(key string) {
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}
