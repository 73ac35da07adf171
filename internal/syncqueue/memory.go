package syncqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is a non-durable Queue for tests and ephemeral deployments.
type Memory struct {
	mu    sync.Mutex
	seq   uint64
	items map[uint64]Item
}

func NewMemory() *Memory {
	return &Memory{items: map[uint64]Item{}}
}

func (m *Memory) Enqueue(_ context.Context, it Item) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	it.ID = m.seq
	m.items[it.ID] = it
	return it, nil
}

func (m *Memory) ListPending(_ context.Context) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Remove(_ context.Context, id uint64) error {
	m.mu.Lock()
	delete(m.items, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, id uint64) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return Item{}, fmt.Errorf("mark failed %d: %w", id, ErrNotFound)
	}
	it.RetryCount++
	m.items[id] = it
	return it, nil
}

func (m *Memory) Close() error { return nil }
