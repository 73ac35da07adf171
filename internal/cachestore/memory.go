package cachestore

import (
	"context"
	"sort"
	"sync"
)

type memCache struct {
	entries map[Key]Entry
}

// Memory is an in-process Backend.
type Memory struct {
	mu     sync.Mutex
	seq    uint64
	caches map[string]*memCache
	closed bool
}

func NewMemory() *Memory {
	return &Memory{caches: map[string]*memCache{}}
}

func (m *Memory) Get(_ context.Context, cache string, key Key) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Entry{}, false, ErrClosed
	}
	c, ok := m.caches[cache]
	if !ok {
		return Entry{}, false, nil
	}
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(e), true, nil
}

func (m *Memory) Put(_ context.Context, cache string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	c, ok := m.caches[cache]
	if !ok {
		c = &memCache{entries: map[Key]Entry{}}
		m.caches[cache] = c
	}
	m.seq++
	e = cloneEntry(e)
	e.Seq = m.seq
	c.entries[e.Key] = e
	return nil
}

func (m *Memory) Trim(_ context.Context, cache string, max int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	c, ok := m.caches[cache]
	if !ok || len(c.entries) <= max {
		return 0, nil
	}
	ordered := c.ordered()
	n := len(ordered) - max
	for _, e := range ordered[:n] {
		delete(c.entries, e.Key)
	}
	return n, nil
}

func (m *Memory) Delete(_ context.Context, cache string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.caches[cache]
	delete(m.caches, cache)
	return ok, nil
}

func (m *Memory) Names(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(m.caches))
	for k := range m.caches {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Entries(_ context.Context, cache string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	c, ok := m.caches[cache]
	if !ok {
		return nil, nil
	}
	ordered := c.ordered()
	for i := range ordered {
		ordered[i] = cloneEntry(ordered[i])
	}
	return ordered, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (c *memCache) ordered() []Entry {
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func cloneEntry(e Entry) Entry {
	r := e.Response()
	e.Header = r.Header
	e.Body = r.Body
	return e
}
