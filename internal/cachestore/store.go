// Package cachestore implements named, generation-tagged response caches with
// a fixed entry budget and FIFO eviction.
package cachestore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"offline0/internal/exchange"
)

// Key identifies a cached request: read method plus absolute URL. Headers
// never take part in the key.
type Key struct {
	Method string
	URL    string
}

func (k Key) String() string { return k.Method + " " + k.URL }

// KeyFor returns the cache key of req, or false when req is not cacheable.
func KeyFor(req exchange.Request) (Key, bool) {
	m := strings.ToUpper(req.Method)
	if m == "" {
		m = http.MethodGet
	}
	if m != http.MethodGet && m != http.MethodHead {
		return Key{}, false
	}
	return Key{Method: m, URL: req.URL}, true
}

// Entry is one cached response. Seq is the insertion order, assigned by the
// backend on Put.
type Entry struct {
	Key      Key
	Status   int
	Header   http.Header
	Body     []byte
	Seq      uint64
	StoredAt int64 // unix seconds
}

func NewEntry(key Key, resp *exchange.Response, storedAt int64) Entry {
	c := resp.Clone()
	return Entry{Key: key, Status: c.Status, Header: c.Header, Body: c.Body, StoredAt: storedAt}
}

// Response returns an independent snapshot of the cached response.
func (e Entry) Response() *exchange.Response {
	return (&exchange.Response{Status: e.Status, Header: e.Header, Body: e.Body}).Clone()
}

var ErrClosed = errors.New("cachestore: closed")

// Backend stores any number of named caches. Implementations are safe for
// concurrent use and write each entry atomically.
type Backend interface {
	Get(ctx context.Context, cache string, key Key) (Entry, bool, error)
	// Put stores e as the newest entry of cache, replacing any entry with the
	// same key.
	Put(ctx context.Context, cache string, e Entry) error
	// Trim evicts the oldest entries until at most max remain.
	Trim(ctx context.Context, cache string, max int) (int, error)
	// Delete drops a whole named cache.
	Delete(ctx context.Context, cache string) (bool, error)
	Names(ctx context.Context) ([]string, error)
	// Entries lists the cache content in insertion order.
	Entries(ctx context.Context, cache string) ([]Entry, error)
	Close() error
}

// Bounded is a single named cache with an entry budget.
type Bounded struct {
	Backend    Backend
	Name       string
	MaxEntries int

	// OnEvict, when set, observes every trim that removed entries.
	OnEvict func(cache string, evicted int)
}

func NewBounded(b Backend, name string, max int) *Bounded {
	return &Bounded{Backend: b, Name: name, MaxEntries: max}
}

func (s *Bounded) Get(ctx context.Context, key Key) (Entry, bool, error) {
	return s.Backend.Get(ctx, s.Name, key)
}

// Put writes e and trims the cache back to its budget.
func (s *Bounded) Put(ctx context.Context, e Entry) error {
	if err := s.Backend.Put(ctx, s.Name, e); err != nil {
		return fmt.Errorf("put %s: %w", s.Name, err)
	}
	_, err := s.Trim(ctx)
	return err
}

func (s *Bounded) Trim(ctx context.Context) (int, error) {
	if s.MaxEntries <= 0 {
		return 0, nil
	}
	n, err := s.Backend.Trim(ctx, s.Name, s.MaxEntries)
	if err != nil {
		return n, fmt.Errorf("trim %s: %w", s.Name, err)
	}
	if n > 0 && s.OnEvict != nil {
		s.OnEvict(s.Name, n)
	}
	return n, nil
}

// DeleteGeneration drops every cache for which drop returns true. Names that
// do not parse reach the predicate with ok == false. Failures are collected
// and do not stop the sweep.
func DeleteGeneration(ctx context.Context, b Backend, drop func(n Name, ok bool, raw string) bool) ([]string, error) {
	names, err := b.Names(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []string
	var errs []error
	for _, raw := range names {
		n, ok := ParseName(raw)
		if !drop(n, ok, raw) {
			continue
		}
		if _, err := b.Delete(ctx, raw); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", raw, err))
			continue
		}
		deleted = append(deleted, raw)
	}
	return deleted, errors.Join(errs...)
}
