// Package lifecycle drives install and activation of one cache generation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"offline0/internal/cachestore"
	"offline0/internal/exchange"
)

type State int32

const (
	Parsed State = iota
	Installing
	Installed
	Activating
	Activated
	Redundant
)

func (s State) String() string {
	switch s {
	case Parsed:
		return "parsed"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Activating:
		return "activating"
	case Activated:
		return "activated"
	case Redundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const DefaultConcurrency = 4

var ErrState = errors.New("lifecycle: invalid state transition")

type Fetcher interface {
	Fetch(ctx context.Context, req exchange.Request, timeout time.Duration) (*exchange.Response, error)
}

// InstallReport counts manifest URLs by outcome.
type InstallReport struct {
	Cached int
	Failed int
}

type Manager struct {
	Backend cachestore.Backend
	Namer   cachestore.Namer
	// StaticLimit bounds the static store filled during install.
	StaticLimit int
	Fetcher     Fetcher
	Timeout     time.Duration
	// Manifest lists absolute URLs to pre-cache.
	Manifest    []string
	SkipWaiting bool
	Concurrency int
	Log         logrus.FieldLogger
	Now         func() time.Time

	mu          sync.Mutex
	state       State
	controlling atomic.Bool
}

func (m *Manager) log() logrus.FieldLogger {
	if m.Log != nil {
		return m.Log
	}
	return logrus.StandardLogger()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Controlling reports whether intercepted requests go through the
// strategies. Before activation they pass straight to the network.
func (m *Manager) Controlling() bool {
	return m.controlling.Load()
}

func (m *Manager) transition(from []State, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range from {
		if m.state == f {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrState, m.state, to)
}

func (m *Manager) set(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Install pre-caches the manifest. A URL that cannot be fetched is logged and
// skipped; only a cancelled context makes the install fail.
func (m *Manager) Install(ctx context.Context) (InstallReport, error) {
	if err := m.transition([]State{Parsed, Redundant}, Installing); err != nil {
		return InstallReport{}, err
	}
	started := time.Now()

	static := cachestore.NewBounded(m.Backend, m.Namer.Static(), m.StaticLimit)
	limit := m.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	var cached, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, u := range m.Manifest {
		u := u
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := m.precache(gctx, static, u); err != nil {
				failed.Add(1)
				m.log().WithFields(logrus.Fields{"cache": static.Name, "url": u}).WithError(err).Warn("precache failed; skipping")
				return nil
			}
			cached.Add(1)
			return nil
		})
	}
	err := g.Wait()
	rep := InstallReport{Cached: int(cached.Load()), Failed: int(failed.Load())}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		m.set(Redundant)
		return rep, fmt.Errorf("install: %w", err)
	}

	m.set(Installed)
	m.log().WithFields(logrus.Fields{
		"cache":    static.Name,
		"cached":   rep.Cached,
		"failed":   rep.Failed,
		"duration": time.Since(started).Round(time.Millisecond),
	}).Info("installed")

	m.mu.Lock()
	skip := m.SkipWaiting
	m.mu.Unlock()
	if skip {
		if _, err := m.Activate(ctx); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

func (m *Manager) precache(ctx context.Context, store *cachestore.Bounded, u string) error {
	req := exchange.Request{Method: http.MethodGet, URL: u, Header: http.Header{}}
	resp, err := m.Fetcher.Fetch(ctx, req, m.Timeout)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("unexpected status %d", resp.Status)
	}
	key, _ := cachestore.KeyFor(req)
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	return store.Put(ctx, cachestore.NewEntry(key, resp, now().Unix()))
}

// Activate removes the stores of other generations in this namespace and
// claims control. It returns the names it deleted.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	if err := m.transition([]State{Installed}, Activating); err != nil {
		if st := m.State(); st == Activating || st == Activated {
			return nil, nil
		}
		return nil, err
	}

	deleted, err := cachestore.DeleteGeneration(ctx, m.Backend, func(n cachestore.Name, ok bool, _ string) bool {
		return ok && m.Namer.Stale(n)
	})
	if err != nil {
		m.log().WithError(err).Warn("some old caches could not be deleted")
	}
	for _, name := range deleted {
		m.log().WithField("cache", name).Info("deleted old cache")
	}

	m.set(Activated)
	m.controlling.Store(true)
	m.log().WithField("generation", m.Namer.Generation).Info("activated; controlling requests")
	return deleted, nil
}

// SkipWaitingNow activates an installed worker that is waiting, or makes a
// running install activate as soon as it completes.
func (m *Manager) SkipWaitingNow(ctx context.Context) error {
	m.mu.Lock()
	m.SkipWaiting = true
	st := m.state
	m.mu.Unlock()
	if st != Installed {
		return nil
	}
	_, err := m.Activate(ctx)
	return err
}
