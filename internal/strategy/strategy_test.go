package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline0/internal/cachestore"
	"offline0/internal/exchange"
	"offline0/internal/fetch"
	"offline0/internal/syncqueue"
)

type fakeFetcher struct {
	mu       sync.Mutex
	calls    []exchange.Request
	timeouts []time.Duration
	resp     *exchange.Response
	err      error
}

func (f *fakeFetcher) Fetch(_ context.Context, req exchange.Request, timeout time.Duration) (*exchange.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	f.timeouts = append(f.timeouts, timeout)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp.Clone(), nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func ok(body string) *exchange.Response {
	return &exchange.Response{Status: http.StatusOK, Header: http.Header{"Content-Type": {"text/plain"}}, Body: []byte(body)}
}

func offline() error {
	return &fetch.Error{Kind: fetch.KindNetwork, Method: http.MethodGet, URL: "x", Err: errors.New("connection refused")}
}

func get(url string) exchange.Request {
	return exchange.Request{Method: http.MethodGet, URL: url, Header: http.Header{}}
}

func navigate(url string) exchange.Request {
	r := get(url)
	r.Header.Set("Sec-Fetch-Mode", "navigate")
	r.Header.Set("Accept", "text/html")
	return r
}

func TestCacheFirstHitSkipsNetwork(t *testing.T) {
	ctx := context.Background()
	store := cachestore.NewBounded(cachestore.NewMemory(), "app-static-v1", 50)
	f := &fakeFetcher{resp: ok("from network")}
	s := &CacheFirst{Store: store, Fetcher: f, Timeout: time.Second}

	req := get("http://app.test/app.js")
	first, err := s.Handle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, first.Source)
	assert.Equal(t, 1, f.Calls())

	f.resp = ok("changed upstream")
	second, err := s.Handle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, 1, f.Calls(), "a cache hit never reaches the network")
	assert.Equal(t, first.Response.Body, second.Response.Body)
	assert.Equal(t, "cache", second.Response.Header.Get(exchange.HeaderSource))
}

func TestCacheFirstReturnedResponseIsIndependentOfCache(t *testing.T) {
	ctx := context.Background()
	store := cachestore.NewBounded(cachestore.NewMemory(), "c", 50)
	s := &CacheFirst{Store: store, Fetcher: &fakeFetcher{resp: ok("abc")}, Timeout: time.Second}

	out, err := s.Handle(ctx, get("http://app.test/a.css"))
	require.NoError(t, err)
	out.Response.Body[0] = 'z'

	e, hit, err := store.Get(ctx, cachestore.Key{Method: http.MethodGet, URL: "http://app.test/a.css"})
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "abc", string(e.Body))
}

func TestCacheFirstDoesNotStoreErrors(t *testing.T) {
	ctx := context.Background()
	store := cachestore.NewBounded(cachestore.NewMemory(), "c", 50)
	f := &fakeFetcher{resp: &exchange.Response{Status: http.StatusNotFound, Header: http.Header{}}}
	s := &CacheFirst{Store: store, Fetcher: f, Timeout: time.Second}

	out, err := s.Handle(ctx, get("http://app.test/missing.js"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, out.Response.Status)

	entries, err := store.Backend.Entries(ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCacheFirstTrimsToLimit(t *testing.T) {
	ctx := context.Background()
	store := cachestore.NewBounded(cachestore.NewMemory(), "c", 2)
	s := &CacheFirst{Store: store, Fetcher: &fakeFetcher{resp: ok("x")}, Timeout: time.Second}
	for _, u := range []string{"/a.js", "/b.js", "/c.js"} {
		_, err := s.Handle(ctx, get("http://app.test"+u))
		require.NoError(t, err)
	}
	entries, err := store.Backend.Entries(ctx, "c")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "http://app.test/b.js", entries[0].Key.URL)
}

func TestCacheFirstFailures(t *testing.T) {
	ctx := context.Background()
	store := cachestore.NewBounded(cachestore.NewMemory(), "c", 50)

	t.Run("navigation gets the offline page", func(t *testing.T) {
		s := &CacheFirst{Store: store, Fetcher: &fakeFetcher{err: offline()}, Fallback: NavigationFallback}
		out, err := s.Handle(ctx, navigate("http://app.test/index.html"))
		require.NoError(t, err)
		assert.Equal(t, SourceOfflinePage, out.Source)
		assert.Equal(t, http.StatusOK, out.Response.Status)
		assert.True(t, strings.HasPrefix(out.Response.Header.Get("Content-Type"), "text/html"))
		assert.Error(t, out.Err)
	})

	t.Run("image gets the placeholder", func(t *testing.T) {
		s := &CacheFirst{Store: store, Fetcher: &fakeFetcher{err: offline()}, Fallback: Chain(NavigationFallback, ImageFallback)}
		out, err := s.Handle(ctx, get("http://app.test/logo.png"))
		require.NoError(t, err)
		assert.Equal(t, SourcePlaceholder, out.Source)
		assert.Equal(t, "image/svg+xml", out.Response.Header.Get("Content-Type"))
		assert.Contains(t, string(out.Response.Body), "Image Unavailable")
	})

	t.Run("other static failures propagate", func(t *testing.T) {
		s := &CacheFirst{Store: store, Fetcher: &fakeFetcher{err: offline()}, Fallback: NavigationFallback}
		_, err := s.Handle(ctx, get("http://app.test/app.js"))
		assert.ErrorIs(t, err, fetch.ErrNetwork)
	})
}

func newNetworkFirst(f Fetcher) (*NetworkFirst, *syncqueue.Memory) {
	q := syncqueue.NewMemory()
	return &NetworkFirst{
		Store:    cachestore.NewBounded(cachestore.NewMemory(), "app-dynamic-v1", 100),
		Queue:    q,
		Fetcher:  f,
		Timeout:  5 * time.Second,
		Fallback: NavigationFallback,
		Now:      func() time.Time { return time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC) },
	}, q
}

func TestNetworkFirstAlwaysAsksNetworkFirst(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{resp: ok("v1")}
	s, _ := newNetworkFirst(f)

	_, err := s.Handle(ctx, get("http://app.test/api/status"))
	require.NoError(t, err)
	f.resp = ok("v2")
	out, err := s.Handle(ctx, get("http://app.test/api/status"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, out.Source)
	assert.Equal(t, "v2", string(out.Response.Body))
	assert.Empty(t, out.Response.Header.Get(exchange.HeaderSource), "network responses are returned unmodified")
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, f.timeouts)
}

func TestNetworkFirstReadFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{resp: ok("fresh")}
	s, _ := newNetworkFirst(f)

	_, err := s.Handle(ctx, get("http://app.test/api/profile"))
	require.NoError(t, err)

	f.err = offline()
	out, err := s.Handle(ctx, get("http://app.test/api/profile"))
	require.NoError(t, err)
	assert.Equal(t, SourceOfflineCache, out.Source)
	assert.Equal(t, "fresh", string(out.Response.Body))
	assert.Equal(t, "offline-cache", out.Response.Header.Get(exchange.HeaderSource))
}

func TestNetworkFirstReadMiss(t *testing.T) {
	ctx := context.Background()
	s, _ := newNetworkFirst(&fakeFetcher{err: offline()})

	_, err := s.Handle(ctx, get("http://app.test/api/profile"))
	assert.ErrorIs(t, err, fetch.ErrNetwork)

	out, err := s.Handle(ctx, navigate("http://app.test/verify"))
	require.NoError(t, err)
	assert.Equal(t, SourceOfflinePage, out.Source)
	assert.Equal(t, http.StatusOK, out.Response.Status)
	assert.Equal(t, "text/html; charset=utf-8", out.Response.Header.Get("Content-Type"))
}

func TestNetworkFirstQueuesFailedWrites(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{err: offline()}
	s, q := newNetworkFirst(f)
	var observed []syncqueue.Item
	s.OnEnqueue = func(it syncqueue.Item) { observed = append(observed, it) }

	req := exchange.Request{
		Method: http.MethodPost,
		URL:    "http://app.test/api/upload",
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"document":"passport"}`),
	}
	out, err := s.Handle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, SourceQueued, out.Source)
	assert.Equal(t, http.StatusAccepted, out.Response.Status)

	var body map[string]any
	require.NoError(t, json.Unmarshal(out.Response.Body, &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, true, body["offline"])
	assert.Equal(t, QueuedMessage, body["message"])

	items, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, out.QueueID, items[0].ID)
	assert.Equal(t, req.URL, items[0].URL)
	assert.Equal(t, req.Method, items[0].Method)
	assert.Equal(t, req.Body, items[0].Body)
	assert.Equal(t, "application/json", items[0].Header.Get("Content-Type"))
	assert.Len(t, observed, 1)

	entries, err := s.Store.Backend.Entries(ctx, s.Store.Name)
	require.NoError(t, err)
	assert.Empty(t, entries, "writes are never cached")
}

type failingQueue struct{ syncqueue.Memory }

func (q *failingQueue) Enqueue(context.Context, syncqueue.Item) (syncqueue.Item, error) {
	return syncqueue.Item{}, syncqueue.ErrWrite
}

func TestNetworkFirstQueueWriteFailurePropagates(t *testing.T) {
	s, _ := newNetworkFirst(&fakeFetcher{err: offline()})
	s.Queue = &failingQueue{}

	_, err := s.Handle(context.Background(), exchange.Request{Method: http.MethodPost, URL: "http://app.test/api/upload"})
	require.Error(t, err)
	assert.ErrorIs(t, err, fetch.ErrNetwork)
	assert.ErrorIs(t, err, syncqueue.ErrWrite)
}

func TestAbortedBodyIsNeverCached(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := fetch.New(srv.Client(), 0)
	cacheFirst := &CacheFirst{Store: cachestore.NewBounded(cachestore.NewMemory(), "app-static-v1", 50), Fetcher: f, Timeout: 100 * time.Millisecond}
	networkFirst, _ := newNetworkFirst(f)
	networkFirst.Timeout = 100 * time.Millisecond

	cases := map[string]struct {
		s     Strategy
		store *cachestore.Bounded
	}{
		"cache first":   {cacheFirst, cacheFirst.Store},
		"network first": {networkFirst, networkFirst.Store},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := tc.s.Handle(ctx, get(srv.URL+"/app.js"))
			require.Error(t, err)
			assert.ErrorIs(t, err, fetch.ErrTimeout)

			entries, err := tc.store.Backend.Entries(ctx, tc.store.Name)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}
