package replay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"offline0/internal/exchange"
	"offline0/internal/fetch"
	"offline0/internal/notify"
	"offline0/internal/syncqueue"
)

// scriptedFetcher answers per URL; unknown URLs fail with a network error.
type scriptedFetcher struct {
	mu     sync.Mutex
	status map[string]int
	calls  []exchange.Request
	block  chan struct{}
}

func (f *scriptedFetcher) Fetch(ctx context.Context, req exchange.Request, _ time.Duration) (*exchange.Response, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	st, ok := f.status[req.URL]
	if !ok {
		return nil, &fetch.Error{Kind: fetch.KindNetwork, Method: req.Method, URL: req.URL, Err: errors.New("offline")}
	}
	return &exchange.Response{Status: st, Header: http.Header{}}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(ev notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

type EngineSuite struct {
	suite.Suite
	queue    *syncqueue.Memory
	fetcher  *scriptedFetcher
	notifier *recorder
	engine   *Engine
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.queue = syncqueue.NewMemory()
	s.fetcher = &scriptedFetcher{status: map[string]int{}}
	s.notifier = &recorder{}
	s.engine = &Engine{Queue: s.queue, Fetcher: s.fetcher, Notifier: s.notifier, Timeout: time.Second}
}

func (s *EngineSuite) enqueue(url, body string) syncqueue.Item {
	it, err := s.queue.Enqueue(context.Background(), syncqueue.NewItem(exchange.Request{
		Method: http.MethodPost,
		URL:    url,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(body),
	}, time.Now()))
	s.Require().NoError(err)
	return it
}

func (s *EngineSuite) TestSuccessRemovesItemAndNotifiesOnce() {
	ctx := context.Background()
	ok := s.enqueue("http://app.test/api/upload", `{"a":1}`)
	other := s.enqueue("http://app.test/api/other", `{"b":2}`)
	s.fetcher.status["http://app.test/api/upload"] = http.StatusOK

	rep, err := s.engine.Replay(ctx)
	s.Require().NoError(err)
	s.Equal(Report{Attempted: 2, Succeeded: 1, Failed: 1}, rep)

	items, err := s.queue.ListPending(ctx)
	s.Require().NoError(err)
	s.Require().Len(items, 1)
	s.Equal(other.ID, items[0].ID)
	s.Equal(1, items[0].RetryCount)

	s.Require().Len(s.notifier.events, 1)
	ev := s.notifier.events[0]
	s.Equal(notify.TypeSyncSuccess, ev.Type)
	s.Equal("success", ev.Status)
	s.Equal("http://app.test/api/upload", ev.URL)
	s.Equal(ok.ID, ev.QueueID)
}

func (s *EngineSuite) TestReplaySendsTheStoredRequestInOrder() {
	s.enqueue("http://app.test/api/1", "one")
	s.enqueue("http://app.test/api/2", "two")
	s.fetcher.status["http://app.test/api/1"] = http.StatusCreated
	s.fetcher.status["http://app.test/api/2"] = http.StatusCreated

	_, err := s.engine.Replay(context.Background())
	s.Require().NoError(err)
	s.Require().Len(s.fetcher.calls, 2)
	s.Equal("one", string(s.fetcher.calls[0].Body))
	s.Equal("two", string(s.fetcher.calls[1].Body))
	s.Equal(http.MethodPost, s.fetcher.calls[0].Method)
	s.Equal("application/json", s.fetcher.calls[0].Header.Get("Content-Type"))
}

func (s *EngineSuite) TestFailureKeepsItemWithoutNotification() {
	ctx := context.Background()
	it := s.enqueue("http://app.test/api/upload", "x")
	s.fetcher.status["http://app.test/api/upload"] = http.StatusServiceUnavailable

	rep, err := s.engine.Replay(ctx)
	s.Require().NoError(err)
	s.Equal(1, rep.Failed)

	items, err := s.queue.ListPending(ctx)
	s.Require().NoError(err)
	s.Require().Len(items, 1)
	s.Equal(it.ID, items[0].ID)
	s.Equal(it.RetryCount+1, items[0].RetryCount)
	s.Empty(s.notifier.events)
}

func (s *EngineSuite) TestDiscardAfterMaxRetries() {
	ctx := context.Background()
	s.enqueue("http://app.test/api/upload", "x")

	for i := 0; i < DefaultMaxRetries-1; i++ {
		rep, err := s.engine.Replay(ctx)
		s.Require().NoError(err)
		s.Equal(1, rep.Failed)
	}
	s.Empty(s.notifier.events)

	rep, err := s.engine.Replay(ctx)
	s.Require().NoError(err)
	s.Equal(1, rep.Discarded)

	items, err := s.queue.ListPending(ctx)
	s.Require().NoError(err)
	s.Empty(items)
	s.Require().Len(s.notifier.events, 1)
	s.Equal(notify.TypeSyncFailed, s.notifier.events[0].Type)
	s.Equal(DefaultMaxRetries, s.notifier.events[0].Retries)
}

func (s *EngineSuite) TestUnboundedRetries() {
	s.engine.MaxRetries = -1
	s.enqueue("http://app.test/api/upload", "x")
	for i := 0; i < 5; i++ {
		_, err := s.engine.Replay(context.Background())
		s.Require().NoError(err)
	}
	items, err := s.queue.ListPending(context.Background())
	s.Require().NoError(err)
	s.Require().Len(items, 1)
	s.Equal(5, items[0].RetryCount)
}

func TestReplayIsExclusive(t *testing.T) {
	q := syncqueue.NewMemory()
	_, err := q.Enqueue(context.Background(), syncqueue.Item{Method: http.MethodPost, URL: "http://app.test/api/x"})
	require.NoError(t, err)

	f := &scriptedFetcher{status: map[string]int{"http://app.test/api/x": 200}, block: make(chan struct{})}
	e := &Engine{Queue: q, Fetcher: f}

	done := make(chan Report)
	go func() {
		rep, _ := e.Replay(context.Background())
		done <- rep
	}()
	require.Eventually(t, func() bool { return e.running.Load() }, time.Second, time.Millisecond)

	_, err = e.Replay(context.Background())
	assert.ErrorIs(t, err, ErrInProgress)

	close(f.block)
	rep := <-done
	assert.Equal(t, 1, rep.Succeeded)
}
