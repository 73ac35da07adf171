package syncqueue

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"offline0/internal/exchange"
)

type QueueSuite struct {
	suite.Suite
	newQueue func() Queue
	queue    Queue
}

func TestMemoryQueueSuite(t *testing.T) {
	suite.Run(t, &QueueSuite{newQueue: func() Queue { return NewMemory() }})
}

func TestLevelDBQueueSuite(t *testing.T) {
	suite.Run(t, &QueueSuite{newQueue: func() Queue {
		db, err := leveldb.Open(storage.NewMemStorage(), nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		q, err := NewLevelDB(db)
		require.NoError(t, err)
		return q
	}})
}

func (s *QueueSuite) SetupTest() {
	s.queue = s.newQueue()
}

func upload(body string) Item {
	return NewItem(exchange.Request{
		Method: http.MethodPost,
		URL:    "http://app.test/api/upload",
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(body),
	}, time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC))
}

func (s *QueueSuite) TestEnqueueAssignsMonotonicIDs() {
	ctx := context.Background()
	a, err := s.queue.Enqueue(ctx, upload("a"))
	s.Require().NoError(err)
	b, err := s.queue.Enqueue(ctx, upload("b"))
	s.Require().NoError(err)
	s.Greater(b.ID, a.ID)

	s.Require().NoError(s.queue.Remove(ctx, b.ID))
	c, err := s.queue.Enqueue(ctx, upload("c"))
	s.Require().NoError(err)
	s.Greater(c.ID, b.ID, "ids are never reused")
}

func (s *QueueSuite) TestListPendingPreservesOrderAndContent() {
	ctx := context.Background()
	for _, body := range []string{"first", "second", "third"} {
		_, err := s.queue.Enqueue(ctx, upload(body))
		s.Require().NoError(err)
	}

	items, err := s.queue.ListPending(ctx)
	s.Require().NoError(err)
	s.Require().Len(items, 3)
	s.Equal("first", string(items[0].Body))
	s.Equal("second", string(items[1].Body))
	s.Equal("third", string(items[2].Body))

	it := items[0]
	s.Equal(http.MethodPost, it.Method)
	s.Equal("http://app.test/api/upload", it.URL)
	s.Equal("application/json", it.Header.Get("Content-Type"))
	s.Zero(it.RetryCount)
	s.True(it.EnqueuedAt.Equal(time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)))

	req := it.Request()
	s.Equal(it.URL, req.URL)
	s.Equal(it.Body, req.Body)
}

func (s *QueueSuite) TestMarkFailedAndRemove() {
	ctx := context.Background()
	it, err := s.queue.Enqueue(ctx, upload("x"))
	s.Require().NoError(err)

	s.Run("mark failed increments retry count", func() {
		got, err := s.queue.MarkFailed(ctx, it.ID)
		s.NoError(err)
		s.Equal(1, got.RetryCount)
		got, err = s.queue.MarkFailed(ctx, it.ID)
		s.NoError(err)
		s.Equal(2, got.RetryCount)

		items, err := s.queue.ListPending(ctx)
		s.NoError(err)
		s.Require().Len(items, 1)
		s.Equal(2, items[0].RetryCount)
	})

	s.Run("remove deletes exactly one item", func() {
		other, err := s.queue.Enqueue(ctx, upload("y"))
		s.Require().NoError(err)
		s.NoError(s.queue.Remove(ctx, it.ID))

		items, err := s.queue.ListPending(ctx)
		s.NoError(err)
		s.Require().Len(items, 1)
		s.Equal(other.ID, items[0].ID)
	})

	s.Run("missing items", func() {
		s.NoError(s.queue.Remove(ctx, 9999))
		_, err := s.queue.MarkFailed(ctx, 9999)
		s.ErrorIs(err, ErrNotFound)
	})
}

func TestLevelDBQueueSurvivesReopen(t *testing.T) {
	stor := storage.NewMemStorage()
	db, err := leveldb.Open(stor, nil)
	require.NoError(t, err)
	q, err := NewLevelDB(db)
	require.NoError(t, err)
	first, err := q.Enqueue(context.Background(), upload("a"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = leveldb.Open(stor, nil)
	require.NoError(t, err)
	defer db.Close()
	q, err = NewLevelDB(db)
	require.NoError(t, err)

	items, err := q.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "a", string(items[0].Body))

	next, err := q.Enqueue(context.Background(), upload("b"))
	require.NoError(t, err)
	require.Greater(t, next.ID, first.ID)
}
