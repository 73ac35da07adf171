// Package syncqueue keeps mutating requests that could not reach the network
// until they can be replayed.
package syncqueue

import (
	"context"
	"errors"
	"net/http"
	"time"

	"offline0/internal/exchange"
)

// Item is a deferred request. ID is assigned by the queue on Enqueue and
// grows monotonically.
type Item struct {
	ID         uint64      `json:"id"`
	URL        string      `json:"url"`
	Method     string      `json:"method"`
	Header     http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	EnqueuedAt time.Time   `json:"enqueuedAt"`
	RetryCount int         `json:"retryCount"`
}

func NewItem(req exchange.Request, now time.Time) Item {
	it := Item{URL: req.URL, Method: req.Method, Header: exchange.CloneHeader(req.Header), EnqueuedAt: now.UTC()}
	if len(req.Body) > 0 {
		it.Body = append([]byte(nil), req.Body...)
	}
	return it
}

// Request rebuilds the exact stored request.
func (it Item) Request() exchange.Request {
	return exchange.Request{Method: it.Method, URL: it.URL, Header: exchange.CloneHeader(it.Header), Body: it.Body}
}

var (
	// ErrWrite wraps persistence failures of Enqueue.
	ErrWrite    = errors.New("syncqueue: write failed")
	ErrNotFound = errors.New("syncqueue: item not found")
)

// Queue is an ordered, durable collection of pending items.
type Queue interface {
	// Enqueue appends it and returns it with its assigned ID.
	Enqueue(ctx context.Context, it Item) (Item, error)
	// ListPending returns all items in enqueue order.
	ListPending(ctx context.Context) ([]Item, error)
	// Remove deletes the item. Removing a missing item is not an error.
	Remove(ctx context.Context, id uint64) error
	// MarkFailed increments the retry count and returns the updated item.
	MarkFailed(ctx context.Context, id uint64) (Item, error)
	Close() error
}
