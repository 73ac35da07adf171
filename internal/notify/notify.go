// Package notify delivers asynchronous status events to connected clients.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	TypeSyncSuccess = "SYNC_SUCCESS"
	TypeSyncFailed  = "SYNC_FAILED"
)

type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Status  string    `json:"status"`
	URL     string    `json:"url"`
	QueueID uint64    `json:"queueId,omitempty"`
	Retries int       `json:"retries,omitempty"`
	At      time.Time `json:"at"`
}

// SyncSucceeded builds the event posted after a successful replay.
func SyncSucceeded(url string, queueID uint64) Event {
	return Event{Type: TypeSyncSuccess, Status: "success", URL: url, QueueID: queueID}
}

// SyncFailed builds the event posted when a queued request is given up.
func SyncFailed(url string, queueID uint64, retries int) Event {
	return Event{Type: TypeSyncFailed, Status: "failed", URL: url, QueueID: queueID, Retries: retries}
}

// Notifier is what producers of events depend on.
type Notifier interface {
	Notify(ev Event)
}

// Hub fans events out to subscribers. Notify never blocks: a subscriber whose
// buffer is full misses the event.
type Hub struct {
	log logrus.FieldLogger

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan Event
}

func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{log: log, subs: map[uint64]chan Event{}}
}

// Subscribe returns a channel of events and a function that cancels the
// subscription and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Notify(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.log.WithFields(logrus.Fields{"subscriber": id, "type": ev.Type}).Warn("notify: subscriber buffer full, dropping event")
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
