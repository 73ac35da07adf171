package notify

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The page may be served from another origin than the interceptor.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler streams hub events to a websocket client, one JSON object per
// message, until the client goes away.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.WithError(err).Debug("notify: websocket upgrade failed")
			return
		}
		defer conn.Close()

		events, cancel := h.Subscribe(32)
		defer cancel()

		// Reader goroutine: only needed to notice the client closing.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-gone:
				return
			case <-r.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(ev); err != nil {
					h.log.WithFields(logrus.Fields{"type": ev.Type}).WithError(err).Debug("notify: websocket write failed")
					return
				}
			}
		}
	})
}
