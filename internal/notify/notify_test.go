package notify

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubFanOut(t *testing.T) {
	h := NewHub(nil)
	a, cancelA := h.Subscribe(4)
	b, cancelB := h.Subscribe(4)
	defer cancelB()

	h.Notify(SyncSucceeded("http://app.test/api/upload", 7))

	for _, ch := range []<-chan Event{a, b} {
		ev := <-ch
		assert.Equal(t, TypeSyncSuccess, ev.Type)
		assert.Equal(t, "success", ev.Status)
		assert.Equal(t, "http://app.test/api/upload", ev.URL)
		assert.Equal(t, uint64(7), ev.QueueID)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.At.IsZero())
	}

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, h.Subscribers())
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	h := NewHub(log)
	ch, cancel := h.Subscribe(1)
	defer cancel()

	h.Notify(SyncSucceeded("a", 1))
	h.Notify(SyncSucceeded("b", 2))

	assert.Equal(t, "a", (<-ch).URL)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestWebsocketStream(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.Notify(SyncFailed("http://app.test/api/upload", 3, 3))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, TypeSyncFailed, ev.Type)
	assert.Equal(t, "failed", ev.Status)
	assert.Equal(t, 3, ev.Retries)
}
