package stream

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labcore/scopectl/events"
)

type ping struct {
	N int `json:"n"`
}

func (ping) Topic() string { return "test.ping" }

type pong struct {
	N int `json:"n"`
}

func (pong) Topic() string { return "test.pong" }

type received struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

func dial(t *testing.T, hub *events.Hub, query string) *websocket.Conn {
	r := chi.NewRouter()
	NewHTTPStream(hub, 16, nil).RT().Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) received {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg received
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestStreamDeliversEvents(t *testing.T) {
	hub := events.NewHub()
	defer hub.Close()
	conn := dial(t, hub, "")
	require.Eventually(t, func() bool { return len(hub.Stats().Subscribers) == 1 }, time.Second, time.Millisecond)

	hub.Publish(ping{N: 1})
	hub.Publish(pong{N: 2})
	msg := read(t, conn)
	assert.Equal(t, "test.ping", msg.Topic)
	assert.JSONEq(t, `{"n": 1}`, string(msg.Data))
	assert.Equal(t, "test.pong", read(t, conn).Topic)
}

func TestStreamFiltersTopics(t *testing.T) {
	hub := events.NewHub()
	defer hub.Close()
	conn := dial(t, hub, "?topics=test.pong")
	require.Eventually(t, func() bool { return len(hub.Stats().Subscribers) == 1 }, time.Second, time.Millisecond)

	hub.Publish(ping{N: 1})
	hub.Publish(pong{N: 2})
	msg := read(t, conn)
	assert.Equal(t, "test.pong", msg.Topic)
	assert.JSONEq(t, `{"n": 2}`, string(msg.Data))
}

func TestStreamUnsubscribesOnDisconnect(t *testing.T) {
	hub := events.NewHub()
	defer hub.Close()
	conn := dial(t, hub, "")
	require.Eventually(t, func() bool { return len(hub.Stats().Subscribers) == 1 }, time.Second, time.Millisecond)
	conn.Close()
	assert.Eventually(t, func() bool { return len(hub.Stats().Subscribers) == 0 }, 2*time.Second, time.Millisecond)
}

func TestStreamClosesWithHub(t *testing.T) {
	hub := events.NewHub()
	conn := dial(t, hub, "")
	require.Eventually(t, func() bool { return len(hub.Stats().Subscribers) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, hub.Close())
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestParseTopics(t *testing.T) {
	assert.Nil(t, parseTopics(""))
	assert.Equal(t, []string{"a", "b"}, parseTopics(" a, ,b,"))
}
