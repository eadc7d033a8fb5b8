package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autodev/autodev/internal/events/bus"
)

func newTestServer(t *testing.T, token string) (*Hub, *httptest.Server, context.CancelFunc) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	router := gin.New()
	router.GET("/ws", NewHandler(hub, token, nil).Handle)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return hub, srv, cancel
}

func wsURL(srv *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func TestHandshakeAuth(t *testing.T) {
	_, srv, cancel := newTestServer(t, "secret")
	defer cancel()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=secret"), nil)
	require.NoError(t, err)
	conn.Close()
}

func TestBroadcastReachesClient(t *testing.T) {
	hub, srv, cancel := newTestServer(t, "")
	defer cancel()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Wait for registration before broadcasting.
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	hub.Broadcast(&Message{Type: bus.TypeStatus, ProjectID: "p1", Payload: "running"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, bus.TypeStatus, msg.Type)
	assert.Equal(t, "p1", msg.ProjectID)
	assert.Equal(t, "running", msg.Payload)
}

func TestBusEventsForwardedInOrder(t *testing.T) {
	hub, srv, cancel := newTestServer(t, "")
	defer cancel()

	b := bus.NewMemoryEventBus(nil)
	defer b.Close()
	_, err := hub.AttachBus(b)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	ctx := context.Background()
	for _, payload := range []string{"first", "second", "third"} {
		require.NoError(t, b.Publish(ctx,
			bus.ProjectSubject("p1", bus.TypeLog),
			bus.NewEvent(bus.TypeLog, "p1", payload)))
	}

	var got []string
	for i := 0; i < 3; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		got = append(got, msg.Payload.(string))
	}
	assert.Equal(t, []string{"first", "second", "third"}, got)
}
