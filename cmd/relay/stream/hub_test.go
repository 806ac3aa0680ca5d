package stream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startHub(t *testing.T, origin string, initial func() []Event) (*Hub, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(discardLogger())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	srv := httptest.NewServer(h.ServeWS(origin, initial))
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&e))
	return e.Type, e.Payload
}

func TestHub_InitialAndBroadcast(t *testing.T) {
	initial := func() []Event {
		return []Event{{Type: TypeDashboard, Payload: map[string]string{"view": "metrics"}}}
	}
	h, srv := startHub(t, "*", initial)

	conn := dial(t, srv, nil)
	typ, payload := readEvent(t, conn)
	assert.Equal(t, TypeDashboard, typ)
	assert.JSONEq(t, `{"view":"metrics"}`, string(payload))

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.Broadcast(Event{Type: TypeSnapshot, Payload: map[string]float64{"temperature": 1500}})
	typ, payload = readEvent(t, conn)
	assert.Equal(t, TypeSnapshot, typ)
	assert.JSONEq(t, `{"temperature":1500}`, string(payload))
}

func TestHub_ClientCount(t *testing.T) {
	counts := make(chan int, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHub(discardLogger())
	h.OnClientCount(func(n int) { counts <- n })
	go h.Run(ctx)

	srv := httptest.NewServer(h.ServeWS("*", nil))
	defer srv.Close()

	a := dial(t, srv, nil)
	b := dial(t, srv, nil)
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, <-counts)
	assert.Equal(t, 2, <-counts)
	assert.Equal(t, 1, <-counts)
	assert.Equal(t, 0, <-counts)
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	_, srv := startHub(t, "http://localhost:3000", nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "http://localhost:3000")
	conn := dial(t, srv, header)
	assert.NotNil(t, conn)
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(discardLogger())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	srv := httptest.NewServer(h.ServeWS("*", nil))
	defer srv.Close()

	conn := dial(t, srv, nil)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "error = %v", err)
	assert.Equal(t, 0, h.ClientCount())

	// broadcasting after shutdown must not block
	h.Broadcast(Event{Type: TypeReview})
}

func TestHub_BroadcastWithoutRunDoesNotBlock(t *testing.T) {
	h := NewHub(discardLogger())
	for i := 0; i < broadcastBuffer+10; i++ {
		h.Broadcast(Event{Type: TypeSummary, Payload: i})
	}
	assert.Len(t, h.broadcast, broadcastBuffer)
}
