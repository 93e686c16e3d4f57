package main

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/itskum47/hostforge/hostd/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *apiFixture) runHub(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.api.Hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *apiFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/messages" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) messages.Message {
	t.Helper()
	var m messages.Message
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestMessageStreamBroadcasts(t *testing.T) {
	f := newAPIFixture(t, defaultAPIConfig())
	f.runHub(t)

	a := f.dial(t, "")
	b := f.dial(t, "")
	require.Eventually(t, func() bool { return f.api.Hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.sink.Post(context.Background(), messages.Message{ID: "t1", Text: "Installing X"}))
	for _, conn := range []*websocket.Conn{a, b} {
		m := readMessage(t, conn)
		assert.Equal(t, "t1", m.ID)
		assert.Equal(t, "Installing X", m.Text)
		assert.Equal(t, messages.Info, m.Severity)
	}

	a.Close()
	require.Eventually(t, func() bool { return f.api.Hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestMessageStreamReplaysBacklog(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t, defaultAPIConfig())
	f.runHub(t)

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, f.sink.Post(ctx, messages.Message{ID: "t1", Text: text}))
	}

	conn := f.dial(t, "?since=1")
	assert.Equal(t, "two", readMessage(t, conn).Text)
	assert.Equal(t, "three", readMessage(t, conn).Text)

	require.Eventually(t, func() bool { return f.api.Hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, f.sink.Post(ctx, messages.Message{ID: "t2", Text: "four"}))
	assert.Equal(t, "four", readMessage(t, conn).Text)
}

func TestMessageStreamRejectsBadOffset(t *testing.T) {
	f := newAPIFixture(t, defaultAPIConfig())
	resp := f.do(t, http.MethodGet, "/ws/messages?since=-3", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMessageHubStopsCleanly(t *testing.T) {
	f := newAPIFixture(t, defaultAPIConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.api.Hub.Run(ctx) }()

	conn := f.dial(t, "")
	require.Eventually(t, func() bool { return f.api.Hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, f.api.Hub.ClientCount())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
