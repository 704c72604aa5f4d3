package client

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/workflowpool/events"
)

var testUpgrader = websocket.Upgrader{}

func newTestServer(t *testing.T, handle func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		go handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func hostOf(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Host
}

func TestSessionConnectEmitsConnected(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	bus := events.New(nil)
	var gotConnected bool
	bus.On("connected", func(payload any) { gotConnected = true })

	sess := NewSession("client-1", Config{Host: hostOf(t, srv)}, bus, nil)
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sess.Connect(ctx))
	assert.True(t, gotConnected)
	assert.Equal(t, StateConnected, sess.State())
}

func TestSessionDispatchesTextFrameByType(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		frame, _ := json.Marshal(map[string]any{
			"type": "executing",
			"data": map[string]any{"prompt_id": "p-1", "node": "3"},
		})
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	bus := events.New(nil)
	received := make(chan Event, 1)
	bus.On("executing", func(payload any) { received <- payload.(Event) })

	sess := NewSession("client-1", Config{Host: hostOf(t, srv)}, bus, nil)
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sess.Connect(ctx))

	select {
	case ev := <-received:
		promptID, ok := ev.PromptID()
		require.True(t, ok)
		assert.Equal(t, "p-1", promptID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for executing event")
	}
}

func TestSessionDispatchesBinaryPreviewFrame(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		buf := make([]byte, 8+3)
		binary.BigEndian.PutUint32(buf[0:4], 1) // preview
		binary.BigEndian.PutUint32(buf[4:8], 1) // jpeg
		copy(buf[8:], []byte{0xFF, 0xD8, 0xFF})
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, buf))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	bus := events.New(nil)
	received := make(chan PreviewFrame, 1)
	bus.On("b_preview", func(payload any) { received <- payload.(PreviewFrame) })

	sess := NewSession("client-1", Config{Host: hostOf(t, srv)}, bus, nil)
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sess.Connect(ctx))

	select {
	case frame := <-received:
		assert.Equal(t, imageTypeJPEG, frame.ImageType)
		assert.Equal(t, []byte{0xFF, 0xD8, 0xFF}, frame.Blob)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for preview frame")
	}
}

func TestSessionReconnectsAfterDisconnect(t *testing.T) {
	connAttempts := make(chan struct{}, 8)
	srv := newTestServer(t, func(conn *websocket.Conn) {
		connAttempts <- struct{}{}
		conn.Close()
	})

	bus := events.New(nil)
	disconnected := make(chan struct{}, 1)
	reconnected := make(chan struct{}, 1)
	bus.On("disconnected", func(payload any) {
		select {
		case disconnected <- struct{}{}:
		default:
		}
	})
	bus.On("reconnected", func(payload any) {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})

	cfg := Config{
		Host:                  hostOf(t, srv),
		AutoReconnect:         true,
		ReconnectInitialDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:     20 * time.Millisecond,
	}
	sess := NewSession("client-1", cfg, bus, nil)
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, sess.Connect(ctx))

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnected event")
	}
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconnected event")
	}
}

func TestSessionCloseStopsConnectLoop(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	bus := events.New(nil)
	sess := NewSession("client-1", Config{Host: hostOf(t, srv)}, bus, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sess.Connect(ctx))

	done := make(chan struct{})
	go func() {
		require.NoError(t, sess.Close())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}
