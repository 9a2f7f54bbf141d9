package nethost

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// socketLog records socket events in arrival order.
type socketLog struct {
	mu     sync.Mutex
	events []string
	data   [][]byte
	closed chan struct{}
	opened chan struct{}
}

func newSocketLog() *socketLog {
	return &socketLog{closed: make(chan struct{}), opened: make(chan struct{})}
}

func (l *socketLog) add(ev string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *socketLog) OnOpen() {
	l.add("open")
	close(l.opened)
}

func (l *socketLog) OnMessage(data []byte, text bool) {
	kind := "binary"
	if text {
		kind = "text"
	}
	l.mu.Lock()
	l.data = append(l.data, data)
	l.mu.Unlock()
	l.add(kind + ":" + string(data))
}

func (l *socketLog) OnError(err error) { l.add("error") }

func (l *socketLog) OnClose() {
	l.add("close")
	close(l.closed)
}

func (l *socketLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *socketLog) wait(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out; events so far: %v", l.snapshot())
	}
}

// wsEchoServer echoes every message with its type. A message "bye" makes
// the server close the connection.
func wsEchoServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusInternalError, "")

		ctx := r.Context()
		if err := c.Write(ctx, websocket.MessageText, []byte("hello")); err != nil {
			return
		}
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if string(data) == "bye" {
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := c.Write(ctx, typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketRejectsURL(t *testing.T) {
	d := NewWebSocketDialer()
	for _, url := range []string{"http://example.invalid", "ws://", "::bad"} {
		_, err := d.Dial(url, newSocketLog())
		assert.Error(t, err, url)
	}
}

func TestWebSocketEcho(t *testing.T) {
	url := wsEchoServer(t)
	log := newSocketLog()

	s, err := NewWebSocketDialer().Dial(url, log)
	require.NoError(t, err)

	log.wait(t, log.opened)
	require.NoError(t, s.Send([]byte("ping")))

	require.Eventually(t, func() bool { return len(log.snapshot()) >= 3 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Close())
	log.wait(t, log.closed)

	assert.Equal(t, []string{"open", "text:hello", "binary:ping", "close"}, log.snapshot())
	assert.ErrorIs(t, s.Send([]byte("late")), ErrSocketClosed)
	assert.NoError(t, s.Close())
}

func TestWebSocketRemoteClose(t *testing.T) {
	url := wsEchoServer(t)
	log := newSocketLog()

	s, err := NewWebSocketDialer().Dial(url, log)
	require.NoError(t, err)
	log.wait(t, log.opened)
	require.NoError(t, s.Send([]byte("bye")))
	log.wait(t, log.closed)

	events := log.snapshot()
	assert.Equal(t, "close", events[len(events)-1])
	assert.NotContains(t, events, "error", "a normal close is not an error")
}

func TestWebSocketDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	log := newSocketLog()
	_, err := NewWebSocketDialer(WithHandshakeTimeout(time.Second)).Dial(url, log)
	require.NoError(t, err)
	log.wait(t, log.closed)
	assert.Equal(t, []string{"error", "close"}, log.snapshot())
}

func TestWebSocketCloseWhileConnecting(t *testing.T) {
	url := wsEchoServer(t)
	log := newSocketLog()

	s, err := NewWebSocketDialer().Dial(url, log)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	log.wait(t, log.closed)

	events := log.snapshot()
	assert.Equal(t, "close", events[len(events)-1])
	assert.NotContains(t, events, "error")
}

func TestWebSocketContextCancel(t *testing.T) {
	url := wsEchoServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	log := newSocketLog()

	_, err := NewWebSocketDialer(WithSocketContext(ctx)).Dial(url, log)
	require.NoError(t, err)
	log.wait(t, log.opened)
	cancel()
	log.wait(t, log.closed)
}

func TestWebSocketReadLimit(t *testing.T) {
	url := wsEchoServer(t)
	log := newSocketLog()

	_, err := NewWebSocketDialer(WithReadLimit(2)).Dial(url, log)
	require.NoError(t, err)
	log.wait(t, log.closed)
	assert.Equal(t, []string{"open", "error", "close"}, log.snapshot())
}
