package nethost

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-netbridge/host"
)

var (
	// ErrSocketClosed is returned by Send after Close or a remote close.
	ErrSocketClosed = errors.New("nethost: socket closed")

	// ErrWriteQueueFull is returned by Send when the writer is too far
	// behind.
	ErrWriteQueueFull = errors.New("nethost: websocket write queue full")
)

const closeGrace = 2 * time.Second

// WebSocketDialer connects bridge sockets with gorilla/websocket.
type WebSocketDialer struct {
	ctx        context.Context
	logger     *zap.Logger
	dialer     websocket.Dialer
	readLimit  int64
	writeQueue int
}

// WebSocketOption configures a WebSocketDialer.
type WebSocketOption func(*WebSocketDialer)

// WithHandshakeTimeout bounds the opening handshake.
func WithHandshakeTimeout(d time.Duration) WebSocketOption {
	return func(w *WebSocketDialer) {
		w.dialer.HandshakeTimeout = d
	}
}

// WithReadLimit sets the maximum inbound message size. Larger messages
// close the connection.
func WithReadLimit(n int64) WebSocketOption {
	return func(w *WebSocketDialer) {
		w.readLimit = n
	}
}

// WithWriteQueue sets how many outbound messages may wait for the writer.
func WithWriteQueue(n int) WebSocketOption {
	return func(w *WebSocketDialer) {
		if n > 0 {
			w.writeQueue = n
		}
	}
}

// WithSocketContext sets the parent context of every connection.
// Cancelling it closes them.
func WithSocketContext(ctx context.Context) WebSocketOption {
	return func(w *WebSocketDialer) {
		if ctx != nil {
			w.ctx = ctx
		}
	}
}

// WithSocketLogger sets the dialer logger.
func WithSocketLogger(l *zap.Logger) WebSocketOption {
	return func(w *WebSocketDialer) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWebSocketDialer creates a dialer.
func NewWebSocketDialer(opts ...WebSocketOption) *WebSocketDialer {
	w := &WebSocketDialer{
		ctx:    context.Background(),
		logger: Logger(),
		dialer: websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: 10 * time.Second,
		},
		writeQueue: 64,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Dial validates rawURL and connects in the background. Only ws and wss
// URLs are accepted.
func (w *WebSocketDialer) Dial(rawURL string, events host.SocketEvents) (host.Socket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("websocket url %q has no host", rawURL)
	}

	ctx, cancel := context.WithCancel(w.ctx)
	s := &socket{
		events: events,
		logger: w.logger.With(zap.String("url", rawURL)),
		cancel: cancel,
		send:   make(chan []byte, w.writeQueue),
		quit:   make(chan struct{}),
	}
	go s.run(ctx, &w.dialer, rawURL, w.readLimit)
	return s, nil
}

// socket is one gorilla connection. run owns the events sink, so events
// are reported in order from a single goroutine; writeLoop is the only
// writer of data frames.
type socket struct {
	events host.SocketEvents
	logger *zap.Logger
	conn   *websocket.Conn
	cancel context.CancelFunc
	send   chan []byte
	quit   chan struct{}
	mu     sync.Mutex
	open   bool
	closed bool
}

func (s *socket) run(ctx context.Context, d *websocket.Dialer, rawURL string, readLimit int64) {
	defer s.cancel()
	defer s.events.OnClose()

	conn, resp, err := d.DialContext(ctx, rawURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		s.mu.Lock()
		closing := s.closed
		s.closed = true
		s.mu.Unlock()
		if !closing {
			s.events.OnError(err)
		}
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.open = true
	s.mu.Unlock()

	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.events.OnOpen()
	go s.writeLoop(conn)

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closing := s.closed
			s.closed = true
			s.mu.Unlock()
			if !closing && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.events.OnError(err)
			}
			s.logger.Debug("websocket closed", zap.Error(err))
			s.stopWriter()
			_ = conn.Close()
			return
		}
		s.events.OnMessage(data, typ == websocket.TextMessage)
	}
}

func (s *socket) writeLoop(conn *websocket.Conn) {
	for {
		select {
		case data := <-s.send:
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				s.logger.Debug("websocket write failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-s.quit:
			return
		}
	}
}

func (s *socket) stopWriter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
}

// Send queues one binary message.
func (s *socket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.open {
		return ErrSocketClosed
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrWriteQueueFull
	}
}

// Close sends a close frame and gives the peer closeGrace to answer
// before the connection is dropped. A socket still connecting is
// abandoned.
func (s *socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		s.cancel()
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace)); err != nil {
		s.cancel()
		return nil
	}
	time.AfterFunc(closeGrace, s.cancel)
	return nil
}

var (
	_ host.SocketDialer = (*WebSocketDialer)(nil)
	_ host.Socket       = (*socket)(nil)
)
