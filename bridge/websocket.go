package bridge

import (
	"go.uber.org/zap"

	"github.com/wippyai/wasm-netbridge/dispatch"
	"github.com/wippyai/wasm-netbridge/errors"
	"github.com/wippyai/wasm-netbridge/handle"
	"github.com/wippyai/wasm-netbridge/host"
)

// SocketState is the ready state of a WebSocket as seen by the guest.
type SocketState int

const (
	SocketConnecting SocketState = iota
	SocketOpen
	SocketClosed
)

func (s SocketState) String() string {
	switch s {
	case SocketConnecting:
		return "connecting"
	case SocketOpen:
		return "open"
	case SocketClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type webSocket[C any] struct {
	sock      host.Socket
	userCtx   C
	onOpen    dispatch.OpenFunc[C]
	onError   dispatch.ErrorFunc[C]
	onMessage dispatch.MessageFunc[C]
	release   func()
	handle    handle.Handle
	state     SocketState
	deleted   bool
	closeSent bool
}

// socketEvents forwards host socket events onto the loop.
type socketEvents[C any] struct {
	b  *Bridge[C]
	ws *webSocket[C]
}

func (e socketEvents[C]) OnOpen() {
	e.b.post(handle.KindWebSocket, func() { e.b.socketOpened(e.ws) })
}

func (e socketEvents[C]) OnMessage(data []byte, _ bool) {
	e.b.post(handle.KindWebSocket, func() { e.b.socketMessage(e.ws, data) })
}

func (e socketEvents[C]) OnError(err error) {
	e.b.post(handle.KindWebSocket, func() { e.b.socketError(e.ws, err) })
}

func (e socketEvents[C]) OnClose() {
	e.b.post(handle.KindWebSocket, func() { e.b.socketClosed(e.ws) })
}

// CreateWebSocket starts connecting to url. It returns 0 when the host has
// no WebSocket capability or refuses the URL.
func (b *Bridge[C]) CreateWebSocket(url string) handle.Handle {
	if b.caps.WebSocket == nil || b.closed {
		return 0
	}
	ws := &webSocket[C]{state: SocketConnecting}
	sock, err := b.caps.WebSocket.Dial(url, socketEvents[C]{b: b, ws: ws})
	if err != nil {
		b.logger.Debug("websocket refused",
			zap.String("url", url),
			zap.Error(errors.Wrap(errors.PhaseWebSocket, errors.KindInvalidInput, err, "dial")))
		return 0
	}
	ws.sock = sock
	ws.release = b.loop.Hold()
	ws.handle = b.sockets.Register(ws)
	return ws.handle
}

// SetWebSocketOpenCallback registers cb. If the socket is already open, cb
// fires on a later loop turn.
func (b *Bridge[C]) SetWebSocketOpenCallback(h handle.Handle, cb dispatch.OpenFunc[C]) {
	ws, ok := b.sockets.Lookup(h)
	if !ok {
		return
	}
	ws.onOpen = cb
	if ws.state == SocketOpen && cb != nil {
		b.loop.Defer(func() {
			if ws.deleted {
				return
			}
			cb(ws.userCtx)
			b.delivered(handle.KindWebSocket)
		})
	}
}

// SetWebSocketErrorCallback registers cb for transport errors.
func (b *Bridge[C]) SetWebSocketErrorCallback(h handle.Handle, cb dispatch.ErrorFunc[C]) {
	if ws, ok := b.sockets.Lookup(h); ok {
		ws.onError = cb
	}
}

// SetWebSocketMessageCallback registers cb for inbound messages and the
// close sentinel. If the socket already closed and the sentinel was never
// delivered, it is delivered on a later loop turn.
func (b *Bridge[C]) SetWebSocketMessageCallback(h handle.Handle, cb dispatch.MessageFunc[C]) {
	ws, ok := b.sockets.Lookup(h)
	if !ok {
		return
	}
	ws.onMessage = cb
	if ws.state == SocketClosed && !ws.closeSent && cb != nil {
		b.loop.Defer(func() { b.sendSocketSentinel(ws) })
	}
}

// SetWebSocketUserContext sets the context passed to the socket callbacks.
func (b *Bridge[C]) SetWebSocketUserContext(h handle.Handle, ctx C) {
	if ws, ok := b.sockets.Lookup(h); ok {
		ws.userCtx = ctx
	}
}

// SendWebSocket sends n guest bytes at ptr as one binary message. It returns
// the number of bytes sent, or 0 when the socket is not open.
func (b *Bridge[C]) SendWebSocket(h handle.Handle, ptr uint32, n int32) int32 {
	ws, ok := b.sockets.Lookup(h)
	if !ok || ws.state != SocketOpen || n < 0 {
		return 0
	}
	data, err := b.buf.Copy(ptr, uint32(n))
	if err != nil {
		b.logger.Debug("websocket payload not readable", zap.Uint32("handle", uint32(h)), zap.Error(err))
		return 0
	}
	return b.sendSocket(ws, data)
}

// SendWebSocketBytes sends data as one binary message.
func (b *Bridge[C]) SendWebSocketBytes(h handle.Handle, data []byte) int32 {
	ws, ok := b.sockets.Lookup(h)
	if !ok || ws.state != SocketOpen {
		return 0
	}
	return b.sendSocket(ws, append([]byte(nil), data...))
}

func (b *Bridge[C]) sendSocket(ws *webSocket[C], data []byte) int32 {
	if err := ws.sock.Send(data); err != nil {
		b.logger.Debug("websocket send failed", zap.Uint32("handle", uint32(ws.handle)), zap.Error(err))
		return 0
	}
	return int32(len(data))
}

// WebSocketState returns the ready state of a socket.
func (b *Bridge[C]) WebSocketState(h handle.Handle) (SocketState, bool) {
	ws, ok := b.sockets.Lookup(h)
	if !ok {
		return SocketClosed, false
	}
	return ws.state, true
}

// DeleteWebSocket closes the socket and removes the handle. No callback
// fires afterwards.
func (b *Bridge[C]) DeleteWebSocket(h handle.Handle) {
	ws, ok := b.sockets.Remove(h)
	if !ok {
		return
	}
	ws.deleted = true
	ws.release()
	if ws.state != SocketClosed {
		b.closeAsync(handle.KindWebSocket, h, ws.sock)
	}
}

func (b *Bridge[C]) socketOpened(ws *webSocket[C]) {
	if ws.deleted {
		b.stale(handle.KindWebSocket, ws.handle)
		return
	}
	if ws.state != SocketConnecting {
		return
	}
	ws.state = SocketOpen
	if ws.onOpen != nil {
		ws.onOpen(ws.userCtx)
		b.delivered(handle.KindWebSocket)
	}
}

func (b *Bridge[C]) socketMessage(ws *webSocket[C], data []byte) {
	if ws.deleted {
		b.stale(handle.KindWebSocket, ws.handle)
		return
	}
	if ws.state != SocketOpen || ws.onMessage == nil {
		return
	}
	if len(data) == 0 {
		// An empty payload would be indistinguishable from the close sentinel.
		return
	}
	ptr, n, err := b.buf.Materialize(data)
	if err != nil {
		b.logger.Warn("websocket message not delivered",
			zap.Uint32("handle", uint32(ws.handle)),
			zap.Int("size", len(data)),
			zap.Error(err))
		return
	}
	ws.onMessage(ptr, int32(n), ws.userCtx)
	b.delivered(handle.KindWebSocket)
}

func (b *Bridge[C]) socketError(ws *webSocket[C], err error) {
	if ws.deleted {
		b.stale(handle.KindWebSocket, ws.handle)
		return
	}
	b.observer.TransportFailure(handle.KindWebSocket)
	b.logger.Debug("websocket error",
		zap.Uint32("handle", uint32(ws.handle)),
		zap.Error(errors.Transport(errors.PhaseWebSocket, uint32(ws.handle), err)))
	if ws.onError != nil {
		ws.onError(0, ws.userCtx)
		b.delivered(handle.KindWebSocket)
	}
}

func (b *Bridge[C]) socketClosed(ws *webSocket[C]) {
	if ws.state == SocketClosed {
		return
	}
	ws.state = SocketClosed
	if ws.release != nil {
		ws.release()
	}
	if ws.deleted {
		return
	}
	b.sendSocketSentinel(ws)
}

func (b *Bridge[C]) sendSocketSentinel(ws *webSocket[C]) {
	if ws.deleted || ws.closeSent || ws.onMessage == nil {
		return
	}
	ws.closeSent = true
	ws.onMessage(0, 0, ws.userCtx)
	b.delivered(handle.KindWebSocket)
}
