package bridge

import (
	"go.uber.org/zap"

	"github.com/wippyai/wasm-netbridge/dispatch"
	"github.com/wippyai/wasm-netbridge/errors"
	"github.com/wippyai/wasm-netbridge/handle"
	"github.com/wippyai/wasm-netbridge/host"
)

type dataChannel[C any] struct {
	ch        host.Channel
	userCtx   C
	onOpen    dispatch.OpenFunc[C]
	onError   dispatch.ErrorMessageFunc[C]
	onMessage dispatch.MessageFunc[C]
	label     string
	handle    handle.Handle
	peer      handle.Handle
	state     host.ChannelState
	deleted   bool
	closeSent bool
}

// channelEvents forwards host channel events onto the loop.
type channelEvents[C any] struct {
	b  *Bridge[C]
	dc *dataChannel[C]
}

func (e channelEvents[C]) OnOpen() {
	e.b.post(handle.KindDataChannel, func() { e.b.channelOpened(e.dc) })
}

func (e channelEvents[C]) OnMessage(data []byte, text bool) {
	e.b.post(handle.KindDataChannel, func() { e.b.channelMessage(e.dc, data, text) })
}

func (e channelEvents[C]) OnError(err error) {
	e.b.post(handle.KindDataChannel, func() { e.b.channelError(e.dc, err) })
}

func (e channelEvents[C]) OnClose() {
	e.b.post(handle.KindDataChannel, func() { e.b.channelClosed(e.dc) })
}

// CreateDataChannel opens a data channel on a peer connection. It returns 0
// when the peer handle is invalid or the host refuses.
func (b *Bridge[C]) CreateDataChannel(peer handle.Handle, label string) handle.Handle {
	pc, ok := b.peers.Lookup(peer)
	if !ok {
		return 0
	}
	ch, err := pc.pc.CreateDataChannel(label)
	if err != nil {
		b.logger.Debug("data channel refused",
			zap.Uint32("peer", uint32(peer)),
			zap.String("label", label),
			zap.Error(errors.Wrap(errors.PhaseWebRTC, errors.KindTransport, err, "create data channel")))
		return 0
	}
	return b.registerChannel(pc, ch)
}

func (b *Bridge[C]) registerChannel(pc *peerConnection[C], ch host.Channel) handle.Handle {
	dc := &dataChannel[C]{
		ch:    ch,
		label: ch.Label(),
		peer:  pc.handle,
		state: host.ChannelConnecting,
	}
	dc.handle = b.channels.Register(dc)
	pc.channels[dc.handle] = struct{}{}

	// The host replays events that happened before registration; they run
	// after this task, so callbacks the guest registers in the meantime see
	// open, messages and close in host order. The state follows the events
	// rather than ReadyState, which may already be ahead of them.
	ch.SetEvents(channelEvents[C]{b: b, dc: dc})
	return dc.handle
}

// DeleteDataChannel closes the channel and removes the handle. No callback
// fires afterwards.
func (b *Bridge[C]) DeleteDataChannel(h handle.Handle) {
	dc, ok := b.channels.Remove(h)
	if !ok {
		return
	}
	dc.deleted = true
	if pc, ok := b.peers.Lookup(dc.peer); ok {
		delete(pc.channels, h)
	}
	if dc.state != host.ChannelClosed {
		b.closeAsync(handle.KindDataChannel, h, dc.ch)
	}
}

// SetDataChannelOpenCallback registers cb. If the channel is already open,
// cb fires on a later loop turn.
func (b *Bridge[C]) SetDataChannelOpenCallback(h handle.Handle, cb dispatch.OpenFunc[C]) {
	dc, ok := b.channels.Lookup(h)
	if !ok {
		return
	}
	dc.onOpen = cb
	if dc.state == host.ChannelOpen && cb != nil {
		b.loop.Defer(func() {
			if dc.deleted {
				return
			}
			cb(dc.userCtx)
			b.delivered(handle.KindDataChannel)
		})
	}
}

// SetDataChannelErrorCallback registers cb. Errors do not close the channel.
func (b *Bridge[C]) SetDataChannelErrorCallback(h handle.Handle, cb dispatch.ErrorMessageFunc[C]) {
	if dc, ok := b.channels.Lookup(h); ok {
		dc.onError = cb
	}
}

// SetDataChannelMessageCallback registers cb for messages and the close
// sentinel. Binary messages arrive as (ptr, n), text as (ptr, -1) with a
// zero-terminated payload, and close as (0, 0).
func (b *Bridge[C]) SetDataChannelMessageCallback(h handle.Handle, cb dispatch.MessageFunc[C]) {
	dc, ok := b.channels.Lookup(h)
	if !ok {
		return
	}
	dc.onMessage = cb
	if dc.state == host.ChannelClosed && !dc.closeSent && cb != nil {
		b.loop.Defer(func() { b.sendChannelSentinel(dc) })
	}
}

// SendDataChannel sends a message read from guest memory. n >= 0 sends n
// bytes at ptr as binary; n < 0 sends the zero-terminated string at ptr as
// text. It returns 0 when the channel is not open, else the bytes sent
// (text length excludes the terminator).
func (b *Bridge[C]) SendDataChannel(h handle.Handle, ptr uint32, n int32) int32 {
	dc, ok := b.channels.Lookup(h)
	if !ok || dc.ch.ReadyState() != host.ChannelOpen {
		return 0
	}
	if n < 0 {
		s, err := b.buf.BorrowString(ptr)
		if err != nil {
			b.logger.Debug("data channel text not readable", zap.Uint32("handle", uint32(h)), zap.Error(err))
			return 0
		}
		return b.sendChannelText(dc, s)
	}
	data, err := b.buf.Copy(ptr, uint32(n))
	if err != nil {
		b.logger.Debug("data channel payload not readable", zap.Uint32("handle", uint32(h)), zap.Error(err))
		return 0
	}
	return b.sendChannelBinary(dc, data)
}

// SendDataChannelBytes sends data as a binary message.
func (b *Bridge[C]) SendDataChannelBytes(h handle.Handle, data []byte) int32 {
	dc, ok := b.channels.Lookup(h)
	if !ok || dc.ch.ReadyState() != host.ChannelOpen {
		return 0
	}
	return b.sendChannelBinary(dc, append([]byte(nil), data...))
}

// SendDataChannelText sends s as a text message.
func (b *Bridge[C]) SendDataChannelText(h handle.Handle, s string) int32 {
	dc, ok := b.channels.Lookup(h)
	if !ok || dc.ch.ReadyState() != host.ChannelOpen {
		return 0
	}
	return b.sendChannelText(dc, s)
}

func (b *Bridge[C]) sendChannelBinary(dc *dataChannel[C], data []byte) int32 {
	if err := dc.ch.Send(data); err != nil {
		b.logger.Debug("data channel send failed", zap.Uint32("handle", uint32(dc.handle)), zap.Error(err))
		return 0
	}
	return int32(len(data))
}

func (b *Bridge[C]) sendChannelText(dc *dataChannel[C], s string) int32 {
	if err := dc.ch.SendText(s); err != nil {
		b.logger.Debug("data channel send failed", zap.Uint32("handle", uint32(dc.handle)), zap.Error(err))
		return 0
	}
	return int32(len(s))
}

// DataChannelLabel returns the label fixed at creation.
func (b *Bridge[C]) DataChannelLabel(h handle.Handle) (string, bool) {
	dc, ok := b.channels.Lookup(h)
	if !ok {
		return "", false
	}
	return dc.label, true
}

// GetDataChannelLabel writes the label into a guest buffer of capacity
// bytes, truncated and zero terminated, and returns the full encoded label
// length. It returns 0 for an invalid handle.
func (b *Bridge[C]) GetDataChannelLabel(h handle.Handle, out uint32, capacity int32) int32 {
	dc, ok := b.channels.Lookup(h)
	if !ok {
		return 0
	}
	if capacity < 0 {
		capacity = 0
	}
	if _, err := b.buf.WriteString(out, uint32(capacity), dc.label); err != nil {
		b.logger.Debug("label not written", zap.Uint32("handle", uint32(h)), zap.Error(err))
	}
	return int32(len(dc.label))
}

// DataChannelState returns the ready state of a channel as last reported
// to the loop.
func (b *Bridge[C]) DataChannelState(h handle.Handle) (host.ChannelState, bool) {
	dc, ok := b.channels.Lookup(h)
	if !ok {
		return host.ChannelClosed, false
	}
	return dc.state, true
}

func (b *Bridge[C]) channelOpened(dc *dataChannel[C]) {
	if dc.deleted {
		b.stale(handle.KindDataChannel, dc.handle)
		return
	}
	if dc.state != host.ChannelConnecting {
		return
	}
	dc.state = host.ChannelOpen
	if dc.onOpen != nil {
		dc.onOpen(dc.userCtx)
		b.delivered(handle.KindDataChannel)
	}
}

func (b *Bridge[C]) channelMessage(dc *dataChannel[C], data []byte, text bool) {
	if dc.deleted {
		b.stale(handle.KindDataChannel, dc.handle)
		return
	}
	if dc.state == host.ChannelClosed || dc.onMessage == nil {
		return
	}
	var (
		ptr uint32
		n   int32
		err error
	)
	if text {
		ptr, _, err = b.buf.MaterializeString(string(data))
		n = -1
	} else {
		if len(data) == 0 {
			// An empty payload would be indistinguishable from the close sentinel.
			return
		}
		var size uint32
		ptr, size, err = b.buf.Materialize(data)
		n = int32(size)
	}
	if err != nil {
		b.logger.Warn("data channel message not delivered",
			zap.Uint32("handle", uint32(dc.handle)),
			zap.Int("size", len(data)),
			zap.Error(err))
		return
	}
	dc.onMessage(ptr, n, dc.userCtx)
	b.delivered(handle.KindDataChannel)
}

func (b *Bridge[C]) channelError(dc *dataChannel[C], err error) {
	if dc.deleted {
		b.stale(handle.KindDataChannel, dc.handle)
		return
	}
	b.observer.TransportFailure(handle.KindDataChannel)
	b.logger.Debug("data channel error",
		zap.Uint32("handle", uint32(dc.handle)),
		zap.Error(errors.Transport(errors.PhaseWebRTC, uint32(dc.handle), err)))
	if dc.onError == nil {
		return
	}
	msg := "data channel error"
	if err != nil {
		msg = err.Error()
	}
	ptr, _, merr := b.buf.MaterializeString(msg)
	if merr != nil {
		b.logger.Warn("data channel error not delivered", zap.Uint32("handle", uint32(dc.handle)), zap.Error(merr))
		return
	}
	dc.onError(ptr, dc.userCtx)
	b.delivered(handle.KindDataChannel)
}

func (b *Bridge[C]) channelClosed(dc *dataChannel[C]) {
	if dc.state == host.ChannelClosed {
		return
	}
	dc.state = host.ChannelClosed
	if dc.deleted {
		return
	}
	b.sendChannelSentinel(dc)
}

func (b *Bridge[C]) sendChannelSentinel(dc *dataChannel[C]) {
	if dc.deleted || dc.closeSent || dc.onMessage == nil {
		return
	}
	dc.closeSent = true
	dc.onMessage(0, 0, dc.userCtx)
	b.delivered(handle.KindDataChannel)
}
