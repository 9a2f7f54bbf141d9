package host

import "sync"

// ChannelRelay holds channel events until a sink is installed and then
// delivers them in the order they happened. Host channels embed it so
// events fired between channel creation and SetEvents are not lost.
//
// Events are delivered with the relay locked; sinks must not block or call
// back into the relay.
type ChannelRelay struct {
	events  ChannelEvents
	pending []func(ChannelEvents)
	mu      sync.Mutex
	closed  bool
}

// SetEvents installs the sink after replaying every held event to it.
func (r *ChannelRelay) SetEvents(events ChannelEvents) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if events != nil {
		for _, fn := range r.pending {
			fn(events)
		}
	}
	r.pending = nil
	r.events = events
}

// Emit delivers an event to the sink, or holds it until there is one.
func (r *ChannelRelay) Emit(fn func(ChannelEvents)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		if !r.closed {
			r.pending = append(r.pending, fn)
		}
		return
	}
	fn(r.events)
}

// Discard drops held events and stops holding new ones. Channels call it
// when they are closed before anyone installed a sink.
func (r *ChannelRelay) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.closed = true
		r.pending = nil
	}
}

// OnOpen reports the channel open. A relay is itself a ChannelEvents, so
// host callbacks can feed it directly.
func (r *ChannelRelay) OnOpen() { r.Emit(func(e ChannelEvents) { e.OnOpen() }) }

func (r *ChannelRelay) OnMessage(data []byte, text bool) {
	r.Emit(func(e ChannelEvents) { e.OnMessage(data, text) })
}

func (r *ChannelRelay) OnError(err error) { r.Emit(func(e ChannelEvents) { e.OnError(err) }) }

func (r *ChannelRelay) OnClose() { r.Emit(func(e ChannelEvents) { e.OnClose() }) }

var _ ChannelEvents = (*ChannelRelay)(nil)
