package bridge

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-netbridge/buffer"
	"github.com/wippyai/wasm-netbridge/eventloop"
	"github.com/wippyai/wasm-netbridge/handle"
	"github.com/wippyai/wasm-netbridge/host"
)

// EventObserver receives bridge-level events that never reach the guest.
// Implementations must be cheap; they run on the loop.
type EventObserver interface {
	StaleCompletion(kind handle.Kind)
	TransportFailure(kind handle.Kind)
	CallbackDelivered(kind handle.Kind)
}

type nopObserver struct{}

func (nopObserver) StaleCompletion(handle.Kind)   {}
func (nopObserver) TransportFailure(handle.Kind)  {}
func (nopObserver) CallbackDelivered(handle.Kind) {}

type options struct {
	ctx        context.Context
	logger     *zap.Logger
	observer   EventObserver
	iceServers []string
}

// Option configures a Bridge.
type Option func(*options)

// WithLogger sets the bridge logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver sets the observer for stale completions, transport failures
// and delivered callbacks.
func WithObserver(obs EventObserver) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithContext sets the parent context of every host operation. Cancelling
// it aborts in-flight HTTP requests.
func WithContext(ctx context.Context) Option {
	return func(o *options) {
		if ctx != nil {
			o.ctx = ctx
		}
	}
}

// WithDefaultICEServers sets the ICE servers used when a peer connection is
// created with an empty list.
func WithDefaultICEServers(urls []string) Option {
	return func(o *options) {
		o.iceServers = append([]string(nil), urls...)
	}
}

// Bridge owns the handle tables of one guest and adapts its procedural calls
// to host transports.
//
// Every method must be called on the loop goroutine. C is the user context
// type threaded unchanged through callbacks; a wasm guest uses uint32.
type Bridge[C any] struct {
	ctx      context.Context
	cancel   context.CancelFunc
	loop     *eventloop.Loop
	buf      *buffer.Bridge
	caps     host.Capabilities
	logger   *zap.Logger
	observer EventObserver

	counter  *handle.Counter
	requests *handle.Table[*httpRequest[C]]
	sockets  *handle.Table[*webSocket[C]]
	peers    *handle.Table[*peerConnection[C]]
	channels *handle.Table[*dataChannel[C]]

	iceServers []string
	closed     bool
}

// New creates a bridge with its own handle counter and tables.
func New[C any](loop *eventloop.Loop, buf *buffer.Bridge, caps host.Capabilities, opts ...Option) *Bridge[C] {
	o := options{
		ctx:      context.Background(),
		logger:   Logger(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(o.ctx)
	c := handle.NewCounter()
	return &Bridge[C]{
		ctx:        ctx,
		cancel:     cancel,
		loop:       loop,
		buf:        buf,
		caps:       caps,
		logger:     o.logger,
		observer:   o.observer,
		counter:    c,
		requests:   handle.NewTable[*httpRequest[C]](handle.KindHTTPRequest, c),
		sockets:    handle.NewTable[*webSocket[C]](handle.KindWebSocket, c),
		peers:      handle.NewTable[*peerConnection[C]](handle.KindPeerConnection, c),
		channels:   handle.NewTable[*dataChannel[C]](handle.KindDataChannel, c),
		iceServers: o.iceServers,
	}
}

// Subscribe registers a handle lifecycle observer on every table and
// returns a function that removes it again.
func (b *Bridge[C]) Subscribe(o handle.Observer) (cancel func()) {
	cancels := []func(){
		b.requests.Subscribe(o),
		b.sockets.Subscribe(o),
		b.peers.Subscribe(o),
		b.channels.Subscribe(o),
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

// SetUserContext sets the user context of a peer connection or data
// channel. The id is resolved against the peer table first; ids are unique
// across both tables so at most one object matches.
func (b *Bridge[C]) SetUserContext(id handle.Handle, ctx C) {
	if pc, ok := b.peers.Lookup(id); ok {
		pc.userCtx = ctx
		return
	}
	if dc, ok := b.channels.Lookup(id); ok {
		dc.userCtx = ctx
	}
}

// Stats is a snapshot of live bridge objects.
type Stats struct {
	Requests    int
	Sockets     int
	Peers       int
	Channels    int
	Fetches     int
	LastHandle  handle.Handle
	PendingOps  int
	Negotiating int
}

// Stats returns counts of live objects.
func (b *Bridge[C]) Stats() Stats {
	s := Stats{
		Requests:   b.requests.Len(),
		Sockets:    b.sockets.Len(),
		Peers:      b.peers.Len(),
		Channels:   b.channels.Len(),
		LastHandle: b.counter.Last(),
	}
	b.requests.Each(func(_ handle.Handle, r *httpRequest[C]) bool {
		s.Fetches += len(r.inflight)
		return true
	})
	b.peers.Each(func(_ handle.Handle, pc *peerConnection[C]) bool {
		s.PendingOps += pc.chain.Len()
		if pc.state == StateNegotiating {
			s.Negotiating++
		}
		return true
	})
	return s
}

// Close deletes every live object and cancels host operations. No callback
// fires afterwards.
func (b *Bridge[C]) Close() {
	if b.closed {
		return
	}
	b.closed = true
	for _, h := range b.requests.Handles() {
		b.DeleteHTTPRequest(h)
	}
	for _, h := range b.sockets.Handles() {
		b.DeleteWebSocket(h)
	}
	for _, h := range b.channels.Handles() {
		b.DeleteDataChannel(h)
	}
	for _, h := range b.peers.Handles() {
		b.DeletePeerConnection(h)
	}
	b.cancel()
}

// post runs fn on the loop. Events arriving after the loop closed are
// dropped.
func (b *Bridge[C]) post(kind handle.Kind, fn func()) {
	if err := b.loop.Submit(fn); err != nil {
		b.logger.Debug("host event dropped", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (b *Bridge[C]) stale(kind handle.Kind, h handle.Handle) {
	b.observer.StaleCompletion(kind)
	b.logger.Debug("stale completion dropped",
		zap.String("kind", string(kind)),
		zap.Uint32("handle", uint32(h)))
}

func (b *Bridge[C]) delivered(kind handle.Kind) {
	b.observer.CallbackDelivered(kind)
}

// closeAsync tears down a host resource off the loop.
func (b *Bridge[C]) closeAsync(kind handle.Kind, h handle.Handle, closer interface{ Close() error }) {
	if closer == nil {
		return
	}
	logger := b.logger
	go func() {
		if err := closer.Close(); err != nil {
			logger.Debug("host close failed",
				zap.String("kind", string(kind)),
				zap.Uint32("handle", uint32(h)),
				zap.Error(err))
		}
	}()
}
