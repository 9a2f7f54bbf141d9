// Package hosttest provides scriptable host capabilities for tests.
//
// Fakes never produce events on their own. Tests drive them explicitly
// (Open, Receive, NegotiationNeeded...) and each call is forwarded to the
// events sink the bridge installed, from the calling goroutine.
package hosttest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wippyai/wasm-netbridge/host"
)

// ErrClosed is returned by sends on a closed fake.
var ErrClosed = errors.New("hosttest: closed")

// Gate blocks fake operations until released.
type Gate struct {
	ch   chan struct{}
	once sync.Once
}

// NewGate creates a closed gate.
func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// Release unblocks every current and future waiter.
func (g *Gate) Release() {
	g.once.Do(func() { close(g.ch) })
}

// Wait blocks until the gate is released or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	if g == nil {
		return nil
	}
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HTTPClient records requests and answers them with Handler.
type HTTPClient struct {
	Handler  func(ctx context.Context, req *host.Request) (*host.Response, error)
	requests []*host.Request
	mu       sync.Mutex
}

func (c *HTTPClient) Do(ctx context.Context, req *host.Request) (*host.Response, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	handler := c.Handler
	c.mu.Unlock()

	if handler == nil {
		return &host.Response{Status: 200}, nil
	}
	return handler(ctx, req)
}

// Requests returns the requests seen so far.
func (c *HTTPClient) Requests() []*host.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*host.Request(nil), c.requests...)
}

// Dialer creates fake sockets.
type Dialer struct {
	// Refuse, when set, rejects URLs for which it returns an error.
	Refuse  func(url string) error
	sockets []*Socket
	mu      sync.Mutex
}

func (d *Dialer) Dial(url string, events host.SocketEvents) (host.Socket, error) {
	if d.Refuse != nil {
		if err := d.Refuse(url); err != nil {
			return nil, err
		}
	}
	s := &Socket{URL: url, events: events}
	d.mu.Lock()
	d.sockets = append(d.sockets, s)
	d.mu.Unlock()
	return s, nil
}

// Sockets returns every socket dialed so far.
func (d *Dialer) Sockets() []*Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Socket(nil), d.sockets...)
}

// Last returns the most recently dialed socket.
func (d *Dialer) Last() *Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

// Socket is a fake message socket.
type Socket struct {
	events  host.SocketEvents
	SendErr error
	URL     string
	sent    [][]byte
	mu      sync.Mutex
	closed  bool
}

func (s *Socket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, data)
	return nil
}

// Close marks the socket closed and reports OnClose once.
func (s *Socket) Close() error {
	s.Hangup()
	return nil
}

// Open reports the connection as established.
func (s *Socket) Open() { s.events.OnOpen() }

// Receive delivers an inbound binary message.
func (s *Socket) Receive(data []byte) { s.events.OnMessage(data, false) }

// Fail reports a transport error.
func (s *Socket) Fail(err error) { s.events.OnError(err) }

// Hangup closes the socket from the remote side. OnClose fires once.
func (s *Socket) Hangup() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.events.OnClose()
}

// Sent returns the messages sent so far.
func (s *Socket) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

// Closed reports whether the socket was closed.
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// PeerFactory creates fake peers.
type PeerFactory struct {
	// Refuse, when set, fails every NewPeerConnection call.
	Refuse error
	peers  []*Peer
	mu     sync.Mutex
}

func (f *PeerFactory) NewPeerConnection(iceServers []string, events host.PeerEvents) (host.Peer, error) {
	if f.Refuse != nil {
		return nil, f.Refuse
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &Peer{
		ICEServers: append([]string(nil), iceServers...),
		events:     events,
		id:         len(f.peers) + 1,
	}
	f.peers = append(f.peers, p)
	return p, nil
}

// Peers returns every peer created so far.
func (f *PeerFactory) Peers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.peers...)
}

// Last returns the most recently created peer.
func (f *PeerFactory) Last() *Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

// Peer is a fake peer connection producing synthetic SDP.
type Peer struct {
	events host.PeerEvents
	// OfferGate, when set, blocks CreateOffer until released.
	OfferGate *Gate
	// RemoteErr fails SetRemoteDescription.
	RemoteErr error
	// CandidateErr fails AddICECandidate.
	CandidateErr error

	local      *host.Description
	remote     *host.Description
	ICEServers []string
	candidates []host.Candidate
	channels   []*Channel
	id         int
	offers     int
	answers    int
	mu         sync.Mutex
	closed     bool
}

func (p *Peer) CreateOffer() (host.Description, error) {
	if err := p.OfferGate.Wait(context.Background()); err != nil {
		return host.Description{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return host.Description{}, ErrClosed
	}
	p.offers++
	return host.Description{
		SDP:  fmt.Sprintf("v=0\r\no=peer%d %d IN IP4 127.0.0.1\r\ns=offer\r\n", p.id, p.offers),
		Type: "offer",
	}, nil
}

func (p *Peer) CreateAnswer() (host.Description, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return host.Description{}, ErrClosed
	}
	if p.remote == nil || p.remote.Type != "offer" {
		return host.Description{}, errors.New("hosttest: no remote offer")
	}
	p.answers++
	return host.Description{
		SDP:  fmt.Sprintf("v=0\r\no=peer%d %d IN IP4 127.0.0.1\r\ns=answer\r\n", p.id, p.answers),
		Type: "answer",
	}, nil
}

func (p *Peer) SetLocalDescription(d host.Description) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.local = &d
	return nil
}

func (p *Peer) LocalDescription() (host.Description, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.local == nil {
		return host.Description{}, false
	}
	return *p.local, true
}

func (p *Peer) SetRemoteDescription(d host.Description) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.RemoteErr != nil {
		return p.RemoteErr
	}
	switch d.Type {
	case "offer", "answer", "pranswer", "rollback":
	default:
		return fmt.Errorf("hosttest: invalid description type %q", d.Type)
	}
	p.remote = &d
	return nil
}

func (p *Peer) AddICECandidate(c host.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CandidateErr != nil {
		return p.CandidateErr
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *Peer) CreateDataChannel(label string) (host.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	ch := NewChannel(label)
	p.channels = append(p.channels, ch)
	return ch, nil
}

func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// NegotiationNeeded fires the negotiation-needed event.
func (p *Peer) NegotiationNeeded() { p.events.OnNegotiationNeeded() }

// Candidate reports a local candidate; nil ends gathering.
func (p *Peer) Candidate(c *host.Candidate) { p.events.OnICECandidate(c) }

// RemoteChannel simulates a channel opened by the remote peer.
func (p *Peer) RemoteChannel(label string) *Channel {
	ch := NewChannel(label)
	p.events.OnDataChannel(ch)
	return ch
}

// Remote returns the last remote description applied.
func (p *Peer) Remote() (host.Description, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return host.Description{}, false
	}
	return *p.remote, true
}

// Candidates returns the remote candidates added so far.
func (p *Peer) Candidates() []host.Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]host.Candidate(nil), p.candidates...)
}

// Channels returns the locally created channels.
func (p *Peer) Channels() []*Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Channel(nil), p.channels...)
}

// Offers returns how many offers were created.
func (p *Peer) Offers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

// Closed reports whether the peer was closed.
func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Message is a message sent on a fake channel.
type Message struct {
	Data []byte
	Text bool
}

// Channel is a fake data channel.
type Channel struct {
	relay host.ChannelRelay
	label string
	sent  []Message
	state host.ChannelState
	mu    sync.Mutex
}

// NewChannel creates a connecting channel.
func NewChannel(label string) *Channel {
	return &Channel{label: label, state: host.ChannelConnecting}
}

func (c *Channel) Label() string { return c.label }

func (c *Channel) ReadyState() host.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetEvents installs events, replaying what happened before.
func (c *Channel) SetEvents(events host.ChannelEvents) {
	c.relay.SetEvents(events)
}

func (c *Channel) Send(data []byte) error {
	return c.record(Message{Data: data})
}

func (c *Channel) SendText(s string) error {
	return c.record(Message{Data: []byte(s), Text: true})
}

func (c *Channel) record(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != host.ChannelOpen {
		return ErrClosed
	}
	c.sent = append(c.sent, m)
	return nil
}

// Close closes the channel and reports OnClose once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == host.ChannelClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = host.ChannelClosed
	c.mu.Unlock()
	c.relay.OnClose()
	return nil
}

// Open moves the channel to open and reports it.
func (c *Channel) Open() {
	c.mu.Lock()
	c.state = host.ChannelOpen
	c.mu.Unlock()
	c.relay.OnOpen()
}

// Receive delivers an inbound message.
func (c *Channel) Receive(data []byte, text bool) {
	c.relay.OnMessage(data, text)
}

// Fail reports a channel error.
func (c *Channel) Fail(err error) {
	c.relay.OnError(err)
}

// Sent returns the messages sent so far.
func (c *Channel) Sent() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent...)
}

var (
	_ host.HTTPClient   = (*HTTPClient)(nil)
	_ host.SocketDialer = (*Dialer)(nil)
	_ host.Socket       = (*Socket)(nil)
	_ host.PeerFactory  = (*PeerFactory)(nil)
	_ host.Peer         = (*Peer)(nil)
	_ host.Channel      = (*Channel)(nil)
)
