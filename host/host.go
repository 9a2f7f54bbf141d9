package host

import (
	"context"
	"net/http"
)

// Request is a snapshot of an HTTP request template.
type Request struct {
	Header http.Header
	Method string
	URL    string
	Body   []byte
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	out := &Request{
		Method: r.Method,
		URL:    r.URL,
		Header: r.Header.Clone(),
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	return out
}

// Response is a complete HTTP response.
type Response struct {
	Header http.Header
	Body   []byte
	Status int
}

// HTTPClient performs one request to completion. Cancelling ctx aborts it.
// Any status code is a successful response; only transport failures are
// errors.
type HTTPClient interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// SocketEvents receives the lifecycle of a message socket. Methods are
// called from host goroutines, in order, never concurrently.
type SocketEvents interface {
	OnOpen()
	OnMessage(data []byte, text bool)
	OnError(err error)
	OnClose()
}

// Socket is an open or connecting message socket.
type Socket interface {
	// Send transmits one binary message. It must not block on the network.
	Send(data []byte) error
	// Close starts a graceful close. OnClose follows.
	Close() error
}

// SocketDialer starts message socket connections.
type SocketDialer interface {
	// Dial validates url and starts connecting in the background. An error
	// means the URL was refused; connection failures arrive on events.
	Dial(url string, events SocketEvents) (Socket, error)
}

// Description is a session description.
type Description struct {
	SDP  string
	Type string
}

// Candidate is an ICE candidate with its media stream id.
type Candidate struct {
	Candidate string
	Mid       string
}

// PeerEvents receives peer connection notifications from host goroutines.
type PeerEvents interface {
	OnNegotiationNeeded()
	// OnICECandidate reports a local candidate. nil marks end of gathering.
	OnICECandidate(c *Candidate)
	OnDataChannel(ch Channel)
}

// Peer is a host peer connection. Blocking methods may be called from any
// goroutine but the bridge never calls two of them concurrently for one peer.
type Peer interface {
	CreateOffer() (Description, error)
	CreateAnswer() (Description, error)
	SetLocalDescription(d Description) error
	LocalDescription() (Description, bool)
	SetRemoteDescription(d Description) error
	AddICECandidate(c Candidate) error
	CreateDataChannel(label string) (Channel, error)
	Close() error
}

// PeerFactory creates peer connections.
type PeerFactory interface {
	NewPeerConnection(iceServers []string, events PeerEvents) (Peer, error)
}

// ChannelState is the ready state of a data channel.
type ChannelState int

const (
	ChannelConnecting ChannelState = iota
	ChannelOpen
	ChannelClosing
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelEvents receives data channel notifications from host goroutines.
type ChannelEvents interface {
	OnOpen()
	OnMessage(data []byte, text bool)
	OnError(err error)
	OnClose()
}

// Channel is a host data channel.
type Channel interface {
	Label() string
	ReadyState() ChannelState
	// SetEvents installs the event sink. Events that happened before it was
	// installed are replayed to it first, in order (see ChannelRelay).
	SetEvents(events ChannelEvents)
	Send(data []byte) error
	SendText(s string) error
	Close() error
}

// Capabilities groups the transports a host provides. A nil member means
// the capability is absent.
type Capabilities struct {
	HTTP      HTTPClient
	WebSocket SocketDialer
	WebRTC    PeerFactory
}
