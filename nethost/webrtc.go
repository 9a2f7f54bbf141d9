package nethost

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-netbridge/host"
)

// PeerFactory creates pion peer connections.
type PeerFactory struct {
	api    *webrtc.API
	logger *zap.Logger
}

// PeerOption configures a PeerFactory.
type PeerOption func(*peerOptions)

type peerOptions struct {
	logger  *zap.Logger
	setting func(*webrtc.SettingEngine)
}

// WithPeerLogger routes pion's logging into l.
func WithPeerLogger(l *zap.Logger) PeerOption {
	return func(o *peerOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSettingEngine lets the caller adjust pion's SettingEngine, for
// example to restrict network types.
func WithSettingEngine(fn func(*webrtc.SettingEngine)) PeerOption {
	return func(o *peerOptions) {
		o.setting = fn
	}
}

// NewPeerFactory creates a factory with its own pion API.
func NewPeerFactory(opts ...PeerOption) *PeerFactory {
	o := peerOptions{logger: Logger()}
	for _, opt := range opts {
		opt(&o)
	}

	se := webrtc.SettingEngine{
		LoggerFactory: NewPionLoggerFactory(o.logger.Named("pion")),
	}
	if o.setting != nil {
		o.setting(&se)
	}
	return &PeerFactory{
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		logger: o.logger,
	}
}

// NewPeerConnection creates a connection using the given STUN/TURN URLs.
func (f *PeerFactory) NewPeerConnection(iceServers []string, events host.PeerEvents) (host.Peer, error) {
	var cfg webrtc.Configuration
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: append([]string(nil), iceServers...)}}
	}
	pc, err := f.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}

	pc.OnNegotiationNeeded(events.OnNegotiationNeeded)
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			events.OnICECandidate(nil)
			return
		}
		init := c.ToJSON()
		cand := host.Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.Mid = *init.SDPMid
		}
		events.OnICECandidate(&cand)
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		events.OnDataChannel(newChannel(dc))
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		f.logger.Debug("peer connection state", zap.Stringer("state", s))
	})
	return &peer{pc: pc}, nil
}

type peer struct {
	pc *webrtc.PeerConnection
}

func (p *peer) CreateOffer() (host.Description, error) {
	d, err := p.pc.CreateOffer(nil)
	if err != nil {
		return host.Description{}, err
	}
	return fromSession(d), nil
}

func (p *peer) CreateAnswer() (host.Description, error) {
	d, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return host.Description{}, err
	}
	return fromSession(d), nil
}

func (p *peer) SetLocalDescription(d host.Description) error {
	sd, err := toSession(d)
	if err != nil {
		return err
	}
	return p.pc.SetLocalDescription(sd)
}

func (p *peer) LocalDescription() (host.Description, bool) {
	d := p.pc.LocalDescription()
	if d == nil {
		return host.Description{}, false
	}
	return fromSession(*d), true
}

func (p *peer) SetRemoteDescription(d host.Description) error {
	sd, err := toSession(d)
	if err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(sd)
}

func (p *peer) AddICECandidate(c host.Candidate) error {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate}
	if c.Mid != "" {
		mid := c.Mid
		init.SDPMid = &mid
	}
	return p.pc.AddICECandidate(init)
}

func (p *peer) CreateDataChannel(label string) (host.Channel, error) {
	dc, err := p.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return newChannel(dc), nil
}

func (p *peer) Close() error {
	return p.pc.Close()
}

func fromSession(d webrtc.SessionDescription) host.Description {
	return host.Description{SDP: d.SDP, Type: d.Type.String()}
}

func toSession(d host.Description) (webrtc.SessionDescription, error) {
	typ := webrtc.NewSDPType(d.Type)
	if typ == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, fmt.Errorf("invalid description type %q", d.Type)
	}
	return webrtc.SessionDescription{Type: typ, SDP: d.SDP}, nil
}

// channel adapts a pion data channel. pion may fire events before the
// bridge installs its sink, for an inbound channel in particular; the relay
// holds them until SetEvents.
type channel struct {
	dc    *webrtc.DataChannel
	relay host.ChannelRelay
}

func newChannel(dc *webrtc.DataChannel) *channel {
	c := &channel{dc: dc}
	dc.OnOpen(c.relay.OnOpen)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.relay.OnMessage(msg.Data, msg.IsString)
	})
	dc.OnError(c.relay.OnError)
	dc.OnClose(c.relay.OnClose)
	return c
}

func (c *channel) Label() string { return c.dc.Label() }

func (c *channel) ReadyState() host.ChannelState {
	switch c.dc.ReadyState() {
	case webrtc.DataChannelStateOpen:
		return host.ChannelOpen
	case webrtc.DataChannelStateClosing:
		return host.ChannelClosing
	case webrtc.DataChannelStateClosed:
		return host.ChannelClosed
	default:
		return host.ChannelConnecting
	}
}

func (c *channel) SetEvents(events host.ChannelEvents) {
	c.relay.SetEvents(events)
}

func (c *channel) Send(data []byte) error { return c.dc.Send(data) }

func (c *channel) SendText(s string) error { return c.dc.SendText(s) }

func (c *channel) Close() error {
	c.relay.Discard()
	return c.dc.Close()
}

var (
	_ host.PeerFactory = (*PeerFactory)(nil)
	_ host.Peer        = (*peer)(nil)
	_ host.Channel     = (*channel)(nil)
)
