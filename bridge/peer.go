package bridge

import (
	"go.uber.org/zap"

	"github.com/wippyai/wasm-netbridge/dispatch"
	"github.com/wippyai/wasm-netbridge/errors"
	"github.com/wippyai/wasm-netbridge/eventloop"
	"github.com/wippyai/wasm-netbridge/handle"
	"github.com/wippyai/wasm-netbridge/host"
)

// Role is the part a connection plays in offer/answer negotiation.
type Role int

const (
	RoleNone Role = iota
	RoleOfferer
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return "unknown"
	}
}

// NegotiationState tracks whether an offer/answer exchange is in progress.
type NegotiationState int

const (
	StateNew NegotiationState = iota
	StateNegotiating
	StateStable
)

func (s NegotiationState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateStable:
		return "stable"
	default:
		return "unknown"
	}
}

const (
	sdpOffer    = "offer"
	sdpAnswer   = "answer"
	sdpPranswer = "pranswer"
	sdpRollback = "rollback"
)

type peerConnection[C any] struct {
	pc               host.Peer
	userCtx          C
	chain            *eventloop.Chain
	onDescription    dispatch.DescriptionFunc[C]
	onCandidate      dispatch.CandidateFunc[C]
	onDataChannel    dispatch.DataChannelFunc[C]
	onSignalingError dispatch.ErrorMessageFunc[C]
	channels         map[handle.Handle]struct{}
	release          func()
	handle           handle.Handle
	role             Role
	state            NegotiationState
	renegotiate      bool
	deleted          bool
}

// peerEvents forwards host peer events onto the loop.
type peerEvents[C any] struct {
	b  *Bridge[C]
	pc *peerConnection[C]
}

func (e peerEvents[C]) OnNegotiationNeeded() {
	e.b.post(handle.KindPeerConnection, func() { e.b.negotiationNeeded(e.pc) })
}

func (e peerEvents[C]) OnICECandidate(c *host.Candidate) {
	e.b.post(handle.KindPeerConnection, func() { e.b.localCandidate(e.pc, c) })
}

func (e peerEvents[C]) OnDataChannel(ch host.Channel) {
	e.b.post(handle.KindPeerConnection, func() { e.b.inboundChannel(e.pc, ch) })
}

// CreatePeerConnection creates a peer connection using the given ICE server
// URLs. It returns 0 when the host has no WebRTC capability or refuses the
// configuration.
func (b *Bridge[C]) CreatePeerConnection(iceServers []string) handle.Handle {
	if b.caps.WebRTC == nil || b.closed {
		return 0
	}
	if len(iceServers) == 0 {
		iceServers = b.iceServers
	}
	rec := &peerConnection[C]{
		chain:    eventloop.NewChain(),
		channels: make(map[handle.Handle]struct{}),
	}
	pc, err := b.caps.WebRTC.NewPeerConnection(iceServers, peerEvents[C]{b: b, pc: rec})
	if err != nil {
		b.logger.Debug("peer connection refused",
			zap.Strings("ice_servers", iceServers),
			zap.Error(errors.Wrap(errors.PhaseWebRTC, errors.KindInvalidInput, err, "create peer connection")))
		return 0
	}
	rec.pc = pc
	rec.release = b.loop.Hold()
	rec.handle = b.peers.Register(rec)
	return rec.handle
}

// DeletePeerConnection removes the handle and closes the host connection.
// Results of negotiation steps still in flight are dropped. Data channel
// handles created on the connection stay valid until deleted.
func (b *Bridge[C]) DeletePeerConnection(h handle.Handle) {
	pc, ok := b.peers.Remove(h)
	if !ok {
		return
	}
	pc.deleted = true
	pc.chain.Close()
	pc.release()
	b.closeAsync(handle.KindPeerConnection, h, pc.pc)
}

// SetLocalDescriptionCallback registers cb for local offers and answers.
func (b *Bridge[C]) SetLocalDescriptionCallback(h handle.Handle, cb dispatch.DescriptionFunc[C]) {
	if pc, ok := b.peers.Lookup(h); ok {
		pc.onDescription = cb
	}
}

// SetLocalCandidateCallback registers cb for local ICE candidates.
func (b *Bridge[C]) SetLocalCandidateCallback(h handle.Handle, cb dispatch.CandidateFunc[C]) {
	if pc, ok := b.peers.Lookup(h); ok {
		pc.onCandidate = cb
	}
}

// SetDataChannelCallback registers cb for channels opened by the remote
// peer. While no callback is set, inbound channels are closed.
func (b *Bridge[C]) SetDataChannelCallback(h handle.Handle, cb dispatch.DataChannelFunc[C]) {
	if pc, ok := b.peers.Lookup(h); ok {
		pc.onDataChannel = cb
	}
}

// SetSignalingErrorCallback registers cb for failures of remote
// descriptions and candidates, and of local negotiation steps. Without it
// such failures are only logged.
func (b *Bridge[C]) SetSignalingErrorCallback(h handle.Handle, cb dispatch.ErrorMessageFunc[C]) {
	if pc, ok := b.peers.Lookup(h); ok {
		pc.onSignalingError = cb
	}
}

// SetRemoteDescription applies a description received from the remote
// peer. A remote offer makes this connection the answerer and produces a
// local answer through the description callback.
func (b *Bridge[C]) SetRemoteDescription(h handle.Handle, sdp, typ string) {
	pc, ok := b.peers.Lookup(h)
	if !ok {
		return
	}
	desc := host.Description{SDP: sdp, Type: typ}
	if typ == sdpOffer {
		pc.role = RoleAnswerer
		pc.state = StateNegotiating
	}

	pc.chain.Enqueue(func(next func()) {
		started := eventloop.Go(b.loop, func() (host.Description, error) {
			if err := pc.pc.SetRemoteDescription(desc); err != nil {
				return host.Description{}, err
			}
			if typ != sdpOffer {
				return host.Description{}, nil
			}
			return createLocal(pc.pc, pc.pc.CreateAnswer)
		}, func(answer host.Description, err error) {
			defer next()
			if pc.deleted {
				b.stale(handle.KindPeerConnection, h)
				return
			}
			if err != nil {
				b.signalingFailure(pc, "set remote "+typ, err)
				b.settle(pc)
				return
			}
			switch typ {
			case sdpOffer:
				b.settle(pc)
				b.fireDescription(pc, answer)
			case sdpAnswer, sdpRollback:
				b.settle(pc)
			case sdpPranswer:
			}
		})
		if !started {
			next()
		}
	})
}

// AddRemoteCandidate forwards a candidate received from the remote peer.
func (b *Bridge[C]) AddRemoteCandidate(h handle.Handle, candidate, mid string) {
	pc, ok := b.peers.Lookup(h)
	if !ok {
		return
	}
	c := host.Candidate{Candidate: candidate, Mid: mid}
	pc.chain.Enqueue(func(next func()) {
		started := eventloop.Go(b.loop, func() (struct{}, error) {
			return struct{}{}, pc.pc.AddICECandidate(c)
		}, func(_ struct{}, err error) {
			defer next()
			if pc.deleted {
				b.stale(handle.KindPeerConnection, h)
				return
			}
			if err != nil {
				b.signalingFailure(pc, "add remote candidate", err)
			}
		})
		if !started {
			next()
		}
	})
}

// PeerState returns the negotiation role and state of a connection.
func (b *Bridge[C]) PeerState(h handle.Handle) (Role, NegotiationState, bool) {
	pc, ok := b.peers.Lookup(h)
	if !ok {
		return RoleNone, StateNew, false
	}
	return pc.role, pc.state, true
}

func (b *Bridge[C]) negotiationNeeded(pc *peerConnection[C]) {
	if pc.deleted {
		b.stale(handle.KindPeerConnection, pc.handle)
		return
	}
	if pc.state == StateNegotiating {
		pc.renegotiate = true
		return
	}
	b.negotiate(pc)
}

// negotiate creates and applies a local offer.
func (b *Bridge[C]) negotiate(pc *peerConnection[C]) {
	if pc.role == RoleNone {
		pc.role = RoleOfferer
	}
	pc.state = StateNegotiating
	h := pc.handle

	pc.chain.Enqueue(func(next func()) {
		started := eventloop.Go(b.loop, func() (host.Description, error) {
			return createLocal(pc.pc, pc.pc.CreateOffer)
		}, func(offer host.Description, err error) {
			defer next()
			if pc.deleted {
				b.stale(handle.KindPeerConnection, h)
				return
			}
			if err != nil {
				b.signalingFailure(pc, "create offer", err)
				b.settle(pc)
				return
			}
			b.settle(pc)
			b.fireDescription(pc, offer)
		})
		if !started {
			next()
		}
	})
}

// settle marks the connection stable and replays a negotiation request
// that arrived while it was negotiating.
func (b *Bridge[C]) settle(pc *peerConnection[C]) {
	pc.state = StateStable
	if pc.renegotiate {
		pc.renegotiate = false
		b.negotiate(pc)
	}
}

// createLocal runs on a host goroutine: it creates a description, applies it
// locally and returns what the host reports as the local description.
func createLocal(pc host.Peer, create func() (host.Description, error)) (host.Description, error) {
	desc, err := create()
	if err != nil {
		return host.Description{}, err
	}
	if err := pc.SetLocalDescription(desc); err != nil {
		return host.Description{}, err
	}
	if local, ok := pc.LocalDescription(); ok {
		return local, nil
	}
	return desc, nil
}

func (b *Bridge[C]) fireDescription(pc *peerConnection[C], desc host.Description) {
	if pc.onDescription == nil {
		return
	}
	sdp, typ, ok := b.materializePair(pc.handle, desc.SDP, desc.Type)
	if !ok {
		return
	}
	pc.onDescription(sdp, typ, pc.userCtx)
	b.delivered(handle.KindPeerConnection)
}

func (b *Bridge[C]) localCandidate(pc *peerConnection[C], c *host.Candidate) {
	if pc.deleted {
		b.stale(handle.KindPeerConnection, pc.handle)
		return
	}
	if pc.onCandidate == nil {
		return
	}
	var cand, mid string
	if c != nil {
		cand, mid = c.Candidate, c.Mid
	}
	p1, p2, ok := b.materializePair(pc.handle, cand, mid)
	if !ok {
		return
	}
	pc.onCandidate(p1, p2, pc.userCtx)
	b.delivered(handle.KindPeerConnection)
}

func (b *Bridge[C]) inboundChannel(pc *peerConnection[C], ch host.Channel) {
	if pc.deleted || pc.onDataChannel == nil {
		b.logger.Debug("inbound data channel closed",
			zap.Uint32("peer", uint32(pc.handle)),
			zap.String("label", ch.Label()),
			zap.Bool("deleted", pc.deleted))
		b.closeAsync(handle.KindDataChannel, 0, ch)
		return
	}
	h := b.registerChannel(pc, ch)
	pc.onDataChannel(h, pc.userCtx)
	b.delivered(handle.KindPeerConnection)
}

func (b *Bridge[C]) signalingFailure(pc *peerConnection[C], op string, err error) {
	b.observer.TransportFailure(handle.KindPeerConnection)
	b.logger.Warn("signaling failed",
		zap.Uint32("peer", uint32(pc.handle)),
		zap.String("op", op),
		zap.Error(errors.Transport(errors.PhaseWebRTC, uint32(pc.handle), err)))
	if pc.onSignalingError == nil {
		return
	}
	ptr, _, merr := b.buf.MaterializeString(op + ": " + err.Error())
	if merr != nil {
		b.logger.Warn("signaling error not delivered", zap.Uint32("peer", uint32(pc.handle)), zap.Error(merr))
		return
	}
	pc.onSignalingError(ptr, pc.userCtx)
	b.delivered(handle.KindPeerConnection)
}

// materializePair allocates two strings for one callback. If the second
// allocation fails the first block is still bridge-owned and is released.
func (b *Bridge[C]) materializePair(h handle.Handle, s1, s2 string) (uint32, uint32, bool) {
	p1, n1, err := b.buf.MaterializeString(s1)
	if err != nil {
		b.logger.Warn("callback payload not delivered", zap.Uint32("handle", uint32(h)), zap.Error(err))
		return 0, 0, false
	}
	p2, _, err := b.buf.MaterializeString(s2)
	if err != nil {
		b.buf.Release(p1, n1+1)
		b.logger.Warn("callback payload not delivered", zap.Uint32("handle", uint32(h)), zap.Error(err))
		return 0, 0, false
	}
	return p1, p2, true
}
