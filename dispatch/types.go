package dispatch

import "github.com/wippyai/wasm-netbridge/handle"

// Signature is an emscripten dynCall signature: a void return followed by
// one i32 per parameter.
type Signature string

const (
	SigVI    Signature = "vi"
	SigVII   Signature = "vii"
	SigVIII  Signature = "viii"
	SigVIIII Signature = "viiii"
)

// Arity returns the number of i32 parameters of the callback.
func (s Signature) Arity() int {
	if len(s) == 0 {
		return 0
	}
	return len(s) - 1
}

// ExportName returns the guest export that invokes callbacks of this shape.
func (s Signature) ExportName() string {
	return "dynCall_" + string(s)
}

// Signatures lists every signature the bridge invokes.
var Signatures = []Signature{SigVI, SigVII, SigVIII, SigVIIII}

// Callback shapes. Each closure carries its own target; C is the user
// context registered on the object and is passed back unchanged.
type (
	// OpenFunc reports that a socket or data channel opened.
	OpenFunc[C any] func(ctx C)

	// ErrorFunc reports a transport failure. code is always 0.
	ErrorFunc[C any] func(code int32, ctx C)

	// ResponseFunc delivers a complete HTTP response. The body block is
	// owned by the callee; ptr is 0 when the body is empty.
	ResponseFunc[C any] func(status int32, ptr uint32, n int32, ctx C)

	// MessageFunc delivers an inbound message. n >= 0 is a binary payload,
	// n == -1 a zero-terminated text payload and (0, 0) the close sentinel.
	MessageFunc[C any] func(ptr uint32, n int32, ctx C)

	// ErrorMessageFunc delivers an owned zero-terminated error message.
	ErrorMessageFunc[C any] func(msg uint32, ctx C)

	// DescriptionFunc delivers a local SDP and its type, both owned strings.
	DescriptionFunc[C any] func(sdp, typ uint32, ctx C)

	// CandidateFunc delivers a local ICE candidate and its media id.
	// Empty strings for both mark the end of gathering.
	CandidateFunc[C any] func(candidate, mid uint32, ctx C)

	// DataChannelFunc reports a data channel opened by the remote peer.
	DataChannelFunc[C any] func(dc handle.Handle, ctx C)
)
