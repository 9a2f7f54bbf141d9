package dispatch

import (
	"context"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-netbridge/errors"
	"github.com/wippyai/wasm-netbridge/handle"
)

// Invoker calls a guest function-table entry with i32 arguments.
type Invoker interface {
	Invoke(ctx context.Context, sig Signature, fn uint32, args ...uint64) error
}

// FaultHandler observes guest traps raised from callbacks.
type FaultHandler func(sig Signature, fn uint32, err error)

// Dispatcher turns guest function-table indices into typed callbacks.
//
// A zero index yields a nil callback. Guest faults raised while a callback
// runs are logged and reported to the fault handler; they never reach the
// code that triggered the callback.
type Dispatcher struct {
	inv     Invoker
	ctx     context.Context
	logger  *zap.Logger
	onFault FaultHandler
	calls   atomic.Uint64
	faults  atomic.Uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for guest faults.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithFaultHandler sets the hook that observes guest faults.
func WithFaultHandler(h FaultHandler) Option {
	return func(d *Dispatcher) {
		d.onFault = h
	}
}

// WithContext sets the context passed to the invoker.
func WithContext(ctx context.Context) Option {
	return func(d *Dispatcher) {
		if ctx != nil {
			d.ctx = ctx
		}
	}
}

// New creates a dispatcher over inv.
func New(inv Invoker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		inv:    inv,
		ctx:    context.Background(),
		logger: Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Calls returns the number of callbacks invoked.
func (d *Dispatcher) Calls() uint64 {
	return d.calls.Load()
}

// Faults returns the number of callbacks that trapped.
func (d *Dispatcher) Faults() uint64 {
	return d.faults.Load()
}

// Open builds an open callback.
func (d *Dispatcher) Open(fn uint32) OpenFunc[uint32] {
	if fn == 0 {
		return nil
	}
	return func(ctx uint32) {
		d.invoke(SigVI, fn, i32(ctx))
	}
}

// Error builds an error-code callback.
func (d *Dispatcher) Error(fn uint32) ErrorFunc[uint32] {
	if fn == 0 {
		return nil
	}
	return func(code int32, ctx uint32) {
		d.invoke(SigVII, fn, api.EncodeI32(code), i32(ctx))
	}
}

// Response builds an HTTP response callback.
func (d *Dispatcher) Response(fn uint32) ResponseFunc[uint32] {
	if fn == 0 {
		return nil
	}
	return func(status int32, ptr uint32, n int32, ctx uint32) {
		d.invoke(SigVIIII, fn, api.EncodeI32(status), i32(ptr), api.EncodeI32(n), i32(ctx))
	}
}

// Message builds a message callback.
func (d *Dispatcher) Message(fn uint32) MessageFunc[uint32] {
	if fn == 0 {
		return nil
	}
	return func(ptr uint32, n int32, ctx uint32) {
		d.invoke(SigVIII, fn, i32(ptr), api.EncodeI32(n), i32(ctx))
	}
}

// ErrorMessage builds a callback receiving an owned error string.
func (d *Dispatcher) ErrorMessage(fn uint32) ErrorMessageFunc[uint32] {
	if fn == 0 {
		return nil
	}
	return func(msg uint32, ctx uint32) {
		d.invoke(SigVII, fn, i32(msg), i32(ctx))
	}
}

// Description builds a local description callback.
func (d *Dispatcher) Description(fn uint32) DescriptionFunc[uint32] {
	if fn == 0 {
		return nil
	}
	return func(sdp, typ uint32, ctx uint32) {
		d.invoke(SigVIII, fn, i32(sdp), i32(typ), i32(ctx))
	}
}

// Candidate builds a local candidate callback.
func (d *Dispatcher) Candidate(fn uint32) CandidateFunc[uint32] {
	if fn == 0 {
		return nil
	}
	return func(candidate, mid uint32, ctx uint32) {
		d.invoke(SigVIII, fn, i32(candidate), i32(mid), i32(ctx))
	}
}

// DataChannel builds an inbound data channel callback.
func (d *Dispatcher) DataChannel(fn uint32) DataChannelFunc[uint32] {
	if fn == 0 {
		return nil
	}
	return func(dc handle.Handle, ctx uint32) {
		d.invoke(SigVII, fn, i32(uint32(dc)), i32(ctx))
	}
}

func (d *Dispatcher) invoke(sig Signature, fn uint32, args ...uint64) {
	d.calls.Add(1)
	err := d.inv.Invoke(d.ctx, sig, fn, args...)
	if err == nil {
		return
	}
	d.faults.Add(1)
	d.logger.Warn("guest callback failed",
		zap.String("signature", string(sig)),
		zap.Uint32("fn", fn),
		zap.Error(errors.Wrap(errors.PhaseDispatch, errors.KindInvalidData, err, "invoke "+sig.ExportName())))
	if d.onFault != nil {
		d.onFault(sig, fn, err)
	}
}

func i32(v uint32) uint64 {
	return api.EncodeU32(v)
}
