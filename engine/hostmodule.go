package engine

import (
	"context"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-netbridge/bridge"
	"github.com/wippyai/wasm-netbridge/buffer"
	"github.com/wippyai/wasm-netbridge/dispatch"
	"github.com/wippyai/wasm-netbridge/errors"
	"github.com/wippyai/wasm-netbridge/handle"
)

// DefaultImportModule is the module name guests import the bridge from.
const DefaultImportModule = "env"

// hostFunc is one import of the bridge module. Every parameter and result
// is an i32.
type hostFunc struct {
	fn      func(stack []uint64)
	name    string
	params  int
	results int
}

// HostModule exposes a bridge to the guest as an import module.
type HostModule struct {
	bridge   *bridge.Bridge[uint32]
	buf      *buffer.Bridge
	disp     *dispatch.Dispatcher
	logger   *zap.Logger
	onImport func(name string)
	name     string
	funcs    []hostFunc
}

// HostOption configures a HostModule.
type HostOption func(*HostModule)

// WithModuleName sets the import module name.
func WithModuleName(name string) HostOption {
	return func(h *HostModule) {
		if name != "" {
			h.name = name
		}
	}
}

// WithHostLogger sets the logger for unreadable guest arguments.
func WithHostLogger(l *zap.Logger) HostOption {
	return func(h *HostModule) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithImportObserver sets a hook called with the import name on every
// guest call into the module.
func WithImportObserver(fn func(name string)) HostOption {
	return func(h *HostModule) {
		h.onImport = fn
	}
}

// NewHostModule builds the import module over a bridge. buf reads guest
// arguments and disp turns guest function pointers into callbacks.
func NewHostModule(b *bridge.Bridge[uint32], buf *buffer.Bridge, disp *dispatch.Dispatcher, opts ...HostOption) *HostModule {
	h := &HostModule{
		bridge: b,
		buf:    buf,
		disp:   disp,
		logger: Logger(),
		name:   DefaultImportModule,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.funcs = h.define()
	return h
}

// Name returns the import module name.
func (h *HostModule) Name() string {
	return h.name
}

// Imports returns the sorted names of every function the module exports to
// the guest.
func (h *HostModule) Imports() []string {
	names := make([]string, len(h.funcs))
	for i, f := range h.funcs {
		names[i] = f.name
	}
	sort.Strings(names)
	return names
}

// Instantiate registers the module in rt.
func (h *HostModule) Instantiate(ctx context.Context, rt wazero.Runtime) (api.Module, error) {
	builder := rt.NewHostModuleBuilder(h.name)
	for _, f := range h.funcs {
		call := f.fn
		if h.onImport != nil {
			observe := h.onImport
			call = func(stack []uint64) {
				observe(f.name)
				f.fn(stack)
			}
		}
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
				call(stack)
			}), i32s(f.params), i32s(f.results)).
			WithName(f.name).
			Export(f.name)
	}
	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, errors.Registration(errors.PhaseHost, h.name, "*", err)
	}
	return mod, nil
}

func i32s(n int) []api.ValueType {
	if n == 0 {
		return nil
	}
	types := make([]api.ValueType, n)
	for i := range types {
		types[i] = api.ValueTypeI32
	}
	return types
}

func arg(stack []uint64, i int) uint32 {
	return api.DecodeU32(stack[i])
}

func argI32(stack []uint64, i int) int32 {
	return api.DecodeI32(stack[i])
}

func argHandle(stack []uint64, i int) handle.Handle {
	return handle.Handle(api.DecodeU32(stack[i]))
}

func ret(stack []uint64, v uint32) {
	stack[0] = api.EncodeU32(v)
}

func retI32(stack []uint64, v int32) {
	stack[0] = api.EncodeI32(v)
}

// str reads a zero-terminated guest string. NULL reads as "".
func (h *HostModule) str(fn string, ptr uint32) (string, bool) {
	s, err := h.buf.BorrowString(ptr)
	if err != nil {
		h.logger.Debug("unreadable guest string",
			zap.String("import", fn),
			zap.Uint32("ptr", ptr),
			zap.Error(err))
		return "", false
	}
	return s, true
}

// iceServers reads count string pointers at ptr, or a NULL-terminated
// pointer array when count is negative.
func (h *HostModule) iceServers(ptr uint32, count int32) ([]string, bool) {
	if ptr == 0 || count == 0 {
		return nil, true
	}
	var (
		urls []string
		err  error
	)
	if count < 0 {
		urls, err = h.buf.ReadPointerList(ptr)
	} else {
		urls, err = h.buf.ReadPointers(ptr, int(count))
	}
	if err != nil {
		h.logger.Debug("unreadable ice server list", zap.Uint32("ptr", ptr), zap.Int32("count", count), zap.Error(err))
		return nil, false
	}
	return urls, true
}

func (h *HostModule) define() []hostFunc {
	b, d := h.bridge, h.disp
	return []hostFunc{
		// HTTP
		{name: "httpCreateRequest", params: 2, results: 1, fn: func(s []uint64) {
			method, ok1 := h.str("httpCreateRequest", arg(s, 0))
			url, ok2 := h.str("httpCreateRequest", arg(s, 1))
			if !ok1 || !ok2 {
				ret(s, 0)
				return
			}
			ret(s, uint32(b.CreateHTTPRequest(method, url)))
		}},
		{name: "httpDeleteRequest", params: 1, fn: func(s []uint64) {
			b.DeleteHTTPRequest(argHandle(s, 0))
		}},
		{name: "httpSetRequestHeader", params: 3, fn: func(s []uint64) {
			name, ok1 := h.str("httpSetRequestHeader", arg(s, 1))
			value, ok2 := h.str("httpSetRequestHeader", arg(s, 2))
			if ok1 && ok2 {
				b.SetHTTPHeader(argHandle(s, 0), name, value)
			}
		}},
		{name: "httpSetRequestBody", params: 3, fn: func(s []uint64) {
			b.SetHTTPBody(argHandle(s, 0), arg(s, 1), argI32(s, 2))
		}},
		{name: "httpSetUserPointer", params: 2, fn: func(s []uint64) {
			b.SetHTTPUserContext(argHandle(s, 0), arg(s, 1))
		}},
		{name: "httpFetch", params: 3, fn: func(s []uint64) {
			b.Fetch(argHandle(s, 0), d.Response(arg(s, 1)), d.Error(arg(s, 2)))
		}},
		{name: "httpAbort", params: 1, fn: func(s []uint64) {
			b.AbortHTTP(argHandle(s, 0))
		}},

		// WebSocket
		{name: "wsCreateWebSocket", params: 1, results: 1, fn: func(s []uint64) {
			url, ok := h.str("wsCreateWebSocket", arg(s, 0))
			if !ok {
				ret(s, 0)
				return
			}
			ret(s, uint32(b.CreateWebSocket(url)))
		}},
		{name: "wsDeleteWebSocket", params: 1, fn: func(s []uint64) {
			b.DeleteWebSocket(argHandle(s, 0))
		}},
		{name: "wsSetOpenCallback", params: 2, fn: func(s []uint64) {
			b.SetWebSocketOpenCallback(argHandle(s, 0), d.Open(arg(s, 1)))
		}},
		{name: "wsSetErrorCallback", params: 2, fn: func(s []uint64) {
			b.SetWebSocketErrorCallback(argHandle(s, 0), d.Error(arg(s, 1)))
		}},
		{name: "wsSetMessageCallback", params: 2, fn: func(s []uint64) {
			b.SetWebSocketMessageCallback(argHandle(s, 0), d.Message(arg(s, 1)))
		}},
		{name: "wsSendMessage", params: 3, results: 1, fn: func(s []uint64) {
			retI32(s, b.SendWebSocket(argHandle(s, 0), arg(s, 1), argI32(s, 2)))
		}},
		{name: "wsSetUserPointer", params: 2, fn: func(s []uint64) {
			b.SetWebSocketUserContext(argHandle(s, 0), arg(s, 1))
		}},

		// WebRTC peer connections
		{name: "rtcCreatePeerConnection", params: 2, results: 1, fn: func(s []uint64) {
			urls, ok := h.iceServers(arg(s, 0), argI32(s, 1))
			if !ok {
				ret(s, 0)
				return
			}
			ret(s, uint32(b.CreatePeerConnection(urls)))
		}},
		{name: "rtcDeletePeerConnection", params: 1, fn: func(s []uint64) {
			b.DeletePeerConnection(argHandle(s, 0))
		}},
		{name: "rtcSetDataChannelCallback", params: 2, fn: func(s []uint64) {
			b.SetDataChannelCallback(argHandle(s, 0), d.DataChannel(arg(s, 1)))
		}},
		{name: "rtcSetLocalDescriptionCallback", params: 2, fn: func(s []uint64) {
			b.SetLocalDescriptionCallback(argHandle(s, 0), d.Description(arg(s, 1)))
		}},
		{name: "rtcSetLocalCandidateCallback", params: 2, fn: func(s []uint64) {
			b.SetLocalCandidateCallback(argHandle(s, 0), d.Candidate(arg(s, 1)))
		}},
		{name: "rtcSetSignalingErrorCallback", params: 2, fn: func(s []uint64) {
			b.SetSignalingErrorCallback(argHandle(s, 0), d.ErrorMessage(arg(s, 1)))
		}},
		{name: "rtcSetRemoteDescription", params: 3, fn: func(s []uint64) {
			sdp, ok1 := h.str("rtcSetRemoteDescription", arg(s, 1))
			typ, ok2 := h.str("rtcSetRemoteDescription", arg(s, 2))
			if ok1 && ok2 {
				b.SetRemoteDescription(argHandle(s, 0), sdp, typ)
			}
		}},
		{name: "rtcAddRemoteCandidate", params: 3, fn: func(s []uint64) {
			cand, ok1 := h.str("rtcAddRemoteCandidate", arg(s, 1))
			mid, ok2 := h.str("rtcAddRemoteCandidate", arg(s, 2))
			if ok1 && ok2 {
				b.AddRemoteCandidate(argHandle(s, 0), cand, mid)
			}
		}},
		{name: "rtcSetUserPointer", params: 2, fn: func(s []uint64) {
			b.SetUserContext(argHandle(s, 0), arg(s, 1))
		}},

		// WebRTC data channels
		{name: "rtcCreateDataChannel", params: 2, results: 1, fn: func(s []uint64) {
			label, ok := h.str("rtcCreateDataChannel", arg(s, 1))
			if !ok {
				ret(s, 0)
				return
			}
			ret(s, uint32(b.CreateDataChannel(argHandle(s, 0), label)))
		}},
		{name: "rtcDeleteDataChannel", params: 1, fn: func(s []uint64) {
			b.DeleteDataChannel(argHandle(s, 0))
		}},
		{name: "rtcGetDataChannelLabel", params: 3, results: 1, fn: func(s []uint64) {
			retI32(s, b.GetDataChannelLabel(argHandle(s, 0), arg(s, 1), argI32(s, 2)))
		}},
		{name: "rtcSetOpenCallback", params: 2, fn: func(s []uint64) {
			b.SetDataChannelOpenCallback(argHandle(s, 0), d.Open(arg(s, 1)))
		}},
		{name: "rtcSetErrorCallback", params: 2, fn: func(s []uint64) {
			b.SetDataChannelErrorCallback(argHandle(s, 0), d.ErrorMessage(arg(s, 1)))
		}},
		{name: "rtcSetMessageCallback", params: 2, fn: func(s []uint64) {
			b.SetDataChannelMessageCallback(argHandle(s, 0), d.Message(arg(s, 1)))
		}},
		{name: "rtcSendMessage", params: 3, results: 1, fn: func(s []uint64) {
			retI32(s, b.SendDataChannel(argHandle(s, 0), arg(s, 1), argI32(s, 2)))
		}},
	}
}
