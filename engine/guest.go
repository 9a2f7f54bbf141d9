package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	netbridge "github.com/wippyai/wasm-netbridge"
	"github.com/wippyai/wasm-netbridge/dispatch"
	"github.com/wippyai/wasm-netbridge/errors"
)

// Exports names the guest exports the bridge relies on.
type Exports struct {
	Memory        string
	Malloc        string
	Free          string
	DynCallPrefix string
}

// DefaultExports returns the emscripten export names.
func DefaultExports() Exports {
	return Exports{
		Memory:        "memory",
		Malloc:        "malloc",
		Free:          "free",
		DynCallPrefix: "dynCall_",
	}
}

func (e Exports) withDefaults() Exports {
	d := DefaultExports()
	if e.Memory == "" {
		e.Memory = d.Memory
	}
	if e.Malloc == "" {
		e.Malloc = d.Malloc
	}
	if e.Free == "" {
		e.Free = d.Free
	}
	if e.DynCallPrefix == "" {
		e.DynCallPrefix = d.DynCallPrefix
	}
	return e
}

// Guest adapts an instantiated guest module to the bridge: it is the
// Memory and Allocator of the buffer bridge and the Invoker of the
// dispatcher.
//
// A Guest is created unbound so host imports can be wired before the
// module is instantiated; Bind attaches the instance. Until then every
// operation fails with a not-initialized error.
type Guest struct {
	exports    Exports
	mod        api.Module
	mem        api.Memory
	malloc     api.Function
	free       api.Function
	dynCalls   map[dispatch.Signature]api.Function
	ctx        context.Context
	stackBuf   []uint64
	stackMutex sync.Mutex
	cabiAlloc  bool
	freeParams int
}

// NewGuest creates an unbound guest using the given export names.
func NewGuest(exports Exports) *Guest {
	return &Guest{
		exports:  exports.withDefaults(),
		dynCalls: make(map[dispatch.Signature]api.Function, len(dispatch.Signatures)),
		ctx:      context.Background(),
		stackBuf: make([]uint64, 5),
	}
}

// Bind attaches an instantiated module. It fails with a
// MissingExportsError listing every required export the module lacks.
func (g *Guest) Bind(mod api.Module) error {
	var missing []string

	mem := mod.ExportedMemory(g.exports.Memory)
	if mem == nil {
		missing = append(missing, g.exports.Memory)
	}
	malloc := mod.ExportedFunction(g.exports.Malloc)
	if malloc == nil {
		missing = append(missing, g.exports.Malloc)
	}
	free := mod.ExportedFunction(g.exports.Free)
	if free == nil {
		missing = append(missing, g.exports.Free)
	}
	dynCalls := make(map[dispatch.Signature]api.Function, len(dispatch.Signatures))
	for _, sig := range dispatch.Signatures {
		name := g.exports.DynCallPrefix + string(sig)
		fn := mod.ExportedFunction(name)
		if fn == nil {
			missing = append(missing, name)
			continue
		}
		dynCalls[sig] = fn
	}
	if len(missing) > 0 {
		return errors.NewMissingExportsError(missing)
	}

	switch n := len(malloc.Definition().ParamTypes()); n {
	case 1:
	case 4:
		g.cabiAlloc = true
	default:
		return errors.New(errors.PhaseLoad, errors.KindMissingExport).
			Detail("%s takes %d parameters, want 1 or 4", g.exports.Malloc, n).
			Build()
	}
	freeParams := len(free.Definition().ParamTypes())
	if freeParams < 1 || freeParams > 3 {
		return errors.New(errors.PhaseLoad, errors.KindMissingExport).
			Detail("%s takes %d parameters, want 1 to 3", g.exports.Free, freeParams).
			Build()
	}

	g.stackMutex.Lock()
	defer g.stackMutex.Unlock()
	g.mod = mod
	g.mem = mem
	g.malloc = malloc
	g.free = free
	g.freeParams = freeParams
	g.dynCalls = dynCalls
	return nil
}

// Bound reports whether a module is attached.
func (g *Guest) Bound() bool {
	g.stackMutex.Lock()
	defer g.stackMutex.Unlock()
	return g.mod != nil
}

// Module returns the attached module, or nil.
func (g *Guest) Module() api.Module {
	g.stackMutex.Lock()
	defer g.stackMutex.Unlock()
	return g.mod
}

// SetContext sets the context used for allocator calls.
func (g *Guest) SetContext(ctx context.Context) {
	g.stackMutex.Lock()
	defer g.stackMutex.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	g.ctx = ctx
}

func (g *Guest) memory() (api.Memory, error) {
	if g.mem == nil {
		return nil, errors.NotInitialized(errors.PhaseMemory, "guest memory")
	}
	return g.mem, nil
}

func (g *Guest) Read(offset uint32, length uint32) ([]byte, error) {
	mem, err := g.memory()
	if err != nil {
		return nil, err
	}
	data, ok := mem.Read(offset, length)
	if !ok {
		return nil, errors.OutOfBounds(errors.PhaseMemory, offset, length)
	}
	return data, nil
}

func (g *Guest) Write(offset uint32, data []byte) error {
	mem, err := g.memory()
	if err != nil {
		return err
	}
	if !mem.Write(offset, data) {
		return errors.OutOfBounds(errors.PhaseMemory, offset, uint32(len(data)))
	}
	return nil
}

func (g *Guest) ReadU8(offset uint32) (uint8, error) {
	mem, err := g.memory()
	if err != nil {
		return 0, err
	}
	v, ok := mem.ReadByte(offset)
	if !ok {
		return 0, errors.OutOfBounds(errors.PhaseMemory, offset, 1)
	}
	return v, nil
}

func (g *Guest) ReadU32(offset uint32) (uint32, error) {
	mem, err := g.memory()
	if err != nil {
		return 0, err
	}
	v, ok := mem.ReadUint32Le(offset)
	if !ok {
		return 0, errors.OutOfBounds(errors.PhaseMemory, offset, 4)
	}
	return v, nil
}

func (g *Guest) WriteU8(offset uint32, value uint8) error {
	mem, err := g.memory()
	if err != nil {
		return err
	}
	if !mem.WriteByte(offset, value) {
		return errors.OutOfBounds(errors.PhaseMemory, offset, 1)
	}
	return nil
}

func (g *Guest) WriteU32(offset uint32, value uint32) error {
	mem, err := g.memory()
	if err != nil {
		return err
	}
	if !mem.WriteUint32Le(offset, value) {
		return errors.OutOfBounds(errors.PhaseMemory, offset, 4)
	}
	return nil
}

// Size returns the current memory size in bytes, 0 when unbound.
func (g *Guest) Size() uint32 {
	if g.mem == nil {
		return 0
	}
	return g.mem.Size()
}

// Alloc calls the guest malloc. align is honoured only by allocators of the
// (ptr, old, align, size) shape; malloc(size) is assumed to align for any
// type.
func (g *Guest) Alloc(size, align uint32) (uint32, error) {
	g.stackMutex.Lock()
	defer g.stackMutex.Unlock()

	if g.malloc == nil {
		return 0, errors.NotInitialized(errors.PhaseMemory, "guest allocator")
	}
	var err error
	if g.cabiAlloc {
		g.stackBuf[0] = 0
		g.stackBuf[1] = 0
		g.stackBuf[2] = uint64(align)
		g.stackBuf[3] = uint64(size)
		err = g.malloc.CallWithStack(g.ctx, g.stackBuf[:4])
	} else {
		g.stackBuf[0] = uint64(size)
		err = g.malloc.CallWithStack(g.ctx, g.stackBuf[:1])
	}
	if err != nil {
		return 0, errors.Wrap(errors.PhaseMemory, errors.KindAllocation, err, fmt.Sprintf("%s(%d)", g.exports.Malloc, size))
	}
	return api.DecodeU32(g.stackBuf[0]), nil
}

// Free calls the guest free with as many of (ptr, size, align) as it takes.
func (g *Guest) Free(ptr, size, align uint32) {
	if ptr == 0 {
		return
	}
	g.stackMutex.Lock()
	defer g.stackMutex.Unlock()

	if g.free == nil {
		return
	}
	g.stackBuf[0] = uint64(ptr)
	g.stackBuf[1] = uint64(size)
	g.stackBuf[2] = uint64(align)
	if err := g.free.CallWithStack(g.ctx, g.stackBuf[:g.freeParams]); err != nil {
		Logger().Warn("guest free failed",
			zap.Uint32("ptr", ptr),
			zap.Uint32("size", size),
			zap.Error(err))
	}
}

// Invoke calls dynCall_<sig>(fn, args...).
func (g *Guest) Invoke(ctx context.Context, sig dispatch.Signature, fn uint32, args ...uint64) error {
	g.stackMutex.Lock()
	dyn, ok := g.dynCalls[sig]
	bound := g.mod != nil
	g.stackMutex.Unlock()
	if !ok {
		if !bound {
			return errors.NotInitialized(errors.PhaseDispatch, "guest function table")
		}
		return errors.NotFound(errors.PhaseDispatch, "export", g.exports.DynCallPrefix+string(sig))
	}
	if len(args) != sig.Arity() {
		return errors.InvalidInput(errors.PhaseDispatch,
			fmt.Sprintf("%s takes %d arguments, got %d", sig.ExportName(), sig.Arity(), len(args)))
	}

	// Callbacks may allocate or invoke further callbacks, so the shared
	// stack buffer is not used here.
	stack := make([]uint64, 1+len(args))
	stack[0] = api.EncodeU32(fn)
	copy(stack[1:], args)
	return dyn.CallWithStack(ctx, stack)
}

var (
	_ netbridge.Memory      = (*Guest)(nil)
	_ netbridge.MemorySizer = (*Guest)(nil)
	_ netbridge.Allocator   = (*Guest)(nil)
	_ dispatch.Invoker      = (*Guest)(nil)
)
