package wasmgen

import (
	"encoding/binary"
	"slices"
	"strings"
)

// Layout of generated guests.
const (
	DataBase  = 1024
	HeapBase  = 4096
	GuestPage = 2
)

// RecordModule and RecordName name the host function generated callbacks
// report to. Its signature is (tag, a, b, c, d i32).
const (
	RecordModule = "recorder"
	RecordName   = "record"
)

// FreeTag is the tag the generated free reports with.
const FreeTag = -1

// Import describes a function the guest imports from the bridge module.
type Import struct {
	Name    string
	Params  int
	Results int
}

// GuestOptions shapes a generated guest.
type GuestOptions struct {
	// ImportModule is the module the Imports come from. Defaults to "env".
	ImportModule string
	Imports      []Import
	// FreeParams is the arity of free: 1 (emscripten), 2 or 3.
	FreeParams int
	// Omit lists exports to leave out.
	Omit []string
}

// Guest is a generated module following the emscripten conventions the
// bridge expects: exported memory, a bump malloc, free, and dynCall_*
// trampolines into a function table. Callbacks placed in the table report
// their arguments to the record import.
type Guest struct {
	m        *Module
	imports  map[string]uint32
	record   uint32
	nextData uint32
}

// NewGuest creates a guest with the given imports.
func NewGuest(opts GuestOptions) *Guest {
	if opts.ImportModule == "" {
		opts.ImportModule = "env"
	}
	if opts.FreeParams == 0 {
		opts.FreeParams = 1
	}

	g := &Guest{
		m:        New(),
		imports:  make(map[string]uint32, len(opts.Imports)),
		nextData: DataBase,
	}
	g.record = g.m.ImportFunc(RecordModule, RecordName, Sig(5, 0))
	for _, imp := range opts.Imports {
		g.imports[imp.Name] = g.m.ImportFunc(opts.ImportModule, imp.Name, Sig(imp.Params, imp.Results))
	}

	omitted := func(name string) bool { return slices.Contains(opts.Omit, name) }

	memName := "memory"
	if omitted(memName) {
		memName = ""
	}
	g.m.Memory(GuestPage, memName)
	g.m.Table()

	heap := g.m.Global(true, HeapBase)
	malloc := (&Code{}).
		GlobalGet(heap).
		GlobalGet(heap).
		LocalGet(0).I32Const(7).I32Add().
		I32Const(-8).I32And().
		I32Add().
		GlobalSet(heap)
	mallocIdx := g.m.Func(Sig(1, 1), nil, malloc)
	if !omitted("malloc") {
		g.m.Export("malloc", mallocIdx)
	}

	free := (&Code{}).I32Const(FreeTag)
	for i := range 4 {
		if i < opts.FreeParams {
			free.LocalGet(uint32(i))
		} else {
			free.I32Const(0)
		}
	}
	free.Call(g.record)
	freeIdx := g.m.Func(Sig(opts.FreeParams, 0), nil, free)
	if !omitted("free") {
		g.m.Export("free", freeIdx)
	}

	for arity := 1; arity <= 4; arity++ {
		name := "dynCall_v" + strings.Repeat("i", arity)
		if omitted(name) {
			continue
		}
		body := &Code{}
		for i := 1; i <= arity; i++ {
			body.LocalGet(uint32(i))
		}
		body.LocalGet(0).CallIndirect(g.m.Type(Sig(arity, 0)))
		g.m.Export(name, g.m.Func(Sig(arity+1, 0), nil, body))
	}
	return g
}

// Callback adds a table function of the given arity that reports
// (tag, args...) padded with zeros, and returns its table slot.
func (g *Guest) Callback(tag int32, arity int) uint32 {
	body := (&Code{}).I32Const(tag)
	for i := range 4 {
		if i < arity {
			body.LocalGet(uint32(i))
		} else {
			body.I32Const(0)
		}
	}
	body.Call(g.record)
	return g.m.TableEntry(g.m.Func(Sig(arity, 0), nil, body))
}

// Import returns the function index of a declared import.
func (g *Guest) Import(name string) uint32 {
	idx, ok := g.imports[name]
	if !ok {
		panic("wasmgen: import " + name + " not declared")
	}
	return idx
}

// String places s zero terminated in the data area and returns its address.
func (g *Guest) String(s string) int32 {
	addr := g.nextData
	g.m.Data(addr, append([]byte(s), 0))
	g.nextData += uint32(len(s)+1+3) &^ 3
	if g.nextData > HeapBase {
		panic("wasmgen: data area exhausted")
	}
	return int32(addr)
}

// Pointers places a NULL-terminated array of 32-bit little-endian
// pointers in the data area and returns its address.
func (g *Guest) Pointers(ptrs ...int32) int32 {
	addr := g.nextData
	data := make([]byte, 4*(len(ptrs)+1))
	for i, p := range ptrs {
		binary.LittleEndian.PutUint32(data[4*i:], uint32(p))
	}
	g.m.Data(addr, data)
	g.nextData += uint32(len(data))
	if g.nextData > HeapBase {
		panic("wasmgen: data area exhausted")
	}
	return int32(addr)
}

// Slot reserves a zeroed 4-byte cell in the data area and returns its
// address, for guest code to store results the test reads back.
func (g *Guest) Slot() int32 {
	addr := g.nextData
	g.nextData += 4
	if g.nextData > HeapBase {
		panic("wasmgen: data area exhausted")
	}
	return int32(addr)
}

// Main adds an exported function taking no arguments and returning nothing.
func (g *Guest) Main(name string, body *Code) {
	g.m.Export(name, g.m.Func(Sig(0, 0), nil, body))
}

// Encode returns the binary module.
func (g *Guest) Encode() []byte {
	return g.m.Encode()
}
