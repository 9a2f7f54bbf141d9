package wasmgen

import "fmt"

// ValType is a value type byte.
type ValType byte

const (
	I32 ValType = 0x7F
	I64 ValType = 0x7E
)

const (
	sectionType   = 1
	sectionImport = 2
	sectionFunc   = 3
	sectionTable  = 4
	sectionMemory = 5
	sectionGlobal = 6
	sectionExport = 7
	sectionElem   = 9
	sectionCode   = 10
	sectionData   = 11

	kindFunc   = 0x00
	kindMemory = 0x02
	kindGlobal = 0x03

	funcTypeMarker = 0x60
	funcref        = 0x70
)

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Sig returns a signature taking params i32 values and returning results
// i32 values.
func Sig(params, results int) FuncType {
	ft := FuncType{}
	for range params {
		ft.Params = append(ft.Params, I32)
	}
	for range results {
		ft.Results = append(ft.Results, I32)
	}
	return ft
}

func (ft FuncType) equal(o FuncType) bool {
	if len(ft.Params) != len(o.Params) || len(ft.Results) != len(o.Results) {
		return false
	}
	for i := range ft.Params {
		if ft.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range ft.Results {
		if ft.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

type importFunc struct {
	module, name string
	typeIdx      uint32
}

type function struct {
	body    *Code
	locals  []ValType
	typeIdx uint32
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type global struct {
	typ     ValType
	mutable bool
	init    int32
}

type segment struct {
	data   []byte
	offset uint32
}

// Module builds a core wasm module with one memory and at most one funcref
// table. Function indices count imports first, so all imports must be added
// before the first Func.
type Module struct {
	types    []FuncType
	imports  []importFunc
	funcs    []function
	exports  []export
	globals  []global
	table    []uint32
	data     []segment
	memPages uint32
	memory   bool
	hasTable bool
}

// New creates an empty module.
func New() *Module {
	return &Module{}
}

// Type returns the index of ft, adding it if needed.
func (m *Module) Type(ft FuncType) uint32 {
	for i, t := range m.types {
		if t.equal(ft) {
			return uint32(i)
		}
	}
	m.types = append(m.types, ft)
	return uint32(len(m.types) - 1)
}

// ImportFunc adds a function import and returns its function index.
func (m *Module) ImportFunc(module, name string, ft FuncType) uint32 {
	if len(m.funcs) > 0 {
		panic(fmt.Sprintf("wasmgen: import %s.%s added after a defined function", module, name))
	}
	m.imports = append(m.imports, importFunc{module: module, name: name, typeIdx: m.Type(ft)})
	return uint32(len(m.imports) - 1)
}

// Func adds a defined function and returns its function index. Parameters
// are locals 0..n-1; extra locals follow.
func (m *Module) Func(ft FuncType, locals []ValType, body *Code) uint32 {
	m.funcs = append(m.funcs, function{typeIdx: m.Type(ft), locals: locals, body: body})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Export exports a function.
func (m *Module) Export(name string, fn uint32) {
	m.exports = append(m.exports, export{name: name, kind: kindFunc, idx: fn})
}

// Memory declares memory 0 with minPages pages and exports it as name
// unless name is empty.
func (m *Module) Memory(minPages uint32, name string) {
	m.memory = true
	m.memPages = minPages
	if name != "" {
		m.exports = append(m.exports, export{name: name, kind: kindMemory, idx: 0})
	}
}

// Global adds an i32 global and returns its index.
func (m *Module) Global(mutable bool, init int32) uint32 {
	m.globals = append(m.globals, global{typ: I32, mutable: mutable, init: init})
	return uint32(len(m.globals) - 1)
}

// ExportGlobal exports a global.
func (m *Module) ExportGlobal(name string, idx uint32) {
	m.exports = append(m.exports, export{name: name, kind: kindGlobal, idx: idx})
}

// Table declares table 0 even before it holds entries.
func (m *Module) Table() {
	m.hasTable = true
}

// TableEntry places fn in the function table and returns its slot. Slot 0
// stays empty so that a zero function pointer is never callable.
func (m *Module) TableEntry(fn uint32) uint32 {
	m.hasTable = true
	m.table = append(m.table, fn)
	return uint32(len(m.table))
}

// Data places bytes at offset in memory 0.
func (m *Module) Data(offset uint32, data []byte) {
	m.data = append(m.data, segment{offset: offset, data: append([]byte(nil), data...)})
}

// Encode returns the binary module.
func (m *Module) Encode() []byte {
	buf := &Buffer{}
	buf.WriteBytes([]byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}) // magic + version

	if len(m.types) > 0 {
		sec := &Buffer{}
		sec.WriteU32(uint32(len(m.types)))
		for _, ft := range m.types {
			sec.AppendByte(funcTypeMarker)
			sec.WriteU32(uint32(len(ft.Params)))
			for _, p := range ft.Params {
				sec.AppendByte(byte(p))
			}
			sec.WriteU32(uint32(len(ft.Results)))
			for _, r := range ft.Results {
				sec.AppendByte(byte(r))
			}
		}
		writeSection(buf, sectionType, sec)
	}

	if len(m.imports) > 0 {
		sec := &Buffer{}
		sec.WriteU32(uint32(len(m.imports)))
		for _, imp := range m.imports {
			sec.WriteName(imp.module)
			sec.WriteName(imp.name)
			sec.AppendByte(kindFunc)
			sec.WriteU32(imp.typeIdx)
		}
		writeSection(buf, sectionImport, sec)
	}

	if len(m.funcs) > 0 {
		sec := &Buffer{}
		sec.WriteU32(uint32(len(m.funcs)))
		for _, f := range m.funcs {
			sec.WriteU32(f.typeIdx)
		}
		writeSection(buf, sectionFunc, sec)
	}

	if m.hasTable {
		sec := &Buffer{}
		sec.WriteU32(1)
		sec.AppendByte(funcref)
		sec.AppendByte(0x00)
		sec.WriteU32(uint32(len(m.table) + 1))
		writeSection(buf, sectionTable, sec)
	}

	if m.memory {
		sec := &Buffer{}
		sec.WriteU32(1)
		sec.AppendByte(0x00)
		sec.WriteU32(m.memPages)
		writeSection(buf, sectionMemory, sec)
	}

	if len(m.globals) > 0 {
		sec := &Buffer{}
		sec.WriteU32(uint32(len(m.globals)))
		for _, g := range m.globals {
			sec.AppendByte(byte(g.typ))
			if g.mutable {
				sec.AppendByte(0x01)
			} else {
				sec.AppendByte(0x00)
			}
			sec.AppendByte(opI32Const)
			sec.WriteI32(g.init)
			sec.AppendByte(opEnd)
		}
		writeSection(buf, sectionGlobal, sec)
	}

	if len(m.exports) > 0 {
		sec := &Buffer{}
		sec.WriteU32(uint32(len(m.exports)))
		for _, e := range m.exports {
			sec.WriteName(e.name)
			sec.AppendByte(e.kind)
			sec.WriteU32(e.idx)
		}
		writeSection(buf, sectionExport, sec)
	}

	if len(m.table) > 0 {
		sec := &Buffer{}
		sec.WriteU32(1)
		sec.AppendByte(0x00) // active, table 0, funcref indices
		sec.AppendByte(opI32Const)
		sec.WriteI32(1)
		sec.AppendByte(opEnd)
		sec.WriteU32(uint32(len(m.table)))
		for _, fn := range m.table {
			sec.WriteU32(fn)
		}
		writeSection(buf, sectionElem, sec)
	}

	if len(m.funcs) > 0 {
		sec := &Buffer{}
		sec.WriteU32(uint32(len(m.funcs)))
		for _, f := range m.funcs {
			body := &Buffer{}
			body.WriteU32(uint32(len(f.locals)))
			for _, l := range f.locals {
				body.WriteU32(1)
				body.AppendByte(byte(l))
			}
			if f.body != nil {
				body.WriteBytes(f.body.buf.Bytes)
			}
			body.AppendByte(opEnd)
			sec.WriteU32(uint32(len(body.Bytes)))
			sec.WriteBytes(body.Bytes)
		}
		writeSection(buf, sectionCode, sec)
	}

	if len(m.data) > 0 {
		sec := &Buffer{}
		sec.WriteU32(uint32(len(m.data)))
		for _, d := range m.data {
			sec.AppendByte(0x00)
			sec.AppendByte(opI32Const)
			sec.WriteI32(int32(d.offset))
			sec.AppendByte(opEnd)
			sec.WriteU32(uint32(len(d.data)))
			sec.WriteBytes(d.data)
		}
		writeSection(buf, sectionData, sec)
	}

	return buf.Bytes
}
