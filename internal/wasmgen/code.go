package wasmgen

const (
	opUnreachable  = 0x00
	opCall         = 0x10
	opCallIndirect = 0x11
	opDrop         = 0x1A
	opLocalGet     = 0x20
	opLocalSet     = 0x21
	opGlobalGet    = 0x23
	opGlobalSet    = 0x24
	opI32Load      = 0x28
	opI32Store     = 0x36
	opI32Const     = 0x41
	opI32Add       = 0x6A
	opI32And       = 0x71
	opEnd          = 0x0B
)

// Code is a function body under construction. The final end opcode is
// appended by the encoder.
type Code struct {
	buf Buffer
}

func (c *Code) LocalGet(idx uint32) *Code {
	c.buf.AppendByte(opLocalGet)
	c.buf.WriteU32(idx)
	return c
}

func (c *Code) LocalSet(idx uint32) *Code {
	c.buf.AppendByte(opLocalSet)
	c.buf.WriteU32(idx)
	return c
}

func (c *Code) GlobalGet(idx uint32) *Code {
	c.buf.AppendByte(opGlobalGet)
	c.buf.WriteU32(idx)
	return c
}

func (c *Code) GlobalSet(idx uint32) *Code {
	c.buf.AppendByte(opGlobalSet)
	c.buf.WriteU32(idx)
	return c
}

func (c *Code) I32Const(v int32) *Code {
	c.buf.AppendByte(opI32Const)
	c.buf.WriteI32(v)
	return c
}

func (c *Code) I32Add() *Code {
	c.buf.AppendByte(opI32Add)
	return c
}

func (c *Code) I32And() *Code {
	c.buf.AppendByte(opI32And)
	return c
}

// I32Load loads from the address on the stack plus offset, 4-byte aligned.
func (c *Code) I32Load(offset uint32) *Code {
	c.buf.AppendByte(opI32Load)
	c.buf.WriteU32(2)
	c.buf.WriteU32(offset)
	return c
}

// I32Store stores the value on top of the stack at the address below it
// plus offset, 4-byte aligned.
func (c *Code) I32Store(offset uint32) *Code {
	c.buf.AppendByte(opI32Store)
	c.buf.WriteU32(2)
	c.buf.WriteU32(offset)
	return c
}

func (c *Code) Call(fn uint32) *Code {
	c.buf.AppendByte(opCall)
	c.buf.WriteU32(fn)
	return c
}

// CallIndirect calls through table 0 with the function index on top of the
// stack.
func (c *Code) CallIndirect(typeIdx uint32) *Code {
	c.buf.AppendByte(opCallIndirect)
	c.buf.WriteU32(typeIdx)
	c.buf.AppendByte(0x00)
	return c
}

func (c *Code) Drop() *Code {
	c.buf.AppendByte(opDrop)
	return c
}

func (c *Code) Unreachable() *Code {
	c.buf.AppendByte(opUnreachable)
	return c
}

// Len returns the number of body bytes written so far.
func (c *Code) Len() int {
	return len(c.buf.Bytes)
}
