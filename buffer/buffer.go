package buffer

import (
	"unicode/utf8"

	netbridge "github.com/wippyai/wasm-netbridge"
	"github.com/wippyai/wasm-netbridge/errors"
)

// maxString bounds zero-terminated reads that never find a terminator.
const maxString = 1 << 20

// Bridge moves bytes between host values and guest memory blocks.
//
// Blocks returned by Materialize and MaterializeString are allocated with the
// guest allocator and handed over to the callee; the Bridge never frees them
// once returned. Borrowed views are only valid until the guest runs again.
type Bridge struct {
	mem   netbridge.Memory
	alloc netbridge.Allocator
}

// New creates a buffer bridge over guest memory and its allocator.
func New(mem netbridge.Memory, alloc netbridge.Allocator) *Bridge {
	return &Bridge{mem: mem, alloc: alloc}
}

// Materialize copies data into a freshly allocated block of exactly
// len(data) bytes. Empty input yields (0, 0) without allocating.
func (b *Bridge) Materialize(data []byte) (ptr uint32, n uint32, err error) {
	if len(data) == 0 {
		return 0, 0, nil
	}
	size := uint32(len(data))
	ptr, err = b.allocate(size)
	if err != nil {
		return 0, 0, err
	}
	if err := b.mem.Write(ptr, data); err != nil {
		b.alloc.Free(ptr, size, 1)
		return 0, 0, errors.Wrap(errors.PhaseMemory, errors.KindOutOfBounds, err, "materialize")
	}
	return ptr, size, nil
}

// MaterializeString copies s plus a zero terminator into a fresh block.
// The returned length excludes the terminator. An empty string still
// yields a one-byte block so the callee always gets a valid pointer.
func (b *Bridge) MaterializeString(s string) (ptr uint32, n uint32, err error) {
	size := uint32(len(s)) + 1
	ptr, err = b.allocate(size)
	if err != nil {
		return 0, 0, err
	}
	data := make([]byte, size)
	copy(data, s)
	if err := b.mem.Write(ptr, data); err != nil {
		b.alloc.Free(ptr, size, 1)
		return 0, 0, errors.Wrap(errors.PhaseMemory, errors.KindOutOfBounds, err, "materialize string")
	}
	return ptr, size - 1, nil
}

// Borrow returns a view of n guest bytes at ptr. The view is not copied.
func (b *Bridge) Borrow(ptr, n uint32) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	data, err := b.mem.Read(ptr, n)
	if err != nil {
		return nil, errors.OutOfBounds(errors.PhaseMemory, ptr, n)
	}
	return data, nil
}

// Copy returns an owned copy of n guest bytes at ptr.
func (b *Bridge) Copy(ptr, n uint32) ([]byte, error) {
	view, err := b.Borrow(ptr, n)
	if err != nil || view == nil {
		return nil, err
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, nil
}

// ReadString reads a length-delimited string.
func (b *Bridge) ReadString(ptr, n uint32) (string, error) {
	view, err := b.Borrow(ptr, n)
	if err != nil {
		return "", err
	}
	return string(view), nil
}

// BorrowString reads a zero-terminated string starting at ptr.
// A null pointer reads as the empty string.
func (b *Bridge) BorrowString(ptr uint32) (string, error) {
	if ptr == 0 {
		return "", nil
	}
	limit := uint32(maxString)
	if sizer, ok := b.mem.(netbridge.MemorySizer); ok {
		size := sizer.Size()
		if ptr >= size {
			return "", errors.OutOfBounds(errors.PhaseMemory, ptr, 1)
		}
		if size-ptr < limit {
			limit = size - ptr
		}
	}

	const chunk = 256
	var out []byte
	for off := uint32(0); off < limit; off += chunk {
		n := uint32(chunk)
		if limit-off < n {
			n = limit - off
		}
		view, err := b.mem.Read(ptr+off, n)
		if err != nil {
			return b.scanBytewise(ptr+off, limit-off, out)
		}
		for i, c := range view {
			if c == 0 {
				return string(append(out, view[:i]...)), nil
			}
		}
		out = append(out, view...)
	}
	return "", errors.InvalidData(errors.PhaseMemory, "unterminated string")
}

// scanBytewise finishes a string read near the end of memory, where a
// chunked read would cross the boundary.
func (b *Bridge) scanBytewise(ptr, limit uint32, out []byte) (string, error) {
	for i := uint32(0); i < limit; i++ {
		c, err := b.mem.ReadU8(ptr + i)
		if err != nil {
			return "", errors.OutOfBounds(errors.PhaseMemory, ptr+i, 1)
		}
		if c == 0 {
			return string(out), nil
		}
		out = append(out, c)
	}
	return "", errors.InvalidData(errors.PhaseMemory, "unterminated string")
}

// WriteString writes s into a caller-owned buffer of capacity bytes,
// zero terminated. At most capacity-1 bytes of s are written and a UTF-8
// sequence is never split. Nothing is written when capacity is 0. The
// return value is the full encoded length of s, so callers can detect
// truncation.
func (b *Bridge) WriteString(ptr, capacity uint32, s string) (int, error) {
	if capacity == 0 || ptr == 0 {
		return len(s), nil
	}
	n := len(s)
	if uint32(n) > capacity-1 {
		n = int(capacity - 1)
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
	}
	data := make([]byte, n+1)
	copy(data, s[:n])
	if err := b.mem.Write(ptr, data); err != nil {
		return 0, errors.OutOfBounds(errors.PhaseMemory, ptr, uint32(len(data)))
	}
	return len(s), nil
}

// ReadPointers reads count little-endian u32 pointers starting at ptr and
// returns the zero-terminated strings they reference.
func (b *Bridge) ReadPointers(ptr uint32, count int) ([]string, error) {
	if count <= 0 || ptr == 0 {
		return nil, nil
	}
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		p, err := b.mem.ReadU32(ptr + uint32(i)*4)
		if err != nil {
			return nil, errors.OutOfBounds(errors.PhaseMemory, ptr+uint32(i)*4, 4)
		}
		s, err := b.BorrowString(p)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ReadPointerList reads a NULL-terminated array of string pointers.
func (b *Bridge) ReadPointerList(ptr uint32) ([]string, error) {
	if ptr == 0 {
		return nil, nil
	}
	var out []string
	for i := uint32(0); ; i++ {
		if i >= maxString/4 {
			return nil, errors.InvalidData(errors.PhaseMemory, "unterminated pointer list")
		}
		p, err := b.mem.ReadU32(ptr + i*4)
		if err != nil {
			return nil, errors.OutOfBounds(errors.PhaseMemory, ptr+i*4, 4)
		}
		if p == 0 {
			return out, nil
		}
		s, err := b.BorrowString(p)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
}

func (b *Bridge) allocate(size uint32) (uint32, error) {
	if b.alloc == nil {
		return 0, errors.NotInitialized(errors.PhaseMemory, "allocator")
	}
	ptr, err := b.alloc.Alloc(size, 1)
	if err != nil {
		return 0, errors.New(errors.PhaseMemory, errors.KindAllocation).
			Detail("allocate %d bytes", size).
			Cause(err).
			Build()
	}
	if ptr == 0 {
		return 0, errors.AllocationFailed(errors.PhaseMemory, size, 1)
	}
	return ptr, nil
}

// Release frees a block that was materialized but never handed to a
// callee. Blocks already passed to a callback belong to it and must not be
// released here.
func (b *Bridge) Release(ptr, size uint32) {
	if ptr == 0 || b.alloc == nil {
		return
	}
	b.alloc.Free(ptr, size, 1)
}
