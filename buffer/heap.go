package buffer

import (
	"encoding/binary"
	"fmt"
	"sync"

	netbridge "github.com/wippyai/wasm-netbridge"
)

const (
	pageSize  = 64 * 1024
	heapStart = 8
)

// Heap is a linear memory with a bump allocator, implemented in Go.
//
// It stands in for guest memory when the bridge is embedded natively or
// exercised in tests. Blocks are tracked until freed so ownership transfers
// can be checked: every block the bridge hands to a callback must stay live
// until the callee frees it.
type Heap struct {
	data     []byte
	live     map[uint32]uint32
	maxPages uint32
	next     uint32
	fail     bool
	mu       sync.Mutex
}

// NewHeap creates a heap of one page that grows up to maxPages.
// maxPages 0 means 256 pages (16MB).
func NewHeap(maxPages uint32) *Heap {
	if maxPages == 0 {
		maxPages = 256
	}
	return &Heap{
		data:     make([]byte, pageSize),
		live:     make(map[uint32]uint32),
		maxPages: maxPages,
		next:     heapStart,
	}
}

// Alloc reserves size bytes aligned to align.
func (h *Heap) Alloc(size, align uint32) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.fail {
		return 0, fmt.Errorf("heap: allocation refused")
	}
	if align == 0 {
		align = 1
	}
	ptr := (h.next + align - 1) &^ (align - 1)
	end := uint64(ptr) + uint64(size)
	if size == 0 {
		end++
	}
	if end > uint64(len(h.data)) {
		pages := (end + pageSize - 1) / pageSize
		if pages > uint64(h.maxPages) {
			return 0, fmt.Errorf("heap: out of memory allocating %d bytes", size)
		}
		grown := make([]byte, pages*pageSize)
		copy(grown, h.data)
		h.data = grown
	}
	h.next = uint32(end)
	h.live[ptr] = size
	return ptr, nil
}

// Free releases a block. Unknown pointers are ignored.
func (h *Heap) Free(ptr, _, _ uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.live, ptr)
}

// FailAllocs makes every following Alloc fail until reset.
func (h *Heap) FailAllocs(fail bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fail = fail
}

// Live returns the number of allocated blocks not yet freed.
func (h *Heap) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// BlockSize returns the size of a live block.
func (h *Heap) BlockSize(ptr uint32) (uint32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	size, ok := h.live[ptr]
	return size, ok
}

// Put allocates a block holding a copy of data and returns its address.
func (h *Heap) Put(data []byte) (uint32, error) {
	ptr, err := h.Alloc(uint32(len(data)), 1)
	if err != nil {
		return 0, err
	}
	if err := h.Write(ptr, data); err != nil {
		h.Free(ptr, 0, 0)
		return 0, err
	}
	return ptr, nil
}

// PutString allocates a zero-terminated copy of s.
func (h *Heap) PutString(s string) (uint32, error) {
	return h.Put(append([]byte(s), 0))
}

// PutPointers allocates an array of u32 pointers.
func (h *Heap) PutPointers(ptrs ...uint32) (uint32, error) {
	data := make([]byte, 4*len(ptrs))
	for i, p := range ptrs {
		binary.LittleEndian.PutUint32(data[i*4:], p)
	}
	return h.Put(data)
}

func (h *Heap) Read(offset, length uint32) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if uint64(offset)+uint64(length) > uint64(len(h.data)) {
		return nil, fmt.Errorf("read out of bounds: offset=%d, length=%d", offset, length)
	}
	return h.data[offset : offset+length], nil
}

func (h *Heap) Write(offset uint32, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if uint64(offset)+uint64(len(data)) > uint64(len(h.data)) {
		return fmt.Errorf("write out of bounds: offset=%d, length=%d", offset, len(data))
	}
	copy(h.data[offset:], data)
	return nil
}

func (h *Heap) ReadU8(offset uint32) (uint8, error) {
	data, err := h.Read(offset, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

func (h *Heap) ReadU32(offset uint32) (uint32, error) {
	data, err := h.Read(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

func (h *Heap) WriteU8(offset uint32, value uint8) error {
	return h.Write(offset, []byte{value})
}

func (h *Heap) WriteU32(offset uint32, value uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	return h.Write(offset, b[:])
}

func (h *Heap) Size() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return uint32(len(h.data))
}

var (
	_ netbridge.Memory      = (*Heap)(nil)
	_ netbridge.MemorySizer = (*Heap)(nil)
	_ netbridge.Allocator   = (*Heap)(nil)
)
