package buffer

import (
	"bytes"
	"testing"
)

func newTestBridge() (*Bridge, *Heap) {
	h := NewHeap(4)
	return New(h, h), h
}

func put(t *testing.T, heap *Heap, data []byte) uint32 {
	t.Helper()
	ptr, err := heap.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	return ptr
}

func TestMaterialize(t *testing.T) {
	b, heap := newTestBridge()

	ptr, n, err := b.Materialize([]byte("hello"))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if ptr == 0 || n != 5 {
		t.Fatalf("got ptr=%d n=%d", ptr, n)
	}
	size, ok := heap.BlockSize(ptr)
	if !ok || size != 5 {
		t.Fatalf("block size = %d, %v; want exact size 5", size, ok)
	}
	got, _ := heap.Read(ptr, n)
	if string(got) != "hello" {
		t.Fatalf("block contents %q", got)
	}
}

func TestMaterialize_Empty(t *testing.T) {
	b, heap := newTestBridge()

	ptr, n, err := b.Materialize(nil)
	if err != nil || ptr != 0 || n != 0 {
		t.Fatalf("empty Materialize = (%d, %d, %v), want (0, 0, nil)", ptr, n, err)
	}
	if heap.Live() != 0 {
		t.Fatal("empty Materialize should not allocate")
	}
}

func TestMaterialize_AllocationFailure(t *testing.T) {
	b, heap := newTestBridge()
	heap.FailAllocs(true)

	if _, _, err := b.Materialize([]byte("x")); err == nil {
		t.Fatal("expected allocation error")
	}
	if _, _, err := b.MaterializeString("x"); err == nil {
		t.Fatal("expected allocation error")
	}
}

func TestMaterializeString(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"ascii", "offer"},
		{"empty", ""},
		{"utf8", "héllo wörld"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, heap := newTestBridge()
			ptr, n, err := b.MaterializeString(tt.in)
			if err != nil {
				t.Fatalf("MaterializeString: %v", err)
			}
			if ptr == 0 {
				t.Fatal("string blocks are never null")
			}
			if int(n) != len(tt.in) {
				t.Fatalf("n = %d, want %d", n, len(tt.in))
			}
			size, _ := heap.BlockSize(ptr)
			if int(size) != len(tt.in)+1 {
				t.Fatalf("block size = %d, want %d", size, len(tt.in)+1)
			}
			got, err := b.BorrowString(ptr)
			if err != nil || got != tt.in {
				t.Fatalf("BorrowString = %q, %v", got, err)
			}
		})
	}
}

func TestBorrowAndCopy(t *testing.T) {
	b, heap := newTestBridge()
	ptr := put(t, heap, []byte{1, 2, 3, 4})

	view, err := b.Borrow(ptr, 4)
	if err != nil || !bytes.Equal(view, []byte{1, 2, 3, 4}) {
		t.Fatalf("Borrow = %v, %v", view, err)
	}

	owned, err := b.Copy(ptr, 4)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	_ = heap.Write(ptr, []byte{9, 9, 9, 9})
	if !bytes.Equal(owned, []byte{1, 2, 3, 4}) {
		t.Fatal("Copy must not alias guest memory")
	}

	if _, err := b.Borrow(heap.Size()-2, 4); err == nil {
		t.Fatal("expected out of bounds error")
	}
}

func TestReadString(t *testing.T) {
	b, heap := newTestBridge()
	ptr := put(t, heap, []byte("abcdef"))

	s, err := b.ReadString(ptr, 3)
	if err != nil || s != "abc" {
		t.Fatalf("ReadString = %q, %v", s, err)
	}
}

func TestBorrowString_Edges(t *testing.T) {
	b, heap := newTestBridge()

	if s, err := b.BorrowString(0); err != nil || s != "" {
		t.Fatalf("null pointer = %q, %v", s, err)
	}

	long := bytes.Repeat([]byte("a"), 1000)
	ptr := put(t, heap, append(long, 0))
	s, err := b.BorrowString(ptr)
	if err != nil || s != string(long) {
		t.Fatalf("long string read failed: len=%d err=%v", len(s), err)
	}

	// Unterminated bytes at the very end of memory.
	end := heap.Size() - 3
	_ = heap.Write(end, []byte("xyz"))
	if _, err := b.BorrowString(end); err == nil {
		t.Fatal("expected error for unterminated string")
	}

	if _, err := b.BorrowString(heap.Size() + 10); err == nil {
		t.Fatal("expected out of bounds error")
	}
}

func TestWriteString(t *testing.T) {
	tests := []struct {
		name     string
		label    string
		capacity uint32
		want     string
	}{
		{"fits", "chat", 16, "chat"},
		{"exact", "chat", 5, "chat"},
		{"truncated", "chat", 3, "ch"},
		{"one byte", "chat", 1, ""},
		{"no split", "añb", 3, "a"},
		{"whole rune", "añb", 4, "añ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, heap := newTestBridge()
			ptr, _ := heap.Alloc(32, 1)
			_ = heap.Write(ptr, bytes.Repeat([]byte{0xff}, 32))

			n, err := b.WriteString(ptr, tt.capacity, tt.label)
			if err != nil {
				t.Fatalf("WriteString: %v", err)
			}
			if n != len(tt.label) {
				t.Fatalf("returned %d, want full length %d", n, len(tt.label))
			}
			got, _ := b.BorrowString(ptr)
			if got != tt.want {
				t.Fatalf("buffer holds %q, want %q", got, tt.want)
			}
			after, _ := heap.ReadU8(ptr + uint32(len(tt.want)) + 1)
			if tt.capacity > uint32(len(tt.want))+1 && after != 0xff {
				// Bytes past the terminator are untouched.
				t.Fatalf("wrote past terminator")
			}
		})
	}
}

func TestWriteString_ZeroCapacity(t *testing.T) {
	b, heap := newTestBridge()
	ptr, _ := heap.Alloc(4, 1)
	_ = heap.WriteU8(ptr, 0x7f)

	n, err := b.WriteString(ptr, 0, "label")
	if err != nil || n != 5 {
		t.Fatalf("WriteString = %d, %v", n, err)
	}
	c, _ := heap.ReadU8(ptr)
	if c != 0x7f {
		t.Fatal("zero capacity must not write")
	}
}

func TestReadPointers(t *testing.T) {
	b, heap := newTestBridge()
	s1, err := heap.PutString("stun:stun.l.google.com:19302")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := heap.PutString("turn:example.org")
	if err != nil {
		t.Fatal(err)
	}

	counted, err := heap.PutPointers(s1, s2)
	if err != nil {
		t.Fatal(err)
	}
	got, err := b.ReadPointers(counted, 2)
	if err != nil || len(got) != 2 || got[0] != "stun:stun.l.google.com:19302" || got[1] != "turn:example.org" {
		t.Fatalf("ReadPointers = %v, %v", got, err)
	}

	terminated, err := heap.PutPointers(s1, s2, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, err = b.ReadPointerList(terminated)
	if err != nil || len(got) != 2 || got[1] != "turn:example.org" {
		t.Fatalf("ReadPointerList = %v, %v", got, err)
	}

	if got, err := b.ReadPointers(counted, 0); err != nil || got != nil {
		t.Fatalf("zero count = %v, %v", got, err)
	}
	if got, err := b.ReadPointerList(0); err != nil || got != nil {
		t.Fatalf("null list = %v, %v", got, err)
	}
}

func TestHeap_NoReuseAndGrowth(t *testing.T) {
	heap := NewHeap(2)
	p1, _ := heap.Alloc(8, 8)
	heap.Free(p1, 8, 8)
	p2, _ := heap.Alloc(8, 8)
	if p1 == p2 {
		t.Fatal("bump allocator must not reuse freed blocks")
	}
	if p2%8 != 0 {
		t.Fatalf("alignment not honoured: %d", p2)
	}

	big, err := heap.Alloc(pageSize, 1)
	if err != nil {
		t.Fatalf("growth into second page failed: %v", err)
	}
	if heap.Size() != 2*pageSize {
		t.Fatalf("Size = %d", heap.Size())
	}
	if err := heap.Write(big+pageSize-1, []byte{1}); err != nil {
		t.Fatalf("write at end of grown block: %v", err)
	}

	if _, err := heap.Alloc(pageSize, 1); err == nil {
		t.Fatal("expected out of memory past maxPages")
	}
}

func TestHeap_PutReportsAllocationFailure(t *testing.T) {
	heap := NewHeap(1)
	heap.FailAllocs(true)

	if ptr, err := heap.Put([]byte("data")); err == nil || ptr != 0 {
		t.Fatalf("Put = %d, %v, want an error", ptr, err)
	}
	if _, err := heap.PutString(""); err == nil {
		t.Fatal("PutString should fail")
	}
	if _, err := heap.PutPointers(1, 2); err == nil {
		t.Fatal("PutPointers should fail")
	}
	if heap.Live() != 0 {
		t.Fatalf("Live = %d after failed puts", heap.Live())
	}

	heap.FailAllocs(false)
	ptr := put(t, heap, []byte("ok"))
	if got, _ := heap.Read(ptr, 2); string(got) != "ok" {
		t.Fatalf("Read = %q", got)
	}
}
