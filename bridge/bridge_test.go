package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/wippyai/wasm-netbridge/buffer"
	"github.com/wippyai/wasm-netbridge/eventloop"
	"github.com/wippyai/wasm-netbridge/handle"
	"github.com/wippyai/wasm-netbridge/host"
	"github.com/wippyai/wasm-netbridge/host/hosttest"
)

type countingObserver struct {
	stale     map[handle.Kind]int
	failures  map[handle.Kind]int
	delivered map[handle.Kind]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{
		stale:     make(map[handle.Kind]int),
		failures:  make(map[handle.Kind]int),
		delivered: make(map[handle.Kind]int),
	}
}

func (o *countingObserver) StaleCompletion(k handle.Kind)   { o.stale[k]++ }
func (o *countingObserver) TransportFailure(k handle.Kind)  { o.failures[k]++ }
func (o *countingObserver) CallbackDelivered(k handle.Kind) { o.delivered[k]++ }

type harness struct {
	t      *testing.T
	loop   *eventloop.Loop
	heap   *buffer.Heap
	buf    *buffer.Bridge
	b      *Bridge[uint32]
	http   *hosttest.HTTPClient
	dialer *hosttest.Dialer
	peers  *hosttest.PeerFactory
	obs    *countingObserver
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		loop:   eventloop.New(),
		heap:   buffer.NewHeap(16),
		http:   &hosttest.HTTPClient{},
		dialer: &hosttest.Dialer{},
		peers:  &hosttest.PeerFactory{},
		obs:    newCountingObserver(),
	}
	h.buf = buffer.New(h.heap, h.heap)
	caps := host.Capabilities{HTTP: h.http, WebSocket: h.dialer, WebRTC: h.peers}
	opts = append([]Option{WithObserver(h.obs)}, opts...)
	h.b = New[uint32](h.loop, h.buf, caps, opts...)
	t.Cleanup(h.loop.Close)
	return h
}

func newBareHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, loop: eventloop.New(), heap: buffer.NewHeap(4), obs: newCountingObserver()}
	h.buf = buffer.New(h.heap, h.heap)
	h.b = New[uint32](h.loop, h.buf, host.Capabilities{}, WithObserver(h.obs))
	t.Cleanup(h.loop.Close)
	return h
}

// drain runs queued tasks and completions of host operations.
func (h *harness) drain() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.loop.Drain(ctx); err != nil {
		h.t.Fatalf("drain: %v", err)
	}
}

// eventually drains until cond holds, for effects produced by goroutines the
// loop does not track.
func (h *harness) eventually(cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.drain()
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			h.t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) str(ptr uint32) string {
	h.t.Helper()
	s, err := h.buf.BorrowString(ptr)
	if err != nil {
		h.t.Fatalf("read string at %d: %v", ptr, err)
	}
	return s
}

func (h *harness) bytes(ptr uint32, n int32) []byte {
	h.t.Helper()
	data, err := h.buf.Copy(ptr, uint32(n))
	if err != nil {
		h.t.Fatalf("read %d bytes at %d: %v", n, ptr, err)
	}
	return data
}

// put copies data into a fresh heap block, as guest code would before
// calling the bridge.
func (h *harness) put(data []byte) uint32 {
	h.t.Helper()
	ptr, err := h.heap.Put(data)
	if err != nil {
		h.t.Fatalf("put %d bytes: %v", len(data), err)
	}
	return ptr
}

func (h *harness) putString(s string) uint32 {
	h.t.Helper()
	return h.put(append([]byte(s), 0))
}

// owned asserts the block at ptr is still allocated, i.e. the bridge did not
// free a payload it handed over.
func (h *harness) owned(ptr uint32) {
	h.t.Helper()
	if _, ok := h.heap.BlockSize(ptr); !ok {
		h.t.Fatalf("block %d was freed by the bridge", ptr)
	}
}

type message struct {
	ptr uint32
	n   int32
	ctx uint32
}

func TestHandlesIncreaseAcrossKinds(t *testing.T) {
	h := newHarness(t)

	var last handle.Handle
	check := func(got handle.Handle) {
		t.Helper()
		if got == 0 || got <= last {
			t.Fatalf("handle %d not greater than %d", got, last)
		}
		last = got
	}

	r := h.b.CreateHTTPRequest("GET", "http://a.invalid")
	check(r)
	check(h.b.CreateWebSocket("ws://a.invalid"))
	pc := h.b.CreatePeerConnection(nil)
	check(pc)
	check(h.b.CreateDataChannel(pc, "chat"))

	h.b.DeleteHTTPRequest(r)
	check(h.b.CreateHTTPRequest("GET", "http://b.invalid"))

	if s := h.b.Stats(); s.LastHandle != last {
		t.Fatalf("Stats.LastHandle = %d, want %d", s.LastHandle, last)
	}
}

func TestCapabilityAbsent(t *testing.T) {
	h := newBareHarness(t)

	if got := h.b.CreateHTTPRequest("GET", "http://a.invalid"); got != 0 {
		t.Errorf("CreateHTTPRequest = %d, want 0", got)
	}
	if got := h.b.CreateWebSocket("ws://a.invalid"); got != 0 {
		t.Errorf("CreateWebSocket = %d, want 0", got)
	}
	if got := h.b.CreatePeerConnection([]string{"stun:a.invalid"}); got != 0 {
		t.Errorf("CreatePeerConnection = %d, want 0", got)
	}
	if got := h.b.CreateDataChannel(1, "x"); got != 0 {
		t.Errorf("CreateDataChannel = %d, want 0", got)
	}
}

func TestInvalidHandlesAreNoOps(t *testing.T) {
	h := newHarness(t)
	const bogus handle.Handle = 999

	h.b.SetHTTPHeader(bogus, "a", "b")
	h.b.SetHTTPBody(bogus, 0, 10)
	h.b.SetHTTPUserContext(bogus, 1)
	h.b.Fetch(bogus, nil, nil)
	h.b.AbortHTTP(bogus)
	h.b.DeleteHTTPRequest(bogus)

	h.b.SetWebSocketOpenCallback(bogus, nil)
	h.b.SetWebSocketErrorCallback(bogus, nil)
	h.b.SetWebSocketMessageCallback(bogus, nil)
	h.b.SetWebSocketUserContext(bogus, 1)
	h.b.DeleteWebSocket(bogus)
	if h.b.SendWebSocket(bogus, 0, 4) != 0 {
		t.Error("SendWebSocket on invalid handle should return 0")
	}

	h.b.SetLocalDescriptionCallback(bogus, nil)
	h.b.SetLocalCandidateCallback(bogus, nil)
	h.b.SetDataChannelCallback(bogus, nil)
	h.b.SetSignalingErrorCallback(bogus, nil)
	h.b.SetRemoteDescription(bogus, "v=0", "offer")
	h.b.AddRemoteCandidate(bogus, "candidate:1", "0")
	h.b.SetUserContext(bogus, 1)
	h.b.DeletePeerConnection(bogus)

	h.b.SetDataChannelOpenCallback(bogus, nil)
	h.b.SetDataChannelErrorCallback(bogus, nil)
	h.b.SetDataChannelMessageCallback(bogus, nil)
	h.b.DeleteDataChannel(bogus)
	if h.b.SendDataChannel(bogus, 0, -1) != 0 {
		t.Error("SendDataChannel on invalid handle should return 0")
	}
	if h.b.GetDataChannelLabel(bogus, 0, 0) != 0 {
		t.Error("GetDataChannelLabel on invalid handle should return 0")
	}
	if _, ok := h.b.DataChannelLabel(bogus); ok {
		t.Error("DataChannelLabel on invalid handle should fail")
	}

	h.drain()
	if len(h.http.Requests()) != 0 {
		t.Error("no host request should have been made")
	}
}

type lifecycleObserver struct {
	registered, removed map[handle.Kind]int
}

func (o *lifecycleObserver) OnHandleEvent(e handle.Event) {
	switch e.Type {
	case handle.EventRegistered:
		o.registered[e.Kind]++
	case handle.EventRemoved:
		o.removed[e.Kind]++
	}
}

func TestSubscribeAndClose(t *testing.T) {
	h := newHarness(t)
	obs := &lifecycleObserver{registered: map[handle.Kind]int{}, removed: map[handle.Kind]int{}}
	h.b.Subscribe(obs)

	h.b.CreateHTTPRequest("GET", "http://a.invalid")
	ws := h.b.CreateWebSocket("ws://a.invalid")
	pc := h.b.CreatePeerConnection(nil)
	h.b.CreateDataChannel(pc, "chat")

	var closed bool
	h.b.SetWebSocketMessageCallback(ws, func(ptr uint32, n int32, _ uint32) {
		closed = true
	})

	h.b.Close()
	h.dialer.Last().Hangup()
	h.drain()

	for _, k := range []handle.Kind{handle.KindHTTPRequest, handle.KindWebSocket, handle.KindPeerConnection, handle.KindDataChannel} {
		if obs.registered[k] != 1 || obs.removed[k] != 1 {
			t.Errorf("%s: registered %d removed %d", k, obs.registered[k], obs.removed[k])
		}
	}
	if closed {
		t.Error("no callback may fire after Close")
	}
	if s := h.b.Stats(); s.Requests+s.Sockets+s.Peers+s.Channels != 0 {
		t.Errorf("objects left after Close: %+v", s)
	}
	if h.b.CreateHTTPRequest("GET", "http://a.invalid") != 0 {
		t.Error("closed bridge should refuse new objects")
	}
}

func TestSubscribeCancel(t *testing.T) {
	h := newHarness(t)
	obs := &lifecycleObserver{registered: map[handle.Kind]int{}, removed: map[handle.Kind]int{}}
	cancel := h.b.Subscribe(obs)

	h.b.CreateWebSocket("ws://a.invalid")
	cancel()
	h.b.CreateHTTPRequest("GET", "http://a.invalid")
	h.b.CreatePeerConnection(nil)

	if obs.registered[handle.KindWebSocket] != 1 {
		t.Errorf("websocket registrations: %d", obs.registered[handle.KindWebSocket])
	}
	if obs.registered[handle.KindHTTPRequest] != 0 || obs.registered[handle.KindPeerConnection] != 0 {
		t.Errorf("events after cancel: %v", obs.registered)
	}
}
