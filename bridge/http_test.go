package bridge

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/wippyai/wasm-netbridge/handle"
	"github.com/wippyai/wasm-netbridge/host"
	"github.com/wippyai/wasm-netbridge/host/hosttest"
)

type fetchResult struct {
	status int32
	ptr    uint32
	n      int32
	ctx    uint32
	failed bool
}

type fetchRecorder struct {
	results []fetchResult
}

func (r *fetchRecorder) onResponse(status int32, ptr uint32, n int32, ctx uint32) {
	r.results = append(r.results, fetchResult{status: status, ptr: ptr, n: n, ctx: ctx})
}

func (r *fetchRecorder) onError(code int32, ctx uint32) {
	r.results = append(r.results, fetchResult{status: code, ctx: ctx, failed: true})
}

func TestFetchDeliversResponse(t *testing.T) {
	h := newHarness(t)
	h.http.Handler = func(_ context.Context, req *host.Request) (*host.Response, error) {
		return &host.Response{Status: 201, Body: append([]byte("echo:"), req.Body...)}, nil
	}

	req := h.b.CreateHTTPRequest("POST", "http://api.invalid/items")
	if req == 0 {
		t.Fatal("CreateHTTPRequest returned 0")
	}
	h.b.SetHTTPHeader(req, "Content-Type", "text/plain")
	h.b.SetHTTPHeader(req, "X-Trace", "1")
	h.b.SetHTTPHeader(req, "X-Trace", "2")
	body := h.put([]byte("payload"))
	h.b.SetHTTPBody(req, body, 7)
	h.b.SetHTTPUserContext(req, 42)

	// The body was copied; the guest may reuse its buffer immediately.
	if err := h.heap.Write(body, []byte("XXXXXXX")); err != nil {
		t.Fatal(err)
	}

	rec := &fetchRecorder{}
	h.b.Fetch(req, rec.onResponse, rec.onError)
	h.drain()

	if len(rec.results) != 1 {
		t.Fatalf("got %d callbacks, want 1", len(rec.results))
	}
	got := rec.results[0]
	if got.failed || got.status != 201 || got.ctx != 42 {
		t.Fatalf("unexpected result %+v", got)
	}
	if string(h.bytes(got.ptr, got.n)) != "echo:payload" {
		t.Errorf("body = %q", h.bytes(got.ptr, got.n))
	}
	h.owned(got.ptr)

	seen := h.http.Requests()
	if len(seen) != 1 {
		t.Fatalf("host saw %d requests", len(seen))
	}
	if seen[0].Method != "POST" || seen[0].URL != "http://api.invalid/items" {
		t.Errorf("request line = %s %s", seen[0].Method, seen[0].URL)
	}
	if seen[0].Header.Get("Content-Type") != "text/plain" {
		t.Errorf("Content-Type = %q", seen[0].Header.Get("Content-Type"))
	}
	if v := seen[0].Header.Values("X-Trace"); len(v) != 1 || v[0] != "2" {
		t.Errorf("X-Trace = %v, want the last value only", v)
	}
	if h.obs.delivered[handle.KindHTTPRequest] != 1 {
		t.Errorf("delivered = %d", h.obs.delivered[handle.KindHTTPRequest])
	}
}

func TestFetchDefaultsToGet(t *testing.T) {
	h := newHarness(t)
	req := h.b.CreateHTTPRequest("", "http://api.invalid")
	h.b.Fetch(req, nil, nil)
	h.drain()
	if m := h.http.Requests()[0].Method; m != "GET" {
		t.Errorf("method = %q, want GET", m)
	}
}

func TestFetchErrorStatusIsResponse(t *testing.T) {
	h := newHarness(t)
	h.http.Handler = func(context.Context, *host.Request) (*host.Response, error) {
		return &host.Response{Status: 404, Body: []byte("missing")}, nil
	}

	req := h.b.CreateHTTPRequest("GET", "http://api.invalid/nope")
	rec := &fetchRecorder{}
	h.b.Fetch(req, rec.onResponse, rec.onError)
	h.drain()

	if len(rec.results) != 1 || rec.results[0].failed || rec.results[0].status != 404 {
		t.Fatalf("results = %+v, want one 404 response", rec.results)
	}
}

func TestFetchEmptyBody(t *testing.T) {
	h := newHarness(t)
	h.http.Handler = func(context.Context, *host.Request) (*host.Response, error) {
		return &host.Response{Status: 204}, nil
	}

	req := h.b.CreateHTTPRequest("DELETE", "http://api.invalid/items/1")
	rec := &fetchRecorder{}
	h.b.Fetch(req, rec.onResponse, rec.onError)
	h.drain()

	if len(rec.results) != 1 {
		t.Fatalf("got %d callbacks", len(rec.results))
	}
	if got := rec.results[0]; got.status != 204 || got.ptr != 0 || got.n != 0 {
		t.Errorf("result = %+v, want (204, 0, 0)", got)
	}
}

func TestFetchTransportFailure(t *testing.T) {
	h := newHarness(t)
	h.http.Handler = func(context.Context, *host.Request) (*host.Response, error) {
		return nil, errors.New("connection refused")
	}

	req := h.b.CreateHTTPRequest("GET", "http://api.invalid")
	h.b.SetHTTPUserContext(req, 5)
	rec := &fetchRecorder{}
	h.b.Fetch(req, rec.onResponse, rec.onError)
	h.drain()

	if len(rec.results) != 1 {
		t.Fatalf("got %d callbacks, want 1", len(rec.results))
	}
	if got := rec.results[0]; !got.failed || got.status != 0 || got.ctx != 5 {
		t.Errorf("result = %+v, want error(0, 5)", got)
	}
	if h.obs.failures[handle.KindHTTPRequest] != 1 {
		t.Errorf("failures = %d", h.obs.failures[handle.KindHTTPRequest])
	}
}

func TestFetchAllocationFailureReportsError(t *testing.T) {
	h := newHarness(t)
	h.http.Handler = func(context.Context, *host.Request) (*host.Response, error) {
		return &host.Response{Status: 200, Body: []byte("data")}, nil
	}

	req := h.b.CreateHTTPRequest("GET", "http://api.invalid")
	rec := &fetchRecorder{}
	h.heap.FailAllocs(true)
	h.b.Fetch(req, rec.onResponse, rec.onError)
	h.drain()

	if len(rec.results) != 1 || !rec.results[0].failed {
		t.Fatalf("results = %+v, want one error", rec.results)
	}
}

func TestFetchUsesTemplateSnapshot(t *testing.T) {
	h := newHarness(t)
	gate := hosttest.NewGate()
	h.http.Handler = func(ctx context.Context, req *host.Request) (*host.Response, error) {
		if err := gate.Wait(ctx); err != nil {
			return nil, err
		}
		return &host.Response{Status: 200}, nil
	}

	req := h.b.CreateHTTPRequest("GET", "http://api.invalid")
	h.b.SetHTTPHeader(req, "X-Version", "1")
	h.b.SetHTTPUserContext(req, 1)
	rec := &fetchRecorder{}
	h.b.Fetch(req, rec.onResponse, rec.onError)

	h.b.SetHTTPHeader(req, "X-Version", "2")
	h.b.SetHTTPUserContext(req, 2)
	h.b.Fetch(req, rec.onResponse, rec.onError)

	if s := h.b.Stats(); s.Fetches != 2 {
		t.Errorf("Stats.Fetches = %d, want 2", s.Fetches)
	}
	gate.Release()
	h.drain()

	if len(rec.results) != 2 {
		t.Fatalf("got %d callbacks, want 2", len(rec.results))
	}
	ctxs := map[uint32]bool{rec.results[0].ctx: true, rec.results[1].ctx: true}
	if !ctxs[1] || !ctxs[2] {
		t.Errorf("contexts = %v, want 1 and 2", ctxs)
	}
	versions := map[string]bool{}
	for _, r := range h.http.Requests() {
		versions[r.Header.Get("X-Version")] = true
	}
	if !versions["1"] || !versions["2"] {
		t.Errorf("header versions = %v, want 1 and 2", versions)
	}
	if s := h.b.Stats(); s.Fetches != 0 {
		t.Errorf("Stats.Fetches = %d after completion", s.Fetches)
	}
}

func TestAbortSuppressesInFlight(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	var cancelled atomic.Bool
	h.http.Handler = func(ctx context.Context, req *host.Request) (*host.Response, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			cancelled.Store(true)
			return nil, ctx.Err()
		}
		return &host.Response{Status: 200, Body: []byte("second")}, nil
	}

	req := h.b.CreateHTTPRequest("GET", "http://api.invalid/slow")
	rec := &fetchRecorder{}
	h.b.Fetch(req, rec.onResponse, rec.onError)
	h.b.AbortHTTP(req)
	h.drain()

	if len(rec.results) != 0 {
		t.Fatalf("aborted fetch produced %+v", rec.results)
	}
	if !cancelled.Load() {
		t.Error("host request was not cancelled")
	}
	if h.obs.stale[handle.KindHTTPRequest] != 1 {
		t.Errorf("stale = %d, want 1", h.obs.stale[handle.KindHTTPRequest])
	}

	h.b.Fetch(req, rec.onResponse, rec.onError)
	h.drain()
	if len(rec.results) != 1 || rec.results[0].status != 200 {
		t.Fatalf("results after abort = %+v, want one response", rec.results)
	}
	if string(h.bytes(rec.results[0].ptr, rec.results[0].n)) != "second" {
		t.Error("wrong body after abort")
	}
}

func TestAbortSuppressesUncancellableCompletion(t *testing.T) {
	h := newHarness(t)
	gate := hosttest.NewGate()
	h.http.Handler = func(context.Context, *host.Request) (*host.Response, error) {
		_ = gate.Wait(context.Background())
		return &host.Response{Status: 200, Body: []byte("late")}, nil
	}

	req := h.b.CreateHTTPRequest("GET", "http://api.invalid")
	rec := &fetchRecorder{}
	h.b.Fetch(req, rec.onResponse, rec.onError)
	h.b.AbortHTTP(req)
	gate.Release()
	h.drain()

	if len(rec.results) != 0 {
		t.Fatalf("aborted fetch produced %+v", rec.results)
	}
}

func TestDeleteDuringFetch(t *testing.T) {
	h := newHarness(t)
	gate := hosttest.NewGate()
	h.http.Handler = func(context.Context, *host.Request) (*host.Response, error) {
		_ = gate.Wait(context.Background())
		return &host.Response{Status: 200}, nil
	}

	req := h.b.CreateHTTPRequest("GET", "http://api.invalid")
	rec := &fetchRecorder{}
	h.b.Fetch(req, rec.onResponse, rec.onError)
	h.b.DeleteHTTPRequest(req)
	gate.Release()
	h.drain()

	if len(rec.results) != 0 {
		t.Fatalf("deleted fetch produced %+v", rec.results)
	}

	h.b.Fetch(req, rec.onResponse, rec.onError)
	h.drain()
	if n := len(h.http.Requests()); n != 1 {
		t.Errorf("host saw %d requests, want 1", n)
	}
	if s := h.b.Stats(); s.Requests != 0 {
		t.Errorf("Stats.Requests = %d", s.Requests)
	}
}
