package bridge

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-netbridge/dispatch"
	"github.com/wippyai/wasm-netbridge/errors"
	"github.com/wippyai/wasm-netbridge/eventloop"
	"github.com/wippyai/wasm-netbridge/handle"
	"github.com/wippyai/wasm-netbridge/host"
)

type httpRequest[C any] struct {
	tmpl      host.Request
	userCtx   C
	inflight  map[uint64]context.CancelFunc
	epoch     uint64
	nextFetch uint64
	deleted   bool
}

// CreateHTTPRequest registers a request template. It returns 0 when the
// host has no HTTP capability.
func (b *Bridge[C]) CreateHTTPRequest(method, url string) handle.Handle {
	if b.caps.HTTP == nil || b.closed {
		return 0
	}
	if method == "" {
		method = http.MethodGet
	}
	return b.requests.Register(&httpRequest[C]{
		tmpl: host.Request{
			Method: method,
			URL:    url,
			Header: make(http.Header),
		},
		inflight: make(map[uint64]context.CancelFunc),
	})
}

// SetHTTPHeader sets a header on the template, replacing earlier values.
func (b *Bridge[C]) SetHTTPHeader(h handle.Handle, name, value string) {
	r, ok := b.requests.Lookup(h)
	if !ok || name == "" {
		return
	}
	r.tmpl.Header.Set(name, value)
}

// SetHTTPBody copies n guest bytes at ptr into the template body.
func (b *Bridge[C]) SetHTTPBody(h handle.Handle, ptr uint32, n int32) {
	r, ok := b.requests.Lookup(h)
	if !ok {
		return
	}
	if n <= 0 {
		r.tmpl.Body = []byte{}
		return
	}
	body, err := b.buf.Copy(ptr, uint32(n))
	if err != nil {
		b.logger.Debug("http body not readable", zap.Uint32("handle", uint32(h)), zap.Error(err))
		return
	}
	r.tmpl.Body = body
}

// SetHTTPBodyBytes copies data into the template body.
func (b *Bridge[C]) SetHTTPBodyBytes(h handle.Handle, data []byte) {
	r, ok := b.requests.Lookup(h)
	if !ok {
		return
	}
	r.tmpl.Body = append([]byte{}, data...)
}

// SetHTTPUserContext sets the context passed to the callbacks of the next
// fetch.
func (b *Bridge[C]) SetHTTPUserContext(h handle.Handle, ctx C) {
	if r, ok := b.requests.Lookup(h); ok {
		r.userCtx = ctx
	}
}

// Fetch starts the request described by the template. Exactly one of
// onResponse or onError fires, unless the request is aborted or deleted
// first, in which case neither does. Any HTTP status is a response.
func (b *Bridge[C]) Fetch(h handle.Handle, onResponse dispatch.ResponseFunc[C], onError dispatch.ErrorFunc[C]) {
	r, ok := b.requests.Lookup(h)
	if !ok {
		return
	}

	epoch := r.epoch
	userCtx := r.userCtx
	req := r.tmpl.Clone()
	id := r.nextFetch
	r.nextFetch++

	ctx, cancel := context.WithCancel(b.ctx)
	r.inflight[id] = cancel

	client := b.caps.HTTP
	started := eventloop.Go(b.loop, func() (*host.Response, error) {
		return client.Do(ctx, req)
	}, func(resp *host.Response, err error) {
		cancel()
		delete(r.inflight, id)

		if r.deleted || r.epoch != epoch {
			b.stale(handle.KindHTTPRequest, h)
			return
		}
		if err != nil {
			b.observer.TransportFailure(handle.KindHTTPRequest)
			b.logger.Debug("fetch failed",
				zap.Uint32("handle", uint32(h)),
				zap.String("url", req.URL),
				zap.Error(errors.Transport(errors.PhaseHTTP, uint32(h), err)))
			if onError != nil {
				onError(0, userCtx)
				b.delivered(handle.KindHTTPRequest)
			}
			return
		}

		ptr, n, err := b.buf.Materialize(resp.Body)
		if err != nil {
			b.logger.Warn("response body not delivered",
				zap.Uint32("handle", uint32(h)),
				zap.Int("size", len(resp.Body)),
				zap.Error(err))
			if onError != nil {
				onError(0, userCtx)
				b.delivered(handle.KindHTTPRequest)
			}
			return
		}
		if onResponse != nil {
			onResponse(int32(resp.Status), ptr, int32(n), userCtx)
			b.delivered(handle.KindHTTPRequest)
		}
	})
	if !started {
		cancel()
		delete(r.inflight, id)
	}
}

// AbortHTTP suppresses the callbacks of every fetch in flight and asks the
// host to cancel them. A later Fetch on the same handle is unaffected.
func (b *Bridge[C]) AbortHTTP(h handle.Handle) {
	r, ok := b.requests.Lookup(h)
	if !ok {
		return
	}
	b.abort(r)
}

// DeleteHTTPRequest aborts in-flight fetches and removes the handle.
func (b *Bridge[C]) DeleteHTTPRequest(h handle.Handle) {
	r, ok := b.requests.Remove(h)
	if !ok {
		return
	}
	r.deleted = true
	b.abort(r)
}

func (b *Bridge[C]) abort(r *httpRequest[C]) {
	r.epoch++
	for id, cancel := range r.inflight {
		cancel()
		delete(r.inflight, id)
	}
}
