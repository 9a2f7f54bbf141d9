// Package bridge implements the handle-based networking surface a sandboxed
// guest uses to reach host transports.
//
// A Bridge owns four handle tables (HTTP requests, WebSockets, peer
// connections and data channels) drawing from one counter, so every live
// object has a distinct handle. Operations return immediately; outcomes
// arrive later as callbacks, always on the event loop.
//
// Two rules hold for every object:
//
//   - After Delete, or after Abort for HTTP, no callback for the affected
//     operation fires, even if the host completes it later.
//   - Payloads passed to callbacks are freshly allocated in guest memory and
//     belong to the callee. Inputs are copied before the call returns.
//
// Peer connections run an offer/answer state machine. A negotiation-needed
// event creates and applies a local offer; a remote offer creates and
// applies a local answer. Host operations for one connection run one at a
// time in submission order, and a negotiation request that arrives mid
// exchange is replayed once the connection is stable again.
package bridge
