// Package host defines the asynchronous transport capabilities the bridge
// delegates to.
//
// Each capability starts an operation and reports its outcome later, from a
// goroutine of its own. The bridge posts those reports onto its event loop
// before touching any state. Package nethost provides implementations on
// top of net/http, gorilla/websocket and pion/webrtc.
package host
