// Package nethost provides the production host capabilities: HTTP over
// net/http, WebSocket over gorilla/websocket and WebRTC over pion.
//
//	caps := host.Capabilities{
//		HTTP:      nethost.NewHTTPClient(nethost.WithHTTPTimeout(15 * time.Second)),
//		WebSocket: nethost.NewWebSocketDialer(),
//		WebRTC:    nethost.NewPeerFactory(nethost.WithPeerLogger(logger)),
//	}
//
// Every implementation reports events from its own goroutines; the bridge
// posts them onto its event loop.
package nethost
