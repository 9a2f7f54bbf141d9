// Package netbridge lets sandboxed WebAssembly guests perform networked I/O
// through the host's networking stack.
//
// Guests see a small procedural API of integer handles: HTTP requests,
// WebSocket connections, WebRTC peer connections and data channels. The host
// performs the transport work asynchronously and reports completions back by
// calling guest function pointers with buffers allocated in guest memory.
//
// # Architecture Overview
//
//	netbridge/          Root package with the Memory and Allocator interfaces
//	├── handle/         Handle tables sharing one monotonic counter
//	├── buffer/         Host bytes <-> guest-owned memory blocks
//	├── dispatch/       Callback closures and guest function-pointer dispatch
//	├── eventloop/      The single logical thread all callbacks run on
//	├── host/           Transport capability interfaces
//	├── bridge/         HTTP, WebSocket and WebRTC adapters
//	├── nethost/        net/http, gorilla/websocket and pion/webrtc hosts
//	├── engine/         wazero binding and the "env" import module
//	├── runtime/        Load a guest, run an entry point, drive the loop
//	├── config/         YAML configuration
//	├── metrics/        Prometheus collectors
//	├── errors/         Structured error types
//	├── internal/wasmgen/ Generated guest modules for tests
//	└── cmd/netbridge/  CLI with a live stats monitor
//
// # Quick Start
//
//	cfg := config.Default()
//	rt, err := runtime.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	if err := rt.Load(ctx, wasmBytes); err != nil {
//	    log.Fatal(err)
//	}
//	if err := rt.Run(ctx, "main"); err != nil {
//	    log.Fatal(err)
//	}
//
// # Ownership
//
// Every payload passed to a guest callback is allocated with the guest's
// malloc and belongs to the guest afterwards. Buffers passed into the bridge
// are only read during the call.
package netbridge
