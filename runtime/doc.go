// Package runtime wires a guest module to the native network transports.
//
// A Runtime owns one wazero engine, one event loop and one bridge. New
// builds the transports from a config.Config, registers the bridge import
// module and, when enabled, WASI. Load instantiates the guest without
// running its start function; Run then calls the entry point on the loop
// and returns once nothing can call back into the guest:
//
//	rt, err := runtime.New(ctx, cfg, runtime.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer rt.Close(ctx)
//
//	if err := rt.Load(ctx, wasm); err != nil {
//		return err
//	}
//	return rt.Run(ctx, "")
//
// A guest that keeps a WebSocket or peer connection open keeps Run going
// until the connection closes or ctx is cancelled.
package runtime
