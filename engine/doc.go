// Package engine runs guest modules on wazero and exposes the bridge to
// them.
//
// Three pieces cooperate:
//
//   - Engine owns the wazero runtime, compiles guest binaries and
//     optionally provides wasi_snapshot_preview1.
//   - HostModule registers the "env" import module. Each import reads its
//     arguments from guest memory, wraps guest function pointers as
//     callbacks and forwards to the bridge.
//   - Guest adapts the instantiated module: its exported memory, malloc and
//     free back the buffer bridge, and its dynCall_* trampolines back the
//     callback dispatcher.
//
// A Guest starts unbound so the host module can be registered before the
// guest that imports it is instantiated:
//
//	guest := engine.NewGuest(engine.DefaultExports())
//	buf := buffer.New(guest, guest)
//	disp := dispatch.New(guest)
//	b := bridge.New[uint32](loop, buf, caps)
//	if _, err := engine.NewHostModule(b, buf, disp).Instantiate(ctx, eng.Runtime()); err != nil {
//		return err
//	}
//	compiled, err := eng.Compile(ctx, wasm)
//	...
//	mod, err := compiled.Instantiate(ctx, guest, &engine.InstanceConfig{Start: []string{}})
package engine
