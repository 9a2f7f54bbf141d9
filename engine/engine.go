package engine

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/wippyai/wasm-netbridge/errors"
)

// Engine owns a wazero runtime shared by the host modules and the guest.
type Engine struct {
	runtime      wazero.Runtime
	wasiInitMu   sync.Mutex
	wasiInitDone atomic.Bool
}

// Config holds configuration for engine creation
type Config struct {
	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	MemoryLimitPages uint32

	// CloseOnContextDone makes guest calls observe context cancellation,
	// so a cancelled run interrupts a guest stuck in a loop.
	CloseOnContextDone bool
}

// New creates an engine with its own wazero runtime.
func New(ctx context.Context, cfg *Config) (*Engine, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg != nil {
		if cfg.MemoryLimitPages > 0 {
			runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
		}
		if cfg.CloseOnContextDone {
			runtimeCfg = runtimeCfg.WithCloseOnContextDone(true)
		}
	}
	return &Engine{runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg)}, nil
}

// Runtime returns the underlying wazero runtime.
func (e *Engine) Runtime() wazero.Runtime {
	return e.runtime
}

// InitWASI instantiates wasi_snapshot_preview1 once. Guests built with
// emscripten or wasi-libc import it for stdio, clocks and exit.
func (e *Engine) InitWASI(ctx context.Context) error {
	if e.wasiInitDone.Load() {
		return nil
	}

	e.wasiInitMu.Lock()
	defer e.wasiInitMu.Unlock()

	if e.wasiInitDone.Load() {
		return nil
	}
	if e.runtime.Module(wasi_snapshot_preview1.ModuleName) == nil {
		builder := e.runtime.NewHostModuleBuilder(wasi_snapshot_preview1.ModuleName)
		wasi_snapshot_preview1.NewFunctionExporter().ExportFunctions(builder)
		if _, err := builder.Instantiate(ctx); err != nil {
			return errors.Registration(errors.PhaseHost, wasi_snapshot_preview1.ModuleName, "*", err)
		}
	}
	e.wasiInitDone.Store(true)
	return nil
}

// Close releases the runtime and every module instantiated in it.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Module is a compiled guest module.
type Module struct {
	engine   *Engine
	compiled wazero.CompiledModule
}

// Compile validates and compiles a guest binary.
func (e *Engine) Compile(ctx context.Context, wasm []byte) (*Module, error) {
	if len(wasm) == 0 {
		return nil, errors.Load("empty module", nil)
	}
	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.Load("compile module", err)
	}
	return &Module{engine: e, compiled: compiled}, nil
}

// ImportModules returns the distinct module names the guest imports from.
func (m *Module) ImportModules() []string {
	seen := make(map[string]bool)
	var names []string
	for _, def := range m.compiled.ImportedFunctions() {
		mod, _, _ := def.Import()
		if !seen[mod] {
			seen[mod] = true
			names = append(names, mod)
		}
	}
	return names
}

// Imports returns the function names the guest imports from module.
func (m *Module) Imports(module string) []string {
	var names []string
	for _, def := range m.compiled.ImportedFunctions() {
		mod, name, _ := def.Import()
		if mod == module {
			names = append(names, name)
		}
	}
	return names
}

// ExportedFunctions returns the definitions of the guest's function exports.
func (m *Module) ExportedFunctions() map[string]api.FunctionDefinition {
	return m.compiled.ExportedFunctions()
}

// InstanceConfig holds per-instance settings.
type InstanceConfig struct {
	Name   string
	Args   []string
	Stdout io.Writer
	Stderr io.Writer
	// Start lists functions run during instantiation. Nil keeps wazero's
	// default of "_start"; an empty slice runs nothing.
	Start []string
}

// Instantiate creates the guest instance and binds it to guest. Host
// modules the guest imports must be instantiated first.
func (m *Module) Instantiate(ctx context.Context, guest *Guest, cfg *InstanceConfig) (api.Module, error) {
	modCfg := wazero.NewModuleConfig().WithName("")
	if cfg != nil {
		if cfg.Name != "" {
			modCfg = modCfg.WithName(cfg.Name)
		}
		if len(cfg.Args) > 0 {
			modCfg = modCfg.WithArgs(cfg.Args...)
		}
		if cfg.Stdout != nil {
			modCfg = modCfg.WithStdout(cfg.Stdout)
		}
		if cfg.Stderr != nil {
			modCfg = modCfg.WithStderr(cfg.Stderr)
		}
		if cfg.Start != nil {
			modCfg = modCfg.WithStartFunctions(cfg.Start...)
		}
	}

	mod, err := m.engine.runtime.InstantiateModule(ctx, m.compiled, modCfg)
	if err != nil {
		return nil, errors.Instantiation(err)
	}
	if guest != nil {
		if err := guest.Bind(mod); err != nil {
			_ = mod.Close(ctx)
			return nil, err
		}
	}
	return mod, nil
}

// Close releases the compiled module.
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}
