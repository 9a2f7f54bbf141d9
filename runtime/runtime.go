package runtime

import (
	"context"
	stderrors "errors"
	"io"
	"slices"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-netbridge/bridge"
	"github.com/wippyai/wasm-netbridge/buffer"
	"github.com/wippyai/wasm-netbridge/config"
	"github.com/wippyai/wasm-netbridge/dispatch"
	"github.com/wippyai/wasm-netbridge/engine"
	"github.com/wippyai/wasm-netbridge/errors"
	"github.com/wippyai/wasm-netbridge/eventloop"
	"github.com/wippyai/wasm-netbridge/host"
	"github.com/wippyai/wasm-netbridge/metrics"
	"github.com/wippyai/wasm-netbridge/nethost"
)

// Service runs alongside the event loop during Run and must return when
// ctx is cancelled.
type Service func(ctx context.Context) error

type options struct {
	caps      *host.Capabilities
	logger    *zap.Logger
	collector *metrics.Collector
	stdout    io.Writer
	stderr    io.Writer
	onImport  []func(string)
	services  []Service
}

// Option configures a Runtime.
type Option func(*options)

// WithCapabilities replaces the native transports built from config.
func WithCapabilities(caps host.Capabilities) Option {
	return func(o *options) {
		o.caps = &caps
	}
}

// WithLogger sets the logger for the runtime and every component it wires.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics feeds c with handle, bridge, import and fault events.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) {
		o.collector = c
	}
}

// WithStdout sets the guest's WASI stdout.
func WithStdout(w io.Writer) Option {
	return func(o *options) {
		o.stdout = w
	}
}

// WithStderr sets the guest's WASI stderr.
func WithStderr(w io.Writer) Option {
	return func(o *options) {
		o.stderr = w
	}
}

// WithImportObserver adds a hook called with the import name on every
// guest call into the bridge.
func WithImportObserver(fn func(name string)) Option {
	return func(o *options) {
		if fn != nil {
			o.onImport = append(o.onImport, fn)
		}
	}
}

// WithService runs svc for the duration of every Run.
func WithService(svc Service) Option {
	return func(o *options) {
		if svc != nil {
			o.services = append(o.services, svc)
		}
	}
}

// Runtime hosts one guest module and its bridge.
//
// The guest's entry point and every callback run on the event loop, one
// at a time. Run drives the loop until no further callback is possible.
type Runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	engine   *engine.Engine
	loop     *eventloop.Loop
	guest    *engine.Guest
	disp     *dispatch.Dispatcher
	bridge   *bridge.Bridge[uint32]
	host     *engine.HostModule
	compiled *engine.Module
	mod      api.Module
	services []Service
	stdout   io.Writer
	stderr   io.Writer
	cancel   context.CancelFunc
	mu       sync.Mutex
	running  bool
	closed   bool
}

// New creates a runtime from cfg. A nil cfg means config.Default().
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{logger: Logger()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger

	eng, err := engine.New(ctx, &engine.Config{
		MemoryLimitPages:   cfg.Engine.MemoryLimitPages,
		CloseOnContextDone: true,
	})
	if err != nil {
		return nil, errors.Load("create engine", err)
	}
	if cfg.Engine.WASI {
		if err := eng.InitWASI(ctx); err != nil {
			_ = eng.Close(ctx)
			return nil, err
		}
	}

	// Host operations and guest callbacks outlive New's ctx; Close cancels
	// them.
	runCtx, cancel := context.WithCancel(context.Background())

	caps := nativeCapabilities(runCtx, cfg, logger)
	if o.caps != nil {
		caps = *o.caps
	}

	guest := engine.NewGuest(engine.Exports{
		Memory:        cfg.Engine.Exports.Memory,
		Malloc:        cfg.Engine.Exports.Malloc,
		Free:          cfg.Engine.Exports.Free,
		DynCallPrefix: cfg.Engine.Exports.DynCallPrefix,
	})
	guest.SetContext(runCtx)
	buf := buffer.New(guest, guest)
	loop := eventloop.New(eventloop.WithLogger(logger))

	dispOpts := []dispatch.Option{dispatch.WithLogger(logger), dispatch.WithContext(runCtx)}
	bridgeOpts := []bridge.Option{
		bridge.WithLogger(logger),
		bridge.WithContext(runCtx),
		bridge.WithDefaultICEServers(cfg.WebRTC.ICEServers),
	}
	onImport := o.onImport
	if c := o.collector; c != nil {
		dispOpts = append(dispOpts, dispatch.WithFaultHandler(c.CallbackFault))
		bridgeOpts = append(bridgeOpts, bridge.WithObserver(c))
		onImport = append(onImport, c.ImportCalled)
	}
	disp := dispatch.New(guest, dispOpts...)
	b := bridge.New[uint32](loop, buf, caps, bridgeOpts...)
	if o.collector != nil {
		b.Subscribe(o.collector)
	}

	hostOpts := []engine.HostOption{
		engine.WithModuleName(cfg.Engine.ImportModule),
		engine.WithHostLogger(logger),
	}
	if len(onImport) > 0 {
		hostOpts = append(hostOpts, engine.WithImportObserver(func(name string) {
			for _, fn := range onImport {
				fn(name)
			}
		}))
	}
	hm := engine.NewHostModule(b, buf, disp, hostOpts...)
	if _, err := hm.Instantiate(ctx, eng.Runtime()); err != nil {
		cancel()
		loop.Close()
		_ = eng.Close(ctx)
		return nil, err
	}

	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		engine:   eng,
		loop:     loop,
		guest:    guest,
		disp:     disp,
		bridge:   b,
		host:     hm,
		services: o.services,
		stdout:   o.stdout,
		stderr:   o.stderr,
		cancel:   cancel,
	}, nil
}

func nativeCapabilities(ctx context.Context, cfg *config.Config, logger *zap.Logger) host.Capabilities {
	httpOpts := []nethost.HTTPOption{
		nethost.WithHTTPTimeout(cfg.HTTP.Timeout),
		nethost.WithUserAgent(cfg.HTTP.UserAgent),
		nethost.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
	}
	if cfg.HTTP.RateLimit > 0 {
		httpOpts = append(httpOpts, nethost.WithRateLimit(cfg.HTTP.RateLimit, cfg.HTTP.Burst))
	}
	return host.Capabilities{
		HTTP: nethost.NewHTTPClient(httpOpts...),
		WebSocket: nethost.NewWebSocketDialer(
			nethost.WithSocketContext(ctx),
			nethost.WithHandshakeTimeout(cfg.WebSocket.HandshakeTimeout),
			nethost.WithReadLimit(cfg.WebSocket.ReadLimit),
			nethost.WithWriteQueue(cfg.WebSocket.WriteQueue),
			nethost.WithSocketLogger(logger),
		),
		WebRTC: nethost.NewPeerFactory(nethost.WithPeerLogger(logger)),
	}
}

// Engine returns the engine, for registering additional host modules
// before Load.
func (r *Runtime) Engine() *engine.Engine {
	return r.engine
}

// Imports returns the names the bridge import module defines.
func (r *Runtime) Imports() []string {
	return r.host.Imports()
}

// Load compiles and instantiates the guest. Every import must resolve to
// the bridge module, WASI when enabled, or a module already registered in
// the engine. Start functions are not run; Run calls the entry point.
func (r *Runtime) Load(ctx context.Context, wasm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.NotInitialized(errors.PhaseLoad, "runtime")
	}
	if r.mod != nil {
		return errors.InvalidInput(errors.PhaseLoad, "a guest is already loaded")
	}

	compiled, err := r.engine.Compile(ctx, wasm)
	if err != nil {
		return err
	}
	if err := r.checkImports(compiled); err != nil {
		_ = compiled.Close(ctx)
		return err
	}

	mod, err := compiled.Instantiate(ctx, r.guest, &engine.InstanceConfig{
		Args:   append([]string{"guest"}, r.cfg.Engine.Args...),
		Stdout: r.stdout,
		Stderr: r.stderr,
		Start:  []string{},
	})
	if err != nil {
		_ = compiled.Close(ctx)
		return err
	}
	r.compiled = compiled
	r.mod = mod
	r.logger.Debug("guest loaded",
		zap.Strings("bridge_imports", compiled.Imports(r.host.Name())),
		zap.Int("exports", len(compiled.ExportedFunctions())))
	return nil
}

func (r *Runtime) checkImports(m *engine.Module) error {
	for _, mod := range m.ImportModules() {
		switch {
		case mod == r.host.Name():
			defined := r.host.Imports()
			for _, name := range m.Imports(mod) {
				if _, ok := slices.BinarySearch(defined, name); !ok {
					return errors.NotFound(errors.PhaseLoad, "bridge import", name)
				}
			}
		case mod == wasi_snapshot_preview1.ModuleName && r.cfg.Engine.WASI:
		case r.engine.Runtime().Module(mod) != nil:
		default:
			return errors.NotFound(errors.PhaseLoad, "import module", mod)
		}
	}
	return nil
}

// Run calls entry (the configured entry when empty) on the event loop and
// keeps the loop running until no request, socket or peer connection can
// produce another callback. Services registered with WithService run
// alongside and are cancelled when the loop finishes.
//
// A WASI exit with code 0 ends the run successfully; the bridge is closed
// since the guest can no longer receive callbacks.
func (r *Runtime) Run(ctx context.Context, entry string) error {
	if entry == "" {
		entry = r.cfg.Engine.Entry
	}

	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return errors.NotInitialized(errors.PhaseRuntime, "runtime")
	case r.mod == nil:
		r.mu.Unlock()
		return errors.NotInitialized(errors.PhaseRuntime, "guest")
	case r.running:
		r.mu.Unlock()
		return errors.InvalidInput(errors.PhaseRuntime, "already running")
	}
	fn := r.mod.ExportedFunction(entry)
	if fn == nil {
		r.mu.Unlock()
		return errors.NotFound(errors.PhaseRuntime, "entry point", entry)
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	var entryErr error
	if err := r.loop.Submit(func() {
		if _, err := fn.Call(ctx); err != nil {
			entryErr = r.entryFailed(entry, err)
		}
	}); err != nil {
		return errors.Wrap(errors.PhaseRuntime, errors.KindNotInitialized, err, "submit entry")
	}

	g, gctx := errgroup.WithContext(ctx)
	svcCtx, stopServices := context.WithCancel(gctx)
	defer stopServices()
	for _, svc := range r.services {
		g.Go(func() error { return svc(svcCtx) })
	}
	g.Go(func() error {
		defer stopServices()
		return r.runLoop(gctx, &entryErr)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return entryErr
}

// runLoop runs the loop until idle. A failed entry point stops it at once.
func (r *Runtime) runLoop(ctx context.Context, entryErr *error) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.loop.Defer(func() {
		if *entryErr != nil {
			cancel()
		}
	})
	err := r.loop.RunUntilIdle(loopCtx)
	if *entryErr != nil {
		var exit *sys.ExitError
		if stderrors.As(*entryErr, &exit) && exit.ExitCode() == 0 {
			*entryErr = nil
		}
		r.bridge.Close()
		return nil
	}
	return err
}

func (r *Runtime) entryFailed(entry string, err error) error {
	var exit *sys.ExitError
	if stderrors.As(err, &exit) {
		r.logger.Debug("guest exited", zap.String("entry", entry), zap.Uint32("code", exit.ExitCode()))
		if exit.ExitCode() == 0 {
			return err
		}
		return errors.New(errors.PhaseRuntime, errors.KindExit).
			Value(exit.ExitCode()).
			Detail("%s exited with code %d", entry, exit.ExitCode()).
			Cause(err).
			Build()
	}
	return errors.New(errors.PhaseRuntime, errors.KindTrap).
		Detail("%s", entry).
		Cause(err).
		Build()
}

// Stats is a snapshot of the bridge, the loop and callback dispatch.
type Stats struct {
	Bridge    bridge.Stats
	Loop      eventloop.Stats
	Callbacks uint64
	Faults    uint64
}

// Stats returns a snapshot. While Run is active the snapshot is taken on
// the loop, so it waits behind queued tasks.
func (r *Runtime) Stats(ctx context.Context) (Stats, error) {
	r.mu.Lock()
	if !r.running {
		defer r.mu.Unlock()
		return r.snapshot(), nil
	}
	r.mu.Unlock()

	ch := make(chan Stats, 1)
	if err := r.loop.Submit(func() { ch <- r.snapshot() }); err != nil {
		return Stats{}, err
	}
	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (r *Runtime) snapshot() Stats {
	return Stats{
		Bridge:    r.bridge.Stats(),
		Loop:      r.loop.Stats(),
		Callbacks: r.disp.Calls(),
		Faults:    r.disp.Faults(),
	}
}

// Close releases every bridge object, host connection and the engine.
// It must not be called while Run is active.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if r.running {
		return errors.InvalidInput(errors.PhaseRuntime, "close while running")
	}
	r.closed = true
	r.bridge.Close()
	r.cancel()
	r.loop.Close()
	return r.engine.Close(ctx)
}
