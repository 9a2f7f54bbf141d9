package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/wippyai/wasm-netbridge/config"
	"github.com/wippyai/wasm-netbridge/errors"
	"github.com/wippyai/wasm-netbridge/metrics"
	"github.com/wippyai/wasm-netbridge/runtime"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config (defaults when empty)")
		entry      = flag.String("entry", "", "Exported function to run (overrides engine.entry)")
		monitor    = flag.String("monitor", "auto", "Live stats view: auto, on or off")
		metricsAt  = flag.String("metrics", "", "Serve Prometheus metrics on this address (overrides metrics.listen)")
	)
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: netbridge [flags] <guest.wasm>")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	code, err := run(flag.Arg(0), *configPath, *entry, *monitor, *metricsAt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(code)
}

func run(wasmFile, configPath, entry, monitorMode, metricsAt string) (int, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return 1, err
	}
	config.ApplyEnvOverrides(cfg)
	if entry != "" {
		cfg.Engine.Entry = entry
	}
	if metricsAt != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = metricsAt
	}
	if err := cfg.Validate(); err != nil {
		return 1, err
	}

	interactive, err := useMonitor(monitorMode)
	if err != nil {
		return 2, err
	}

	var tail *logTail
	var logger *zap.Logger
	if interactive {
		// The monitor owns the terminal; logs and guest output go to its tail.
		tail = newLogTail(200)
		logger, err = tailLogger(cfg.Log, tail)
	} else {
		logger, err = cfg.Log.BuildLogger()
	}
	if err != nil {
		return 1, err
	}
	defer func() { _ = logger.Sync() }()
	runtime.SetLogger(logger)

	wasm, err := os.ReadFile(wasmFile)
	if err != nil {
		return 1, fmt.Errorf("read guest: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []runtime.Option{runtime.WithLogger(logger)}
	if interactive {
		opts = append(opts, runtime.WithStdout(tail), runtime.WithStderr(tail))
	} else {
		opts = append(opts, runtime.WithStdout(os.Stdout), runtime.WithStderr(os.Stderr))
	}
	if cfg.Metrics.Enabled {
		collector := metrics.New(cfg.Metrics.Namespace)
		reg := prometheus.NewRegistry()
		reg.MustRegister(collector, collectors.NewGoCollector())
		opts = append(opts, runtime.WithMetrics(collector))
		if cfg.Metrics.Listen != "" {
			opts = append(opts, runtime.WithService(serveMetrics(cfg.Metrics.Listen, reg, logger)))
		}
	}

	rt, err := runtime.New(ctx, cfg, opts...)
	if err != nil {
		return 1, err
	}
	defer rt.Close(context.Background())

	if err := rt.Load(ctx, wasm); err != nil {
		return 1, err
	}
	logger.Info("guest loaded",
		zap.String("file", wasmFile),
		zap.String("entry", cfg.Engine.Entry),
		zap.Strings("ice_servers", cfg.WebRTC.ICEServers))

	if interactive {
		err = runMonitor(ctx, rt, cfg.Engine.Entry, wasmFile, tail)
	} else {
		err = rt.Run(ctx, cfg.Engine.Entry)
	}
	return exitCode(err), err
}

func useMonitor(mode string) (bool, error) {
	switch mode {
	case "on":
		return true, nil
	case "off":
		return false, nil
	case "auto":
		return term.IsTerminal(int(os.Stdout.Fd())), nil
	default:
		return false, fmt.Errorf("-monitor must be auto, on or off, got %q", mode)
	}
}

// exitCode maps a run error to the process exit status. A guest exit code
// passes through.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *errors.Error
	if stderrors.As(err, &e) && e.Kind == errors.KindExit {
		if code, ok := e.Value.(uint32); ok {
			return int(code)
		}
	}
	if stderrors.Is(err, context.Canceled) {
		return 130
	}
	return 1
}

func tailLogger(lc config.LogConfig, w io.Writer) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "log level")
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.TimeEncoderOfLayout(time.TimeOnly)
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), level)
	return zap.New(core), nil
}

func serveMetrics(addr string, g prometheus.Gatherer, logger *zap.Logger) runtime.Service {
	return func(ctx context.Context) error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(g))
		srv := &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Serve(ln) }()

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case err := <-errCh:
			if stderrors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	}
}
