// Command connsysd runs the connection-management core as a standalone
// daemon: a UDP transport, the legacy and initiator-responder engines, the
// shared keep-alive worker, a Prometheus metrics endpoint and a read-only
// HTTP introspection API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/bmwcarit/ramses-connsys/internal/config"
	"github.com/bmwcarit/ramses-connsys/internal/connsys"
	"github.com/bmwcarit/ramses-connsys/internal/control"
	"github.com/bmwcarit/ramses-connsys/internal/metrics"
	"github.com/bmwcarit/ramses-connsys/internal/transport"
	"github.com/bmwcarit/ramses-connsys/internal/version"
)

// protocolVersion is the major wire-protocol version this build speaks.
// The connection-management core never interprets it beyond an equality
// check between peers; it only grows on a breaking wire change.
const protocolVersion uint32 = 1

// shutdownTimeout bounds how long HTTP servers are given to drain
// connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("connsysd starting",
		slog.String("version", version.Version),
		slog.String("listen_addr", cfg.Listen.Addr),
		slog.String("control_addr", cfg.Control.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Uint64("self_iid", cfg.Identity.SelfIID),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	if err := runServers(cfg, collector, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("connsysd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("connsysd stopped")
	return 0
}

func runServers(
	cfg *config.Config,
	collector *metrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	dispatcher, stack, worker, err := buildCore(cfg, logger)
	if err != nil {
		return fmt.Errorf("build core: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	if !dispatcher.Connect() {
		return errors.New("connect stack: both engines failed to start")
	}
	stack.BindReceiver(gCtx, dispatcher)

	controlSrv := newControlServer(cfg.Control, dispatcher, logger)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	startHTTPServers(gCtx, g, cfg, controlSrv, metricsSrv, logger)
	startMetricsSampler(gCtx, g, dispatcher, collector)

	g.Go(func() error {
		worker.Run(gCtx)
		return nil
	})

	startSIGHUPHandler(gCtx, g, configPath, logLevel, logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, dispatcher, logger, controlSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// buildCore wires the transport, both engines, the dispatcher and the
// keep-alive worker from cfg.
func buildCore(cfg *config.Config, logger *slog.Logger) (*connsys.Dispatcher, *transport.UDPStack, *connsys.KeepAliveWorker, error) {
	peers := make([]transport.PeerConfig, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers = append(peers, transport.PeerConfig{IID: connsys.IID(p.IID), Addr: p.Addr})
	}

	stack := transport.New(transport.Config{
		ListenAddr: cfg.Listen.Addr,
		SelfIID:    connsys.IID(cfg.Identity.SelfIID),
		Peers:      peers,
	}, logger)

	notifier := connsys.NewNotifier(logger)
	clock := clockwork.NewRealClock()
	selfPID := connsys.NewPID()

	legacy, err := connsys.NewLegacyEngine(connsys.LegacyEngineConfig{
		SelfPID:           selfPID,
		SelfIID:           connsys.IID(cfg.Identity.SelfIID),
		ProtocolVersion:   protocolVersion,
		Stack:             stack,
		Notifier:          notifier,
		Clock:             clock,
		Log:               logger,
		KeepAliveInterval: cfg.KeepAlive.Interval,
		KeepAliveTimeout:  cfg.KeepAlive.Timeout,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build legacy engine: %w", err)
	}

	ir, err := connsys.NewIREngine(connsys.IREngineConfig{
		SelfPID:           selfPID,
		SelfIID:           connsys.IID(cfg.Identity.SelfIID),
		ProtocolVersion:   protocolVersion,
		Stack:             stack,
		Notifier:          notifier,
		Clock:             clock,
		Log:               logger,
		KeepAliveInterval: cfg.KeepAlive.Interval,
		KeepAliveTimeout:  cfg.KeepAlive.Timeout,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build ir engine: %w", err)
	}

	dispatcher := connsys.NewDispatcher(legacy, ir, logger)
	worker := connsys.NewKeepAliveWorker(dispatcher, clock, cfg.KeepAlive.Interval, cfg.KeepAlive.Timeout, logger)
	dispatcher.WireWorker(worker)

	return dispatcher, stack, worker, nil
}

func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	controlSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("control server listening", slog.String("addr", cfg.Control.Addr))
		return listenAndServe(ctx, &lc, controlSrv, cfg.Control.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path))
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startMetricsSampler periodically pushes the dispatcher's connected-count
// into the Prometheus gauge; the core itself never imports prometheus.
func startMetricsSampler(ctx context.Context, g *errgroup.Group, dispatcher *connsys.Dispatcher, collector *metrics.Collector) {
	const sampleInterval = 2 * time.Second

	g.Go(func() error {
		ticker := time.NewTicker(sampleInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				sampleConnectedParticipants(dispatcher, collector)
			}
		}
	})
}

func sampleConnectedParticipants(dispatcher *connsys.Dispatcher, collector *metrics.Collector) {
	var legacyConnected, irConnected float64
	for _, p := range dispatcher.Snapshot() {
		if !p.Connected {
			continue
		}
		if p.Engine == "legacy" {
			legacyConnected++
		} else {
			irConnected++
		}
	}
	collector.SetConnectedParticipants("legacy", legacyConnected)
	collector.SetConnectedParticipants("ir", irConnected)
}

func startSIGHUPHandler(ctx context.Context, g *errgroup.Group, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sigHUP:
				logger.Info("received SIGHUP, reloading log level")
				reloadLogLevel(configPath, logLevel, logger)
			}
		}
	})
}

// reloadLogLevel re-reads the config file and applies any change to the
// dynamic log level. Peer and identity changes require a restart: the
// transport and engines are not rebuilt on SIGHUP.
func reloadLogLevel(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()))
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()))
}

func gracefulShutdown(ctx context.Context, dispatcher *connsys.Dispatcher, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")

	dispatcher.Disconnect()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newControlServer(cfg config.ControlConfig, dispatcher *connsys.Dispatcher, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           control.New(dispatcher, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
