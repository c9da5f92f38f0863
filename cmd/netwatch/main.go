// Command netwatch runs the network-availability monitor.
//
// # Usage
//
//	netwatch -config config.json -addr :8090
//
// # Configuration
//
// The monitor can be configured via:
// - Command-line flags
// - Environment variables (NETWATCH_*, LOG_LEVEL)
// - The config file (targets, webhooks, retention)
//
// A missing config file is a fatal startup error; run with -init to write a
// starter config first.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ifpj/netwatch/internal/api"
	"github.com/ifpj/netwatch/internal/bus"
	"github.com/ifpj/netwatch/internal/config"
	"github.com/ifpj/netwatch/internal/probe"
	"github.com/ifpj/netwatch/internal/snapshot"
	"github.com/ifpj/netwatch/internal/supervisor"
	"github.com/ifpj/netwatch/internal/sysinfo"
	"github.com/ifpj/netwatch/internal/webhook"
	"github.com/ifpj/netwatch/pkg/types"
)

const appVersion = "netwatch v0.1.0"

// webhookFlushTimeout bounds the shutdown-time drain of pending alerts.
const webhookFlushTimeout = 5 * time.Second

func main() {
	var (
		configPath   = flag.String("config", envOr("NETWATCH_CONFIG", "config.json"), "Config file path (.json, .yaml)")
		cachePath    = flag.String("cache", envOr("NETWATCH_CACHE", "cache.json"), "Snapshot cache file path")
		addr         = flag.String("addr", envOr("NETWATCH_ADDR", ":8090"), "HTTP listen address")
		maxProbeRate = flag.Float64("max-probes-per-s", envOrFloat("NETWATCH_MAX_PROBES_PER_S", 50), "Global probe start rate limit")
		initConfig   = flag.Bool("init", false, "Write a starter config file and exit")
		debug        = flag.Bool("debug", false, "Enable debug logging")
		version      = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println(appVersion)
		os.Exit(0)
	}

	logger := newLogger(*debug)

	if *initConfig {
		if err := config.WriteDefault(*configPath); err != nil {
			logger.Error("failed to write starter config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		logger.Info("starter config written", "path", *configPath)
		os.Exit(0)
	}

	if err := run(logger, *configPath, *cachePath, *addr, *maxProbeRate); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath, cachePath, addr string, maxProbeRate float64) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config %s (run with -init to create one): %w", configPath, err)
	}
	logger.Info("config loaded",
		"path", configPath,
		"targets", len(cfg.Targets),
		"webhooks", len(cfg.Alert.Webhooks))

	restored, err := snapshot.Load(cachePath)
	if err != nil {
		// Corrupt cache degrades to a cold start, never a refusal to boot.
		logger.Warn("snapshot unusable, starting cold", "path", cachePath, "error", err)
		restored = map[string]types.TargetStatus{}
	} else if len(restored) > 0 {
		logger.Info("snapshot restored", "targets", len(restored))
	}

	registry, diags := probe.DefaultRegistry()
	for _, diag := range diags {
		logger.Warn("prober unavailable", "error", diag)
	}
	if err := checkProtocols(registry, cfg); err != nil {
		return err
	}

	b := bus.New(0)
	var limiter *rate.Limiter
	if maxProbeRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(maxProbeRate), 1)
	}

	dispatcher := webhook.NewDispatcher(nil, logger)
	sup := supervisor.New(supervisor.Config{
		Registry:   registry,
		Bus:        b,
		Limiter:    limiter,
		AlertSink:  dispatcher,
		ConfigPath: configPath,
		Logger:     logger,
	})
	snap := snapshot.NewManager(cachePath, sup, 0, logger)
	apiServer := api.NewServer(sup, b, sysinfo.NewCollector(appVersion), logger)

	// runCtx governs every long-lived task; cancelling it starts the
	// orderly shutdown.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	if err := sup.Start(runCtx, cfg, restored); err != nil {
		return err
	}

	// No WriteTimeout: /api/events streams for the life of the client.
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     apiServer,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	listenErr := make(chan error, 1)

	// The dispatcher gets its own context so queued alerts can still drain
	// during the shutdown flush, after the runners are gone.
	dispCtx, cancelDisp := context.WithCancel(context.Background())
	defer cancelDisp()

	g, gCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return dispatcher.Run(dispCtx, b)
	})
	g.Go(func() error {
		return snap.Run(gCtx)
	})
	go func() {
		logger.Info("listening", "addr", addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-listenErr:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig)
	}

	// A second signal during shutdown aborts immediately.
	go func() {
		sig := <-sigCh
		logger.Error("second signal, aborting", "signal", sig)
		os.Exit(130)
	}()

	shutdown(logger, apiServer, httpServer, sup, dispatcher, snap, cancelRun)
	cancelDisp()
	_ = g.Wait()
	return nil
}

// shutdown quiesces the monitor in dependency order: stop config writes,
// cancel runners, wait for in-flight probes, drain webhooks, write the
// final snapshot.
func shutdown(
	logger *slog.Logger,
	apiServer *api.Server,
	httpServer *http.Server,
	sup *supervisor.Supervisor,
	dispatcher *webhook.Dispatcher,
	snap *snapshot.Manager,
	cancelRun context.CancelFunc,
) {
	apiServer.SetReadOnly(true)

	grace := sup.MaxProbeTimeout() + 1*time.Second
	cancelRun()
	sup.Wait(grace)

	dispatcher.Flush(webhookFlushTimeout)

	if err := snap.Save(); err != nil {
		logger.Error("final snapshot failed", "error", err)
	} else {
		logger.Info("final snapshot written")
	}

	httpCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	logger.Info("shutdown complete")
}

// checkProtocols verifies every configured protocol has a working prober,
// so an ICMP target on a host without socket permission fails loudly at
// startup instead of producing a wall of failed probes.
func checkProtocols(registry *probe.Registry, cfg *types.Config) error {
	for _, t := range cfg.Targets {
		if _, ok := registry.Get(t.Protocol); !ok {
			return fmt.Errorf("target %q uses protocol %s but no prober is available (ICMP needs net.ipv4.ping_group_range or CAP_NET_RAW)", t.Name, t.Protocol)
		}
	}
	return nil
}

// newLogger builds the process logger from LOG_LEVEL and the -debug flag.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
