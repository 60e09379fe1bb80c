// File: cmd/echoserver/main.go
// Package main
// Echo server over TCP, UDP and WebSocket backed by the pooled allocator.
// Serves Prometheus metrics and a JSON pool dump next to the listeners.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/momentics/hioload-mem/control"
	"github.com/momentics/hioload-mem/pool"
	"github.com/momentics/hioload-mem/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	version = "dev"

	configFile = flag.String("config", os.Getenv("HIOLOAD_CONFIG"), "Path to YAML configuration file")
	watch      = flag.Bool("watch", false, "Reload the logging level when the configuration file changes")
)

func main() {
	flag.Parse()

	loader := control.NewLoader()
	cfg, err := loader.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, level, err := control.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting echoserver",
		zap.String("version", version),
		zap.String("configFile", *configFile))

	if *watch && *configFile != "" {
		loader.OnReload(func(c *control.Config) {
			if control.ApplyLevel(level, c.Logging) {
				logger.Info("Log level changed", zap.String("level", c.Logging.Level))
			}
		})
		loader.Watch(func(err error) {
			logger.Warn("Ignoring invalid configuration change", zap.Error(err))
		})
	}

	alloc, err := pool.New(cfg.Pool.AllocatorConfig(), pool.WithLogger(logger.Named("pool")))
	if err != nil {
		logger.Fatal("Failed to create allocator", zap.Error(err))
	}
	defer alloc.Close()

	srv := server.New(alloc, server.Config{
		TCPAddr:        cfg.Server.TCPAddr,
		UDPAddr:        cfg.Server.UDPAddr,
		WebSocketAddr:  cfg.Server.WebSocketAddr,
		Workers:        cfg.Server.Workers,
		ReadChunk:      cfg.Server.ReadChunk,
		MaxMessageSize: cfg.Server.MaxMessageSize,
		PinWorkers:     cfg.Server.PinWorkers,
	}, server.WithLogger(logger.Named("echo")))
	if err := srv.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = startMetrics(cfg.Metrics, alloc, srv, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", zap.Stringer("signal", sig))
	case <-srv.Done():
		logger.Info("Quit message received")
	}

	srv.Close()
	if metricsSrv != nil {
		metricsSrv.Close()
	}
	st := alloc.Stats()
	logger.Info("Server shutdown complete",
		zap.Int64("activeBuffers", st.ActiveBuffers),
		zap.Int64("fallbacks", st.Fallbacks),
		zap.Int("chunks", st.Chunks))
}

func startMetrics(cfg control.MetricsConfig, alloc *pool.Allocator, srv *server.EchoServer, logger *zap.Logger) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		control.NewPoolCollector("hioload", alloc),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	probes := control.NewDebugProbes()
	control.RegisterPoolProbes(probes, alloc)
	probes.RegisterProbe("echo.stats", func() any { return srv.Stats() })

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/debug/pool", probes)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	hs := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("Metrics server listening", zap.String("addr", cfg.Addr), zap.String("path", cfg.Path))
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return hs
}
