// Command gpufleetd runs the GPU instance control plane: HTTP API, worker
// pool, and the auto-stop and spot-migration schedulers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gpufleet/gpufleet"
	"github.com/gpufleet/gpufleet/core"
	"github.com/gpufleet/gpufleet/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gpufleetd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "optional JSON or YAML config file; environment overrides apply on top")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(gpufleet.Version)
		return nil
	}

	opts := []core.Option{}
	if *configPath != "" {
		opts = append(opts, core.WithConfigFile(*configPath))
	}
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, cfg.ServiceName, gpufleet.Version)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	svc, err := gpufleet.NewService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	logger.Info("Starting gpufleetd", map[string]interface{}{
		"version": gpufleet.Version,
		"addr":    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	})
	return svc.Run(ctx)
}
