// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 tapwire Contributors

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tapwire/tapwire/internal/broker"
	"github.com/tapwire/tapwire/internal/capability"
	"github.com/tapwire/tapwire/internal/dispatch"
	"github.com/tapwire/tapwire/internal/logging"
	"github.com/tapwire/tapwire/internal/observability"
	"github.com/tapwire/tapwire/internal/plugin"
	"github.com/tapwire/tapwire/internal/script"
	"github.com/tapwire/tapwire/internal/transport"
)

// runFlags holds flags specific to the run subcommand, layered on top of
// the persistent config flags registered in root.go.
type runFlags struct {
	serialPort string
	serialBaud int
	rttTarget  string
	rttChannel int
}

// NewRunCmd creates the run subcommand: it builds every component the
// plugin runtime needs, loads every plugin under plugins_dir, and blocks
// serving traffic until interrupted.
func NewRunCmd() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the plugin runtime against a loopback transport",
		Long: `Run loads every plugin under plugins_dir, starts the event
dispatcher and metrics/health server, and serves until interrupted with
SIGINT or SIGTERM. Without hardware attached, the runtime's transport is
a loopback: bytes a plugin sends are echoed back as bytes received.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRuntime(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.serialPort, "serial-port", "", "activate the serial channel at startup with this port name")
	cmd.Flags().IntVar(&flags.serialBaud, "serial-baud", 115200, "baud rate used if --serial-port is set")
	cmd.Flags().StringVar(&flags.rttTarget, "rtt-target", "", "activate the RTT channel at startup with this target name")
	cmd.Flags().IntVar(&flags.rttChannel, "rtt-channel", 0, "RTT channel number used if --rtt-target is set")

	return cmd
}

func runRuntime(cmd *cobra.Command, flags *runFlags) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logging.SetDefault("tapwire", cmd.Root().Version, cfg.LogFormat)
	logger := slog.Default()

	obsServer := observability.NewServer(cfg.MetricsAddr, func() bool { return true })
	errCh, err := obsServer.Start()
	if err != nil {
		return fmt.Errorf("starting observability server: %w", err)
	}
	go func() {
		for err := range errCh {
			if err != nil {
				logger.Error("observability server error", "error", err)
			}
		}
	}()
	defer func() {
		_ = obsServer.Stop(context.Background())
	}()

	enforcer := capability.NewEnforcer()
	factory := script.NewStateFactory(script.OSNameFromEnv())
	resourceBroker := broker.NewBroker()
	resourceBroker.StartIdleReaper(cfg.ShellIdleTimeout)
	defer resourceBroker.Stop()

	registry := plugin.NewRegistry(factory, nil, enforcer)

	d := dispatch.NewDispatcher(
		registry,
		resourceBroker,
		enforcer,
		dispatch.NewSlogLog(logger),
		nil, // Transport is wired in below, once d exists to post events into.
		obsServer.Metrics(),
		logger,
		cfg.EventQueueCapacity,
		cfg.DeferredTimeout,
	)
	registry.SetScheduler(d)

	loop := transport.NewLoopback(d)
	d.SetTransport(loop)

	if flags.serialPort != "" {
		if err := loop.SerialConnect(flags.serialPort, flags.serialBaud); err != nil {
			return fmt.Errorf("connecting serial: %w", err)
		}
	}
	if flags.rttTarget != "" {
		loop.ConnectRTT(flags.rttTarget, flags.rttChannel)
	}

	d.Start()
	defer d.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loaded, err := loadPlugins(ctx, registry, cfg.PluginsDir)
	if err != nil {
		return err
	}
	logger.Info("plugin runtime ready", "plugins_loaded", loaded, "metrics_addr", obsServer.Addr())

	<-ctx.Done()
	logger.Info("shutting down, unloading plugins")

	unloadCtx, cancel := context.WithTimeout(context.Background(), cfg.DeferredTimeout)
	defer cancel()
	for _, path := range registry.List() {
		if err := registry.Unload(unloadCtx, path); err != nil {
			logger.Warn("error unloading plugin", "path", path, "error", err)
		}
	}

	return nil
}

// loadPlugins discovers and loads every plugin.yaml under dir, logging
// and skipping (not failing the run) any plugin that fails to load —
// one broken plugin must never prevent the others from starting.
func loadPlugins(ctx context.Context, registry *plugin.Registry, dir string) (int, error) {
	dirs, err := discoverManifests(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	loaded := 0
	for _, pluginDir := range dirs {
		data, err := os.ReadFile(filepath.Join(pluginDir, "plugin.yaml"))
		if err != nil {
			slog.Default().Warn("skipping plugin: reading manifest failed", "dir", pluginDir, "error", err)
			continue
		}
		manifest, err := plugin.ParseManifest(data)
		if err != nil {
			slog.Default().Warn("skipping plugin: invalid manifest", "dir", pluginDir, "error", err)
			continue
		}
		p, err := registry.Load(ctx, pluginDir, manifest)
		if err != nil {
			slog.Default().Warn("skipping plugin: load failed", "dir", pluginDir, "error", err)
			continue
		}
		if p.State() == plugin.StateFailed {
			slog.Default().Warn("plugin loaded but on_load failed", "dir", pluginDir)
			continue
		}
		loaded++
	}
	return loaded, nil
}
