// Package main is the capsync binary: a capture coordinator that keeps a
// fleet of recording nodes in lockstep, plus a node simulator and history
// inspection.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"capsync/calibration"
	"capsync/config"
	"capsync/coordinator"
	"capsync/discovery"
	"capsync/events"
	"capsync/network"
	"capsync/protocol"
	"capsync/storage"
	"capsync/telemetry"
)

const (
	Version   = "0.3.0"
	BuildTime = "dev"
	appName   = "capsync"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	dataDir  string
	logLevel string
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Multi-device capture coordinator",
		Long: `capsync coordinates a fleet of capture nodes over TCP or WebSocket.

It tracks each node's lifecycle, keeps a per-device clock offset estimate,
drives synchronized recording sessions and runs calibration and validation
passes. Device history is kept in SQLite under the data directory.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flags.dataDir != "" {
				return os.Setenv(config.DataDirEnv, flags.dataDir)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "Data directory (overrides "+config.DataDirEnv+")")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error); defaults to the config value")

	cmd.AddCommand(runCmd(&flags))
	cmd.AddCommand(simulateCmd(&flags))
	cmd.AddCommand(historyCmd())
	cmd.AddCommand(configCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s, protocol: %d)\n", appName, Version, BuildTime, protocol.ProtocolVersion)
		},
	})

	return cmd
}

func newLogger(cfg *config.Config, override string) (*slog.Logger, error) {
	if override != "" {
		cfg.LogLevel = override
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, nil
}

type runOptions struct {
	validate string
	expect   int
	record   time.Duration
	simulate int
}

func runCmd(flags *globalFlags) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runCoordinator(ctx, flags.logLevel, opts)
		},
	}

	cmd.Flags().StringVar(&opts.validate, "validate", "", "Validation level to run once devices connect (basic, comprehensive, production)")
	cmd.Flags().IntVar(&opts.expect, "expect", 0, "Number of connected devices to wait for before validating or recording")
	cmd.Flags().DurationVar(&opts.record, "record", 0, "Record one session of this length once devices connect")
	cmd.Flags().IntVar(&opts.simulate, "simulate", 0, "Attach this many in-process simulated nodes")

	return cmd
}

func runCoordinator(ctx context.Context, logLevel string, opts runOptions) error {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg, logLevel)
	if err != nil {
		return err
	}
	policy, err := cfg.OffsetPolicy()
	if err != nil {
		return err
	}

	var level calibration.Level
	if opts.validate != "" {
		if level, err = calibration.ParseLevel(opts.validate); err != nil {
			return err
		}
	}

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close", "error", err)
		}
	}()

	logger.Info("capsync starting",
		"version", Version,
		"coordinator_id", cfg.Coordinator.ID,
		"coordinator_name", cfg.Coordinator.Name,
		"config", cfgPath,
		"database", dbPath)

	bus := events.NewBus()
	defer bus.Close()

	coord := coordinator.New(coordinator.Options{
		CoordinatorID:     cfg.Coordinator.ID,
		Bus:               bus,
		Logger:            logger,
		HeartbeatInterval: cfg.Network.HeartbeatInterval,
		HeartbeatMisses:   cfg.Network.HeartbeatMisses,
		CommandTimeout:    cfg.Commands.Timeout,
		MaxRetries:        cfg.Commands.MaxRetries,
		PrepareTimeout:    cfg.Commands.PrepareTimeout,
		IdentifyTimeout:   cfg.Network.ConnectionTimeout,
		ProbeInterval:     cfg.Sync.ProbeInterval,
		ProbeTimeout:      cfg.Sync.ProbeTimeout,
		SyncWindow:        cfg.Sync.Window,
		OutlierFactor:     cfg.Sync.OutlierFactor,
		MissedThreshold:   cfg.Sync.MissedThreshold,
		OffsetPolicy:      policy,
	})
	defer coord.Close()

	recorder := storage.NewRecorder(store, coord, logger)
	go recorder.Run(ctx, bus)

	startTelemetry(ctx, cfg, bus, coord, logger)

	engine, err := calibration.New(calibration.Options{
		Fleet:         coord,
		Store:         store,
		Threshold:     cfg.Calibration.MaxOffsetSpread,
		QuickRounds:   cfg.Calibration.QuickRounds,
		QuickInterval: cfg.Calibration.QuickInterval,
		Duration:      cfg.Calibration.Duration,
		ProbeInterval: cfg.Sync.ProbeInterval,
		StaleAfter:    cfg.Network.HeartbeatInterval * time.Duration(cfg.Network.HeartbeatMisses),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	server, err := network.Listen(fmt.Sprintf(":%d", cfg.Network.ServerPort), network.ServerOptions{})
	if err != nil {
		return err
	}
	defer server.Close()
	go logServerErrors(ctx, server, logger)
	logger.Info("accepting nodes", "addr", server.Addr().String())

	if cfg.Network.WebSocketAddr != "" {
		ws := network.NewWebSocketHandler(logger)
		defer ws.Close()
		go serveWebSocket(ctx, cfg.Network.WebSocketAddr, ws, logger)
		go func() {
			if err := coord.Serve(ctx, ws.Incoming()); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("websocket intake stopped", "error", err)
			}
		}()
	}

	port := server.Addr().(*net.TCPAddr).Port
	if !cfg.Network.DisableDiscovery {
		svc, err := discovery.Start(discovery.Config{
			CoordinatorID:   cfg.Coordinator.ID,
			CoordinatorName: cfg.Coordinator.Name,
			Port:            port,
			DiscoveryPort:   cfg.Network.DiscoveryPort,
			Logger:          logger,
		})
		if err != nil {
			logger.Warn("discovery unavailable", "error", err)
		} else {
			defer svc.Stop()
			attached := coord.Bus().Subscribe(events.OfTypes(events.DeviceAttached))
			defer attached.Close()
			go followDiscovery(ctx, svc.Scanner, attached.C(), coord, logger)
		}
	}

	if opts.simulate > 0 {
		address := fmt.Sprintf("127.0.0.1:%d", port)
		go func() {
			err := runSimulatedFleet(ctx, simulateOptions{count: opts.simulate, prefix: "sim", address: address, spread: 20 * time.Millisecond, delay: time.Millisecond}, logger)
			if err != nil && ctx.Err() == nil {
				logger.Warn("simulated fleet stopped", "error", err)
			}
		}()
	}

	if level != "" || opts.record > 0 {
		go preflight(ctx, coord, engine, level, opts, logger)
	}

	err = coord.Serve(ctx, server.Incoming())
	if errors.Is(err, context.Canceled) {
		logger.Info("capsync shutting down")
		return nil
	}
	return err
}

func startTelemetry(ctx context.Context, cfg *config.Config, bus *events.Bus, coord *coordinator.Coordinator, logger *slog.Logger) {
	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		logger.Warn("metrics unavailable", "error", err)
	} else {
		go metrics.Run(ctx, bus, coord.Snapshot, time.Second)
		if cfg.Telemetry.MetricsAddr != "" {
			go func() {
				if err := metrics.Serve(ctx, cfg.Telemetry.MetricsAddr, logger); err != nil {
					logger.Warn("metrics server stopped", "error", err)
				}
			}()
		}
	}

	if cfg.Telemetry.NATSURL == "" {
		return
	}
	publisher, err := telemetry.ConnectNATS(cfg.Telemetry.NATSURL, appName+"-"+cfg.Coordinator.ID, logger)
	if err != nil {
		logger.Warn("event fan-out disabled", "nats_url", cfg.Telemetry.NATSURL, "error", err)
		return
	}
	go func() {
		defer publisher.Close()
		publisher.Run(ctx, bus, nil)
	}()
}

func logServerErrors(ctx context.Context, server *network.Server, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-server.Errors():
			if !ok {
				return
			}
			logger.Warn("accept", "error", err)
		}
	}
}

func serveWebSocket(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/ws", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("accepting websocket nodes", "addr", addr, "path", "/ws")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("websocket server stopped", "error", err)
	}
}

// nodeDirectory is the part of the mDNS scanner followDiscovery reads.
type nodeDirectory interface {
	Events() <-chan discovery.Event
	Lookup(deviceID string) (discovery.DiscoveredNode, bool)
}

type displayNamer interface {
	SetDisplayName(deviceID, name string) bool
}

// followDiscovery names devices after their mDNS advertisement. A node that
// advertised before attaching is named when its link attaches.
func followDiscovery(ctx context.Context, nodes nodeDirectory, attached <-chan events.Event, namer displayNamer, logger *slog.Logger) {
	updates := nodes.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-updates:
			if !ok {
				return
			}
			switch event.Type {
			case discovery.EventNodeUpserted:
				logger.Debug("node advertised",
					"device_id", event.Node.DeviceID,
					"name", event.Node.DeviceName,
					"endpoint", event.Node.Endpoint())
				if event.Node.DeviceName != "" {
					namer.SetDisplayName(event.Node.DeviceID, event.Node.DeviceName)
				}
			case discovery.EventNodeRemoved:
				logger.Debug("node advertisement gone", "device_id", event.Node.DeviceID)
			}
		case e, ok := <-attached:
			if !ok {
				attached = nil
				continue
			}
			node, found := nodes.Lookup(e.DeviceID)
			if found && node.DeviceName != "" {
				namer.SetDisplayName(e.DeviceID, node.DeviceName)
			}
		}
	}
}

// preflight waits for the expected fleet, validates it and optionally records
// one session.
func preflight(ctx context.Context, coord *coordinator.Coordinator, engine *calibration.Engine, level calibration.Level, opts runOptions, logger *slog.Logger) {
	expect := opts.expect
	if expect <= 0 {
		expect = 1
	}
	ids, err := waitForFleet(ctx, coord, expect)
	if err != nil {
		return
	}
	logger.Info("fleet connected", "devices", ids)

	if level != "" {
		report, err := engine.Validate(ctx, level)
		if err != nil {
			logger.Error("validation", "error", err)
			return
		}
		logger.Info("validation finished", "validation_id", report.ID, "level", report.Level, "passed", report.Passed, "failed", report.Failed())
		if !report.Passed {
			return
		}
	}

	if opts.record <= 0 {
		return
	}
	if _, err := coord.StartSession(ctx, "", ids); err != nil {
		logger.Error("start session", "error", err)
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(opts.record / 2):
		if _, err := coord.Mark(ctx, protocol.MarkerTimeReference, "midpoint"); err != nil {
			logger.Warn("mark", "error", err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(opts.record - opts.record/2):
		}
	}
	endCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := coord.EndSession(endCtx); err != nil {
		logger.Error("end session", "error", err)
	}
}

func waitForFleet(ctx context.Context, coord *coordinator.Coordinator, expect int) ([]string, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		var ids []string
		for _, r := range coord.Snapshot() {
			if r.Connected && r.State == protocol.StateIdle {
				ids = append(ids, r.DeviceID)
			}
		}
		if len(ids) >= expect {
			return ids, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the coordinator configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, err := config.ResolveDataDir()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), config.ConfigPath(dataDir))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration, creating it if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := config.LoadOrCreate()
			if err != nil {
				return err
			}
			raw, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", cfgPath, raw)
			return nil
		},
	})
	return cmd
}
