package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"capsync/config"
	"capsync/discovery"
	"capsync/network"
	"capsync/simnode"
)

const (
	reconnectMin = 250 * time.Millisecond
	reconnectMax = 10 * time.Second
)

type simulateOptions struct {
	count      int
	prefix     string
	address    string
	websocket  string
	modalities []string
	spread     time.Duration
	delay      time.Duration
	drop       float64
	heartbeat  time.Duration
	advertise  int
}

func simulateCmd(flags *globalFlags) *cobra.Command {
	opts := simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run simulated capture nodes against a coordinator",
		Long: `simulate starts a number of simulated capture nodes. Each node
answers commands and clock probes from its own skewed clock and reconnects
when the coordinator goes away. Without --address or --websocket the
coordinator is located over mDNS.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			level := slog.LevelInfo
			if flags.logLevel != "" {
				cfg := config.Default()
				cfg.LogLevel = flags.logLevel
				l, err := cfg.SlogLevel()
				if err != nil {
					return err
				}
				level = l
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			if opts.address == "" && opts.websocket == "" {
				endpoint, err := discovery.LookupCoordinator(ctx, discovery.Config{Logger: logger})
				if err != nil {
					return fmt.Errorf("locate coordinator: %w", err)
				}
				logger.Info("coordinator found", "coordinator_id", endpoint.CoordinatorID, "name", endpoint.Name, "address", endpoint.Address)
				opts.address = endpoint.Address
			}

			err := runSimulatedFleet(ctx, opts, logger)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&opts.count, "count", "n", 3, "Number of nodes")
	cmd.Flags().StringVar(&opts.prefix, "prefix", "sim", "Device ID prefix")
	cmd.Flags().StringVar(&opts.address, "address", "", "Coordinator TCP address host:port")
	cmd.Flags().StringVar(&opts.websocket, "websocket", "", "Coordinator WebSocket URL such as ws://host:port/ws")
	cmd.Flags().StringSliceVar(&opts.modalities, "modalities", []string{"rgb", "thermal"}, "Advertised modalities")
	cmd.Flags().DurationVar(&opts.spread, "spread", 20*time.Millisecond, "Clock offset step between consecutive nodes")
	cmd.Flags().DurationVar(&opts.delay, "delay", time.Millisecond, "One-way network delay applied to clock probes")
	cmd.Flags().Float64Var(&opts.drop, "drop", 0, "Probability of dropping a clock probe reply")
	cmd.Flags().DurationVar(&opts.heartbeat, "heartbeat", simnode.DefaultHeartbeatInterval, "Heartbeat interval")
	cmd.Flags().IntVar(&opts.advertise, "advertise-port", 0, "Advertise each node over mDNS starting at this port (0 disables)")

	return cmd
}

// runSimulatedFleet runs opts.count nodes until ctx is done.
func runSimulatedFleet(ctx context.Context, opts simulateOptions, logger *slog.Logger) error {
	if opts.count <= 0 {
		return errors.New("simulate: count must be positive")
	}
	if opts.address == "" && opts.websocket == "" {
		return errors.New("simulate: no coordinator address")
	}
	if len(opts.modalities) == 0 {
		opts.modalities = []string{"rgb"}
	}

	nodes := make([]*simnode.Node, 0, opts.count)
	for i := 0; i < opts.count; i++ {
		id := fmt.Sprintf("%s-%d", opts.prefix, i+1)
		node, err := simnode.New(simnode.Options{
			DeviceID:          id,
			DeviceName:        fmt.Sprintf("Simulated %s", strings.ToUpper(id)),
			Modalities:        opts.modalities,
			Offset:            time.Duration(i-opts.count/2) * opts.spread,
			Delay:             opts.delay,
			DropRate:          opts.drop,
			HeartbeatInterval: opts.heartbeat,
			Logger:            logger,
			Seed:              int64(i + 1),
		})
		if err != nil {
			return err
		}
		nodes = append(nodes, node)
	}

	if opts.advertise > 0 {
		for i, node := range nodes {
			b, err := discovery.StartNodeBroadcaster(discovery.Config{Logger: logger}, discovery.NodeInfo{
				DeviceID:   node.DeviceID(),
				DeviceName: fmt.Sprintf("Simulated %s", strings.ToUpper(node.DeviceID())),
				Modalities: opts.modalities,
				Port:       opts.advertise + i,
			})
			if err != nil {
				logger.Warn("advertise node", "device_id", node.DeviceID(), "error", err)
				continue
			}
			defer b.Stop()
		}
	}

	var wg sync.WaitGroup
	for _, node := range nodes {
		wg.Add(1)
		go func(node *simnode.Node) {
			defer wg.Done()
			keepConnected(ctx, node, opts, logger.With("device_id", node.DeviceID()))
		}(node)
	}
	logger.Info("simulated fleet running", "nodes", len(nodes))
	wg.Wait()
	return ctx.Err()
}

// keepConnected dials the coordinator and serves the link, reconnecting with
// exponential backoff until ctx is done.
func keepConnected(ctx context.Context, node *simnode.Node, opts simulateOptions, logger *slog.Logger) {
	backoff := reconnectMin
	for ctx.Err() == nil {
		link, err := dialCoordinator(ctx, opts)
		if err != nil {
			logger.Debug("dial coordinator", "error", err, "retry_in", backoff)
		} else {
			backoff = reconnectMin
			logger.Info("connected", "remote_addr", link.RemoteAddr())
			if err := node.Run(ctx, link); err != nil {
				logger.Warn("link lost", "error", err)
			}
			_ = link.Close()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func dialCoordinator(ctx context.Context, opts simulateOptions) (network.Link, error) {
	if opts.websocket != "" {
		link, err := network.DialWebSocket(ctx, opts.websocket)
		if err != nil {
			return nil, err
		}
		return link, nil
	}
	link, err := network.Dial(ctx, opts.address, network.DialOptions{})
	if err != nil {
		return nil, err
	}
	return link, nil
}
