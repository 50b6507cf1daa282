package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/rendezvous"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run this machine until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		nd, logger, err := startNode()
		if err != nil {
			return err
		}
		defer nd.Shutdown()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		logger.Info("terminating...")
		return nil
	},
}

var barrierCmd = &cobra.Command{
	Use:   "barrier NAME COUNT",
	Short: "Join the job, wait for COUNT machines to reach NAME, then leave",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var count int32
		if _, err := fmt.Sscan(args[1], &count); err != nil || count <= 0 {
			return fmt.Errorf("invalid count %q", args[1])
		}

		nd, logger, err := startNode()
		if err != nil {
			return err
		}
		defer nd.Shutdown()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		start := time.Now()
		if err := nd.Ctrl().Barrier(ctx, args[0], count); err != nil {
			return fmt.Errorf("barrier %s: %w", args[0], err)
		}
		logger.Info("barrier passed", "name", args[0], "waited", time.Since(start))
		return nil
	},
}

func startNode() (*rendezvous.Node, *slog.Logger, error) {
	cfg, err := Load()
	if err != nil {
		return nil, nil, err
	}
	lvl, err := cfg.Level()
	if err != nil {
		return nil, nil, err
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler)

	opts, err := cfg.Options(handler)
	if err != nil {
		return nil, nil, err
	}

	// SIGUSR1 dumps the collected metrics on stderr.
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(sink)
	opts = append(opts, rendezvous.WithMetricSink(sink))

	nd, err := rendezvous.Create(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create node: %w", err)
	}

	if err := nd.JoinCluster(); err != nil {
		nd.Shutdown()
		return nil, nil, fmt.Errorf("failed to join cluster: %w", err)
	}
	logger.Info("machine ready", "machine", nd.MachineID(), "addr", nd.Addr())
	return nd, logger, nil
}
