package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/getpup/buildcoord/config"
	"github.com/getpup/buildcoord/lifecycle"
	"github.com/getpup/buildcoord/metrics"
	"github.com/getpup/buildcoord/sweeper"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run this process as a master",
		Long: `Registers this process as a master, heartbeats at the configured
interval, sweeps for expired peers and reclaims their work. On SIGINT or
SIGTERM the master marks itself stopped so its work is reclaimed at once.`,
		Example: `  buildcoord serve --config buildcoord.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(parent context.Context, cfg config.Config) error {
	ctx, cancelRun := context.WithCancel(parent)
	defer cancelRun()

	c, err := newCoordinator(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	c.watchMasters(ctx)

	manager := lifecycle.New(lifecycle.Config{
		Store:             c.store,
		Heartbeater:       c.tracker,
		Name:              cfg.Master.Name,
		HeartbeatInterval: cfg.Master.HeartbeatInterval,
		Logger:            c.logger,
		Metrics:           c.metrics,
	})
	if _, err := manager.Register(ctx); err != nil {
		return err
	}

	sweep, err := sweeper.New(sweeper.Config{
		Expirer:  c.tracker,
		Interval: cfg.Master.SweepInterval,
		Logger:   c.logger,
		Metrics:  c.metrics,
	})
	if err != nil {
		return err
	}

	var server *metrics.Server
	if cfg.Metrics.Enabled {
		server = metrics.NewServer(cfg.Metrics.Addr, c.db.PingContext)
		server.Start()
		c.logger.Info(ctx, "metrics server listening", "addr", cfg.Metrics.Addr)
	}

	heartbeatDone := make(chan error, 1)
	go func() { heartbeatDone <- manager.StartHeartbeat(ctx) }()
	sweep.Start()

	c.logger.Info(ctx, "master running", "master_id", manager.MasterID(), "name", manager.Name())

	var serverErr <-chan error
	if server != nil {
		serverErr = server.Errors()
	}

	select {
	case <-ctx.Done():
	case err = <-serverErr:
		c.logger.Error(ctx, "metrics server failed", "error", err)
	}
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	if err := sweep.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := <-heartbeatDone; err != nil {
		errs = append(errs, err)
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
