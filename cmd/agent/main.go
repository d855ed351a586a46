// Package main provides the search sync agent entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/lllypuk/searchsync/internal/config"
	"github.com/lllypuk/searchsync/internal/container"
	"github.com/lllypuk/searchsync/internal/domain/outbox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		//nolint:sloglint // No context available before logger setup
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := setupLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = run(ctx, cfg, logger); err != nil {
		logger.Error("agent stopped", slog.String("error", err.Error()))
		stop()
		os.Exit(1) //nolint:gocritic // stop() called before exit
	}
	logger.Info("agent shutdown complete")
}

// run wires the container and runs the agent and the admin server until ctx
// is cancelled or one of them fails. An evicted agent is reported as an error
// so the supervisor restarts it with a fresh identity.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	c, err := container.NewContainer(ctx, cfg, container.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := c.Close(); closeErr != nil {
			logger.Error("failed to close container", slog.String("error", closeErr.Error()))
		}
	}()

	agent, err := c.NewAgent()
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "starting search sync agent",
		slog.String("app", cfg.App.Name),
		slog.String("agent_id", agent.ID()),
		slog.String("store", cfg.Store.Type),
		slog.String("backend", cfg.Backend.Type),
		slog.Int("total_shards", cfg.Cluster.TotalShards),
		slog.Bool("multi_tenant", cfg.MultiTenant()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return agent.Run(gctx) })

	if cfg.Server.Enabled {
		srv := c.NewServer(agent)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	err = g.Wait()
	switch {
	case errors.Is(err, outbox.ErrAgentEvicted):
		return fmt.Errorf("agent %s: %w", agent.ID(), err)
	case errors.Is(err, context.Canceled):
		return nil
	}
	return err
}

// setupLogger creates the structured logger described by the log section.
func setupLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     cfg.Log.SlogLevel(),
		AddSource: cfg.IsDevelopment(),
	}

	var handler slog.Handler
	switch cfg.Log.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
