package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/projectoor/pkg/api"
	"github.com/ethpandaops/projectoor/pkg/cache"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCmd(log *logrus.Logger, gf *globalFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP gateway",
		Long: `Run a local HTTP gateway that exposes request dispatch, resolution and
cache management to other tools, plus Prometheus metrics on /metrics.

Routes:
  GET    /health
  GET    /metrics
  GET    /api/v1/cache/stats
  DELETE /api/v1/cache?pattern=
  POST   /api/v1/cache/prune
  POST   /api/v1/resolve   {"type","value","project_id","org_id","prefer_exact","reject_ambiguous"}
  POST   /api/v1/request   {"method","path","query","body","org_id","resolve","no_cache","strict"}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), log, gf, listen)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "",
		"Listen address (overrides config)")

	return cmd
}

func runServe(ctx context.Context, log *logrus.Logger, gf *globalFlags, listen string) error {
	cfg, err := gf.loadConfig(log)
	if err != nil {
		return err
	}

	if listen != "" {
		cfg.Server.Listen = listen
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := newApp(ctx, log, cfg, true)
	if err != nil {
		return err
	}

	defer a.close()

	log.WithFields(logrus.Fields{
		"version": Version,
		"commit":  GitCommit,
	}).Info("Starting projectoor gateway")

	// Prune expired cache entries in the background.
	if a.cache.Enabled() && cfg.Cache.PruneInterval > 0 {
		scheduler, err := startPruner(ctx, log, a.cache, cfg.Cache.PruneInterval.String())
		if err != nil {
			return err
		}

		defer func() {
			<-scheduler.Stop().Done()
		}()
	}

	srv := api.NewServer(log, api.Options{
		Listen:            cfg.Server.Listen,
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
		OrganizationID:    cfg.API.OrganizationID,
	}, a.dispatcher, a.resolver, a.metrics, a.registry)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	defer func() {
		if err := srv.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop gateway cleanly")
		}
	}()

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("Received shutdown signal")
	case <-ctx.Done():
		log.Info("Context cancelled")
	}

	log.Info("Shutting down...")

	return nil
}

// startPruner schedules cache pruning every interval.
func startPruner(ctx context.Context, log logrus.FieldLogger, c cache.Cache, interval string) (*cron.Cron, error) {
	cl := &cronLogger{log: log.WithField("component", "pruner")}

	scheduler := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)

	if _, err := scheduler.AddFunc("@every "+interval, func() {
		if n := c.Prune(ctx); n > 0 {
			cl.log.WithField("removed", n).Info("Pruned expired cache entries")
		}
	}); err != nil {
		return nil, fmt.Errorf("scheduling cache prune: %w", err)
	}

	scheduler.Start()

	return scheduler, nil
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log logrus.FieldLogger
}

var _ cron.Logger = (*cronLogger)(nil)

func (l *cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(keysAndValues []any) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2)

	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}

	return fields
}
