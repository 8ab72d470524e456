package main

import (
	"context"
	"fmt"

	"github.com/ethpandaops/projectoor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newMigrateCmd(log *logrus.Logger, gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the cache schema",
		Long:  `Run cache backend migrations. Other commands migrate on startup; this is for provisioning shared backends ahead of time.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), log, gf)
		},
	}
}

func runMigrate(ctx context.Context, log *logrus.Logger, gf *globalFlags) error {
	cfg, err := gf.loadConfig(log)
	if err != nil {
		return err
	}

	if !cfg.CacheEnabled() {
		return fmt.Errorf("cache is disabled")
	}

	st, err := store.New(log, cfg.StoreOptions())
	if err != nil {
		return err
	}

	if err := st.Start(ctx); err != nil {
		return err
	}

	defer st.Stop() //nolint:errcheck // best effort on exit

	if err := st.Migrate(ctx); err != nil {
		return err
	}

	log.WithField("driver", cfg.Cache.Driver).Info("Migrations completed successfully")

	return nil
}
