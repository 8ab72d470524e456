package main

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newCacheCmd(log *logrus.Logger, gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the response cache",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show cache statistics for the active organization",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCacheApp(cmd.Context(), log, gf, func(a *app) error {
					out, err := sonic.ConfigStd.MarshalIndent(a.cache.Stats(cmd.Context()), "", "  ")
					if err != nil {
						return fmt.Errorf("encoding stats: %w", err)
					}

					fmt.Println(string(out))

					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "clear [PATTERN]",
			Short: "Remove cached entries whose endpoint contains PATTERN (all when omitted)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				pattern := ""
				if len(args) == 1 {
					pattern = args[0]
				}

				return withCacheApp(cmd.Context(), log, gf, func(a *app) error {
					fmt.Printf("Removed %d entries\n", a.cache.Invalidate(cmd.Context(), pattern))

					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "prune",
			Short: "Remove expired entries",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCacheApp(cmd.Context(), log, gf, func(a *app) error {
					fmt.Printf("Pruned %d entries\n", a.cache.Prune(cmd.Context()))

					return nil
				})
			},
		},
	)

	return cmd
}

// withCacheApp runs fn against an app that needs no API credentials.
func withCacheApp(ctx context.Context, log *logrus.Logger, gf *globalFlags, fn func(a *app) error) error {
	cfg, err := gf.loadConfig(log)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, log, cfg, false)
	if err != nil {
		return err
	}

	defer a.close()

	if !a.cache.Enabled() {
		return fmt.Errorf("cache is disabled")
	}

	return fn(a)
}
