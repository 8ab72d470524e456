package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Build info (set via ldflags).
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"

	// Global flags.
	logLevel  string
	logFormat string
)

func main() {
	log := logrus.New()
	// Command output goes to stdout; keep logs out of it.
	log.SetOutput(os.Stderr)

	var gf globalFlags

	rootCmd := &cobra.Command{
		Use:   "projectoor",
		Short: "Project management API client with caching and rate limiting",
		Long: `projectoor talks to the Productive project management API.

Every call runs through identifier resolution, a TTL response cache and a
sliding-window rate limiter, so scripts and agents can use emails, names and
project numbers where the API expects numeric IDs.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log.SetLevel(level)

			switch logFormat {
			case "json":
				log.SetFormatter(&logrus.JSONFormatter{})
			default:
				log.SetFormatter(&logrus.TextFormatter{
					FullTimestamp: true,
				})
			}

			return nil
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn",
		"Log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text",
		"Log format (text, json)")
	rootCmd.PersistentFlags().StringVarP(&gf.configPath, "config", "c", defaultConfigPath,
		"Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&gf.noCache, "no-cache", false,
		"Bypass the response cache entirely")
	rootCmd.PersistentFlags().StringVar(&gf.orgID, "org", "",
		"Organization ID (overrides config and environment)")

	rootCmd.AddCommand(
		newRequestCmd(log, &gf),
		newResolveCmd(log, &gf),
		newCacheCmd(log, &gf),
		newServeCmd(log, &gf),
		newMigrateCmd(log, &gf),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
