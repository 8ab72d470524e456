package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/projectoor/pkg/cache"
	"github.com/ethpandaops/projectoor/pkg/config"
	"github.com/ethpandaops/projectoor/pkg/dispatcher"
	"github.com/ethpandaops/projectoor/pkg/metrics"
	"github.com/ethpandaops/projectoor/pkg/productive"
	"github.com/ethpandaops/projectoor/pkg/ratelimit"
	"github.com/ethpandaops/projectoor/pkg/resolve"
	"github.com/ethpandaops/projectoor/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const defaultConfigPath = "projectoor.yaml"

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	noCache    bool
	orgID      string
}

// loadConfig loads the config file. Only an explicitly chosen file must exist.
func (gf *globalFlags) loadConfig(log logrus.FieldLogger) (*config.Config, error) {
	log.WithField("path", gf.configPath).Debug("Loading configuration")

	cfg, err := config.Load(gf.configPath, gf.configPath == defaultConfigPath)
	if err != nil {
		return nil, err
	}

	if gf.orgID != "" {
		cfg.API.OrganizationID = gf.orgID
	}

	if gf.noCache {
		cfg.Cache.Enabled = new(bool)
	}

	log.Debug("Configuration loaded:\n" + cfg.String())

	return cfg, nil
}

// app holds the components shared by commands, built once per process.
type app struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	store      store.Store
	cache      cache.Cache
	limiter    *ratelimit.Limiter
	client     productive.Client
	dispatcher dispatcher.Dispatcher
	resolver   resolve.Resolver
}

// newApp wires every component. With needAPI the API client is started and a
// token is required.
func newApp(ctx context.Context, log logrus.FieldLogger, cfg *config.Config, needAPI bool) (*app, error) {
	a := &app{
		log:      log,
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
	}

	a.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	a.metrics = metrics.New(a.registry)
	a.metrics.SetBuildInfo(Version, GitCommit, BuildDate)

	a.store = a.openStore(ctx)

	a.cache = cache.New(log, a.store, cfg.CacheOptions(), a.metrics)
	a.cache.SetOrgID(cfg.API.OrganizationID)

	a.limiter = ratelimit.New(log, cfg.RateLimitOptions())
	a.limiter.SetWaitObserver(func(class string, wait time.Duration) {
		a.metrics.RecordRateLimitWait(class, wait.Seconds())
	})

	a.client = productive.NewClient(log, cfg.ClientOptions())

	if needAPI {
		if err := cfg.ValidateAPI(); err != nil {
			a.close()

			return nil, err
		}

		if err := a.client.Start(ctx); err != nil {
			a.close()

			return nil, fmt.Errorf("starting API client: %w", err)
		}
	}

	a.dispatcher = dispatcher.NewDispatcher(log, a.client, a.cache, a.limiter, a.metrics)
	a.resolver = resolve.New(log, a.dispatcher, a.metrics)
	a.dispatcher.SetResolver(a.resolver)

	return a, nil
}

// openStore starts the cache backend. A backend that cannot start disables
// the cache instead of failing the command.
func (a *app) openStore(ctx context.Context) store.Store {
	if !a.cfg.CacheEnabled() {
		return nil
	}

	st, err := store.New(a.log, a.cfg.StoreOptions())
	if err != nil {
		a.log.WithError(err).Warn("Cache backend unavailable, continuing without cache")

		return nil
	}

	if err := st.Start(ctx); err != nil {
		a.log.WithError(err).Warn("Cache backend unavailable, continuing without cache")

		return nil
	}

	if err := st.Migrate(ctx); err != nil {
		a.log.WithError(err).Warn("Cache migration failed, continuing without cache")

		_ = st.Stop()

		return nil
	}

	return st
}

func (a *app) close() {
	if a.client != nil {
		_ = a.client.Stop()
	}

	if a.store != nil {
		if err := a.store.Stop(); err != nil {
			a.log.WithError(err).Warn("Failed to close cache store")
		}
	}
}
