package store

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Supported drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
	RedisURL    string
	RedisPrefix string
}

// New creates the store for the configured driver. The store is not started.
func New(log logrus.FieldLogger, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverMemory:
		return NewMemoryStore(log), nil
	case DriverSQLite, "":
		return NewSQLiteStore(log, opts.SQLitePath), nil
	case DriverPostgres:
		return NewPostgresStore(log, opts.PostgresDSN), nil
	case DriverRedis:
		return NewRedisStore(log, opts.RedisURL, opts.RedisPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported cache driver: %s", opts.Driver)
	}
}
