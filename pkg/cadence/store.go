package cadence

import (
	"fmt"

	"github.com/rs/zerolog"

	"cadence/internal/config"
	"cadence/internal/jsvm"
	"cadence/internal/storage"
)

// OpenStore opens the conversation store selected by cfg.Storage.Driver.
func OpenStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "", "sqlite":
		path := cfg.Storage.Path
		if path == "" {
			var err error
			if path, err = config.DefaultDataPath(); err != nil {
				return nil, err
			}
		}
		return storage.NewSQLiteStore(path)
	case "redis":
		return storage.NewRedisStore(storage.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			PoolSize: cfg.Redis.PoolSize,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// NewSandbox builds the JavaScript executor described by cfg.JSVM.
func NewSandbox(cfg *config.Config, log zerolog.Logger) *jsvm.Executor {
	return jsvm.NewExecutor(jsvm.Config{
		Pool: jsvm.PoolConfig{
			MaxSize:        cfg.JSVM.PoolSize,
			IdleTimeout:    cfg.JSVM.IdleTimeout,
			AcquireTimeout: cfg.JSVM.AcquireTimeout,
		},
		Sandbox: jsvm.SandboxConfig{
			Timeout:        cfg.JSVM.Timeout,
			MaxOutputBytes: cfg.JSVM.MaxOutputBytes,
			MaxFigures:     cfg.JSVM.MaxFigures,
		},
	}, log)
}
