package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/pauline2k/weave-bot-orb/internal/config"
	"github.com/pauline2k/weave-bot-orb/internal/store"
	"github.com/pauline2k/weave-bot-orb/internal/store/file"
	"github.com/pauline2k/weave-bot-orb/internal/store/memory"
	"github.com/pauline2k/weave-bot-orb/internal/store/pg"
	"github.com/pauline2k/weave-bot-orb/internal/store/redis"
	"github.com/pauline2k/weave-bot-orb/internal/store/sqlite"
)

// openStore builds the correlation store selected by database.driver.
func openStore(ctx context.Context, cfg *config.Config) (store.RequestStore, error) {
	switch cfg.Database.Driver {
	case "", config.DriverMemory:
		return memory.NewRequestStore(), nil
	case config.DriverFile:
		return opened(file.Open(cfg.DBPath()))
	case config.DriverSQLite:
		return opened(sqlite.Open(ctx, cfg.DBPath()))
	case config.DriverPostgres:
		return opened(pg.Open(ctx, cfg.Database.PostgresDSN))
	case config.DriverRedis:
		return opened(redis.Open(ctx, cfg.Database.RedisAddr))
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// opened keeps a failed constructor's typed nil out of the interface.
func opened[S store.RequestStore](s S, err error) (store.RequestStore, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// loadConfig loads .env from the working directory and from beside the config
// file, then the config itself.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	if err := config.LoadDotEnv(".env", filepath.Join(filepath.Dir(cfgPath), ".env")); err != nil {
		return nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
