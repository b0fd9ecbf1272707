// Package backend opens the store selected in the configuration.
package backend

import (
	"context"
	"fmt"

	"tangled.org/arabica.social/modgate/internal/config"
	"tangled.org/arabica.social/modgate/internal/database"
	"tangled.org/arabica.social/modgate/internal/database/boltstore"
	"tangled.org/arabica.social/modgate/internal/database/memstore"
	"tangled.org/arabica.social/modgate/internal/database/redisstore"
	"tangled.org/arabica.social/modgate/internal/database/sqlitestore"

	"github.com/rs/zerolog/log"
)

// Options tweaks how a store is opened.
type Options struct {
	// ReadOnly opens file-backed stores for reading only. Only bolt
	// enforces it; the other backends ignore it.
	ReadOnly bool
}

// Open opens the backend named in cfg.Store. The caller owns the returned
// store and must Close it.
func Open(ctx context.Context, cfg *config.Config, opts Options) (database.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreMemory:
		log.Warn().Msg("Using in-memory store, state is lost on restart")
		return memstore.New(), nil

	case config.StoreBolt:
		path := cfg.DBPath()
		bopts := boltstore.DefaultOptions()
		bopts.Path = path
		bopts.ReadOnly = opts.ReadOnly
		s, err := boltstore.Open(bopts)
		if err != nil {
			return nil, fmt.Errorf("open bolt store %s: %w", path, err)
		}
		log.Info().Str("path", path).Bool("read_only", opts.ReadOnly).Msg("Database opened")
		return s.ModerationStore(), nil

	case config.StoreSQLite:
		path := cfg.DBPath()
		db, err := sqlitestore.Open(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %s: %w", path, err)
		}
		log.Info().Str("path", path).Msg("Database opened")
		return sqlitestore.NewModerationStore(db), nil

	case config.StoreRedis:
		s, err := redisstore.New(ctx, cfg.Store.RedisURL, cfg.Store.RedisPrefix)
		if err != nil {
			return nil, err
		}
		log.Info().Str("prefix", cfg.Store.RedisPrefix).Msg("Connected to redis")
		return s, nil
	}
	return nil, fmt.Errorf("%w: %q", config.ErrUnknownStore, cfg.Store.Backend)
}
