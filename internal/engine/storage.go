package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/baerautotech/cerebral-access/internal/config"
	"github.com/baerautotech/cerebral-access/internal/storage"
	"github.com/baerautotech/cerebral-access/internal/storage/file"
	"github.com/baerautotech/cerebral-access/internal/storage/memory"
	redisstore "github.com/baerautotech/cerebral-access/internal/storage/redis"
	"github.com/baerautotech/cerebral-access/internal/storage/sqlite"
)

type closableStore interface {
	storage.Store
	io.Closer
}

// openStorage opens the cache backend named by cfg.CacheBackend.
func openStorage(ctx context.Context, cfg *config.Config) (closableStore, error) {
	switch cfg.CacheBackend {
	case config.CacheMemory:
		return memory.New(), nil
	case config.CacheFile:
		s, err := file.New(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("open file cache: %w", err)
		}
		return s, nil
	case config.CacheSQLite:
		s, err := sqlite.Open(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		return s, nil
	case config.CacheRedis:
		s, err := redisstore.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("open redis cache: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}
