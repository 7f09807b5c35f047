package mapping

import (
	"encoding/hex"

	"github.com/clinisafe/scrub/internal/config"
	"github.com/clinisafe/scrub/internal/faults"
	"github.com/clinisafe/scrub/internal/logger"
)

// FromConfig assembles the configured store stack: the file or
// postgres backend, optionally wrapped by the Redis read-through
// cache. The caller owns the returned store and must Load it before
// use.
func FromConfig(cfg config.StoreConfig, log *logger.Logger) (Store, error) {
	var store Store

	switch cfg.Backend {
	case "file":
		var key []byte
		if cfg.Encryption.Enabled {
			decoded, err := hex.DecodeString(cfg.Encryption.Key)
			if err != nil {
				return nil, faults.Configuration("store encryption key is not valid hex: %v", err)
			}
			key = decoded
		}
		fileStore, err := NewFileStore(FileStoreConfig{
			Path:       cfg.Path,
			Encryption: cfg.Encryption.Enabled,
			Key:        key,
		}, log)
		if err != nil {
			return nil, err
		}
		store = fileStore

	case "postgres":
		pgStore, err := NewPostgresStore(PostgresConfig{
			URL:             cfg.Postgres.URL,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Postgres.ConnMaxIdleTime,
		}, log)
		if err != nil {
			return nil, err
		}
		store = pgStore

	default:
		return nil, faults.Configuration("unknown store backend %q", cfg.Backend)
	}

	if cfg.Cache.Enabled {
		cached, err := NewCachedStore(store, CacheConfig{
			RedisURL:  cfg.Cache.RedisURL,
			TTL:       cfg.Cache.TTL,
			KeyPrefix: cfg.Cache.KeyPrefix,
		}, log)
		if err != nil {
			store.Close()
			return nil, err
		}
		store = cached
	}

	return store, nil
}
