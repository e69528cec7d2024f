package statestore

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Settings selects and configures a Store backend.
type Settings struct {
	Driver    string `koanf:"driver" yaml:"driver"`
	DSN       string `koanf:"dsn" yaml:"dsn"`
	RedisAddr string `koanf:"redis_addr" yaml:"redis_addr"`
	RedisHash string `koanf:"redis_hash" yaml:"redis_hash"`
}

// Open builds the Store described by s. Supported drivers are sqlite (the
// default), redis and memory.
func Open(s Settings) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		dsn := s.DSN
		if dsn == "" {
			dsn = "tubechat.db"
		}
		if dir := filepath.Dir(dsn); dsn != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrap(err, "state store: create sqlite directory")
			}
		}
		log.Debug().Str("component", "statestore").Str("dsn", dsn).Msg("opening sqlite state store")
		return NewSQLiteStore(dsn)
	case "redis":
		log.Debug().Str("component", "statestore").Str("addr", s.RedisAddr).Str("hash", s.RedisHash).Msg("opening redis state store")
		return NewRedisStore(s.RedisAddr, s.RedisHash)
	case "memory":
		return NewInMemoryStore(), nil
	default:
		return nil, errors.Errorf("state store: unknown driver %q", s.Driver)
	}
}
