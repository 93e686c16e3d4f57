package store

import (
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendRedis  = "redis"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	Redis   RedisOptions
	Badger  BadgerConfig
}

// Open constructs the configured backend.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case BackendRedis:
		return NewRedisStore(opts.Redis)
	case BackendBadger:
		return OpenBadgerStore(opts.Badger)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
