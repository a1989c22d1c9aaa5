package inflight

import (
	"fmt"

	"github.com/pitabwire/asynchttp/config"
	"github.com/pitabwire/asynchttp/data"
)

// NewStore builds the Store backend named by cfg's driver, pointed at its
// DSN. "redis" and "valkey" share the same key layout and Lua scripts —
// picking one is a deployment choice, not a behavioral one.
func NewStore(cfg config.ConfigurationInflightStore) (Store, error) {
	dsn := data.DSN(cfg.GetInflightStoreDSN())
	if !dsn.Valid() {
		return nil, fmt.Errorf("inflight: invalid store dsn %q", dsn)
	}

	switch cfg.GetInflightStoreDriver() {
	case "valkey":
		return NewValkeyStore(cfg.GetInflightStoreDSN())
	case "redis", "":
		return NewRedisStore(cfg.GetInflightStoreDSN())
	default:
		return nil, fmt.Errorf("inflight: unknown store driver %q", cfg.GetInflightStoreDriver())
	}
}
