package reactor

import (
	"fmt"
	"strings"

	"github.com/pitabwire/asynchttp/cache"
	cacheredis "github.com/pitabwire/asynchttp/cache/redis"
	cachevalkey "github.com/pitabwire/asynchttp/cache/valkey"
)

// NewExternalStore builds the optional large-payload offload collaborator
// (spec §9) from a cache.RawCache, selected by driver: "memory" (the
// default, backed by an in-process cache and thus usable without any
// external dependency), "redis", or "valkey". dsn is ignored for "memory".
func NewExternalStore(driver, dsn string) (ExternalStore, error) {
	switch strings.ToLower(driver) {
	case "", "memory":
		return cache.NewInMemoryCache(), nil
	case "redis":
		store, err := cacheredis.New(cacheredis.Options{Addr: dsn})
		if err != nil {
			return nil, fmt.Errorf("opening redis external store: %w", err)
		}
		return store, nil
	case "valkey":
		store, err := cachevalkey.New(cachevalkey.Options{Addr: dsn})
		if err != nil {
			return nil, fmt.Errorf("opening valkey external store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown external store driver %q", driver)
	}
}
