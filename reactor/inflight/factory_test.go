package inflight

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type factoryConfig struct {
	dsn    string
	driver string
}

func (c factoryConfig) GetInflightStoreDSN() string    { return c.dsn }
func (c factoryConfig) GetInflightStoreDriver() string { return c.driver }

type FactorySuite struct {
	suite.Suite
}

func TestFactorySuite(t *testing.T) {
	suite.Run(t, new(FactorySuite))
}

func (s *FactorySuite) TestRejectsInvalidDSN() {
	_, err := NewStore(factoryConfig{dsn: "", driver: "redis"})
	s.Error(err)

	_, err = NewStore(factoryConfig{dsn: "not-a-uri", driver: "redis"})
	s.Error(err)
}

func (s *FactorySuite) TestRejectsUnknownDriver() {
	_, err := NewStore(factoryConfig{dsn: "redis://127.0.0.1:6379/0", driver: "memcached"})
	s.Error(err)
}

// NewRedisStore's go-redis client does not dial until the first command,
// so construction alone exercises the driver-selection branch without a
// live server. NewValkeyStore dials eagerly and so is left to
// valkey_store_test.go's container-backed suite instead.
func (s *FactorySuite) TestDefaultsToRedisWhenDriverEmpty() {
	store, err := NewStore(factoryConfig{dsn: "redis://127.0.0.1:6379/0", driver: ""})
	s.Require().NoError(err)
	s.Require().NotNil(store)
	_, ok := store.(*RedisStore)
	s.True(ok)
	_ = store.Close()
}

func (s *FactorySuite) TestSelectsRedisDriverExplicitly() {
	store, err := NewStore(factoryConfig{dsn: "redis://127.0.0.1:6379/0", driver: "redis"})
	s.Require().NoError(err)
	s.Require().NotNil(store)
	_, ok := store.(*RedisStore)
	s.True(ok)
	_ = store.Close()
}
