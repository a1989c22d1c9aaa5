package reactor

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type ExternalStoreSuite struct {
	suite.Suite
}

func TestExternalStoreSuite(t *testing.T) {
	suite.Run(t, new(ExternalStoreSuite))
}

func (s *ExternalStoreSuite) TestDefaultsToInMemory() {
	store, err := NewExternalStore("", "")
	s.Require().NoError(err)
	s.Require().NotNil(store)

	s.Require().NoError(store.Set(s.T().Context(), "k", []byte("v"), 0))
	val, found, err := store.Get(s.T().Context(), "k")
	s.Require().NoError(err)
	s.True(found)
	s.Equal([]byte("v"), val)
}

func (s *ExternalStoreSuite) TestRejectsUnknownDriver() {
	_, err := NewExternalStore("memcached", "")
	s.Error(err)
}
