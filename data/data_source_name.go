package data

import (
	"net/url"
	"strings"
)

// Constants for the connection string schemes the reactor's external
// collaborators are reachable on.
const (
	MemScheme   = "mem://"
	NatsScheme  = "nats://"
	RedisScheme = "redis://"
)

// DSN conveniently handles a URI connection string for the job queue and
// the inflight KV store.
type DSN string

func (d DSN) IsRedis() bool {
	return strings.HasPrefix(string(d), RedisScheme)
}

func (d DSN) IsNats() bool {
	return strings.HasPrefix(string(d), NatsScheme)
}

func (d DSN) IsMem() bool {
	return strings.HasPrefix(string(d), MemScheme)
}

func (d DSN) IsQueue() bool {
	return d.IsMem() || d.IsNats()
}

func (d DSN) ToURI() (*url.URL, error) {
	return url.Parse(string(d))
}

// Valid reports whether the DSN is non-empty and parses as a URI with a
// scheme, which is all the queue and cache managers require before opening
// a connection.
func (d DSN) Valid() bool {
	if strings.TrimSpace(string(d)) == "" {
		return false
	}
	u, err := d.ToURI()
	return err == nil && u.Scheme != ""
}

func (d DSN) String() string {
	return string(d)
}
