package reactor

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// pooledClient is a Connection Pool entry: an HTTP client plus the
// bookkeeping needed for idle eviction.
type pooledClient struct {
	client   *http.Client
	lastUsed time.Time
}

// ConnectionPool caches per-origin HTTP clients with keep-alive and HTTP/2
// where available (spec §4.2). Connection-count limits are owned by the
// Processor; the pool only reports its own state for telemetry.
type ConnectionPool struct {
	mu          sync.Mutex
	clients     map[string]*pooledClient
	idleTimeout time.Duration
	connectTO   time.Duration
}

// NewConnectionPool builds an empty pool.
func NewConnectionPool(idleTimeout, connectTimeout time.Duration) *ConnectionPool {
	return &ConnectionPool{
		clients:     make(map[string]*pooledClient),
		idleTimeout: idleTimeout,
		connectTO:   connectTimeout,
	}
}

// ClientFor returns the client for the URL's origin, creating one on first
// use.
func (p *ConnectionPool) ClientFor(req *Request) (*http.Client, error) {
	origin, err := req.Origin()
	if err != nil {
		return nil, fmt.Errorf("resolving origin: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.clients[origin]
	if !ok {
		transport := &http.Transport{
			ForceAttemptHTTP2: true,
			DialContext: (&net.Dialer{
				Timeout: p.connectTO,
			}).DialContext,
		}
		if err := http2.ConfigureTransport(transport); err != nil {
			// http/2 is opportunistic; the connection still works over 1.1.
			_ = err
		}

		entry = &pooledClient{
			client: &http.Client{Transport: transport},
		}
		p.clients[origin] = entry
	}
	entry.lastUsed = time.Now()

	return entry.client, nil
}

// CloseIdle tears down clients whose last use predates now-idleTimeout,
// returning the count closed.
func (p *ConnectionPool) CloseIdle(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	closed := 0
	for origin, entry := range p.clients {
		if now.Sub(entry.lastUsed) >= p.idleTimeout {
			entry.client.CloseIdleConnections()
			delete(p.clients, origin)
			closed++
		}
	}
	return closed
}

// CloseAll tears down every pooled client.
func (p *ConnectionPool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for origin, entry := range p.clients {
		entry.client.CloseIdleConnections()
		delete(p.clients, origin)
	}
}

// Size reports the current number of pooled origins, for telemetry.
func (p *ConnectionPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}
