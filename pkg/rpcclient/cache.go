package rpcclient

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/cuemby/meridian/pkg/types"
)

// ConnectionCache hands out one BackendClient per distinct host, dialing
// lazily and reusing the connection across queries. Reconnect attempts
// per host are throttled so a flapping backend can't be redialed in a
// tight loop by concurrent ExecAll fan-outs.
type ConnectionCache struct {
	certDir string

	mu      sync.Mutex
	clients map[types.Host]BackendClient
	limiter map[types.Host]*rate.Limiter
}

// NewConnectionCache builds a cache that dials backends using the mTLS
// material under certDir.
func NewConnectionCache(certDir string) *ConnectionCache {
	return &ConnectionCache{
		certDir: certDir,
		clients: make(map[types.Host]BackendClient),
		limiter: make(map[types.Host]*rate.Limiter),
	}
}

// Get returns the cached client for host, dialing one if absent. Dial
// attempts for a given host are capped at one per second with a burst of
// one to bound reconnect storms.
func (c *ConnectionCache) Get(ctx context.Context, host types.Host) (BackendClient, error) {
	c.mu.Lock()
	if client, ok := c.clients[host]; ok {
		c.mu.Unlock()
		return client, nil
	}
	lim, ok := c.limiter[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(1), 1)
		c.limiter[host] = lim
	}
	c.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limited dialing %s: %w", host, err)
	}

	client, err := newGRPCBackendClient(host, c.certDir)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.clients[host]; ok {
		c.mu.Unlock()
		_ = client.Close()
		return existing, nil
	}
	c.clients[host] = client
	c.mu.Unlock()

	return client, nil
}

// Invalidate drops the cached client for host (e.g. after an RPC failure
// indicates the connection is no longer usable), forcing the next Get to
// redial.
func (c *ConnectionCache) Invalidate(host types.Host) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[host]; ok {
		_ = client.Close()
		delete(c.clients, host)
	}
}

// Close tears down every cached connection.
func (c *ConnectionCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for host, client := range c.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.clients, host)
	}
	return firstErr
}
