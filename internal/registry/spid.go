package registry

import (
	"context"
	"fmt"
	"sync"
)

// SpIDCache memoizes endpoint to service provider id lookups.
type SpIDCache struct {
	mu    sync.RWMutex
	ids   map[string]int64
	reg   Registry
	stype ServiceType
}

// NewSpIDCache creates a cache that resolves misses through reg.
func NewSpIDCache(reg Registry, t ServiceType) *SpIDCache {
	return &SpIDCache{
		ids:   make(map[string]int64),
		reg:   reg,
		stype: t,
	}
}

// SpID returns the provider id of endpoint. An id of 0 is never valid.
func (c *SpIDCache) SpID(ctx context.Context, endpoint string) (int64, error) {
	c.mu.RLock()
	id, ok := c.ids[endpoint]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	providers, err := c.reg.Providers(ctx, c.stype)
	if err != nil {
		return 0, fmt.Errorf("list providers: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range providers {
		if p.SpID != 0 {
			c.ids[p.Endpoint] = p.SpID
		}
	}
	id, ok = c.ids[endpoint]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}
	return id, nil
}

// SpIDs resolves every endpoint in order.
func (c *SpIDCache) SpIDs(ctx context.Context, endpoints []string) ([]int64, error) {
	out := make([]int64, len(endpoints))
	for i, e := range endpoints {
		id, err := c.SpID(ctx, e)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

// Endpoint is the reverse lookup.
func (c *SpIDCache) Endpoint(ctx context.Context, id int64) (string, error) {
	providers, err := c.reg.Providers(ctx, c.stype)
	if err != nil {
		return "", fmt.Errorf("list providers: %w", err)
	}
	for _, p := range providers {
		if p.SpID == id && id != 0 {
			return p.Endpoint, nil
		}
	}
	return "", fmt.Errorf("%w: spID %d", ErrUnknownEndpoint, id)
}
