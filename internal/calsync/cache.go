package calsync

import (
	"context"
	"sync"
)

// ServiceCache holds one authenticated Calendar per refresh token for the
// lifetime of a run. It is safe for concurrent use; concurrent callers for
// the same token wait for a single build.
type ServiceCache struct {
	factory ServiceFactory

	mu       sync.Mutex
	services map[string]Calendar
}

// NewServiceCache creates an empty cache backed by factory.
func NewServiceCache(factory ServiceFactory) *ServiceCache {
	return &ServiceCache{
		factory:  factory,
		services: make(map[string]Calendar),
	}
}

// Get returns the Calendar for refreshToken, building it on first use.
// Failed builds are not cached.
func (c *ServiceCache) Get(ctx context.Context, refreshToken string) (Calendar, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if svc, ok := c.services[refreshToken]; ok {
		return svc, nil
	}

	svc, err := c.factory(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	c.services[refreshToken] = svc
	return svc, nil
}
