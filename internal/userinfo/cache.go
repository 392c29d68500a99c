// Package userinfo caches the backend's user profile so it is fetched at
// most once per process unless explicitly invalidated. The cache is an
// injectable object constructed at startup, not package-level state.
package userinfo

import (
	"context"
	"sync"
)

// Info is the user profile the backend reports for the configured API key.
type Info struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	Plan        string `json:"plan,omitempty"`
}

// FetchFunc retrieves the profile from the backend.
type FetchFunc func(ctx context.Context) (*Info, error)

// Cache memoizes one profile fetch. Concurrent callers share a single
// in-flight fetch; a fetch error is not cached so the next call retries.
type Cache struct {
	fetch FetchFunc

	mu   sync.Mutex
	info *Info
}

// New creates a Cache over the given fetch function.
func New(fetch FetchFunc) *Cache {
	return &Cache{fetch: fetch}
}

// Get returns the cached profile, fetching it on first use.
func (c *Cache) Get(ctx context.Context) (*Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info != nil {
		return c.info, nil
	}
	info, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.info = info
	return info, nil
}

// Invalidate drops the cached profile; the next Get fetches again.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = nil
}
