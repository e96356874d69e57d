// Package routing resolves road distances for fare settlement. An OSRM
// backend is preferred when configured; haversine is the fallback.
package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Estimator is the interface used by the engine to get trip distances.
type Estimator interface {
	DistanceKm(ctx context.Context, from, to models.Coord) (float64, error)
}

// HaversineEstimator estimates by great-circle distance. Always succeeds.
type HaversineEstimator struct{}

func (HaversineEstimator) DistanceKm(_ context.Context, from, to models.Coord) (float64, error) {
	return geo.HaversineKm(from.Lat, from.Lon, to.Lat, to.Lon), nil
}

// Cache is a small in-memory TTL cache for distance lookups keyed by the
// coordinate pair.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lon, b.Lat, b.Lon)
}

func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// CachedEstimator wraps an Estimator with the TTL cache and a fallback.
// Errors from the primary degrade to haversine rather than failing the trip.
type CachedEstimator struct {
	Primary Estimator
	Cache   *Cache
}

func (e *CachedEstimator) DistanceKm(ctx context.Context, from, to models.Coord) (float64, error) {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	if e.Primary != nil {
		if v, err := e.Primary.DistanceKm(ctx, from, to); err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v, nil
		}
	}
	return geo.HaversineKm(from.Lat, from.Lon, to.Lat, to.Lon), nil
}
