package eta

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is implemented by routing backends.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.ts) > c.ttl {
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
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// EstimateSeconds is the straight-line fallback: distance / speed_mps.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h city speed
	}
	return geo.Haversine(from.Lat, from.Lng, to.Lat, to.Lng) / speedMps
}

// Estimator answers pickup ETAs for notification payloads. It asks the
// routing client when one is configured, caches answers and falls back to a
// straight-line estimate when routing fails.
type Estimator struct {
	client   Client
	cache    *Cache
	speedMps float64
	log      zerolog.Logger
}

// NewEstimator accepts a nil client, in which case only the fallback is used.
func NewEstimator(client Client, cache *Cache, speedMps float64, log zerolog.Logger) *Estimator {
	return &Estimator{client: client, cache: cache, speedMps: speedMps, log: log}
}

// Minutes returns the rounded-up pickup ETA in minutes, never less than 1.
func (e *Estimator) Minutes(ctx context.Context, from, to models.Coord) int {
	secs := e.seconds(ctx, from, to)
	m := int(math.Ceil(secs / 60))
	if m < 1 {
		m = 1
	}
	return m
}

func (e *Estimator) seconds(ctx context.Context, from, to models.Coord) float64 {
	if e.cache != nil {
		if v, ok := e.cache.Get(from, to); ok {
			return v
		}
	}
	if e.client != nil {
		v, err := e.client.EstimateSeconds(ctx, from, to)
		if err == nil {
			if e.cache != nil {
				e.cache.Set(from, to, v)
			}
			return v
		}
		e.log.Debug().Err(err).Msg("routing eta failed, using straight line")
	}
	return EstimateSeconds(from, to, e.speedMps)
}
