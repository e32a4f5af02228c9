package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisBackend is the subset of redis commands the geo index needs.
type RedisBackend interface {
	GeoRadius(ctx context.Context, key string, lon, lat, radiusKm float64) ([]redis.GeoLocation, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	Remove(ctx context.Context, key, member string) error
}

type redisAdapter struct{ c *redis.Client }

// NewRedisBackend wraps a go-redis client.
func NewRedisBackend(c *redis.Client) RedisBackend { return &redisAdapter{c: c} }

func (r *redisAdapter) GeoRadius(ctx context.Context, key string, lon, lat, radiusKm float64) ([]redis.GeoLocation, error) {
	return r.c.GeoRadius(ctx, key, lon, lat, &redis.GeoRadiusQuery{Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Sort: "ASC"}).Result()
}

func (r *redisAdapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.c.HGetAll(ctx, key).Result()
}

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

func (r *redisAdapter) Remove(ctx context.Context, key, member string) error {
	return r.c.ZRem(ctx, key, member).Err()
}

// RedisGeo implements Source and Writer using Redis GEO commands. Driver
// metadata lives in a hash next to the geo set.
type RedisGeo struct {
	backend RedisBackend
	key     string
}

func NewRedisGeo(backend RedisBackend, key string) *RedisGeo {
	if key == "" {
		key = "drivers_geo"
	}
	return &RedisGeo{backend: backend, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.DriverLocation) error {
	if !d.Available {
		return r.backend.Remove(ctx, r.key, d.DriverID)
	}
	if err := r.backend.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lng, Latitude: d.Loc.Lat, Name: d.DriverID}); err != nil {
		return fmt.Errorf("geoadd %s: %w", d.DriverID, err)
	}
	updated := d.Updated
	if updated.IsZero() {
		updated = time.Now()
	}
	meta := map[string]interface{}{
		"name":         d.Name,
		"phone":        d.Phone,
		"vehicle_type": d.VehicleType,
		"rating":       strconv.FormatFloat(d.Rating, 'f', 2, 64),
		"updated":      updated.UTC().Format(time.RFC3339),
	}
	if err := r.backend.HSet(ctx, metaKey(d.DriverID), meta); err != nil {
		return fmt.Errorf("hset %s: %w", d.DriverID, err)
	}
	return nil
}

// Nearby keeps the ASC order returned by GEORADIUS. Missing metadata is not
// fatal: the candidate is still returned with its id and distance.
func (r *RedisGeo) Nearby(ctx context.Context, pickup models.Coord, radiusKm float64) ([]models.DriverCandidate, error) {
	res, err := r.backend.GeoRadius(ctx, r.key, pickup.Lng, pickup.Lat, radiusKm)
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	out := make([]models.DriverCandidate, 0, len(res))
	for _, g := range res {
		c := models.DriverCandidate{
			DriverID:   g.Name,
			DistanceKm: g.Dist,
			Location:   models.Coord{Lat: g.Latitude, Lng: g.Longitude},
		}
		if m, err := r.backend.HGetAll(ctx, metaKey(g.Name)); err == nil {
			applyMeta(&c, m)
		}
		out = append(out, c)
	}
	return out, nil
}

func applyMeta(c *models.DriverCandidate, m map[string]string) {
	c.Name = m["name"]
	c.Phone = m["phone"]
	c.VehicleType = m["vehicle_type"]
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Rating = f
		}
	}
	if v, ok := m["updated"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			c.LastUpdate = t
		}
	}
}

func metaKey(id string) string { return "driver:meta:" + id }
