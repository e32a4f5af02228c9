package geo

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineCasablancaRabat(t *testing.T) {
	// roughly 87km between the two city centres
	d := Haversine(33.5731, -7.5898, 34.0209, -6.8416) / 1000
	assert.InDelta(t, 87, d, 3)
}

func TestIndexNearbyFiltersAndSorts(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	pickup := models.Coord{Lat: 33.59, Lng: -7.61}
	require.NoError(t, idx.Upsert(ctx, models.DriverLocation{DriverID: "far", Loc: models.Coord{Lat: 33.68, Lng: -7.61}, Available: true}))
	require.NoError(t, idx.Upsert(ctx, models.DriverLocation{DriverID: "near", Name: "Youssef", Loc: models.Coord{Lat: 33.60, Lng: -7.61}, Available: true}))
	require.NoError(t, idx.Upsert(ctx, models.DriverLocation{DriverID: "mid", Loc: models.Coord{Lat: 33.62, Lng: -7.61}, Available: true}))
	require.NoError(t, idx.Upsert(ctx, models.DriverLocation{DriverID: "busy", Loc: models.Coord{Lat: 33.59, Lng: -7.61}, Available: false}))
	require.NoError(t, idx.Upsert(ctx, models.DriverLocation{DriverID: "out", Loc: models.Coord{Lat: 34.5, Lng: -7.61}, Available: true}))

	got, err := idx.Nearby(ctx, pickup, 15)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, c := range got {
		ids = append(ids, c.DriverID)
	}
	assert.Equal(t, []string{"near", "mid", "far"}, ids)
	assert.Equal(t, "Youssef", got[0].Name)
	assert.InDelta(t, 1.11, got[0].DistanceKm, 0.05)
	assert.False(t, got[0].LastUpdate.IsZero())

	idx.Remove("near")
	got, err = idx.Nearby(ctx, pickup, 15)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

type fakeRedis struct {
	locs    []redis.GeoLocation
	meta    map[string]map[string]string
	geoErr  error
	added   []*redis.GeoLocation
	hashes  map[string]map[string]interface{}
	removed []string
}

func (f *fakeRedis) GeoRadius(ctx context.Context, key string, lon, lat, radiusKm float64) ([]redis.GeoLocation, error) {
	return f.locs, f.geoErr
}

func (f *fakeRedis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if m, ok := f.meta[key]; ok {
		return m, nil
	}
	return map[string]string{}, nil
}

func (f *fakeRedis) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.added = append(f.added, loc)
	return nil
}

func (f *fakeRedis) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	if f.hashes == nil {
		f.hashes = map[string]map[string]interface{}{}
	}
	f.hashes[key] = values
	return nil
}

func (f *fakeRedis) Remove(ctx context.Context, key, member string) error {
	f.removed = append(f.removed, member)
	return nil
}

func TestRedisGeoNearbyKeepsUpstreamOrder(t *testing.T) {
	f := &fakeRedis{
		locs: []redis.GeoLocation{
			{Name: "d2", Dist: 1.2, Latitude: 33.6, Longitude: -7.6},
			{Name: "d1", Dist: 2.0, Latitude: 33.61, Longitude: -7.6},
		},
		meta: map[string]map[string]string{
			"driver:meta:d2": {"name": "Amine", "rating": "4.80", "vehicle_type": "sedan", "updated": "2026-10-17T10:00:00Z"},
		},
	}
	g := NewRedisGeo(f, "")
	got, err := g.Nearby(context.Background(), models.Coord{Lat: 33.59, Lng: -7.61}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d2", got[0].DriverID)
	assert.Equal(t, "Amine", got[0].Name)
	assert.Equal(t, 4.8, got[0].Rating)
	assert.Equal(t, 2026, got[0].LastUpdate.Year())
	assert.Equal(t, "d1", got[1].DriverID)
	assert.Empty(t, got[1].Name)
}

func TestRedisGeoNearbyError(t *testing.T) {
	g := NewRedisGeo(&fakeRedis{geoErr: errors.New("conn refused")}, "drivers_geo")
	_, err := g.Nearby(context.Background(), models.Coord{}, 10)
	require.Error(t, err)
}

func TestRedisGeoUpsert(t *testing.T) {
	f := &fakeRedis{}
	g := NewRedisGeo(f, "drivers_geo")
	ctx := context.Background()
	require.NoError(t, g.Upsert(ctx, models.DriverLocation{DriverID: "d1", Name: "Sara", Rating: 4.5, Loc: models.Coord{Lat: 1, Lng: 2}, Available: true}))
	require.Len(t, f.added, 1)
	assert.Equal(t, 2.0, f.added[0].Longitude)
	assert.Equal(t, "Sara", f.hashes["driver:meta:d1"]["name"])
	assert.Equal(t, "4.50", f.hashes["driver:meta:d1"]["rating"])

	require.NoError(t, g.Upsert(ctx, models.DriverLocation{DriverID: "d1", Available: false}))
	assert.Equal(t, []string{"d1"}, f.removed)
}
