package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Source returns available drivers within radiusKm of pickup, closest first.
type Source interface {
	Nearby(ctx context.Context, pickup models.Coord, radiusKm float64) ([]models.DriverCandidate, error)
}

// Writer accepts driver position reports.
type Writer interface {
	Upsert(ctx context.Context, loc models.DriverLocation) error
}

// Index is an in-process driver index for local runs and tests.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverLocation
	now     func() time.Time
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.DriverLocation), now: time.Now}
}

func (g *Index) Upsert(_ context.Context, d models.DriverLocation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d.Updated.IsZero() {
		d.Updated = g.now()
	}
	g.drivers[d.DriverID] = d
	return nil
}

// Remove drops a driver from the index, e.g. when going offline.
func (g *Index) Remove(driverID string) {
	g.mu.Lock()
	delete(g.drivers, driverID)
	g.mu.Unlock()
}

// naive scan; the production path is Redis or PostGIS
func (g *Index) Nearby(_ context.Context, pickup models.Coord, radiusKm float64) ([]models.DriverCandidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.DriverCandidate, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Available {
			continue
		}
		km := Haversine(pickup.Lat, pickup.Lng, d.Loc.Lat, d.Loc.Lng) / 1000
		if km > radiusKm {
			continue
		}
		out = append(out, models.DriverCandidate{
			DriverID:    d.DriverID,
			Name:        d.Name,
			Phone:       d.Phone,
			VehicleType: d.VehicleType,
			Rating:      d.Rating,
			DistanceKm:  km,
			LastUpdate:  d.Updated,
			Location:    d.Loc,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm == out[j].DistanceKm {
			return out[i].DriverID < out[j].DriverID
		}
		return out[i].DistanceKm < out[j].DistanceKm
	})
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
