package matcher

import (
	"context"
	"fmt"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

const (
	DefaultRadiusKm   = 10.0
	DefaultMaxDrivers = 3
)

// Selector picks the drivers a ride is offered to. Ranking is the geo
// source's job: the selector trusts its closest-first order and only
// truncates.
type Selector struct {
	Source          geo.Source
	DefaultRadiusKm float64
	DefaultMax      int
}

func NewSelector(src geo.Source, defaultRadiusKm float64, defaultMax int) *Selector {
	if defaultRadiusKm <= 0 {
		defaultRadiusKm = DefaultRadiusKm
	}
	if defaultMax <= 0 {
		defaultMax = DefaultMaxDrivers
	}
	return &Selector{Source: src, DefaultRadiusKm: defaultRadiusKm, DefaultMax: defaultMax}
}

// Select returns at most max candidates within radiusKm of pickup, plus the
// number of drivers the geo source found before truncation. Zero values fall
// back to the selector defaults. An empty result is not an error.
func (s *Selector) Select(ctx context.Context, pickup models.Coord, radiusKm float64, max int) ([]models.DriverCandidate, int, error) {
	if radiusKm <= 0 {
		radiusKm = s.DefaultRadiusKm
	}
	if max <= 0 {
		max = s.DefaultMax
	}
	cands, err := s.Source.Nearby(ctx, pickup, radiusKm)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrUpstreamQuery, err)
	}
	total := len(cands)
	if total > max {
		cands = cands[:max]
	}
	if cands == nil {
		cands = []models.DriverCandidate{}
	}
	return cands, total, nil
}
