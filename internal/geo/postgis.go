package geo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/ride-dispatch/internal/models"
)

// find_nearby_drivers is owned by the geo database; it already filters on
// availability and orders by distance.
const nearbyQuery = `
	SELECT
		driver_id::text,
		COALESCE(driver_name, ''),
		COALESCE(driver_phone, ''),
		COALESCE(vehicle_type, ''),
		COALESCE(rating, 0),
		distance_km,
		lat,
		lng,
		last_update
	FROM find_nearby_drivers($1, $2, $3)`

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostGISSource queries the PostGIS backed geo service.
type PostGISSource struct {
	db Querier
}

func NewPostGISSource(db Querier) *PostGISSource { return &PostGISSource{db: db} }

// NewPool opens a pgx pool for the geo database and pings it.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse geo dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create geo pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping geo db: %w", err)
	}
	return pool, nil
}

func (p *PostGISSource) Nearby(ctx context.Context, pickup models.Coord, radiusKm float64) ([]models.DriverCandidate, error) {
	rows, err := p.db.Query(ctx, nearbyQuery, pickup.Lat, pickup.Lng, radiusKm)
	if err != nil {
		return nil, fmt.Errorf("find_nearby_drivers: %w", err)
	}
	defer rows.Close()

	var out []models.DriverCandidate
	for rows.Next() {
		var c models.DriverCandidate
		if err := rows.Scan(
			&c.DriverID,
			&c.Name,
			&c.Phone,
			&c.VehicleType,
			&c.Rating,
			&c.DistanceKm,
			&c.Location.Lat,
			&c.Location.Lng,
			&c.LastUpdate,
		); err != nil {
			return nil, fmt.Errorf("scan nearby driver: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find_nearby_drivers rows: %w", err)
	}
	return out, nil
}
