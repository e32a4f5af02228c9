package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed schema.sql
var schema string

const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(30 * time.Minute)
	// quick ping
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded schema; every statement is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) DriverUser(ctx context.Context, driverID string) (string, error) {
	var userID string
	err := p.db.QueryRowContext(ctx, `SELECT user_id FROM drivers WHERE id = $1`, driverID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return userID, err
}

func (p *PostgresStore) PushToken(ctx context.Context, userID string) (string, error) {
	var token sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT fcm_token FROM user_fcm_tokens WHERE user_id = $1`, userID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && token.String == "") {
		return "", ErrNotFound
	}
	return token.String, err
}

func (p *PostgresStore) InsertNotification(ctx context.Context, rec models.NotificationRecord) error {
	data := rec.Data
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode notification data: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO notifications(id, user_id, type, title, body, data, is_read, created_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		rec.ID, rec.UserID, rec.Type, rec.Title, rec.Body, b, rec.Read, rec.CreatedAt)
	return mapErr(err)
}

func (p *PostgresStore) InsertProposal(ctx context.Context, r models.RideProposal) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_proposals(id, ride_id, driver_id, status, distance_km, created_at, expires_at) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.RideID, r.DriverID, string(r.Status), r.DistanceKm, r.CreatedAt, r.ExpiresAt)
	return mapErr(err)
}

const proposalColumns = `id, ride_id, driver_id, status, distance_km, created_at, expires_at`

func (p *PostgresStore) GetProposal(ctx context.Context, rideID, driverID string) (models.RideProposal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM ride_proposals WHERE ride_id = $1 AND driver_id = $2`, rideID, driverID)
	return scanProposal(row)
}

func (p *PostgresStore) ListProposals(ctx context.Context, rideID string) ([]models.RideProposal, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+proposalColumns+` FROM ride_proposals WHERE ride_id = $1 ORDER BY distance_km`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RideProposal
	for rows.Next() {
		r, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AcceptProposal locks every proposal row of the ride in driver order before
// the conditional update, so concurrent accepts for one ride run one after
// another and the losers find their row already rejected. The partial index
// ride_proposals_one_accepted still guards against a second winner.
func (p *PostgresStore) AcceptProposal(ctx context.Context, rideID, driverID string, now time.Time) (models.RideProposal, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.RideProposal{}, err
	}
	defer tx.Rollback()

	if err := lockRide(ctx, tx, rideID); err != nil {
		return models.RideProposal{}, conflictErr(err)
	}

	row := tx.QueryRowContext(ctx, `UPDATE ride_proposals SET status = 'accepted', resolved_at = $3
		WHERE ride_id = $1 AND driver_id = $2 AND status = 'pending' AND expires_at > $3
		RETURNING `+proposalColumns, rideID, driverID, now)
	accepted, err := scanProposal(row)
	if errors.Is(err, ErrNotFound) {
		return models.RideProposal{}, ErrConflict
	}
	if err != nil {
		return models.RideProposal{}, conflictErr(err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE ride_proposals SET status = 'rejected', resolved_at = $3
		WHERE ride_id = $1 AND driver_id <> $2 AND status = 'pending'`, rideID, driverID, now); err != nil {
		return models.RideProposal{}, conflictErr(err)
	}
	if err := tx.Commit(); err != nil {
		return models.RideProposal{}, conflictErr(err)
	}
	return accepted, nil
}

func lockRide(ctx context.Context, tx *sql.Tx, rideID string) error {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM ride_proposals WHERE ride_id = $1 ORDER BY driver_id FOR UPDATE`, rideID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
	}
	return rows.Err()
}

// conflictErr reports a lost race inside AcceptProposal as ErrConflict.
func conflictErr(err error) error {
	mapped := mapErr(err)
	if errors.Is(mapped, ErrDuplicate) {
		return fmt.Errorf("%w: %s", ErrConflict, mapped)
	}
	return mapped
}

func (p *PostgresStore) UpdateProposalStatus(ctx context.Context, rideID, driverID string, from, to models.ProposalStatus) (models.RideProposal, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE ride_proposals SET status = $4, resolved_at = now()
		WHERE ride_id = $1 AND driver_id = $2 AND status = $3
		RETURNING `+proposalColumns, rideID, driverID, string(from), string(to))
	r, err := scanProposal(row)
	if errors.Is(err, ErrNotFound) {
		if _, gerr := p.GetProposal(ctx, rideID, driverID); gerr != nil {
			return models.RideProposal{}, gerr
		}
		return models.RideProposal{}, ErrConflict
	}
	return r, err
}

func (p *PostgresStore) ExpireProposals(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE ride_proposals SET status = 'expired', resolved_at = $1 WHERE status = 'pending' AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProposal(s scanner) (models.RideProposal, error) {
	var (
		r      models.RideProposal
		status string
	)
	err := s.Scan(&r.ID, &r.RideID, &r.DriverID, &status, &r.DistanceKm, &r.CreatedAt, &r.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RideProposal{}, ErrNotFound
	}
	if err != nil {
		return models.RideProposal{}, err
	}
	r.Status = models.ProposalStatus(status)
	return r, nil
}

func mapErr(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case uniqueViolation:
		return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
	case deadlockDetected, serializationFailure:
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
	}
	return err
}
