// Package proposal owns the lifecycle of ride proposals: one time-bounded
// offer per (ride, driver), resolved by the first driver to accept.
package proposal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// TTL is how long a driver has to accept a proposal.
const TTL = 60 * time.Second

var (
	ErrCreation        = errors.New("proposal creation failed")
	ErrExpired         = errors.New("proposal expired")
	ErrAlreadyResolved = errors.New("proposal already resolved")
	ErrNotFound        = errors.New("proposal not found")
)

// Store persists proposals. AcceptProposal must atomically check that the
// proposal is pending and unexpired at now, that no sibling of the same ride
// is accepted, and reject the pending siblings; it reports a failed condition
// with storage.ErrConflict.
type Store interface {
	InsertProposal(ctx context.Context, p models.RideProposal) error
	GetProposal(ctx context.Context, rideID, driverID string) (models.RideProposal, error)
	ListProposals(ctx context.Context, rideID string) ([]models.RideProposal, error)
	AcceptProposal(ctx context.Context, rideID, driverID string, now time.Time) (models.RideProposal, error)
	UpdateProposalStatus(ctx context.Context, rideID, driverID string, from, to models.ProposalStatus) (models.RideProposal, error)
	ExpireProposals(ctx context.Context, now time.Time) (int, error)
}

type Manager struct {
	store Store
	log   zerolog.Logger
	ttl   time.Duration
	now   func() time.Time
}

func NewManager(store Store, log zerolog.Logger) *Manager {
	return &Manager{store: store, log: log, ttl: TTL, now: time.Now}
}

// WithClock replaces the time source, used by tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Create writes a pending proposal expiring TTL from now. The proposal only
// exists once the store acknowledged the write.
func (m *Manager) Create(ctx context.Context, rideID, driverID string, distanceKm float64) (models.RideProposal, error) {
	now := m.now()
	p := models.RideProposal{
		ID:         uuid.NewString(),
		RideID:     rideID,
		DriverID:   driverID,
		Status:     models.ProposalPending,
		DistanceKm: distanceKm,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.ttl),
	}
	if err := m.store.InsertProposal(ctx, p); err != nil {
		observability.ProposalsTotal.WithLabelValues("create_failed").Inc()
		return models.RideProposal{}, fmt.Errorf("%w: ride=%s driver=%s: %w", ErrCreation, rideID, driverID, err)
	}
	observability.ProposalsTotal.WithLabelValues(string(models.ProposalPending)).Inc()
	return p, nil
}

// Get returns the proposal with lazy expiry applied to its status.
func (m *Manager) Get(ctx context.Context, rideID, driverID string) (models.RideProposal, error) {
	p, err := m.store.GetProposal(ctx, rideID, driverID)
	if err != nil {
		return models.RideProposal{}, m.mapStoreErr(err)
	}
	p.Status = p.EffectiveStatus(m.now())
	return p, nil
}

// List returns every proposal of a ride with lazy expiry applied.
func (m *Manager) List(ctx context.Context, rideID string) ([]models.RideProposal, error) {
	ps, err := m.store.ListProposals(ctx, rideID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	for i := range ps {
		ps[i].Status = ps[i].EffectiveStatus(now)
	}
	return ps, nil
}

// Accept resolves the ride in favour of driverID. The expiry comparison is
// made once, at the time the call starts: a proposal is acceptable strictly
// before ExpiresAt.
func (m *Manager) Accept(ctx context.Context, rideID, driverID string) (models.RideProposal, error) {
	now := m.now()
	p, err := m.store.GetProposal(ctx, rideID, driverID)
	if err != nil {
		return models.RideProposal{}, m.countAccept(m.mapStoreErr(err))
	}
	if p.EffectiveStatus(now) == models.ProposalExpired {
		m.markExpired(ctx, p)
		return models.RideProposal{}, m.countAccept(ErrExpired)
	}
	if p.Status != models.ProposalPending {
		return models.RideProposal{}, m.countAccept(ErrAlreadyResolved)
	}

	accepted, err := m.store.AcceptProposal(ctx, rideID, driverID, now)
	switch {
	case err == nil:
		m.log.Info().Str("ride_id", rideID).Str("driver_id", driverID).Msg("proposal accepted")
		observability.ProposalsTotal.WithLabelValues(string(models.ProposalAccepted)).Inc()
		return accepted, m.countAccept(nil)
	case errors.Is(err, storage.ErrConflict):
		return models.RideProposal{}, m.countAccept(ErrAlreadyResolved)
	default:
		return models.RideProposal{}, m.countAccept(m.mapStoreErr(err))
	}
}

// Reject records that driverID declined the ride.
func (m *Manager) Reject(ctx context.Context, rideID, driverID string) (models.RideProposal, error) {
	p, err := m.store.GetProposal(ctx, rideID, driverID)
	if err != nil {
		return models.RideProposal{}, m.mapStoreErr(err)
	}
	if p.EffectiveStatus(m.now()) == models.ProposalExpired {
		m.markExpired(ctx, p)
		return models.RideProposal{}, ErrExpired
	}
	rejected, err := m.store.UpdateProposalStatus(ctx, rideID, driverID, models.ProposalPending, models.ProposalRejected)
	if errors.Is(err, storage.ErrConflict) {
		return models.RideProposal{}, ErrAlreadyResolved
	}
	if err != nil {
		return models.RideProposal{}, m.mapStoreErr(err)
	}
	observability.ProposalsTotal.WithLabelValues(string(models.ProposalRejected)).Inc()
	return rejected, nil
}

// ExpireStale persists the expired state of every pending proposal whose
// expiry is at or before now. Reads never depend on this sweep having run.
func (m *Manager) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	n, err := m.store.ExpireProposals(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("expire proposals: %w", err)
	}
	if n > 0 {
		observability.ProposalsTotal.WithLabelValues(string(models.ProposalExpired)).Add(float64(n))
		m.log.Info().Int("count", n).Msg("expired stale proposals")
	}
	return n, nil
}

func (m *Manager) markExpired(ctx context.Context, p models.RideProposal) {
	if p.Status != models.ProposalPending {
		return
	}
	if _, err := m.store.UpdateProposalStatus(ctx, p.RideID, p.DriverID, models.ProposalPending, models.ProposalExpired); err != nil && !errors.Is(err, storage.ErrConflict) {
		m.log.Warn().Err(err).Str("ride_id", p.RideID).Str("driver_id", p.DriverID).Msg("persist expired proposal")
	}
}

func (m *Manager) mapStoreErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (m *Manager) countAccept(err error) error {
	outcome := "accepted"
	switch {
	case err == nil:
	case errors.Is(err, ErrExpired):
		outcome = "expired"
	case errors.Is(err, ErrAlreadyResolved):
		outcome = "already_resolved"
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	default:
		outcome = "error"
	}
	observability.AcceptAttempts.WithLabelValues(outcome).Inc()
	return err
}
