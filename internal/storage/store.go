package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	// ErrNotFound is returned when a keyed read finds nothing.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate is returned when an insert collides with an existing key.
	ErrDuplicate = errors.New("storage: duplicate key")
	// ErrConflict is returned when a conditional update matched no row.
	ErrConflict = errors.New("storage: conditional update failed")
)

// MemoryStore keeps every table in process memory. All operations take one
// lock, so the proposal compare-and-set is trivially atomic.
type MemoryStore struct {
	mu            sync.RWMutex
	proposals     map[proposalKey]*models.RideProposal
	driverUsers   map[string]string
	pushTokens    map[string]string
	notifications []models.NotificationRecord
}

type proposalKey struct{ ride, driver string }

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proposals:   make(map[proposalKey]*models.RideProposal),
		driverUsers: make(map[string]string),
		pushTokens:  make(map[string]string),
	}
}

// SetDriverUser registers the user account owning a driver profile.
func (m *MemoryStore) SetDriverUser(driverID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.driverUsers[driverID] = userID
}

// SetPushToken stores the device token of a user; an empty token clears it.
func (m *MemoryStore) SetPushToken(userID, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token == "" {
		delete(m.pushTokens, userID)
		return
	}
	m.pushTokens[userID] = token
}

func (m *MemoryStore) DriverUser(_ context.Context, driverID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.driverUsers[driverID]
	if !ok {
		return "", ErrNotFound
	}
	return u, nil
}

func (m *MemoryStore) PushToken(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.pushTokens[userID]
	if !ok {
		return "", ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) InsertNotification(_ context.Context, rec models.NotificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, rec)
	return nil
}

// Notifications returns the inbox of a user, oldest first.
func (m *MemoryStore) Notifications(userID string) []models.NotificationRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.NotificationRecord
	for _, n := range m.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

func (m *MemoryStore) InsertProposal(_ context.Context, p models.RideProposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := proposalKey{p.RideID, p.DriverID}
	if _, ok := m.proposals[k]; ok {
		return ErrDuplicate
	}
	cp := p
	m.proposals[k] = &cp
	return nil
}

func (m *MemoryStore) GetProposal(_ context.Context, rideID, driverID string) (models.RideProposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[proposalKey{rideID, driverID}]
	if !ok {
		return models.RideProposal{}, ErrNotFound
	}
	return *p, nil
}

// ListProposals returns the proposals of a ride ordered by distance.
func (m *MemoryStore) ListProposals(_ context.Context, rideID string) ([]models.RideProposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RideProposal
	for k, p := range m.proposals {
		if k.ride == rideID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out, nil
}

// AcceptProposal moves a pending, unexpired proposal to accepted provided no
// sibling was accepted before, and rejects the pending siblings.
func (m *MemoryStore) AcceptProposal(_ context.Context, rideID, driverID string, now time.Time) (models.RideProposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[proposalKey{rideID, driverID}]
	if !ok {
		return models.RideProposal{}, ErrNotFound
	}
	if p.Status != models.ProposalPending || !now.Before(p.ExpiresAt) {
		return *p, ErrConflict
	}
	for k, s := range m.proposals {
		if k.ride == rideID && s.Status == models.ProposalAccepted {
			return *p, ErrConflict
		}
	}
	p.Status = models.ProposalAccepted
	for k, s := range m.proposals {
		if k.ride == rideID && k.driver != driverID && s.Status == models.ProposalPending {
			s.Status = models.ProposalRejected
		}
	}
	return *p, nil
}

func (m *MemoryStore) UpdateProposalStatus(_ context.Context, rideID, driverID string, from, to models.ProposalStatus) (models.RideProposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[proposalKey{rideID, driverID}]
	if !ok {
		return models.RideProposal{}, ErrNotFound
	}
	if p.Status != from {
		return *p, ErrConflict
	}
	p.Status = to
	return *p, nil
}

func (m *MemoryStore) ExpireProposals(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.proposals {
		if p.Status == models.ProposalPending && !now.Before(p.ExpiresAt) {
			p.Status = models.ProposalExpired
			n++
		}
	}
	return n, nil
}
