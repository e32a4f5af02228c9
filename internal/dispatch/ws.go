package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// Offer is the live proposal pushed to a connected driver app.
type Offer struct {
	Type           string    `json:"type"`
	RideID         string    `json:"ride_id"`
	ProposalID     string    `json:"proposal_id"`
	DistanceKm     float64   `json:"distance_km"`
	EstimatedPrice float64   `json:"estimated_price"`
	Currency       string    `json:"currency"`
	Priority       string    `json:"priority_level"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// WSSession represents a connected driver session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(offer Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(offer)
}

// WSRegistry holds driver sessions
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	log      zerolog.Logger
}

func NewWSRegistry(log zerolog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), log: log}
}

// Add registers conn for driverID, replacing an older session.
func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[driverID] = &WSSession{conn: conn}
}

// Remove drops the session only if it still belongs to conn.
func (r *WSRegistry) Remove(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[driverID]; ok && s.conn == conn {
		delete(r.sessions, driverID)
	}
}

func (r *WSRegistry) Connected(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[driverID]
	return ok
}

func (r *WSRegistry) Offer(driverID string, offer Offer) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(offer); err != nil {
		r.log.Warn().Err(err).Str("driver_id", driverID).Msg("ws send error")
		return err
	}
	return nil
}
