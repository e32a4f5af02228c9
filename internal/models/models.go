package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate lies inside the WGS84 range.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityUrgent Priority = "urgent"
)

// RideRequest is the immutable input of one dispatch run.
type RideRequest struct {
	RideID         string   `json:"ride_id"`
	Pickup         *Coord   `json:"pickup"`
	EstimatedPrice float64  `json:"estimated_price"`
	Priority       Priority `json:"priority_level"`
	MaxDistanceKm  float64  `json:"max_distance_km,omitempty"`
	MaxDrivers     int      `json:"max_drivers_to_notify,omitempty"`
}

// DriverCandidate is a driver returned by the geo service, closest first.
type DriverCandidate struct {
	DriverID    string    `json:"driver_id"`
	Name        string    `json:"driver_name"`
	Phone       string    `json:"driver_phone"`
	VehicleType string    `json:"vehicle_type"`
	Rating      float64   `json:"rating"` // 0..5
	DistanceKm  float64   `json:"distance_km"`
	LastUpdate  time.Time `json:"last_update"`
	Location    Coord     `json:"location"`
}

// DriverLocation is a position report used to feed the local driver index.
type DriverLocation struct {
	DriverID    string    `json:"driver_id"`
	Name        string    `json:"name"`
	Phone       string    `json:"phone"`
	VehicleType string    `json:"vehicle_type"`
	Rating      float64   `json:"rating"`
	Loc         Coord     `json:"loc"`
	Available   bool      `json:"available"`
	Updated     time.Time `json:"updated"`
}

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExpired  ProposalStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s ProposalStatus) Terminal() bool { return s != ProposalPending }

type RideProposal struct {
	ID         string         `json:"id"`
	RideID     string         `json:"ride_id"`
	DriverID   string         `json:"driver_id"`
	Status     ProposalStatus `json:"status"`
	DistanceKm float64        `json:"distance_km"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
}

// EffectiveStatus applies lazy expiry: a pending proposal whose expiry is
// reached counts as expired even if nothing has written that state yet.
func (p RideProposal) EffectiveStatus(now time.Time) ProposalStatus {
	if p.Status == ProposalPending && !now.Before(p.ExpiresAt) {
		return ProposalExpired
	}
	return p.Status
}

// Notification is the normalized message handed to the notifier.
type Notification struct {
	UserID   string         `json:"userId"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Type     string         `json:"type"`
	Data     map[string]any `json:"data,omitempty"`
	Priority Priority       `json:"priority,omitempty"`
	DriverID string         `json:"-"`
}

// NotificationRecord is the in-app inbox entry, written whatever happened to the push.
type NotificationRecord struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data"`
	Read      bool           `json:"is_read"`
	CreatedAt time.Time      `json:"created_at"`
}

type OutcomeStatus string

const (
	OutcomeNotified OutcomeStatus = "notified"
	OutcomeSkipped  OutcomeStatus = "skipped"
	OutcomeFailed   OutcomeStatus = "failed"
)

type DriverOutcome struct {
	DriverID   string        `json:"driver_id"`
	Name       string        `json:"name"`
	DistanceKm float64       `json:"distance_km"`
	Status     OutcomeStatus `json:"status"`
	PushSent   bool          `json:"push_sent"`
	MessageID  string        `json:"message_id,omitempty"`
	Error      string        `json:"error,omitempty"`
}

type NotifiedDriver struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Distance float64 `json:"distance"`
}

// DispatchResult is returned to whoever triggered the dispatch.
type DispatchResult struct {
	Success          bool             `json:"success"`
	RideID           string           `json:"ride_id,omitempty"`
	CandidatesFound  int              `json:"drivers_found"`
	ProposalsCreated int              `json:"proposals_created"`
	DriversNotified  int              `json:"driversNotified"`
	PushesDelivered  int              `json:"pushes_delivered"`
	Drivers          []NotifiedDriver `json:"drivers"`
	Outcomes         []DriverOutcome  `json:"outcomes,omitempty"`
	Message          string           `json:"message,omitempty"`
	Error            string           `json:"error,omitempty"`
}

// DispatchEvent is published on the events topic after dispatch milestones.
type DispatchEvent struct {
	Type            string    `json:"type"`
	RideID          string    `json:"ride_id"`
	DriverID        string    `json:"driver_id,omitempty"`
	CandidatesFound int       `json:"drivers_found,omitempty"`
	DriversNotified int       `json:"drivers_notified,omitempty"`
	At              time.Time `json:"at"`
}

const (
	EventDispatchCompleted = "dispatch_completed"
	EventProposalAccepted  = "proposal_accepted"
)
