// Package ingest moves ride dispatch triggers and events over the message
// brokers: ride requests come in from Kafka or RabbitMQ, dispatch events go
// out to Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrMalformedTrigger = errors.New("malformed ride trigger")

// Trigger is the wire form of a ride request, shared by the HTTP API and
// the broker topics.
type Trigger struct {
	RideID             string   `json:"rideId"`
	PickupLat          *float64 `json:"pickupLat"`
	PickupLng          *float64 `json:"pickupLng"`
	MaxDistanceKm      float64  `json:"maxDistanceKm,omitempty"`
	MaxDriversToNotify int      `json:"maxDriversToNotify,omitempty"`
	EstimatedPrice     float64  `json:"estimatedPrice"`
	PriorityLevel      string   `json:"priorityLevel"`
}

// RideRequest converts the trigger. A pickup with a missing coordinate is
// left nil so validation can reject it.
func (t Trigger) RideRequest() models.RideRequest {
	req := models.RideRequest{
		RideID:         t.RideID,
		EstimatedPrice: t.EstimatedPrice,
		Priority:       models.Priority(t.PriorityLevel),
		MaxDistanceKm:  t.MaxDistanceKm,
		MaxDrivers:     t.MaxDriversToNotify,
	}
	if t.PickupLat != nil && t.PickupLng != nil {
		req.Pickup = &models.Coord{Lat: *t.PickupLat, Lng: *t.PickupLng}
	}
	return req
}

func DecodeTrigger(b []byte) (models.RideRequest, error) {
	var t Trigger
	if err := json.Unmarshal(b, &t); err != nil {
		return models.RideRequest{}, fmt.Errorf("%w: %v", ErrMalformedTrigger, err)
	}
	return t.RideRequest(), nil
}

// Message is one broker delivery, independent of the broker.
type Message struct {
	Source string
	Key    string
	Body   []byte
}

// Handler processes one message. A returned error marks the message as
// failed; sources never redeliver it.
type Handler func(ctx context.Context, msg Message) error

// Source delivers messages to a handler until ctx is cancelled.
type Source interface {
	Run(ctx context.Context, h Handler) error
	Close() error
}
