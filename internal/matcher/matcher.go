// Package matcher runs one dispatch per ride request: select the closest
// drivers, open a proposal for each and notify their owners.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var (
	ErrInvalidDispatchRequest = errors.New("invalid dispatch request")
	ErrUpstreamQuery          = errors.New("geo query failed")
)

const (
	NotificationType = "new_ride"
	ScreenAvailable  = "available_rides"
	noDriversMessage = "no drivers available nearby"
)

type Proposals interface {
	Create(ctx context.Context, rideID, driverID string, distanceKm float64) (models.RideProposal, error)
}

type Notifier interface {
	Notify(ctx context.Context, n models.Notification) (dispatch.PushResult, error)
}

// DriverDirectory maps a driver to the user account that owns its devices.
type DriverDirectory interface {
	DriverUser(ctx context.Context, driverID string) (string, error)
}

type LiveOffers interface {
	Offer(driverID string, offer dispatch.Offer) error
}

type EventPublisher interface {
	Publish(ctx context.Context, ev models.DispatchEvent) error
}

type ETA interface {
	Minutes(ctx context.Context, from, to models.Coord) int
}

// Credentials is checked once per dispatch before any push is attempted.
type Credentials interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

// Service wires the dispatch pipeline. Live, Events, ETA and Credentials
// are optional.
type Service struct {
	Selector    *Selector
	Proposals   Proposals
	Notifier    Notifier
	Drivers     DriverDirectory
	Live        LiveOffers
	Events      EventPublisher
	ETA         ETA
	Credentials Credentials
	CallTimeout time.Duration
	FanoutLimit int
	Currency    string
	Log         zerolog.Logger
}

type candidateRun struct {
	cand     models.DriverCandidate
	proposal *models.RideProposal
	outcome  models.DriverOutcome
}

// Dispatch runs the pipeline for one ride. Only an invalid request or a
// failed geo query abort the run; every other failure is reported per driver
// in the returned summary.
func (s *Service) Dispatch(ctx context.Context, req models.RideRequest) (models.DispatchResult, error) {
	start := time.Now()
	log := s.Log.With().Str("ride_id", req.RideID).Logger()

	req, err := normalize(req)
	if err != nil {
		observability.DispatchesTotal.WithLabelValues("invalid").Inc()
		log.Warn().Err(err).Msg("dispatch rejected")
		return models.DispatchResult{Success: false, RideID: req.RideID, Error: err.Error()}, err
	}
	log.Info().Str("stage", "started").Str("priority", string(req.Priority)).Msg("dispatch")

	selectCtx, cancel := s.callContext(ctx)
	cands, found, err := s.Selector.Select(selectCtx, *req.Pickup, req.MaxDistanceKm, req.MaxDrivers)
	cancel()
	if err != nil {
		observability.DispatchesTotal.WithLabelValues("upstream_error").Inc()
		log.Error().Err(err).Msg("candidate selection failed")
		return models.DispatchResult{Success: false, RideID: req.RideID, Error: err.Error()}, err
	}
	observability.CandidatesFound.Observe(float64(found))
	log.Info().Str("stage", "candidates_selected").Int("found", found).Int("count", len(cands)).Msg("dispatch")

	if len(cands) == 0 {
		res := models.DispatchResult{
			Success: true,
			RideID:  req.RideID,
			Drivers: []models.NotifiedDriver{},
			Message: noDriversMessage,
		}
		s.complete(ctx, log, res, start)
		return res, nil
	}

	runs := make([]*candidateRun, len(cands))
	for i, c := range cands {
		runs[i] = &candidateRun{cand: c, outcome: models.DriverOutcome{DriverID: c.DriverID, Name: c.Name, DistanceKm: c.DistanceKm}}
	}

	s.fanOut(runs, func(r *candidateRun) { s.createProposal(ctx, log, req, r) })
	created := 0
	for _, r := range runs {
		if r.proposal != nil {
			created++
		}
	}
	log.Info().Str("stage", "proposals_created").Int("count", created).Msg("dispatch")

	if created == 0 {
		log.Warn().Msg("no proposal created, nothing to notify")
	} else if credErr := s.checkCredentials(ctx); credErr != nil {
		log.Error().Err(credErr).Msg("push credentials unavailable, skipping notifications")
		for _, r := range runs {
			if r.proposal != nil {
				r.outcome.Status = models.OutcomeFailed
				r.outcome.Error = credErr.Error()
			}
		}
	} else {
		s.fanOut(runs, func(r *candidateRun) {
			if r.proposal != nil {
				s.notifyDriver(ctx, log, req, r)
			}
		})
	}

	res := models.DispatchResult{
		Success:          true,
		RideID:           req.RideID,
		CandidatesFound:  found,
		ProposalsCreated: created,
		Drivers:          []models.NotifiedDriver{},
		Outcomes:         make([]models.DriverOutcome, 0, len(runs)),
	}
	for _, r := range runs {
		res.Outcomes = append(res.Outcomes, r.outcome)
		if r.outcome.Status != models.OutcomeNotified {
			continue
		}
		res.DriversNotified++
		if r.outcome.PushSent {
			res.PushesDelivered++
		}
		res.Drivers = append(res.Drivers, models.NotifiedDriver{ID: r.cand.DriverID, Name: r.cand.Name, Distance: r.cand.DistanceKm})
	}
	log.Info().Str("stage", "notifications_sent").Int("notified", res.DriversNotified).Int("pushed", res.PushesDelivered).Msg("dispatch")

	s.complete(ctx, log, res, start)
	return res, nil
}

func normalize(req models.RideRequest) (models.RideRequest, error) {
	req.RideID = strings.TrimSpace(req.RideID)
	var problems []string
	if req.RideID == "" {
		problems = append(problems, "ride id is required")
	}
	if req.Pickup == nil {
		problems = append(problems, "pickup coordinate is required")
	} else if !req.Pickup.Valid() {
		problems = append(problems, "pickup coordinate out of range")
	}
	if req.MaxDistanceKm < 0 {
		problems = append(problems, "max distance must not be negative")
	}
	if req.MaxDrivers < 0 {
		problems = append(problems, "max drivers must not be negative")
	}
	if req.EstimatedPrice < 0 {
		problems = append(problems, "estimated price must not be negative")
	}
	switch req.Priority {
	case "":
		req.Priority = models.PriorityNormal
	case models.PriorityNormal, models.PriorityUrgent:
	default:
		problems = append(problems, fmt.Sprintf("unknown priority %q", req.Priority))
	}
	if len(problems) > 0 {
		return req, fmt.Errorf("%w: %s", ErrInvalidDispatchRequest, strings.Join(problems, "; "))
	}
	return req, nil
}

func (s *Service) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.CallTimeout <= 0 {
		return context.WithTimeout(ctx, 5*time.Second)
	}
	return context.WithTimeout(ctx, s.CallTimeout)
}

// fanOut runs fn for every run and waits for all of them. fn never fails, so
// one slow or failing candidate cannot cancel its siblings.
func (s *Service) fanOut(runs []*candidateRun, fn func(*candidateRun)) {
	var g errgroup.Group
	limit := s.FanoutLimit
	if limit <= 0 {
		limit = 8
	}
	g.SetLimit(limit)
	for _, r := range runs {
		r := r
		g.Go(func() error {
			fn(r)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) createProposal(ctx context.Context, log zerolog.Logger, req models.RideRequest, r *candidateRun) {
	cctx, cancel := s.callContext(ctx)
	defer cancel()
	p, err := s.Proposals.Create(cctx, req.RideID, r.cand.DriverID, r.cand.DistanceKm)
	if err != nil {
		log.Warn().Err(err).Str("driver_id", r.cand.DriverID).Msg("proposal skipped")
		r.outcome.Status = models.OutcomeSkipped
		r.outcome.Error = err.Error()
		return
	}
	r.proposal = &p
}

func (s *Service) checkCredentials(ctx context.Context) error {
	if s.Credentials == nil {
		return nil
	}
	cctx, cancel := s.callContext(ctx)
	defer cancel()
	_, err := s.Credentials.Token(cctx)
	return err
}

func (s *Service) notifyDriver(ctx context.Context, log zerolog.Logger, req models.RideRequest, r *candidateRun) {
	cctx, cancel := s.callContext(ctx)
	defer cancel()
	log = log.With().Str("driver_id", r.cand.DriverID).Logger()

	userID, err := s.Drivers.DriverUser(cctx, r.cand.DriverID)
	if err != nil {
		log.Warn().Err(err).Msg("driver owner lookup failed")
		r.outcome.Status = models.OutcomeFailed
		r.outcome.Error = fmt.Sprintf("resolve driver owner: %v", err)
		return
	}

	n := s.composeNotification(cctx, req, r.cand, *r.proposal)
	n.UserID = userID
	res, err := s.Notifier.Notify(cctx, n)
	r.outcome.PushSent = res.PushSent
	r.outcome.MessageID = res.MessageID
	if err != nil {
		log.Warn().Err(err).Msg("notify failed")
		r.outcome.Status = models.OutcomeFailed
		r.outcome.Error = err.Error()
		return
	}
	r.outcome.Status = models.OutcomeNotified
	r.outcome.Error = res.Error

	if s.Live != nil {
		offer := dispatch.Offer{
			Type:           NotificationType,
			RideID:         req.RideID,
			ProposalID:     r.proposal.ID,
			DistanceKm:     r.cand.DistanceKm,
			EstimatedPrice: req.EstimatedPrice,
			Currency:       s.currency(),
			Priority:       string(req.Priority),
			ExpiresAt:      r.proposal.ExpiresAt,
		}
		if err := s.Live.Offer(r.cand.DriverID, offer); err != nil && !errors.Is(err, dispatch.ErrNoSession) {
			log.Debug().Err(err).Msg("live offer not delivered")
		}
	}
}

func (s *Service) composeNotification(ctx context.Context, req models.RideRequest, c models.DriverCandidate, p models.RideProposal) models.Notification {
	title := "New ride available"
	if req.Priority == models.PriorityUrgent {
		title = "Urgent ride request!"
	}
	price := strconv.FormatFloat(req.EstimatedPrice, 'f', -1, 64)
	data := map[string]any{
		"ride_id":         req.RideID,
		"driver_id":       c.DriverID,
		"proposal_id":     p.ID,
		"distance_km":     c.DistanceKm,
		"estimated_price": req.EstimatedPrice,
		"priority_level":  string(req.Priority),
		"expires_in":      int(p.ExpiresAt.Sub(p.CreatedAt).Seconds()),
		"screen":          ScreenAvailable,
	}
	if s.ETA != nil {
		data["eta_minutes"] = s.ETA.Minutes(ctx, c.Location, *req.Pickup)
	}
	return models.Notification{
		Title:    title,
		Body:     fmt.Sprintf("%.1f km from you - %s %s", c.DistanceKm, price, s.currency()),
		Type:     NotificationType,
		Data:     data,
		Priority: req.Priority,
		DriverID: c.DriverID,
	}
}

func (s *Service) currency() string {
	if s.Currency == "" {
		return "MAD"
	}
	return s.Currency
}

func (s *Service) complete(ctx context.Context, log zerolog.Logger, res models.DispatchResult, start time.Time) {
	observability.DispatchesTotal.WithLabelValues("completed").Inc()
	observability.DispatchLatency.Observe(time.Since(start).Seconds())
	log.Info().Str("stage", "completed").
		Int("drivers_found", res.CandidatesFound).
		Int("drivers_notified", res.DriversNotified).
		Dur("took", time.Since(start)).
		Msg("dispatch")

	if s.Events == nil {
		return
	}
	ev := models.DispatchEvent{
		Type:            models.EventDispatchCompleted,
		RideID:          res.RideID,
		CandidatesFound: res.CandidatesFound,
		DriversNotified: res.DriversNotified,
		At:              time.Now().UTC(),
	}
	pctx, cancel := s.callContext(ctx)
	defer cancel()
	if err := s.Events.Publish(pctx, ev); err != nil {
		log.Warn().Err(err).Msg("publish dispatch event")
	}
}
