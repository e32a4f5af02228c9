package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/proposal"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, req models.RideRequest) (models.DispatchResult, error)
}

type Proposals interface {
	Get(ctx context.Context, rideID, driverID string) (models.RideProposal, error)
	Accept(ctx context.Context, rideID, driverID string) (models.RideProposal, error)
	Reject(ctx context.Context, rideID, driverID string) (models.RideProposal, error)
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

type Notifier interface {
	Notify(ctx context.Context, n models.Notification) (dispatch.PushResult, error)
}

// Deps are the components served over HTTP. Locations, Events, WS and Ready
// may be nil.
type Deps struct {
	Dispatcher Dispatcher
	Proposals  Proposals
	Notifier   Notifier
	Locations  geo.Writer
	Events     matcher.EventPublisher
	WS         *dispatch.WSRegistry
	Ready      func(ctx context.Context) error
}

type Server struct {
	deps   Deps
	logger zerolog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps, logger zerolog.Logger) *Server {
	s := &Server{deps: deps, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/dispatch", s.handleDispatch).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/notifications", s.handleNotify).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/proposals/{ride_id}/{driver_id}", s.handleGetProposal).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/proposals/{ride_id}/{driver_id}/accept", s.handleAccept).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/proposals/{ride_id}/{driver_id}/reject", s.handleReject).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/proposals/expire", s.handleExpire).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var t ingest.Trigger
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeJSON(w, http.StatusBadRequest, models.DispatchResult{Success: false, Error: "invalid JSON: " + err.Error()})
		return
	}
	res, err := s.deps.Dispatcher.Dispatch(r.Context(), t.RideRequest())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, matcher.ErrInvalidDispatchRequest):
		writeJSON(w, http.StatusBadRequest, res)
	case errors.Is(err, matcher.ErrUpstreamQuery):
		writeJSON(w, http.StatusBadGateway, res)
	default:
		res.Success, res.Error = false, err.Error()
		writeJSON(w, http.StatusInternalServerError, res)
	}
}

type notifyResponse struct {
	Success bool `json:"success"`
	dispatch.PushResult
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var n models.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	res, err := s.deps.Notifier.Notify(r.Context(), n)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, notifyResponse{Success: true, PushResult: res})
	case errors.Is(err, dispatch.ErrInvalidNotification):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).Str("user_id", n.UserID).Msg("notification failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := s.deps.Proposals.Get(r.Context(), vars["ride_id"], vars["driver_id"])
	if err != nil {
		writeProposalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := s.deps.Proposals.Accept(r.Context(), vars["ride_id"], vars["driver_id"])
	if err != nil {
		writeProposalError(w, err)
		return
	}
	if s.deps.Events != nil {
		ev := models.DispatchEvent{Type: models.EventProposalAccepted, RideID: p.RideID, DriverID: p.DriverID, At: time.Now().UTC()}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
		if err := s.deps.Events.Publish(ctx, ev); err != nil {
			s.logger.Warn().Err(err).Str("ride_id", p.RideID).Msg("publish acceptance event")
		}
		cancel()
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := s.deps.Proposals.Reject(r.Context(), vars["ride_id"], vars["driver_id"])
	if err != nil {
		writeProposalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Proposals.ExpireStale(r.Context(), time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

// locationReport defaults Available to true when omitted.
type locationReport struct {
	models.DriverLocation
	Available *bool `json:"available"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Locations == nil {
		http.Error(w, "location updates are owned by the geo database", http.StatusNotImplemented)
		return
	}
	var rep locationReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	d := rep.DriverLocation
	if d.DriverID == "" || !d.Loc.Valid() {
		http.Error(w, "driver_id and a valid loc are required", 400)
		return
	}
	d.Available = rep.Available == nil || *rep.Available
	if err := s.deps.Locations.Upsert(r.Context(), d); err != nil {
		s.logger.Error().Err(err).Str("driver_id", d.DriverID).Msg("driver location update failed")
		http.Error(w, "location update failed", http.StatusBadGateway)
		return
	}
	observability.DriversIndexed.Inc()
	w.WriteHeader(204)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.WS == nil {
		http.Error(w, "live offers disabled", http.StatusNotFound)
		return
	}
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		return
	}
	s.deps.WS.Add(id, conn)
	s.logger.Debug().Str("driver_id", id).Msg("ws session opened")
	defer func() {
		s.deps.WS.Remove(id, conn)
		_ = conn.Close()
	}()
	// drain client frames until the connection drops
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeProposalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, proposal.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, proposal.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, proposal.ErrExpired):
		writeError(w, http.StatusGone, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
