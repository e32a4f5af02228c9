package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/proposal"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakeDispatcher struct {
	got models.RideRequest
	res models.DispatchResult
	err error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req models.RideRequest) (models.DispatchResult, error) {
	f.got = req
	return f.res, f.err
}

type events struct {
	mu  sync.Mutex
	got []models.DispatchEvent
}

func (e *events) Publish(_ context.Context, ev models.DispatchEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, ev)
	return nil
}

type harness struct {
	srv        *Server
	dispatcher *fakeDispatcher
	store      *storage.MemoryStore
	proposals  *proposal.Manager
	index      *geo.Index
	events     *events
	now        time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dispatcher: &fakeDispatcher{},
		store:      storage.NewMemoryStore(),
		index:      geo.NewIndex(),
		events:     &events{},
		now:        time.Now(),
	}
	h.proposals = proposal.NewManager(h.store, zerolog.Nop()).WithClock(func() time.Time { return h.now })
	h.srv = NewServer(Deps{
		Dispatcher: h.dispatcher,
		Proposals:  h.proposals,
		Notifier:   dispatch.NewNotifier(h.store, h.store, nil, dispatch.Options{}, zerolog.Nop()),
		Locations:  h.index,
		Events:     h.events,
		WS:         dispatch.NewWSRegistry(zerolog.Nop()),
	}, zerolog.Nop())
	return h
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestDispatchEndpoint(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.res = models.DispatchResult{Success: true, RideID: "r1", DriversNotified: 2, Drivers: []models.NotifiedDriver{{ID: "d1", Name: "A", Distance: 1.2}}}

	rec := h.do(http.MethodPost, "/api/v1/dispatch", `{"rideId":"r1","pickupLat":33.5,"pickupLng":-7.6,"estimatedPrice":40,"priorityLevel":"urgent","maxDriversToNotify":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "r1", h.dispatcher.got.RideID)
	assert.Equal(t, models.PriorityUrgent, h.dispatcher.got.Priority)
	assert.Equal(t, 2, h.dispatcher.got.MaxDrivers)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, 2.0, body["driversNotified"])
	drivers := body["drivers"].([]any)
	assert.Equal(t, map[string]any{"id": "d1", "name": "A", "distance": 1.2}, drivers[0])
}

func TestDispatchEndpointErrors(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/v1/dispatch", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.dispatcher.err = fmt.Errorf("%w: ride id is required", matcher.ErrInvalidDispatchRequest)
	h.dispatcher.res = models.DispatchResult{Success: false, Error: h.dispatcher.err.Error()}
	rec = h.do(http.MethodPost, "/api/v1/dispatch", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, decode[map[string]any](t, rec)["success"])

	h.dispatcher.err = fmt.Errorf("%w: timeout", matcher.ErrUpstreamQuery)
	rec = h.do(http.MethodPost, "/api/v1/dispatch", `{}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/dispatch", ``)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestProposalLifecycleEndpoints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, d := range []string{"d1", "d2"} {
		_, err := h.proposals.Create(ctx, "r1", d, 1)
		require.NoError(t, err)
	}

	rec := h.do(http.MethodGet, "/api/v1/proposals/r1/d1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.ProposalPending, decode[models.RideProposal](t, rec).Status)

	rec = h.do(http.MethodPost, "/api/v1/proposals/r1/d1/accept", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.ProposalAccepted, decode[models.RideProposal](t, rec).Status)
	require.Len(t, h.events.got, 1)
	assert.Equal(t, models.EventProposalAccepted, h.events.got[0].Type)
	assert.Equal(t, "d1", h.events.got[0].DriverID)

	rec = h.do(http.MethodPost, "/api/v1/proposals/r1/d2/accept", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/proposals/r1/d9/reject", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProposalExpiryEndpoints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.proposals.Create(ctx, "r1", "d1", 1)
	require.NoError(t, err)
	_, err = h.proposals.Create(ctx, "r2", "d1", 1)
	require.NoError(t, err)

	h.now = h.now.Add(proposal.TTL)
	rec := h.do(http.MethodPost, "/api/v1/proposals/r1/d1/accept", "")
	assert.Equal(t, http.StatusGone, rec.Code)

	// the sweep runs against wall time: only the stale r3 proposal qualifies
	require.NoError(t, h.store.InsertProposal(ctx, models.RideProposal{
		ID: "p3", RideID: "r3", DriverID: "d1", Status: models.ProposalPending,
		CreatedAt: time.Now().Add(-time.Hour), ExpiresAt: time.Now().Add(-time.Minute),
	}))
	rec = h.do(http.MethodPost, "/internal/proposals/expire", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"expired": 1}, decode[map[string]int](t, rec))
}

func TestNotifyEndpoint(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/api/v1/notifications", `{"userId":"u1","title":"Hi","body":"There","type":"info","data":{"k":1}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, false, body["push_sent"])
	assert.Len(t, h.store.Notifications("u1"), 1)

	rec = h.do(http.MethodPost, "/api/v1/notifications", `{"userId":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDriverLocationEndpoint(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/internal/driver/locations", `{"driver_id":"d1","name":"Sara","loc":{"lat":33.57,"lng":-7.59}}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	got, err := h.index.Nearby(context.Background(), models.Coord{Lat: 33.57, Lng: -7.59}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Sara", got[0].Name)

	rec = h.do(http.MethodPost, "/internal/driver/locations", `{"driver_id":"d1","loc":{"lat":33.57,"lng":-7.59},"available":false}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	got, err = h.index.Nearby(context.Background(), models.Coord{Lat: 33.57, Lng: -7.59}, 1)
	require.NoError(t, err)
	assert.Empty(t, got)

	rec = h.do(http.MethodPost, "/internal/driver/locations", `{"loc":{"lat":33.57,"lng":-7.59}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/readyz", "").Code)

	h.srv.deps.Ready = func(context.Context) error { return fmt.Errorf("postgres down") }
	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodGet, "/readyz", "").Code)
}

func TestWebsocketThroughMiddleware(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.srv)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/d1", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.srv.deps.WS.Connected("d1") }, time.Second, 10*time.Millisecond)
	require.NoError(t, h.srv.deps.WS.Offer("d1", dispatch.Offer{Type: "new_ride", RideID: "r1"}))

	var got dispatch.Offer
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "r1", got.RideID)
}
