package app

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec
}

func TestInMemoryDispatchEndToEnd(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, config.Default(), zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	mem := a.Store.(*storage.MemoryStore)
	mem.SetDriverUser("d1", "u1")
	mem.SetDriverUser("d2", "u2")
	srv := a.HTTPServer()

	for _, body := range []string{
		`{"driver_id":"d1","name":"Near","loc":{"lat":33.5731,"lng":-7.5898}}`,
		`{"driver_id":"d2","name":"Far","loc":{"lat":33.5900,"lng":-7.6000}}`,
	} {
		require.Equal(t, http.StatusNoContent, post(t, srv, "/internal/driver/locations", body).Code)
	}

	rec := post(t, srv, "/api/v1/dispatch", `{"rideId":"r1","pickupLat":33.5731,"pickupLng":-7.5898,"estimatedPrice":35}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res models.DispatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.DriversNotified)
	assert.Equal(t, 0, res.PushesDelivered)
	require.Len(t, res.Drivers, 2)
	assert.Equal(t, "d1", res.Drivers[0].ID)

	inbox := mem.Notifications("u1")
	require.Len(t, inbox, 1)
	assert.Equal(t, "New ride available", inbox[0].Title)

	rec = post(t, srv, "/api/v1/proposals/r1/d2/accept", "")
	require.Equal(t, http.StatusOK, rec.Code)
	p, err := a.Proposals.Get(ctx, "r1", "d1")
	require.NoError(t, err)
	assert.Equal(t, models.ProposalRejected, p.Status)

	assert.NoError(t, a.Ready(ctx))
}

func TestPushEnabledDispatch(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var exchanges, sends atomic.Int32
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/token":
			exchanges.Add(1)
			_, _ = w.Write([]byte(`{"access_token":"ya29.app","token_type":"Bearer","expires_in":3600}`))
		case "/projects/demo/messages:send":
			sends.Add(1)
			if r.Header.Get("Authorization") != "Bearer ya29.app" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":{"message":"missing credentials"}}`))
				return
			}
			_, _ = w.Write([]byte(`{"name":"projects/demo/messages/42"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer gw.Close()

	sa, err := json.Marshal(map[string]string{
		"project_id":   "demo",
		"client_email": "push@demo.iam.gserviceaccount.com",
		"private_key":  string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})),
		"token_uri":    gw.URL + "/token",
	})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Push.Endpoint = gw.URL
	cfg.Push.ServiceAccountJSON = string(sa)

	ctx := context.Background()
	a, err := New(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	mem := a.Store.(*storage.MemoryStore)
	for i, id := range []string{"d1", "d2", "d3"} {
		mem.SetDriverUser(id, "u-"+id)
		if i < 2 {
			mem.SetPushToken("u-"+id, "tok-"+id)
		}
		require.NoError(t, a.Locations.Upsert(ctx, models.DriverLocation{
			DriverID: id, Available: true,
			Loc: models.Coord{Lat: 33.57 + float64(i)*0.001, Lng: -7.59},
		}))
	}

	pickup := models.Coord{Lat: 33.57, Lng: -7.59}
	res, err := a.Matcher.Dispatch(ctx, models.RideRequest{RideID: "r9", Pickup: &pickup, EstimatedPrice: 50, Priority: models.PriorityUrgent})
	require.NoError(t, err)
	assert.Equal(t, 3, res.DriversNotified)
	assert.Equal(t, 2, res.PushesDelivered)
	assert.Equal(t, int32(1), exchanges.Load())
	assert.Equal(t, int32(2), sends.Load())
	for _, o := range res.Outcomes {
		if o.PushSent {
			assert.Equal(t, "projects/demo/messages/42", o.MessageID)
		}
	}
	assert.Len(t, mem.Notifications("u-d3"), 1)
}

func TestNewRejectsBadServiceAccount(t *testing.T) {
	cfg := config.Default()
	cfg.Push.ServiceAccountJSON = `{"project_id":"demo"}`
	_, err := New(context.Background(), cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "client_email is required")
}

func TestPostGISBackendDisablesLocationWrites(t *testing.T) {
	a := &App{Config: config.Default(), Log: zerolog.Nop()}
	a.Store = storage.NewMemoryStore()
	srv := a.HTTPServer()
	rec := post(t, srv, "/internal/driver/locations", `{"driver_id":"d1","loc":{"lat":1,"lng":1}}`)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
