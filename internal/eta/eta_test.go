package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	casaCenter = models.Coord{Lat: 33.5731, Lng: -7.5898}
	casaPort   = models.Coord{Lat: 33.6000, Lng: -7.6100}
)

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set(casaCenter, casaPort, 120)

	v, ok := c.Get(casaCenter, casaPort)
	require.True(t, ok)
	assert.Equal(t, 120.0, v)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get(casaCenter, casaPort)
	assert.False(t, ok)
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/route/v1/driving/-7.589800,33.573100;-7.610000,33.600000")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":431.5}]}`))
	}))
	defer srv.Close()

	secs, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), casaCenter, casaPort)
	require.NoError(t, err)
	assert.Equal(t, 431.5, secs)
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"NoRoute","message":"Impossible route between points"}`))
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), casaCenter, casaPort)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NoRoute")
}

type failingClient struct{ calls int }

func (f *failingClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	f.calls++
	return 0, errors.New("no route")
}

type fixedClient struct{ calls int }

func (f *fixedClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	f.calls++
	return 181, nil
}

func TestEstimatorUsesCacheAndFallback(t *testing.T) {
	ctx := context.Background()

	fixed := &fixedClient{}
	e := NewEstimator(fixed, NewCache(time.Minute), 10, zerolog.Nop())
	assert.Equal(t, 4, e.Minutes(ctx, casaCenter, casaPort))
	assert.Equal(t, 4, e.Minutes(ctx, casaCenter, casaPort))
	assert.Equal(t, 1, fixed.calls)

	failing := &failingClient{}
	e = NewEstimator(failing, nil, 10, zerolog.Nop())
	// ~3.5km at 10 m/s
	assert.Equal(t, 6, e.Minutes(ctx, casaCenter, casaPort))
	assert.Equal(t, 1, failing.calls)

	assert.Equal(t, 1, NewEstimator(nil, nil, 10, zerolog.Nop()).Minutes(ctx, casaCenter, casaCenter))
}
