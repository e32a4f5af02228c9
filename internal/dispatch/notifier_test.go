package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type staticCreds struct{ err error }

func (s staticCreds) Token(context.Context) (*oauth2.Token, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &oauth2.Token{AccessToken: "access-1", Expiry: time.Now().Add(time.Hour)}, nil
}

type gateway struct {
	srv      *httptest.Server
	calls    atomic.Int32
	reject   map[string]string // device token -> error message
	received chan sendRequest
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	g := &gateway{reject: map[string]string{}, received: make(chan sendRequest, 16)}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := g.calls.Add(1)
		if r.URL.Path != "/projects/demo/messages:send" || r.Header.Get("Authorization") != "Bearer access-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req sendRequest
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		g.received <- req
		if msg, ok := g.reject[req.Message.Token]; ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = fmt.Fprintf(w, `{"error":{"code":404,"message":%q,"status":"NOT_FOUND"}}`, msg)
			return
		}
		_, _ = fmt.Fprintf(w, `{"name":"projects/demo/messages/%d"}`, n)
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func newNotifier(store *storage.MemoryStore, push Sender) *Notifier {
	return NewNotifier(store, store, push, Options{AndroidChannelID: "ride_notifications", WebIcon: "/icons/icon-192x192.png"}, zerolog.Nop())
}

func rideNotification(user string) models.Notification {
	return models.Notification{
		UserID:   user,
		Title:    "New ride available",
		Body:     "Pickup 1.2 km away - 45.00 MAD",
		Type:     "new_ride",
		Priority: models.PriorityUrgent,
		Data:     map[string]any{"ride_id": "r1", "distance_km": 1.2, "expires_in": 60},
	}
}

func TestNotifyWithoutTokenWritesInboxOnly(t *testing.T) {
	store := storage.NewMemoryStore()
	g := newGateway(t)
	n := newNotifier(store, NewFCMClient(g.srv.URL, "demo", staticCreds{}, time.Second))

	res, err := n.Notify(context.Background(), rideNotification("u1"))
	require.NoError(t, err)
	assert.False(t, res.PushSent)
	assert.Empty(t, res.Error)
	assert.Zero(t, g.calls.Load())

	inbox := store.Notifications("u1")
	require.Len(t, inbox, 1)
	assert.Equal(t, "new_ride", inbox[0].Type)
	assert.False(t, inbox[0].Read)
	assert.Equal(t, 1.2, inbox[0].Data["distance_km"])
}

func TestNotifyPushesAndRecords(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SetPushToken("u1", "device-1")
	g := newGateway(t)
	n := newNotifier(store, NewFCMClient(g.srv.URL+"/", "demo", staticCreds{}, time.Second))

	res, err := n.Notify(context.Background(), rideNotification("u1"))
	require.NoError(t, err)
	assert.True(t, res.PushSent)
	assert.Equal(t, "projects/demo/messages/1", res.MessageID)
	require.Len(t, store.Notifications("u1"), 1)

	sent := <-g.received
	msg := sent.Message
	assert.Equal(t, "device-1", msg.Token)
	assert.Equal(t, "New ride available", msg.Notification.Title)
	assert.Equal(t, map[string]string{
		"type":         "new_ride",
		"click_action": DefaultClickAction,
		"ride_id":      "r1",
		"distance_km":  "1.2",
		"expires_in":   "60",
	}, msg.Data)
	assert.Equal(t, "high", msg.Android.Priority)
	assert.Equal(t, "ride_notifications", msg.Android.Notification.ChannelID)
	assert.Equal(t, 1, msg.APNS.Payload.Aps.Badge)
	assert.Equal(t, "10", msg.APNS.Headers["apns-priority"])
	assert.Equal(t, "/icons/icon-192x192.png", msg.Webpush.Notification.Icon)
}

func TestNotifyGatewayRejectionStillRecords(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SetPushToken("u1", "stale-device")
	g := newGateway(t)
	g.reject["stale-device"] = "Requested entity was not found."
	n := newNotifier(store, NewFCMClient(g.srv.URL, "demo", staticCreds{}, time.Second))

	res, err := n.Notify(context.Background(), rideNotification("u1"))
	require.NoError(t, err)
	assert.False(t, res.PushSent)
	assert.Contains(t, res.Error, "Requested entity was not found.")
	assert.Len(t, store.Notifications("u1"), 1)
}

func TestNotifyCredentialFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SetPushToken("u1", "device-1")
	g := newGateway(t)
	creds := staticCreds{err: fmt.Errorf("%w: issuer returned 500", auth.ErrCredentialAcquisition)}
	n := newNotifier(store, NewFCMClient(g.srv.URL, "demo", creds, time.Second))

	res, err := n.Notify(context.Background(), rideNotification("u1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrCredentialAcquisition)
	assert.False(t, res.PushSent)
	assert.Zero(t, g.calls.Load())
	assert.Len(t, store.Notifications("u1"), 1)
}

type failingSender struct{ err error }

func (f failingSender) Send(context.Context, Message) (string, error) { return "", f.err }

func TestNotifySenderErrorIsNotCredentialFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SetPushToken("u1", "device-1")
	n := newNotifier(store, failingSender{err: errors.New("bad endpoint")})

	res, err := n.Notify(context.Background(), rideNotification("u1"))
	require.NoError(t, err)
	assert.False(t, res.PushSent)
	assert.Equal(t, "bad endpoint", res.Error)
	assert.Len(t, store.Notifications("u1"), 1)
}

type brokenInbox struct{}

func (brokenInbox) InsertNotification(context.Context, models.NotificationRecord) error {
	return errors.New("connection refused")
}

func TestNotifyInboxFailureIsAnError(t *testing.T) {
	store := storage.NewMemoryStore()
	n := NewNotifier(store, brokenInbox{}, nil, Options{}, zerolog.Nop())
	_, err := n.Notify(context.Background(), rideNotification("u1"))
	assert.ErrorContains(t, err, "connection refused")
}

func TestNotifyValidates(t *testing.T) {
	n := newNotifier(storage.NewMemoryStore(), nil)
	_, err := n.Notify(context.Background(), models.Notification{UserID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidNotification)
}

func TestNotifyAllIsolatesRecipients(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SetPushToken("u1", "device-1")
	store.SetPushToken("u2", "stale-device")
	g := newGateway(t)
	g.reject["stale-device"] = "Requested entity was not found."
	n := newNotifier(store, NewFCMClient(g.srv.URL, "demo", staticCreds{}, time.Second))

	ns := []models.Notification{rideNotification("u1"), rideNotification("u2"), rideNotification("u3"), {UserID: "u4"}}
	out := n.NotifyAll(context.Background(), ns)
	require.Len(t, out, 4)

	assert.Equal(t, "u1", out[0].Notification.UserID)
	assert.True(t, out[0].Result.PushSent)
	assert.NoError(t, out[0].Err)

	assert.False(t, out[1].Result.PushSent)
	assert.NotEmpty(t, out[1].Result.Error)
	assert.NoError(t, out[1].Err)

	assert.False(t, out[2].Result.PushSent)
	assert.NoError(t, out[2].Err)

	assert.ErrorIs(t, out[3].Err, ErrInvalidNotification)

	for _, u := range []string{"u1", "u2", "u3"} {
		assert.Len(t, store.Notifications(u), 1, u)
	}
}

func TestStringifyData(t *testing.T) {
	got := stringifyData("new_ride", "OPEN", map[string]any{
		"price":    45.5,
		"count":    3,
		"urgent":   true,
		"priority": models.PriorityUrgent,
		"nested":   map[string]int{"a": 1},
		"missing":  nil,
		"type":     "override",
	})
	assert.Equal(t, map[string]string{
		"type":         "override",
		"click_action": "OPEN",
		"price":        "45.5",
		"count":        "3",
		"urgent":       "true",
		"priority":     "urgent",
		"nested":       `{"a":1}`,
		"missing":      "null",
	}, got)
}
