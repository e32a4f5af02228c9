// Package dispatch delivers notifications to drivers: an FCM push when the
// user registered a device token, an in-app inbox record always, and a live
// websocket offer for drivers connected to this instance.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var ErrInvalidNotification = errors.New("invalid notification")

const (
	DefaultClickAction = "FLUTTER_NOTIFICATION_CLICK"
	DefaultSound       = "default"
)

type TokenStore interface {
	PushToken(ctx context.Context, userID string) (string, error)
}

type Inbox interface {
	InsertNotification(ctx context.Context, rec models.NotificationRecord) error
}

// Sender is satisfied by FCMClient.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

type Options struct {
	AndroidChannelID string
	ClickAction      string
	WebIcon          string
	// FanoutLimit bounds concurrent deliveries in NotifyAll.
	FanoutLimit int
}

// PushResult describes what happened to one notification.
type PushResult struct {
	PushSent  bool   `json:"push_sent"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Outcome pairs a NotifyAll input with its result.
type Outcome struct {
	Notification models.Notification
	Result       PushResult
	Err          error
}

type Notifier struct {
	tokens TokenStore
	inbox  Inbox
	push   Sender
	opts   Options
	log    zerolog.Logger
	now    func() time.Time
}

// NewNotifier builds a notifier. A nil push sender disables device pushes;
// inbox records are still written.
func NewNotifier(tokens TokenStore, inbox Inbox, push Sender, opts Options, log zerolog.Logger) *Notifier {
	if opts.ClickAction == "" {
		opts.ClickAction = DefaultClickAction
	}
	if opts.FanoutLimit <= 0 {
		opts.FanoutLimit = 8
	}
	return &Notifier{tokens: tokens, inbox: inbox, push: push, opts: opts, log: log, now: time.Now}
}

// Notify delivers n. The inbox record is written whatever happened to the
// push. A failed push is reported in the result only; a credential failure
// or a lost inbox write is returned as an error.
func (d *Notifier) Notify(ctx context.Context, n models.Notification) (PushResult, error) {
	if n.UserID == "" || n.Title == "" || n.Body == "" {
		return PushResult{}, fmt.Errorf("%w: user id, title and body are required", ErrInvalidNotification)
	}
	log := d.log.With().Str("user_id", n.UserID).Str("type", n.Type).Logger()

	var (
		res     PushResult
		credErr error
	)
	token, err := d.tokens.PushToken(ctx, n.UserID)
	switch {
	case errors.Is(err, storage.ErrNotFound) || (err == nil && token == ""):
		log.Debug().Msg("no push token, inbox only")
	case err != nil:
		log.Warn().Err(err).Msg("push token lookup failed")
		res.Error = err.Error()
	case d.push == nil:
		res.Error = "push disabled"
	default:
		id, err := d.push.Send(ctx, d.buildMessage(token, n))
		switch {
		case err == nil:
			res.PushSent, res.MessageID = true, id
		case errors.Is(err, auth.ErrCredentialAcquisition):
			credErr = err
			res.Error = err.Error()
		default:
			log.Warn().Err(err).Msg("push failed")
			res.Error = err.Error()
		}
	}

	rec := models.NotificationRecord{
		ID:        uuid.NewString(),
		UserID:    n.UserID,
		Type:      n.Type,
		Title:     n.Title,
		Body:      n.Body,
		Data:      n.Data,
		CreatedAt: d.now(),
	}
	if err := d.inbox.InsertNotification(ctx, rec); err != nil {
		observability.NotificationsTotal.WithLabelValues("lost").Inc()
		return res, fmt.Errorf("insert notification: %w", err)
	}
	if credErr != nil {
		observability.NotificationsTotal.WithLabelValues("credential_error").Inc()
		return res, credErr
	}
	if res.PushSent {
		observability.NotificationsTotal.WithLabelValues("pushed").Inc()
		log.Info().Str("message_id", res.MessageID).Msg("push sent")
	} else {
		observability.NotificationsTotal.WithLabelValues("inbox_only").Inc()
	}
	return res, nil
}

// NotifyAll delivers every notification concurrently. One failure never
// affects another; outcomes keep the input order.
func (d *Notifier) NotifyAll(ctx context.Context, ns []models.Notification) []Outcome {
	out := make([]Outcome, len(ns))
	var g errgroup.Group
	g.SetLimit(d.opts.FanoutLimit)
	for i, n := range ns {
		i, n := i, n
		g.Go(func() error {
			res, err := d.Notify(ctx, n)
			out[i] = Outcome{Notification: n, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (d *Notifier) buildMessage(token string, n models.Notification) Message {
	msg := Message{
		Token:        token,
		Notification: &MessageContent{Title: n.Title, Body: n.Body},
		Data:         stringifyData(n.Type, d.opts.ClickAction, n.Data),
		Android: &AndroidConfig{
			Priority: "high",
			Notification: &AndroidNotification{
				Sound:       DefaultSound,
				ChannelID:   d.opts.AndroidChannelID,
				ClickAction: d.opts.ClickAction,
			},
		},
		APNS: &APNSConfig{Payload: APNSPayload{Aps: Aps{Sound: DefaultSound, Badge: 1}}},
	}
	if n.Priority == models.PriorityUrgent {
		msg.APNS.Headers = map[string]string{"apns-priority": "10"}
	}
	if d.opts.WebIcon != "" {
		msg.Webpush = &WebpushConfig{Notification: &WebpushNotification{Icon: d.opts.WebIcon}}
	}
	return msg
}
