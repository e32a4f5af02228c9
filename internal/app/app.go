// Package app assembles the dispatch components from a Config. Both binaries
// build on it so the HTTP server and the trigger consumer share one wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/proposal"
	"github.com/example/ride-dispatch/internal/storage"
)

// Store is everything the dispatch core persists.
type Store interface {
	proposal.Store
	dispatch.TokenStore
	dispatch.Inbox
	matcher.DriverDirectory
}

type App struct {
	Config    config.Config
	Log       zerolog.Logger
	Store     Store
	Geo       geo.Source
	Locations geo.Writer
	Proposals *proposal.Manager
	Notifier  *dispatch.Notifier
	Live      *dispatch.WSRegistry
	Matcher   *matcher.Service

	checks  []func(context.Context) error
	closers []func() error
}

// New connects every configured backend. On error the backends opened so far
// are closed again.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, log := a.Config, a.Log
	if err := a.openStore(ctx); err != nil {
		return err
	}
	if err := a.openGeo(ctx); err != nil {
		return err
	}

	var sender dispatch.Sender
	var creds matcher.Credentials
	if cfg.Push.Enabled() {
		sa, err := auth.LoadServiceAccount(cfg.Push.ServiceAccountFile, cfg.Push.ServiceAccountJSON)
		if err != nil {
			return err
		}
		cache := auth.NewCredentialCache(sa, nil, log.With().Str("component", "credentials").Logger())
		sender = dispatch.NewFCMClient(cfg.Push.Endpoint, sa.ProjectID, cache, cfg.Push.Timeout)
		creds = cache
	} else {
		log.Warn().Msg("push delivery disabled, notifications go to the inbox only")
	}

	a.Notifier = dispatch.NewNotifier(a.Store, a.Store, sender, dispatch.Options{
		AndroidChannelID: cfg.Push.AndroidChannelID,
		ClickAction:      cfg.Push.ClickAction,
		WebIcon:          cfg.Push.WebIcon,
		FanoutLimit:      cfg.Dispatch.FanoutLimit,
	}, log.With().Str("component", "notifier").Logger())
	a.Live = dispatch.NewWSRegistry(log)
	a.Proposals = proposal.NewManager(a.Store, log.With().Str("component", "proposals").Logger())

	var routes eta.Client
	if cfg.ETA.OSRMEndpoint != "" {
		routes = eta.NewOSRMClient(cfg.ETA.OSRMEndpoint)
	}
	estimator := eta.NewEstimator(routes, eta.NewCache(cfg.ETA.CacheTTL), cfg.ETA.SpeedMps, log)

	var events matcher.EventPublisher
	if brokers := cfg.Kafka.BrokerList(); len(brokers) > 0 && cfg.Kafka.EventsTopic != "" {
		pub := ingest.NewKafkaPublisher(brokers, cfg.Kafka.EventsTopic)
		a.closers = append(a.closers, pub.Close)
		events = pub
	}

	a.Matcher = &matcher.Service{
		Selector:    matcher.NewSelector(a.Geo, cfg.Dispatch.DefaultRadiusKm, cfg.Dispatch.DefaultMaxDrivers),
		Proposals:   a.Proposals,
		Notifier:    a.Notifier,
		Drivers:     a.Store,
		Live:        a.Live,
		Events:      events,
		ETA:         estimator,
		Credentials: creds,
		CallTimeout: cfg.Dispatch.CallTimeout,
		FanoutLimit: cfg.Dispatch.FanoutLimit,
		Currency:    cfg.Dispatch.Currency,
		Log:         log.With().Str("component", "matcher").Logger(),
	}
	return nil
}

func (a *App) openStore(ctx context.Context) error {
	if a.Config.Postgres.DSN == "" {
		a.Log.Info().Msg("using in-memory store")
		a.Store = storage.NewMemoryStore()
		return nil
	}
	pg, err := storage.NewPostgresStore(ctx, a.Config.Postgres.DSN)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, pg.Close)
	a.checks = append(a.checks, pg.Ping)
	if a.Config.Postgres.RunMigrations {
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		a.Log.Info().Msg("schema migrated")
	}
	a.Store = pg
	return nil
}

func (a *App) openGeo(ctx context.Context) error {
	switch a.Config.Geo.Backend {
	case "redis":
		rc := redis.NewClient(&redis.Options{Addr: a.Config.Redis.Addr, Password: a.Config.Redis.Password})
		a.closers = append(a.closers, rc.Close)
		a.checks = append(a.checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		rg := geo.NewRedisGeo(geo.NewRedisBackend(rc), a.Config.Redis.GeoKey)
		a.Geo, a.Locations = rg, rg
	case "postgis":
		pool, err := geo.NewPool(ctx, a.Config.PostGIS.DSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.checks = append(a.checks, pool.Ping)
		// positions are written to the geo database by the driver service
		a.Geo = geo.NewPostGISSource(pool)
	default:
		idx := geo.NewIndex()
		a.Geo, a.Locations = idx, idx
	}
	a.Log.Info().Str("backend", a.Config.Geo.Backend).Msg("geo source ready")
	return nil
}

// Ready pings every network backend.
func (a *App) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var errs []error
	for _, check := range a.checks {
		if err := check(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HTTPServer exposes the app over HTTP.
func (a *App) HTTPServer() *httpapi.Server {
	var events matcher.EventPublisher
	if a.Matcher != nil {
		events = a.Matcher.Events
	}
	return httpapi.NewServer(httpapi.Deps{
		Dispatcher: a.Matcher,
		Proposals:  a.Proposals,
		Notifier:   a.Notifier,
		Locations:  a.Locations,
		Events:     events,
		WS:         a.Live,
		Ready:      a.Ready,
	}, a.Log.With().Str("component", "http").Logger())
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
