// Package app constructs the gateway's services in dependency order and owns
// their shutdown.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/coinflux/gateway/internal/auth"
	"github.com/coinflux/gateway/internal/book"
	"github.com/coinflux/gateway/internal/config"
	"github.com/coinflux/gateway/internal/exchange"
	"github.com/coinflux/gateway/internal/feed"
	"github.com/coinflux/gateway/internal/hub"
	httpapi "github.com/coinflux/gateway/internal/interfaces/http"
	"github.com/coinflux/gateway/internal/metrics"
	"github.com/coinflux/gateway/internal/store"
	"github.com/coinflux/gateway/internal/twap"
)

// App is the assembled gateway.
type App struct {
	cfg     *config.Config
	db      *sqlx.DB
	metrics *metrics.Set

	auth     *auth.Service
	registry *exchange.Registry
	cache    *book.Cache
	agg      *feed.Aggregator
	hub      *hub.Hub
	engine   *twap.Engine
	server   *httpapi.Server
}

// New builds every service. A configured DSN selects the Postgres store,
// otherwise state lives in memory.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg, metrics: metrics.NewSet()}

	var users store.UserStore
	var revocations store.RevocationStore
	if cfg.Database.DSN != "" {
		db, err := store.Open(ctx, cfg.Database.DSN, cfg.QueryTimeout())
		if err != nil {
			return nil, err
		}
		a.db = db
		users = store.NewPostgresUsers(db, cfg.QueryTimeout())
		revocations = store.NewPostgresRevocations(db, cfg.QueryTimeout())
	} else {
		log.Warn().Msg("no database configured, using the in-memory store")
		users = store.NewMemoryUsers()
		revocations = store.NewMemoryRevocations()
	}

	a.auth = auth.New(users, revocations, []byte(cfg.Auth.Secret), cfg.TokenTTL())
	if err := a.auth.SeedAdmin(ctx, cfg.Auth.AdminUsername, cfg.Auth.AdminPassword); err != nil {
		return nil, fmt.Errorf("seed admin: %w", err)
	}

	a.registry = exchange.DefaultRegistry(func(venue string) {
		a.metrics.StreamReconnects.WithLabelValues(venue).Inc()
	})
	a.cache = book.NewCache()
	a.agg = feed.New(a.registry, a.cache, a.metrics)
	a.hub = hub.New(a.agg, a.cache, a.registry, a.metrics, hub.WithWriteGrace(cfg.WriteGrace()))
	a.engine = twap.NewEngine(a.agg, a.cache, a.metrics)

	a.server = httpapi.NewServer(httpapi.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}, a.auth, a.registry, a.engine, a.hub, a.metrics)

	return a, nil
}

// Run serves HTTP until ctx is cancelled, then shuts everything down in
// reverse dependency order.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.server.ListenAndServe() }()

	select {
	case err := <-errCh:
		a.shutdown()
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	a.shutdown()
	return nil
}

func (a *App) shutdown() {
	a.hub.Close()
	a.engine.Close()
	a.agg.Close()
	if a.db != nil {
		a.db.Close()
	}
	log.Info().Msg("gateway stopped")
}
