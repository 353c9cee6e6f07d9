package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/breedchat-server/internal/auth"
	"github.com/vovakirdan/breedchat-server/internal/config"
	"github.com/vovakirdan/breedchat-server/internal/core"
	"github.com/vovakirdan/breedchat-server/internal/presence"
	"github.com/vovakirdan/breedchat-server/internal/store"
	"github.com/vovakirdan/breedchat-server/internal/store/badger"
	"github.com/vovakirdan/breedchat-server/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/breedchat-server/internal/transport/http"
)

// App wires together storage, the hub and the HTTP transport.
type App struct {
	cfg      config.Config
	server   *stdhttp.Server
	hub      *core.Hub
	store    store.Store
	presence *presence.Presence
	log      *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(ctx context.Context, cfg config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      cfg.TokenTTL,
	}
	authService := auth.NewService(st, jwtConfig)

	hubOpts := []core.Option{
		core.WithLogger(logger),
		core.WithMaxContentBytes(cfg.MaxContentBytes),
		core.WithPublishTimeout(cfg.PublishTimeout),
		core.WithQueueSize(cfg.RoomQueueSize),
	}

	deps := transporthttp.Deps{
		Auth:   authService,
		Store:  st,
		Config: cfg,
		Logger: logger,
	}

	var pres *presence.Presence
	if cfg.RedisAddr != "" {
		pres, err = presence.New(ctx, presence.Options{Addr: cfg.RedisAddr, TTL: cfg.PresenceTTL})
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("init presence: %w", err)
		}
		hubOpts = append(hubOpts, core.WithPresence(pres), core.WithPresenceRefresh(cfg.PresenceTTL/3))
		deps.Occupancy = pres
		logger.Info().Str("redis_addr", cfg.RedisAddr).Msg("presence mirror enabled")
	}

	hub := core.NewHub(st, authService, hubOpts...)
	deps.Hub = hub

	return &App{
		cfg:      cfg,
		server:   transporthttp.NewServer(deps),
		hub:      hub,
		store:    st,
		presence: pres,
		log:      logger,
	}, nil
}

// openStore opens the user database and, if configured, a separate message log.
func openStore(cfg config.Config, logger *zerolog.Logger) (store.Store, error) {
	db, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	if cfg.MessageLog != config.MessageLogBadger {
		return db, nil
	}

	messages, err := badger.Open(cfg.BadgerPath, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init message log: %w", err)
	}
	logger.Info().Str("badger_path", cfg.BadgerPath).Msg("badger message log opened")
	return store.Compose(db, messages, db.Close), nil
}

// Run starts the hub and the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	a.hub.Start(ctx)

	go func() {
		a.log.Info().Str("addr", a.cfg.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		// Stopping the hub first closes live websockets, which Shutdown does not track.
		a.hub.Stop()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	a.hub.Stop()
	if a.presence != nil {
		if err := a.presence.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close presence")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
