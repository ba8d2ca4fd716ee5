package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	httpapp "authservice/internal/app/http"
	"authservice/internal/config"
	httpserver "authservice/internal/http-server"
	"authservice/internal/lib/jwt"
	"authservice/internal/services/auth"
	"authservice/internal/storage/mongodb"
	"authservice/internal/storage/postgres"
	"authservice/internal/storage/redis"
	"authservice/internal/storage/sqlite"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
	driverMongo    = "mongodb"
	driverRedis    = "redis"
)

type App struct {
	HTTPSrv *httpapp.App
	stores  *stores
}

// backend is a store that keeps both users and refresh tokens.
type backend interface {
	auth.UserSaver
	auth.UserProvider
	auth.RefreshTokenStore
}

type closer func(ctx context.Context) error

type stores struct {
	users   backend
	tokens  auth.RefreshTokenStore
	closers []closer
}

func New(ctx context.Context, logger *slog.Logger, cfg *config.Config) *App {
	codec, err := jwt.New(cfg.Tokens.Secret, jwt.SigningMethod(cfg.Tokens.SigningMethod))
	if err != nil {
		panic(err)
	}

	st, err := openStores(ctx, logger, cfg)
	if err != nil {
		panic(err)
	}

	authService := auth.New(logger, st.users, st.users, st.tokens, codec, auth.Config{
		AccessTTL:     cfg.Tokens.AccessTTL,
		RefreshTTL:    cfg.Tokens.RefreshTTL,
		RefreshPepper: cfg.Tokens.RefreshPepper,
		StoreTimeout:  cfg.Storage.Timeout,
	})

	router := httpserver.NewRouter(logger, authService, httpserver.Options{
		AllowedOrigins: cfg.HTTPServer.AllowedOrigins,
		AdminKey:       cfg.HTTPServer.AdminKey,
	})

	httpApp := httpapp.New(
		logger,
		router,
		cfg.HTTPServer.Address,
		cfg.HTTPServer.Timeout,
		cfg.HTTPServer.IdleTimeout,
	)

	return &App{
		HTTPSrv: httpApp,
		stores:  st,
	}
}

// Stop shuts the http server down and releases the storage connections.
func (a *App) Stop(ctx context.Context) error {
	a.HTTPSrv.Stop(ctx)
	return a.stores.close(ctx)
}

func openStores(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*stores, error) {
	const op = "app.openStores"

	log := logger.With(
		slog.String("op", op),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("refresh_store", cfg.RefreshStore.Driver),
	)

	st := &stores{}

	users, closeUsers, err := openBackend(ctx, cfg.Storage.Driver, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	st.users = users
	st.closers = append(st.closers, closeUsers)

	switch cfg.RefreshStore.Driver {
	case "", cfg.Storage.Driver:
		st.tokens = users
	case driverRedis:
		r := cfg.RefreshStore.Redis
		tokens, err := redis.New(ctx, r.Addr, r.Password, r.DB, r.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, errors.Join(err, st.close(ctx)))
		}
		st.tokens = tokens
		st.closers = append(st.closers, func(context.Context) error { return tokens.Close() })
	default:
		tokens, closeTokens, err := openBackend(ctx, cfg.RefreshStore.Driver, cfg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, errors.Join(err, st.close(ctx)))
		}
		st.tokens = tokens
		st.closers = append(st.closers, closeTokens)
	}

	log.Info("storage ready")

	return st, nil
}

func openBackend(ctx context.Context, driver string, cfg *config.Config) (backend, closer, error) {
	switch driver {
	case driverSQLite:
		s, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Storage.AutoMigrate {
			if err := s.Migrate(); err != nil {
				return nil, nil, errors.Join(err, s.Close())
			}
		}
		return s, func(context.Context) error { return s.Close() }, nil
	case driverPostgres:
		s, err := postgres.New(ctx, cfg.Storage.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Storage.AutoMigrate {
			if err := s.Migrate(); err != nil {
				s.Close()
				return nil, nil, err
			}
		}
		return s, func(context.Context) error { s.Close(); return nil }, nil
	case driverMongo:
		s, err := mongodb.New(ctx, cfg.Storage.Mongo.URI, cfg.Storage.Mongo.Database)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

func (s *stores) close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i](ctx))
	}
	return errors.Join(errs...)
}
