package httpapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"authservice/internal/lib/logger/sl"
)

type App struct {
	logger     *slog.Logger
	httpServer *http.Server
}

func New(
	logger *slog.Logger,
	handler http.Handler,
	address string,
	timeout time.Duration,
	idleTimeout time.Duration,
) *App {
	return &App{
		logger: logger,
		httpServer: &http.Server{
			Addr:         address,
			Handler:      handler,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
			IdleTimeout:  idleTimeout,
		},
	}
}

func (a *App) MustRun() {
	if err := a.Run(); err != nil {
		panic(err)
	}
}

func (a *App) Run() error {
	const op = "httpapp.Run"

	log := a.logger.With(
		slog.String("op", op),
		slog.String("address", a.httpServer.Addr),
	)

	listener, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("http server is running", slog.String("address", listener.Addr().String()))

	if err := a.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Stop waits for in-flight requests until ctx is done.
func (a *App) Stop(ctx context.Context) {
	const op = "httpapp.Stop"

	log := a.logger.With(slog.String("op", op))
	log.Info("stopping http server", slog.String("address", a.httpServer.Addr))

	if err := a.httpServer.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", sl.Err(err))
	}
}
