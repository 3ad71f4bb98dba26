// Package app assembles the components and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"cliproom/internal/api"
	"cliproom/internal/config"
	"cliproom/internal/session"
	"cliproom/internal/storage"
	"cliproom/internal/websocket"
)

// Application coordinates all system components.
// Initialization order: storage → registry → sweeper → websocket → API → HTTP.
type Application struct {
	cfg        *config.Config
	log        *zap.Logger
	store      *storage.DiskStore
	registry   *session.Registry
	sweeper    *session.Sweeper
	httpServer *http.Server
}

func NewApplication(cfg *config.Config, log *zap.Logger) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := storage.NewDiskStore(cfg.Storage.UploadsDir, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	registry := session.NewRegistry(store, cfg.Session.CodeLength, cfg.Storage.MaxUploadBytes(), log)
	sweeper := session.NewSweeper(registry, cfg.Session.SweepInterval, cfg.Session.Timeout, log)

	wsHandler := websocket.NewHandler(registry, websocket.Options{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
	}, log)

	apiServer := api.NewServer(registry, wsHandler, cfg, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      apiServer.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		cfg:        cfg,
		log:        log,
		store:      store,
		registry:   registry,
		sweeper:    sweeper,
		httpServer: httpServer,
	}, nil
}

// Start brings up the background sweeper and the HTTP listener. The sweeper
// starts first so eviction is active from the moment requests are accepted.
func (app *Application) Start(ctx context.Context) error {
	app.log.Info("starting cliproom", zap.String("addr", app.httpServer.Addr))

	if err := app.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		_ = app.sweeper.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		app.log.Info("cliproom started")
		return nil
	case <-ctx.Done():
		_ = app.sweeper.Stop()
		return ctx.Err()
	}
}

// Stop shuts the application down in reverse order: HTTP listener first so
// no new work arrives, then the sweeper.
func (app *Application) Stop(ctx context.Context) error {
	app.log.Info("shutting down cliproom")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.log.Warn("HTTP server shutdown error", zap.Error(err))
	}
	if err := app.sweeper.Stop(); err != nil {
		app.log.Warn("sweeper shutdown error", zap.Error(err))
	}

	app.log.Info("shutdown complete")
	return nil
}

// Addr returns the listen address.
func (app *Application) Addr() string {
	return app.httpServer.Addr
}
