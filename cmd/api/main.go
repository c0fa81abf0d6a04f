package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Cypherspark/linkedin-dispatch/internal/bootstrap"
	"github.com/Cypherspark/linkedin-dispatch/internal/config"
	httpapi "github.com/Cypherspark/linkedin-dispatch/internal/http"
	"github.com/Cypherspark/linkedin-dispatch/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.LogLevel)

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := bootstrap.Open(rootCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	metrics.MustRegister()
	poolStats := metrics.NewPGXPoolStats(app.DB.Pool, prometheus.DefaultRegisterer)
	stop := make(chan struct{})
	defer close(stop)
	go poolStats.Start(cfg.Metrics.PoolInterval, stop)

	srv := newServer(app)
	if cfg.CronSecret == "" {
		logger.Warn("CRON_SECRET is empty; /api is unauthenticated")
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP listening", "addr", server.Addr, "sources", app.Store.Sources(), "publisher", cfg.LinkedIn.Publisher)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		return err
	}

	// In-flight cycles finish their due set; give them the write timeout.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.WriteTimeout+5*time.Second)
	defer shutdownCancel()
	logger.Info("shutting down")
	return server.Shutdown(shutdownCtx)
}

func newServer(app *bootstrap.App) *httpapi.Server {
	return httpapi.NewServer(httpapi.ServerOptions{
		Dispatcher: app.Dispatcher,
		Reconciler: app.Reconciler,
		Posts:      app.Store,
		Normalizer: app.Normalizer,
		Clock:      app.Clock,
		Pinger:     app.DB,
		Secret:     app.Config.CronSecret,
		Logger:     app.Logger.With("component", "http"),
	})
}
