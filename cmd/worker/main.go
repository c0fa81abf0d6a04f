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

	"github.com/Cypherspark/linkedin-dispatch/internal/bootstrap"
	"github.com/Cypherspark/linkedin-dispatch/internal/config"
	"github.com/Cypherspark/linkedin-dispatch/internal/metrics"
	"github.com/Cypherspark/linkedin-dispatch/internal/worker"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config", "error", err)
		exitCode = 1
		return
	}
	logger := config.NewLogger(cfg.LogLevel)

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := bootstrap.Open(rootCtx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap", "error", err)
		exitCode = 1
		return
	}
	defer app.Close()
	metrics.MustRegister()

	jobs := worker.Jobs{
		Dispatch: func(ctx context.Context) worker.Summary {
			return app.Dispatcher.Run(ctx, worker.Selection{Trigger: worker.TriggerWorker})
		},
		Reconcile: app.Reconciler.Run,
	}

	if cfg.Worker.Once {
		sum := jobs.Dispatch(rootCtx)
		logger.Info("single dispatch finished",
			"status", sum.Status, "reason", sum.Reason, "processed", sum.Processed, "posted", sum.Posted, "errors", sum.Errors)
		if sum.Status != worker.StatusOK {
			exitCode = 1
		}
		return
	}

	// ---- Healthz ----
	go serveHealthz(rootCtx, cfg.Worker.HealthAddr, logger)

	err = worker.RunLoop(rootCtx, jobs, worker.LoopOptions{
		DispatchInterval:  cfg.Worker.DispatchInterval,
		ReconcileInterval: cfg.Worker.ReconcileInterval,
		BackoffMin:        time.Second,
		BackoffMax:        cfg.Worker.DispatchInterval * 5,
		Logger:            logger.With("component", "loop"),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exited", "error", err)
		exitCode = 1
	}
}

func serveHealthz(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("healthz server stopped", "error", err)
	}
}
