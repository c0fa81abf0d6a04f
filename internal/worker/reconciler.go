package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Cypherspark/linkedin-dispatch/internal/core"
	"github.com/Cypherspark/linkedin-dispatch/internal/metrics"
)

type ReconcilerOptions struct {
	Store      ContentStore
	Dispatcher *Dispatcher
	Clock      core.Clock
	Logger     *slog.Logger
	// Grace is how far past its scheduled instant a pending record must be
	// before it counts as missed.
	Grace time.Duration
}

// Reconciler catches pending records whose trigger never fired, for example
// while the host was down. It dispatches them through the regular cycle so
// the run lock and outcome rules apply unchanged.
type Reconciler struct {
	store      ContentStore
	dispatcher *Dispatcher
	clock      core.Clock
	logger     *slog.Logger
	grace      time.Duration
}

func NewReconciler(opts ReconcilerOptions) *Reconciler {
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reconciler{
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		clock:      opts.Clock,
		logger:     opts.Logger,
		grace:      opts.Grace,
	}
}

func (r *Reconciler) Run(ctx context.Context) Summary {
	now := r.clock.Now()
	overdue, err := r.store.FindDue(ctx, core.DueQuery{Now: now, Overdue: true, Grace: r.grace})
	if err != nil {
		r.logger.ErrorContext(ctx, "overdue query failed", "error", err)
		metrics.DispatchCycles.WithLabelValues(TriggerReconcile, ReasonStoreError).Inc()
		return Summary{
			Status:    StatusError,
			Reason:    ReasonStoreError,
			Message:   err.Error(),
			RunID:     uuid.NewString(),
			Trigger:   TriggerReconcile,
			Results:   []ItemResult{},
			Timestamp: now,
		}
	}
	if len(overdue) == 0 {
		return Summary{
			Status:    StatusOK,
			Message:   "no overdue items",
			RunID:     uuid.NewString(),
			Trigger:   TriggerReconcile,
			Results:   []ItemResult{},
			Timestamp: now,
		}
	}

	r.logger.InfoContext(ctx, "overdue items found", "count", len(overdue))
	return r.dispatcher.Run(ctx, Selection{Trigger: TriggerReconcile, Overdue: true, Grace: r.grace})
}
