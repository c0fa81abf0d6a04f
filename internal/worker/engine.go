package worker

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

type LoopOptions struct {
	DispatchInterval  time.Duration // cadence of regular cycles
	ReconcileInterval time.Duration // cadence of overdue sweeps; 0 disables
	BackoffMin        time.Duration // first delay after a store outage
	BackoffMax        time.Duration
	Logger            *slog.Logger
}

// Jobs are the two entry points the loop drives.
type Jobs struct {
	Dispatch  func(ctx context.Context) Summary
	Reconcile func(ctx context.Context) Summary
}

// RunLoop drives dispatch and reconcile cycles for hosts without an
// external scheduler. It returns when ctx is cancelled; a cycle in progress
// is allowed to finish first.
func RunLoop(ctx context.Context, jobs Jobs, opt LoopOptions) error {
	if opt.DispatchInterval <= 0 {
		opt.DispatchInterval = time.Minute
	}
	if opt.BackoffMin <= 0 {
		opt.BackoffMin = 5 * time.Second
	}
	if opt.BackoffMax < opt.BackoffMin {
		opt.BackoffMax = 5 * time.Minute
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}

	dispatchT := time.NewTimer(0)
	defer dispatchT.Stop()

	var reconcileC <-chan time.Time
	var reconcileT *time.Timer
	if opt.ReconcileInterval > 0 && jobs.Reconcile != nil {
		reconcileT = time.NewTimer(opt.ReconcileInterval)
		defer reconcileT.Stop()
		reconcileC = reconcileT.C
	}

	backoff := opt.BackoffMin
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-dispatchT.C:
			sum := jobs.Dispatch(ctx)
			next := opt.DispatchInterval
			if sum.Reason == ReasonStoreError {
				// Backoff on store errors (exponential + jitter)
				next = jitter(backoff, 0.20)
				opt.Logger.WarnContext(ctx, "dispatch store error, backing off", "delay", next, "error", sum.Message)
				backoff = minDur(opt.BackoffMax, time.Duration(float64(backoff)*1.6))
			} else {
				backoff = opt.BackoffMin // reset on success
			}
			dispatchT.Reset(next)

		case <-reconcileC:
			sum := jobs.Reconcile(ctx)
			if sum.Processed > 0 || sum.Status == StatusError {
				opt.Logger.InfoContext(ctx, "reconcile finished",
					"status", sum.Status, "reason", sum.Reason, "processed", sum.Processed)
			}
			reconcileT.Reset(opt.ReconcileInterval)
		}
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int64N(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
