package worker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Cypherspark/linkedin-dispatch/internal/core"
	"github.com/Cypherspark/linkedin-dispatch/internal/metrics"
	"github.com/Cypherspark/linkedin-dispatch/internal/provider"
	"github.com/Cypherspark/linkedin-dispatch/internal/store"
)

type ContentStore interface {
	FindDue(ctx context.Context, q core.DueQuery) ([]core.ScheduledContent, error)
	MarkOutcome(ctx context.Context, rec core.ScheduledContent, out core.Outcome) error
}

type Accounts interface {
	ResolveOwner(ctx context.Context, ref core.OwnerRef) (core.User, error)
	Credential(ctx context.Context, userID string) (core.Credential, error)
}

// credentialRecorder is implemented by account stores that can keep the
// platform user id a validation resolved.
type credentialRecorder interface {
	UpsertCredential(ctx context.Context, userID string, c core.Credential) error
}

// Cycle result reasons reported when Status is StatusError.
const (
	ReasonAlreadyRunning = "already_running"
	ReasonTooSoon        = "too_soon"
	ReasonStoreError     = "store_error"

	StatusOK    = "ok"
	StatusError = "error"

	TriggerCron      = "cron"
	TriggerManual    = "manual"
	TriggerReconcile = "reconcile"
	TriggerWorker    = "worker"
)

// Selection picks the due set of one cycle.
type Selection struct {
	Trigger string
	Overdue bool
	Grace   time.Duration
}

type ItemResult struct {
	ID            string      `json:"id"`
	Source        string      `json:"source"`
	Status        core.Status `json:"status"`
	PostID        string      `json:"linkedinPostId,omitempty"`
	URL           string      `json:"linkedinUrl,omitempty"`
	Error         string      `json:"error,omitempty"`
	Kind          core.Kind   `json:"kind,omitempty"`
	Attempts      int         `json:"attempts"`
	Terminal      bool        `json:"terminal"`
	ImageDegraded bool        `json:"imageDegraded,omitempty"`
	WriteError    string      `json:"writeError,omitempty"`
}

// Summary is the response of one trigger. Item failures never turn the
// cycle into an error; only lock contention and a total store outage do.
type Summary struct {
	Status    string       `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	Message   string       `json:"message,omitempty"`
	RunID     string       `json:"runId"`
	Trigger   string       `json:"trigger"`
	Processed int          `json:"processed"`
	Posted    int          `json:"posted"`
	Errors    int          `json:"errors"`
	Results   []ItemResult `json:"results"`
	Timestamp time.Time    `json:"timestamp"`
}

type DispatcherOptions struct {
	Store       ContentStore
	Accounts    Accounts
	Publisher   provider.Publisher
	Coordinator *Coordinator
	Lease       Lease // optional
	Clock       core.Clock
	Logger      *slog.Logger

	Validator provider.CredentialValidator // optional
	// ValidateAlways checks every credential with the platform. Otherwise
	// only credentials without a platform user id are validated.
	ValidateAlways bool

	DueBuffer      time.Duration
	ItemDelay      time.Duration
	PublishTimeout time.Duration
	WriteRetries   int
}

// Dispatcher runs dispatch cycles: select the due set, then publish each
// item in order and record its outcome before moving on.
type Dispatcher struct {
	store     ContentStore
	accounts  Accounts
	publisher provider.Publisher
	validator provider.CredentialValidator
	checkAll  bool
	coord     *Coordinator
	lease     Lease
	clock     core.Clock
	logger    *slog.Logger

	dueBuffer      time.Duration
	publishTimeout time.Duration
	pace           *rate.Limiter
	writes         failsafe.Executor[any]
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Coordinator == nil {
		opts.Coordinator = NewCoordinator(time.Minute)
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 15 * time.Second
	}
	if opts.WriteRetries <= 0 {
		opts.WriteRetries = 3
	}

	limit := rate.Inf
	if opts.ItemDelay > 0 {
		limit = rate.Every(opts.ItemDelay)
	}

	writePolicy := retrypolicy.NewBuilder[any]().
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(opts.WriteRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ any, err error) bool {
			return err != nil && !errors.Is(err, store.ErrAlreadyPosted) && !errors.Is(err, store.ErrNotFound)
		}).
		Build()

	return &Dispatcher{
		store:          opts.Store,
		accounts:       opts.Accounts,
		publisher:      opts.Publisher,
		validator:      opts.Validator,
		checkAll:       opts.ValidateAlways,
		coord:          opts.Coordinator,
		lease:          opts.Lease,
		clock:          opts.Clock,
		logger:         opts.Logger,
		dueBuffer:      opts.DueBuffer,
		publishTimeout: opts.PublishTimeout,
		pace:           rate.NewLimiter(limit, 1),
		writes:         failsafe.With(writePolicy),
	}
}

func (d *Dispatcher) State() RunState { return d.coord.State() }

// Run executes one cycle. The caller's cancellation is not propagated: once
// admitted, a cycle finishes its due set so the run lock is always released
// and no published item is left without its outcome. Overdue selections
// skip the minimum spacing but never run alongside another cycle.
func (d *Dispatcher) Run(ctx context.Context, sel Selection) Summary {
	ctx = context.WithoutCancel(ctx)
	now := d.clock.Now()
	if sel.Trigger == "" {
		sel.Trigger = TriggerManual
	}
	sum := Summary{
		Status:    StatusOK,
		RunID:     uuid.NewString(),
		Trigger:   sel.Trigger,
		Results:   []ItemResult{},
		Timestamp: now,
	}
	log := d.logger.With("run_id", sum.RunID, "trigger", sel.Trigger)

	acquire := d.coord.TryAcquire
	if sel.Overdue {
		acquire = d.coord.TryAcquireUnspaced
	}
	switch res := acquire(now); res {
	case AlreadyRunning:
		return d.reject(ctx, log, sum, res.String(), "a dispatch cycle is already running")
	case TooSoon:
		return d.reject(ctx, log, sum, res.String(), "last cycle ended less than the minimum spacing ago")
	}
	defer func() { d.coord.Release(d.clock.Now()) }()
	metrics.InFlight.Set(1)
	defer metrics.InFlight.Set(0)

	if d.lease != nil {
		ok, err := d.lease.Acquire(ctx)
		switch {
		case err != nil:
			// Posted records are never re-selected, so a lost lease costs at
			// most one overlapping cycle.
			log.WarnContext(ctx, "cluster lease unavailable, continuing with local lock only", "error", err)
		case !ok:
			return d.reject(ctx, log, sum, ReasonAlreadyRunning, "a dispatch cycle is running in another process")
		default:
			defer func() {
				if err := d.lease.Release(ctx); err != nil {
					log.WarnContext(ctx, "cluster lease release failed", "error", err)
				}
			}()
		}
	}

	due, err := d.store.FindDue(ctx, core.DueQuery{
		Now:     now,
		Buffer:  d.dueBuffer,
		Overdue: sel.Overdue,
		Grace:   sel.Grace,
	})
	if err != nil {
		log.ErrorContext(ctx, "due set query failed", "error", err)
		metrics.DispatchCycles.WithLabelValues(sel.Trigger, ReasonStoreError).Inc()
		sum.Status, sum.Reason, sum.Message = StatusError, ReasonStoreError, err.Error()
		return sum
	}
	metrics.DueSetSize.Observe(float64(len(due)))
	log.InfoContext(ctx, "dispatch cycle started", "due", len(due))

	for _, rec := range due {
		if err := d.pace.Wait(ctx); err != nil {
			break
		}
		res := d.process(ctx, rec)
		sum.Results = append(sum.Results, res)
		sum.Processed++
		if res.Status == core.StatusPosted {
			sum.Posted++
		}
		if res.Status != core.StatusPosted || res.WriteError != "" {
			sum.Errors++
		}
	}

	metrics.DispatchCycles.WithLabelValues(sel.Trigger, StatusOK).Inc()
	log.InfoContext(ctx, "dispatch cycle finished",
		"processed", sum.Processed, "posted", sum.Posted, "errors", sum.Errors)
	return sum
}

func (d *Dispatcher) reject(ctx context.Context, log *slog.Logger, sum Summary, reason, msg string) Summary {
	log.InfoContext(ctx, "dispatch cycle skipped", "reason", reason)
	metrics.DispatchCycles.WithLabelValues(sum.Trigger, reason).Inc()
	sum.Status, sum.Reason, sum.Message = StatusError, reason, msg
	return sum
}

// process dispatches one record and writes its outcome.
func (d *Dispatcher) process(ctx context.Context, rec core.ScheduledContent) ItemResult {
	log := d.logger.With("record_id", rec.ID, "source", rec.Source, "attempt", rec.Attempts+1)

	res, err := d.attempt(ctx, rec)
	now := d.clock.Now()

	item := ItemResult{ID: rec.ID, Source: rec.Source}
	var out core.Outcome
	if err != nil {
		out = core.Failed(rec, err, now)
		item.Error = err.Error()
		item.Kind = core.KindOf(err)
	} else {
		out = core.Succeeded(rec, res.PostID, res.URL, now)
		item.PostID, item.URL, item.ImageDegraded = res.PostID, res.URL, res.ImageDegraded
	}
	item.Status = out.Status
	item.Attempts = out.Attempts
	item.Terminal = out.Exhausted(rec.MaxAttempts)

	werr := d.writes.WithContext(ctx).Run(func() error {
		return d.store.MarkOutcome(ctx, rec, out)
	})
	switch {
	case werr != nil && out.Status == core.StatusPosted:
		// The post is live but its marker is not stored; the next cycle
		// may publish it again.
		log.ErrorContext(ctx, "post published but outcome not recorded",
			"linkedin_post_id", res.PostID, "error", werr)
		item.WriteError = werr.Error()
		metrics.DispatchItems.WithLabelValues("write_error").Inc()
	case werr != nil:
		log.ErrorContext(ctx, "failure outcome not recorded", "error", werr)
		item.WriteError = werr.Error()
		metrics.DispatchItems.WithLabelValues("write_error").Inc()
	case out.Status == core.StatusPosted:
		log.InfoContext(ctx, "post published", "linkedin_post_id", res.PostID, "image_degraded", res.ImageDegraded)
		metrics.DispatchItems.WithLabelValues("posted").Inc()
	case item.Terminal:
		log.WarnContext(ctx, "dispatch failed permanently", "kind", item.Kind, "error", err)
		metrics.DispatchItems.WithLabelValues("failed_terminal").Inc()
	default:
		log.WarnContext(ctx, "dispatch failed, will retry", "kind", item.Kind, "error", err)
		metrics.DispatchItems.WithLabelValues("failed_retryable").Inc()
	}
	return item
}

// attempt runs the pre-checks and the publish call for one record.
func (d *Dispatcher) attempt(ctx context.Context, rec core.ScheduledContent) (provider.Result, error) {
	user, err := d.accounts.ResolveOwner(ctx, rec.Owner)
	if err != nil {
		return provider.Result{}, err
	}

	cred, err := d.accounts.Credential(ctx, user.ID)
	if err != nil {
		return provider.Result{}, err
	}
	if cred.Expired(d.clock.Now()) {
		return provider.Result{}, core.NewError(core.KindCredentialExpired, "credential expired")
	}
	if d.validator != nil && (d.checkAll || cred.PlatformUserID == "") {
		known := cred.PlatformUserID
		vctx, cancel := context.WithTimeout(ctx, d.publishTimeout)
		cred, err = d.validator.Validate(vctx, cred)
		cancel()
		if err != nil {
			return provider.Result{}, transient(err)
		}
		if cred.PlatformUserID != known {
			d.recordPlatformID(ctx, user.ID, cred)
		}
	}

	if strings.TrimSpace(rec.Body) == "" {
		return provider.Result{}, core.NewError(core.KindEmptyContent, "empty content")
	}

	pctx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()
	res, err := d.publisher.Publish(pctx, provider.Post{Body: rec.Body, ImageURL: rec.ImageRef}, cred)
	if err != nil {
		return provider.Result{}, transient(err)
	}
	return res, nil
}

// recordPlatformID stores a resolved platform user id so later cycles skip
// the lookup. A failed write only costs another lookup.
func (d *Dispatcher) recordPlatformID(ctx context.Context, userID string, cred core.Credential) {
	rec, ok := d.accounts.(credentialRecorder)
	if !ok || cred.PlatformUserID == "" {
		return
	}
	if err := rec.UpsertCredential(ctx, userID, cred); err != nil {
		d.logger.WarnContext(ctx, "platform user id not stored", "user_id", userID, "error", err)
	}
}

// transient classifies errors the publisher left unclassified.
func transient(err error) error {
	if core.KindOf(err) != "" {
		return err
	}
	return core.Wrap(err, core.KindPublishTransient, "publish failed")
}
