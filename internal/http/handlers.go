package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Cypherspark/linkedin-dispatch/internal/core"
	"github.com/Cypherspark/linkedin-dispatch/internal/metrics"
	"github.com/Cypherspark/linkedin-dispatch/internal/store"
	"github.com/Cypherspark/linkedin-dispatch/internal/worker"
)

type Dispatcher interface {
	Run(ctx context.Context, sel worker.Selection) worker.Summary
	State() worker.RunState
}

type Reconciler interface {
	Run(ctx context.Context) worker.Summary
}

type Posts interface {
	Create(ctx context.Context, in store.NewContent, now time.Time) (core.ScheduledContent, error)
	Get(ctx context.Context, ref core.Ref) (core.ScheduledContent, error)
	Cancel(ctx context.Context, ref core.Ref, at time.Time) (core.ScheduledContent, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type ServerOptions struct {
	Dispatcher Dispatcher
	Reconciler Reconciler
	Posts      Posts
	Normalizer core.Normalizer
	Clock      core.Clock
	Pinger     Pinger
	// Secret guards /api when non-empty.
	Secret string
	Logger *slog.Logger
}

type Server struct {
	dispatcher Dispatcher
	reconciler Reconciler
	posts      Posts
	normalizer core.Normalizer
	clock      core.Clock
	pinger     Pinger
	secret     string
	logger     *slog.Logger
}

func NewServer(opts ServerOptions) *Server {
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		dispatcher: opts.Dispatcher,
		reconciler: opts.Reconciler,
		posts:      opts.Posts,
		normalizer: opts.Normalizer,
		clock:      opts.Clock,
		pinger:     opts.Pinger,
		secret:     opts.Secret,
		logger:     opts.Logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(s.logger), middleware.Recoverer, instrument)

	s.mountHealth(r)
	s.mountMetrics(r)
	s.mountDocs(r)

	r.Route("/api", func(r chi.Router) {
		r.Use(requireSecret(s.secret))

		r.Get("/cron/dispatch", s.dispatch)
		r.Post("/cron/dispatch", s.dispatch)
		r.Get("/cron/reconcile", s.reconcile)
		r.Post("/cron/reconcile", s.reconcile)
		r.Get("/cron/status", s.status)

		r.Post("/scheduled-posts", s.createPost)
		r.Get("/scheduled-posts/{source}/{id}", s.getPost)
		r.Post("/scheduled-posts/{source}/{id}/cancel", s.cancelPost)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	body := map[string]string{"error": code}
	if msg != "" {
		body["message"] = msg
	}
	writeJSON(w, status, body)
}

// dispatch always answers 200: the summary's status field carries lock
// contention and store outages, per-item failures are listed in results.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	trigger := worker.TriggerCron
	if r.URL.Query().Get("trigger") == worker.TriggerManual {
		trigger = worker.TriggerManual
	}
	writeJSON(w, http.StatusOK, s.dispatcher.Run(r.Context(), worker.Selection{Trigger: trigger}))
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reconciler.Run(r.Context()))
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.State())
}

type createRequest struct {
	UserID        string `json:"userId"`
	Email         string `json:"email"`
	Content       string `json:"content"`
	ImageURL      string `json:"imageUrl"`
	ScheduledFor  string `json:"scheduledFor"`
	ScheduledDate string `json:"scheduledDate"`
	ScheduledTime string `json:"scheduledTime"`
	MaxAttempts   int    `json:"maxAttempts"`
}

func (s *Server) createPost(w http.ResponseWriter, r *http.Request) {
	var in createRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		metrics.ScheduleCreate.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid_body", "")
		return
	}
	owner := core.OwnerRef{UserID: strings.TrimSpace(in.UserID), Email: strings.TrimSpace(in.Email)}
	if owner.Empty() || strings.TrimSpace(in.Content) == "" || in.MaxAttempts < 0 {
		metrics.ScheduleCreate.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid_body", "userId or email, and content are required")
		return
	}

	now := s.clock.Now()
	var (
		at  time.Time
		err error
	)
	if in.ScheduledFor != "" {
		at, err = s.normalizer.Normalize(in.ScheduledFor, now)
	} else {
		at, err = s.normalizer.NormalizeParts(in.ScheduledDate, in.ScheduledTime, now)
	}
	if err != nil {
		metrics.ScheduleCreate.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, string(core.KindInvalidSchedule), err.Error())
		return
	}

	rec, err := s.posts.Create(r.Context(), store.NewContent{
		Owner:       owner,
		Body:        in.Content,
		ImageRef:    strings.TrimSpace(in.ImageURL),
		ScheduledAt: at,
		MaxAttempts: in.MaxAttempts,
	}, now)
	if err != nil {
		if errors.Is(err, store.ErrInvalidNewContent) {
			metrics.ScheduleCreate.WithLabelValues("invalid").Inc()
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
			return
		}
		metrics.ScheduleCreate.WithLabelValues("error").Inc()
		s.logger.ErrorContext(r.Context(), "create scheduled post failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	metrics.ScheduleCreate.WithLabelValues("ok").Inc()
	s.logger.InfoContext(r.Context(), "scheduled post created",
		"record_id", rec.ID, "source", rec.Source, "scheduled_at", rec.ScheduledAt)
	writeJSON(w, http.StatusCreated, rec)
}

func refFrom(r *http.Request) core.Ref {
	return core.Ref{Source: chi.URLParam(r, "source"), ID: chi.URLParam(r, "id")}
}

func (s *Server) getPost(w http.ResponseWriter, r *http.Request) {
	rec, err := s.posts.Get(r.Context(), refFrom(r))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) cancelPost(w http.ResponseWriter, r *http.Request) {
	rec, err := s.posts.Cancel(r.Context(), refFrom(r), s.clock.Now())
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "scheduled post cancelled", "record_id", rec.ID, "source", rec.Source)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrUnknownSource):
		writeError(w, http.StatusNotFound, string(core.KindNotFound), err.Error())
	case errors.Is(err, store.ErrNotCancellable):
		writeError(w, http.StatusConflict, string(core.KindConflict), err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "scheduled post lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "")
	}
}
