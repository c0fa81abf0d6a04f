package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/linkedin-dispatch/internal/bootstrap"
	"github.com/Cypherspark/linkedin-dispatch/internal/config"
	"github.com/Cypherspark/linkedin-dispatch/internal/core"
	"github.com/Cypherspark/linkedin-dispatch/internal/db"
	"github.com/Cypherspark/linkedin-dispatch/internal/worker"
)

// 09:56 IST
var t0 = time.Date(2024, 1, 1, 4, 26, 0, 0, time.UTC)

type fakeLinkedIn struct {
	mu     sync.Mutex
	shares []string
	auth   []string
}

func (f *fakeLinkedIn) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v2/ugcPosts" || r.Method != http.MethodPost {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.shares = append(f.shares, string(body))
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	n := len(f.shares)
	f.mu.Unlock()

	w.Header().Set("X-Restli-Id", "urn:li:share:"+strconv.Itoa(n))
	w.WriteHeader(http.StatusCreated)
}

func (f *fakeLinkedIn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.shares)
}

type e2e struct {
	t     *testing.T
	pg    *db.DB
	app   *bootstrap.App
	clock *core.FixedClock
	li    *fakeLinkedIn
	h     http.Handler
}

func newE2E(t *testing.T) *e2e {
	pg := db.StartTestPostgres(t)
	li := &fakeLinkedIn{}
	liSrv := httptest.NewServer(li)
	t.Cleanup(liSrv.Close)

	cfg := config.AppConfig{
		CronSecret:     "s3cret",
		ContentSources: []string{"scheduled_posts", "approved_content", "linkedin_posts"},
		Dispatch: config.DispatchConfig{
			MinSpacing: time.Minute, DueBuffer: time.Minute, MaxAttempts: 3, MinLead: 5 * time.Minute,
		},
		LinkedIn: config.LinkedInConfig{Publisher: "linkedin", APIBase: liSrv.URL},
	}
	cfg.Sanitize()

	clock := core.NewFixedClock(t0)
	app, err := bootstrap.Assemble(bootstrap.Deps{
		Config: cfg, Logger: slog.New(slog.DiscardHandler), DB: pg, Clock: clock,
	})
	require.NoError(t, err)

	return &e2e{t: t, pg: pg, app: app, clock: clock, li: li, h: newServer(app).Router()}
}

func (e *e2e) call(method, path, body string) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, req)
	return w
}

func (e *e2e) dispatch() worker.Summary {
	e.t.Helper()
	w := e.call(http.MethodPost, "/api/cron/dispatch", "")
	require.Equal(e.t, http.StatusOK, w.Code)
	var sum worker.Summary
	require.NoError(e.t, json.Unmarshal(w.Body.Bytes(), &sum))
	return sum
}

func (e *e2e) seedUser(id, email string, cred core.Credential) {
	ctx := context.Background()
	require.NoError(e.t, e.app.Accounts.CreateUser(ctx, core.User{ID: id, Email: email}))
	require.NoError(e.t, e.app.Accounts.UpsertCredential(ctx, id, cred))
}

func TestScheduleThenDispatch(t *testing.T) {
	e := newE2E(t)
	ctx := context.Background()

	e.seedUser("u-ana", "ana@example.com", core.Credential{AccessToken: "tok-ana", PlatformUserID: "ana-sub"})
	e.seedUser("u-bob", "bob@example.com", core.Credential{AccessToken: "tok-bob", ExpiresAt: t0.Add(-time.Hour), PlatformUserID: "bob-sub"})

	// Too close: 10:00 IST is four minutes away.
	w := e.call(http.MethodPost, "/api/scheduled-posts",
		`{"email":"ana@example.com","content":"hello","scheduledFor":"2024-01-01T10:00"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.call(http.MethodPost, "/api/scheduled-posts",
		`{"email":"ana@example.com","content":"hello world","scheduledFor":"2024-01-01T10:06"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created core.ScheduledContent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "scheduled_posts", created.Source)
	assert.Equal(t, time.Date(2024, 1, 1, 4, 36, 0, 0, time.UTC), created.ScheduledAt)

	// A record in a legacy layout, owned by a user whose grant has lapsed.
	_, err := e.pg.Pool.Exec(ctx, `INSERT INTO linkedin_posts (id, doc) VALUES ('legacy-1', $1::jsonb)`,
		`{"status":"scheduled","scheduledTime":"2024-01-01T04:30:00Z","text":"from bob","user_id":"u-bob"}`)
	require.NoError(t, err)

	sum := e.dispatch()
	assert.Equal(t, worker.StatusOK, sum.Status)
	assert.Zero(t, sum.Processed, "nothing is due yet")

	e.clock.Advance(10 * time.Minute)
	sum = e.dispatch()
	require.Equal(t, worker.StatusOK, sum.Status)
	require.Len(t, sum.Results, 2)
	assert.Equal(t, 1, sum.Posted)
	assert.Equal(t, 1, sum.Errors)

	bob, ana := sum.Results[0], sum.Results[1]
	assert.Equal(t, "legacy-1", bob.ID)
	assert.Equal(t, core.KindCredentialExpired, bob.Kind)
	assert.True(t, bob.Terminal)
	assert.Equal(t, created.ID, ana.ID)
	assert.Equal(t, core.StatusPosted, ana.Status)
	assert.Equal(t, "urn:li:share:1", ana.PostID)

	require.Equal(t, 1, e.li.count())
	assert.Equal(t, "Bearer tok-ana", e.li.auth[0])
	assert.Contains(t, e.li.shares[0], "hello world")
	assert.Contains(t, e.li.shares[0], "urn:li:person:ana-sub")

	w = e.call(http.MethodGet, "/api/scheduled-posts/scheduled_posts/"+created.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var stored core.ScheduledContent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stored))
	assert.Equal(t, core.StatusPosted, stored.Status)
	assert.Equal(t, "urn:li:share:1", stored.PlatformPostID)
	assert.Equal(t, "https://www.linkedin.com/feed/update/urn:li:share:1/", stored.PlatformURL)

	// Posted records are never picked again, and neither is the lapsed one.
	sum = e.dispatch()
	assert.Equal(t, worker.ReasonTooSoon, sum.Reason)
	e.clock.Advance(2 * time.Minute)
	sum = e.dispatch()
	assert.Equal(t, worker.StatusOK, sum.Status)
	assert.Zero(t, sum.Processed)
	assert.Equal(t, 1, e.li.count())

	w = e.call(http.MethodPost, "/api/scheduled-posts/scheduled_posts/"+created.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestReconcileMissedPost(t *testing.T) {
	e := newE2E(t)
	ctx := context.Background()
	e.seedUser("u-ana", "ana@example.com", core.Credential{AccessToken: "tok-ana", PlatformUserID: "ana-sub"})

	_, err := e.pg.Pool.Exec(ctx, `INSERT INTO approved_content (id, doc) VALUES ('missed', $1::jsonb)`,
		`{"status":"approved","scheduled_for":{"$date":"2023-12-31T20:00:00Z"},"approvedContent":"late but sent","email":"ANA@example.com"}`)
	require.NoError(t, err)

	w := e.call(http.MethodPost, "/api/cron/reconcile", "")
	require.Equal(t, http.StatusOK, w.Code)
	var sum worker.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, worker.TriggerReconcile, sum.Trigger)
	require.Len(t, sum.Results, 1)
	assert.Equal(t, core.StatusPosted, sum.Results[0].Status)

	rec, err := e.app.Store.Get(ctx, core.Ref{Source: "approved_content", ID: "missed"})
	require.NoError(t, err)
	assert.True(t, rec.Posted())
	assert.Equal(t, 1, e.li.count())
}

func TestUnauthorizedTrigger(t *testing.T) {
	e := newE2E(t)
	req := httptest.NewRequest(http.MethodPost, "/api/cron/dispatch", nil)
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Nil(t, e.app.Dispatcher.State().LastRunAt)
}
