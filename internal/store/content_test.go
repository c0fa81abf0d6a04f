package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/linkedin-dispatch/internal/core"
	"github.com/Cypherspark/linkedin-dispatch/internal/db"
	"github.com/Cypherspark/linkedin-dispatch/internal/store"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*store.ContentStore, *db.DB) {
	t.Helper()
	pg := db.StartTestPostgres(t)
	s, err := store.New(store.Options{DB: pg})
	require.NoError(t, err)
	return s, pg
}

func insertDoc(t *testing.T, pg *db.DB, table, id, doc string) {
	t.Helper()
	_, err := pg.Pool.Exec(context.Background(),
		"INSERT INTO "+table+" (id, doc) VALUES ($1, $2::jsonb)", id, doc)
	require.NoError(t, err)
}

func TestFindDue_AcrossSources(t *testing.T) {
	s, pg := newStore(t)
	ctx := context.Background()

	insertDoc(t, pg, "scheduled_posts", "a", `{"status":"pending","scheduledFor":"2024-05-01T11:59:30Z","content":"a","userId":"u1"}`)
	insertDoc(t, pg, "approved_content", "b", `{"Status":"approved","scheduled_for":"2024-05-01T11:00:00Z","approvedContent":"b","email":"x@y.z"}`)
	insertDoc(t, pg, "linkedin_posts", "c", `{"status":"scheduled","scheduledTime":1714564800000,"text":"c","user_id":"u1"}`)
	// excluded: not due yet, already posted, cancelled, exhausted
	insertDoc(t, pg, "scheduled_posts", "late", `{"status":"pending","scheduledFor":"2024-05-01T12:05:00Z","content":"x","userId":"u1"}`)
	insertDoc(t, pg, "scheduled_posts", "done", `{"status":"pending","postId":"urn:li:share:1","scheduledFor":"2024-05-01T11:00:00Z","content":"x"}`)
	insertDoc(t, pg, "scheduled_posts", "cxl", `{"status":"cancelled","scheduledFor":"2024-05-01T11:00:00Z","content":"x"}`)
	insertDoc(t, pg, "scheduled_posts", "spent", `{"status":"failed","attempts":3,"scheduledFor":"2024-05-01T11:00:00Z","content":"x"}`)

	got, err := s.FindDue(ctx, core.DueQuery{Now: now, Buffer: time.Minute})
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.Source + "/" + r.ID
	}
	assert.Equal(t, []string{"approved_content/b", "scheduled_posts/a", "linkedin_posts/c"}, ids)
	assert.Equal(t, "b", got[0].Body)
	assert.Equal(t, "x@y.z", got[0].Owner.Email)
}

func TestMarkOutcome_PostedIsNeverSelectedAgain(t *testing.T) {
	s, pg := newStore(t)
	ctx := context.Background()
	insertDoc(t, pg, "scheduled_posts", "p1", `{"Status":"pending","scheduled_for":"2024-05-01T11:59:00Z","content":"hello","userId":"u1","lastError":"old"}`)

	due, err := s.FindDue(ctx, core.DueQuery{Now: now, Buffer: time.Minute})
	require.NoError(t, err)
	require.Len(t, due, 1)

	out := core.Succeeded(due[0], "urn:li:share:42", "https://www.linkedin.com/feed/update/urn:li:share:42/", now)
	require.NoError(t, s.MarkOutcome(ctx, due[0], out))

	rec, err := s.Get(ctx, core.Ref{Source: "scheduled_posts", ID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, core.StatusPosted, rec.Status)
	assert.Equal(t, "urn:li:share:42", rec.PlatformPostID)
	assert.Empty(t, rec.LastError)
	require.NotNil(t, rec.PostedAt)
	assert.Equal(t, now, *rec.PostedAt)

	var legacy string
	require.NoError(t, pg.Pool.QueryRow(ctx, `SELECT doc->>'Status' FROM scheduled_posts WHERE id = 'p1'`).Scan(&legacy))
	assert.Equal(t, "posted", legacy)

	for i := 0; i < 3; i++ {
		again, err := s.FindDue(ctx, core.DueQuery{Now: now.Add(time.Duration(i) * time.Hour), Buffer: time.Minute})
		require.NoError(t, err)
		assert.Empty(t, again)
	}

	// a late failure write must not regress the record
	err = s.MarkOutcome(ctx, due[0], core.Failed(due[0], assert.AnError, now))
	assert.ErrorIs(t, err, store.ErrAlreadyPosted)
}

func TestMarkOutcome_FailureKeepsRecordEligible(t *testing.T) {
	s, pg := newStore(t)
	ctx := context.Background()
	insertDoc(t, pg, "linkedin_posts", "f1", `{"status":"scheduled","scheduledTime":"2024-05-01T11:00:00Z","content":"x","userId":"u1"}`)

	q := core.DueQuery{Now: now, Buffer: time.Minute}
	for attempt := 1; attempt <= 3; attempt++ {
		due, err := s.FindDue(ctx, q)
		require.NoError(t, err)
		require.Len(t, due, 1, "attempt %d", attempt)
		require.NoError(t, s.MarkOutcome(ctx, due[0], core.Failed(due[0], assert.AnError, now)))
	}

	due, err := s.FindDue(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, due)

	rec, err := s.Get(ctx, core.Ref{Source: "linkedin_posts", ID: "f1"})
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, assert.AnError.Error(), rec.LastError)
}

func TestCreateGetCancel(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, store.NewContent{
		Owner:       core.OwnerRef{Email: "a@b.c"},
		Body:        "launch day",
		ImageRef:    "https://img.example/x.png",
		ScheduledAt: now.Add(time.Hour),
	}, now)
	require.NoError(t, err)
	assert.Equal(t, "scheduled_posts", rec.Source)
	assert.Equal(t, core.StatusPending, rec.Status)
	assert.Equal(t, core.DefaultMaxAttempts, rec.MaxAttempts)

	got, err := s.Get(ctx, rec.Ref())
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), got.ScheduledAt)
	assert.Equal(t, "https://img.example/x.png", got.ImageRef)

	cancelled, err := s.Cancel(ctx, rec.Ref(), now)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, cancelled.Status)

	_, err = s.Cancel(ctx, rec.Ref(), now)
	assert.ErrorIs(t, err, store.ErrNotCancellable)

	_, err = s.Get(ctx, core.Ref{Source: "scheduled_posts", ID: "missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Get(ctx, core.Ref{Source: "nope", ID: "x"})
	assert.ErrorIs(t, err, store.ErrUnknownSource)
}

func TestFindDue_IsolatesFailingSource(t *testing.T) {
	pg := db.StartTestPostgres(t)
	ctx := context.Background()
	insertDoc(t, pg, "scheduled_posts", "ok", `{"status":"pending","scheduledFor":"2024-05-01T11:00:00Z","content":"x"}`)

	broken := store.ScheduledPosts()
	broken.Name, broken.Table = "missing", "no_such_table"

	s, err := store.New(store.Options{DB: pg, Sources: []store.Source{store.ScheduledPosts(), broken}})
	require.NoError(t, err)
	got, err := s.FindDue(ctx, core.DueQuery{Now: now})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	s, err = store.New(store.Options{DB: pg, Sources: []store.Source{broken}})
	require.NoError(t, err)
	_, err = s.FindDue(ctx, core.DueQuery{Now: now})
	assert.ErrorIs(t, err, store.ErrAllSourcesFailed)
}

func TestAccounts(t *testing.T) {
	pg := db.StartTestPostgres(t)
	ctx := context.Background()
	acc := store.NewAccounts(pg)

	require.NoError(t, acc.CreateUser(ctx, core.User{ID: "u1", Email: "Ana@Example.com", Name: "Ana"}))
	require.NoError(t, acc.UpsertCredential(ctx, "u1", core.Credential{AccessToken: "tok", ExpiresAt: now.Add(time.Hour)}))

	u, err := acc.ResolveOwner(ctx, core.OwnerRef{Email: "ana@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)

	u, err = acc.ResolveOwner(ctx, core.OwnerRef{UserID: "legacy-id", Email: "ana@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)

	_, err = acc.ResolveOwner(ctx, core.OwnerRef{UserID: "u1", Email: "other@example.com"})
	assert.True(t, core.IsKind(err, core.KindUserUnresolved))
	_, err = acc.ResolveOwner(ctx, core.OwnerRef{UserID: "ghost"})
	assert.True(t, core.IsKind(err, core.KindUserUnresolved))
	_, err = acc.ResolveOwner(ctx, core.OwnerRef{})
	assert.True(t, core.IsKind(err, core.KindUserUnresolved))

	cred, err := acc.Credential(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "tok", cred.AccessToken)
	assert.Equal(t, now.Add(time.Hour), cred.ExpiresAt)

	_, err = acc.Credential(ctx, "ghost")
	assert.True(t, core.IsKind(err, core.KindCredentialExpired))
}

func TestFindDue_EmptyStatusAliasFallsThrough(t *testing.T) {
	s, pg := newStore(t)
	insertDoc(t, pg, "scheduled_posts", "blank-first",
		`{"status":"","Status":"pending","scheduledFor":"2024-05-01T11:00:00Z","content":"x","userId":"u1"}`)

	got, err := s.FindDue(context.Background(), core.DueQuery{Now: now, Buffer: time.Minute})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "blank-first", got[0].ID)
	assert.Equal(t, core.StatusPending, got[0].Status)
}
