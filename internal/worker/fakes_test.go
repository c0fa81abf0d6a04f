package worker_test

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/Cypherspark/linkedin-dispatch/internal/core"
	"github.com/Cypherspark/linkedin-dispatch/internal/provider"
)

var (
	t0      = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	discard = slog.New(slog.DiscardHandler)
)

// memStore is an in-memory ContentStore applying outcomes the way the
// Postgres store does.
type memStore struct {
	mu       sync.Mutex
	recs     map[core.Ref]core.ScheduledContent
	findErr  error
	writeErr error
	writes   int
}

func newMemStore(recs ...core.ScheduledContent) *memStore {
	m := &memStore{recs: map[core.Ref]core.ScheduledContent{}}
	for _, r := range recs {
		m.recs[r.Ref()] = r
	}
	return m
}

func (m *memStore) FindDue(_ context.Context, q core.DueQuery) ([]core.ScheduledContent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	all := make([]core.ScheduledContent, 0, len(m.recs))
	for _, r := range m.recs {
		all = append(all, r)
	}
	return core.SelectDue(all, q), nil
}

func (m *memStore) MarkOutcome(_ context.Context, rec core.ScheduledContent, out core.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.writeErr != nil {
		return m.writeErr
	}
	r := m.recs[rec.Ref()]
	r.Status, r.Attempts, r.Retryable, r.UpdatedAt = out.Status, out.Attempts, out.Retryable, out.At
	if out.Status == core.StatusPosted {
		at := out.At
		r.PlatformPostID, r.PlatformURL, r.PostedAt, r.LastError = out.PostID, out.URL, &at, ""
	} else {
		r.LastError = out.Error
	}
	m.recs[rec.Ref()] = r
	return nil
}

func (m *memStore) get(id string) core.ScheduledContent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recs[core.Ref{Source: "scheduled_posts", ID: id}]
}

type mockAccounts struct{ mock.Mock }

func (m *mockAccounts) ResolveOwner(ctx context.Context, ref core.OwnerRef) (core.User, error) {
	args := m.Called(ctx, ref)
	return args.Get(0).(core.User), args.Error(1)
}

func (m *mockAccounts) Credential(ctx context.Context, userID string) (core.Credential, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(core.Credential), args.Error(1)
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) Publish(ctx context.Context, post provider.Post, cred core.Credential) (provider.Result, error) {
	args := m.Called(ctx, post, cred)
	return args.Get(0).(provider.Result), args.Error(1)
}

func item(id string, at time.Time, body string) core.ScheduledContent {
	return core.ScheduledContent{
		ID:          id,
		Source:      "scheduled_posts",
		Owner:       core.OwnerRef{UserID: "u1"},
		Body:        body,
		ScheduledAt: at,
		Status:      core.StatusPending,
		Retryable:   true,
		MaxAttempts: 3,
	}
}

type mockValidator struct{ mock.Mock }

func (m *mockValidator) Validate(ctx context.Context, cred core.Credential) (core.Credential, error) {
	args := m.Called(ctx, cred)
	return args.Get(0).(core.Credential), args.Error(1)
}

// recordingAccounts also keeps credentials, like the Postgres accounts store.
type recordingAccounts struct{ mockAccounts }

func (m *recordingAccounts) UpsertCredential(ctx context.Context, userID string, c core.Credential) error {
	return m.Called(ctx, userID, c).Error(0)
}
