package worker_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/linkedin-dispatch/internal/core"
	"github.com/Cypherspark/linkedin-dispatch/internal/provider"
	"github.com/Cypherspark/linkedin-dispatch/internal/worker"
)

func TestRun_UserinfoRejectionIsTerminal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/v2/userinfo", r.URL.Path)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	h := newHarness(t, item("a", t0.Add(-time.Minute), "hello"))
	// No expiry on record, so only the platform can reject the token.
	h.accounts.On("ResolveOwner", mock.Anything, core.OwnerRef{UserID: "u1"}).Return(core.User{ID: "u1"}, nil)
	h.accounts.On("Credential", mock.Anything, "u1").Return(core.Credential{AccessToken: "revoked"}, nil)
	h.opts.Validator = provider.NewLinkedIn(provider.LinkedInOptions{APIBase: srv.URL, Timeout: time.Second, Logger: discard})

	sum := h.dispatcher().Run(context.Background(), worker.Selection{Trigger: worker.TriggerCron})

	require.Len(t, sum.Results, 1)
	res := sum.Results[0]
	assert.Equal(t, core.StatusFailed, res.Status)
	assert.Equal(t, core.KindCredentialExpired, res.Kind)
	assert.True(t, res.Terminal)
	assert.EqualValues(t, 1, hits.Load(), "a rejected token is not retried")
	h.pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)

	rec := h.store.get("a")
	assert.Equal(t, core.StatusFailed, rec.Status)
	assert.False(t, rec.Retryable)
	assert.Empty(t, sum.Results[0].WriteError)

	// Never selected again.
	h.clock.Advance(2 * time.Minute)
	assert.Zero(t, h.dispatcher().Run(context.Background(), worker.Selection{}).Processed)
}

func TestRun_ValidatorOutageIsRetryable(t *testing.T) {
	h := newHarness(t, item("a", t0.Add(-time.Minute), "hello"))
	h.validOwner()
	v := &mockValidator{}
	v.On("Validate", mock.Anything, mock.Anything).Return(core.Credential{}, errors.New("connection reset"))
	h.opts.Validator = v

	sum := h.dispatcher().Run(context.Background(), worker.Selection{})

	require.Len(t, sum.Results, 1)
	assert.Equal(t, core.KindPublishTransient, sum.Results[0].Kind)
	assert.False(t, sum.Results[0].Terminal)
	assert.True(t, h.store.get("a").Retryable)
	h.pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_ResolvedPlatformIDIsStored(t *testing.T) {
	h := newHarness(t, item("a", t0.Add(-time.Minute), "hello"))
	acc := &recordingAccounts{}
	stored := core.Credential{AccessToken: "tok", ExpiresAt: t0.Add(time.Hour)}
	resolved := stored
	resolved.PlatformUserID = "abc123"
	acc.On("ResolveOwner", mock.Anything, core.OwnerRef{UserID: "u1"}).Return(core.User{ID: "u1"}, nil)
	acc.On("Credential", mock.Anything, "u1").Return(stored, nil)
	acc.On("UpsertCredential", mock.Anything, "u1", resolved).Return(nil).Once()
	h.opts.Accounts = acc

	v := &mockValidator{}
	v.On("Validate", mock.Anything, stored).Return(resolved, nil).Once()
	h.opts.Validator = v
	h.pub.On("Publish", mock.Anything, mock.Anything, resolved).Return(provider.Result{PostID: "urn:li:share:9"}, nil)

	sum := h.dispatcher().Run(context.Background(), worker.Selection{})

	assert.Equal(t, 1, sum.Posted)
	acc.AssertExpectations(t)
	v.AssertExpectations(t)
}

func TestRun_StoreFailureOnPlatformIDDoesNotBlockPublish(t *testing.T) {
	h := newHarness(t, item("a", t0.Add(-time.Minute), "hello"))
	acc := &recordingAccounts{}
	acc.On("ResolveOwner", mock.Anything, mock.Anything).Return(core.User{ID: "u1"}, nil)
	acc.On("Credential", mock.Anything, "u1").Return(core.Credential{AccessToken: "tok"}, nil)
	acc.On("UpsertCredential", mock.Anything, "u1", mock.Anything).Return(errors.New("db down"))
	h.opts.Accounts = acc

	v := &mockValidator{}
	v.On("Validate", mock.Anything, mock.Anything).Return(core.Credential{AccessToken: "tok", PlatformUserID: "abc123"}, nil)
	h.opts.Validator = v
	h.pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(provider.Result{PostID: "urn:li:share:9"}, nil)

	sum := h.dispatcher().Run(context.Background(), worker.Selection{})
	assert.Equal(t, 1, sum.Posted)
	assert.Zero(t, sum.Errors)
}

func TestRun_KnownPlatformIDSkipsValidation(t *testing.T) {
	cred := core.Credential{AccessToken: "tok", PlatformUserID: "abc123"}
	for _, always := range []bool{false, true} {
		h := newHarness(t, item("a", t0.Add(-time.Minute), "hello"))
		acc := &recordingAccounts{}
		acc.On("ResolveOwner", mock.Anything, mock.Anything).Return(core.User{ID: "u1"}, nil)
		acc.On("Credential", mock.Anything, "u1").Return(cred, nil)
		h.opts.Accounts = acc

		v := &mockValidator{}
		v.On("Validate", mock.Anything, cred).Return(cred, nil)
		h.opts.Validator = v
		h.opts.ValidateAlways = always
		h.pub.On("Publish", mock.Anything, mock.Anything, cred).Return(provider.Result{PostID: "urn:li:share:9"}, nil)

		sum := h.dispatcher().Run(context.Background(), worker.Selection{})
		assert.Equal(t, 1, sum.Posted)
		if always {
			v.AssertNumberOfCalls(t, "Validate", 1)
		} else {
			v.AssertNotCalled(t, "Validate", mock.Anything, mock.Anything)
		}
		// The id did not change, so nothing is written back.
		acc.AssertNotCalled(t, "UpsertCredential", mock.Anything, mock.Anything, mock.Anything)
	}
}
