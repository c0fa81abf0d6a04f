package provider

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/Cypherspark/linkedin-dispatch/internal/core"
)

// Dummy accepts every post after a short delay and fails a small share of
// them. It stands in for LinkedIn in local runs.
type Dummy struct {
	FailPercent int
}

func NewDummy() *Dummy { return &Dummy{FailPercent: 3} }

func (d *Dummy) Publish(ctx context.Context, post Post, cred core.Credential) (Result, error) {
	// Simulate latency and occasional failures.
	select {
	case <-ctx.Done():
		return Result{}, classified(&PublishError{Op: OpPublish, Err: ctx.Err()})
	case <-time.After(50 * time.Millisecond):
	}
	if cred.AccessToken == "" {
		return Result{}, classified(&PublishError{Op: OpPublish, Err: ErrTokenInvalid})
	}
	if strings.TrimSpace(post.Body) == "" {
		return Result{}, core.NewError(core.KindEmptyContent, "empty content")
	}
	if rand.Intn(100) < d.FailPercent {
		return Result{}, classified(&PublishError{Op: OpPublish, Err: errors.New("provider_temporary_error")})
	}
	id := "urn:li:share:dummy-" + randomID()
	return Result{PostID: id, URL: PostURL(id)}, nil
}

func randomID() string {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 12)
	for i := range b {
		b[i] = letters[r.Intn(len(letters))]
	}
	return string(b)
}
