package provider

import (
	"context"

	"github.com/Cypherspark/linkedin-dispatch/internal/core"
)

type Post struct {
	Body     string
	ImageURL string
}

type Result struct {
	PostID string
	URL    string
	// ImageDegraded is set when the image could not be attached and the
	// post went out as text only.
	ImageDegraded bool
}

// Publisher sends one post on behalf of the credential's owner. Errors are
// *core.Error values whose kind tells the caller whether a retry can help.
type Publisher interface {
	Publish(ctx context.Context, post Post, cred core.Credential) (Result, error)
}

// CredentialValidator confirms a credential with the platform and fills in
// the platform user id when it is missing.
type CredentialValidator interface {
	Validate(ctx context.Context, cred core.Credential) (core.Credential, error)
}
