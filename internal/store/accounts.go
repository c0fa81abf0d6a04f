package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Cypherspark/linkedin-dispatch/internal/core"
	"github.com/Cypherspark/linkedin-dispatch/internal/db"
)

// Accounts resolves record owners and their platform credentials. Both are
// maintained by the connection flow; this side only reads them.
type Accounts struct {
	db *db.DB
}

func NewAccounts(d *db.DB) *Accounts { return &Accounts{db: d} }

func (a *Accounts) userBy(ctx context.Context, where string, arg string) (core.User, error) {
	var u core.User
	err := a.db.Pool.QueryRow(ctx,
		"SELECT id, email, name FROM users WHERE "+where, arg,
	).Scan(&u.ID, &u.Email, &u.Name)
	return u, err
}

// ResolveOwner maps an owner reference to exactly one user. When both id and
// email are given they must agree.
func (a *Accounts) ResolveOwner(ctx context.Context, ref core.OwnerRef) (core.User, error) {
	if ref.Empty() {
		return core.User{}, core.NewError(core.KindUserUnresolved, "record has no owner")
	}

	if ref.UserID != "" {
		u, err := a.userBy(ctx, "id = $1", ref.UserID)
		switch {
		case err == nil:
			if ref.Email != "" && !strings.EqualFold(ref.Email, u.Email) {
				return core.User{}, core.Errorf(core.KindUserUnresolved,
					"owner id %s does not match email %s", ref.UserID, ref.Email)
			}
			return u, nil
		case !errors.Is(err, pgx.ErrNoRows):
			return core.User{}, err
		case ref.Email == "":
			return core.User{}, core.Errorf(core.KindUserUnresolved, "no user with id %s", ref.UserID)
		}
	}

	u, err := a.userBy(ctx, "lower(email) = lower($1)", ref.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.User{}, core.Errorf(core.KindUserUnresolved, "no user with email %s", ref.Email)
	}
	return u, err
}

// Credential loads the stored grant for userID. A missing grant reports
// KindCredentialExpired since the remedy is the same: reconnect.
func (a *Accounts) Credential(ctx context.Context, userID string) (core.Credential, error) {
	var (
		c   core.Credential
		exp *time.Time
	)
	err := a.db.Pool.QueryRow(ctx,
		`SELECT access_token, expires_at, platform_user_id
		   FROM platform_credentials WHERE user_id = $1`, userID,
	).Scan(&c.AccessToken, &exp, &c.PlatformUserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Credential{}, core.NewError(core.KindCredentialExpired, "linkedin account not connected")
	}
	if err != nil {
		return core.Credential{}, err
	}
	if exp != nil {
		c.ExpiresAt = exp.UTC()
	}
	return c, nil
}

// UpsertCredential stores a grant. The connection flow owns this table; the
// method exists for seeding and for recording a resolved platform user id.
func (a *Accounts) UpsertCredential(ctx context.Context, userID string, c core.Credential) error {
	var exp *time.Time
	if !c.ExpiresAt.IsZero() {
		e := c.ExpiresAt.UTC()
		exp = &e
	}
	_, err := a.db.Pool.Exec(ctx, `
		INSERT INTO platform_credentials (user_id, access_token, expires_at, platform_user_id, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id) DO UPDATE
		   SET access_token = EXCLUDED.access_token,
		       expires_at = EXCLUDED.expires_at,
		       platform_user_id = EXCLUDED.platform_user_id,
		       updated_at = now()`,
		userID, c.AccessToken, exp, c.PlatformUserID)
	return err
}

// CreateUser inserts a user; used by seeding and tests.
func (a *Accounts) CreateUser(ctx context.Context, u core.User) error {
	_, err := a.db.Pool.Exec(ctx,
		`INSERT INTO users (id, email, name) VALUES ($1, $2, $3)`, u.ID, u.Email, u.Name)
	return err
}
