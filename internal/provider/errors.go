package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Cypherspark/linkedin-dispatch/internal/core"
)

// Operations of the publishing protocol, used in errors and metrics.
const (
	OpPublish  = "publish"
	OpRegister = "register_upload"
	OpFetch    = "fetch_image"
	OpUpload   = "upload_image"
	OpUserInfo = "userinfo"
)

const maxErrorBody = 512

// ErrTokenInvalid is reported without a round trip when the token is
// already past its expiry.
var ErrTokenInvalid = errors.New("access token expired or missing")

// PublishError describes one failed platform call.
type PublishError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *PublishError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("linkedin %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("linkedin %s: status %d", e.Op, e.StatusCode)
	default:
		return fmt.Sprintf("linkedin %s: %v", e.Op, e.Err)
	}
}

func (e *PublishError) Unwrap() error { return e.Err }

func statusError(op string, code int, body []byte) *PublishError {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &PublishError{Op: op, StatusCode: code, Body: string(body)}
}

// Classify maps a platform failure to the dispatch taxonomy. Rejected
// credentials need the user to reconnect; everything else may clear up.
func Classify(err error) core.Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrTokenInvalid) {
		return core.KindCredentialExpired
	}
	var pe *PublishError
	if errors.As(err, &pe) {
		switch pe.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return core.KindCredentialExpired
		}
	}
	return core.KindPublishTransient
}

// classified wraps err in the core error carrying its Classify kind.
func classified(err error) error {
	if err == nil {
		return nil
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		return err
	}
	return core.Wrap(err, Classify(err), "publish failed")
}

// retryable reports whether repeating the same request may succeed.
func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var pe *PublishError
	if errors.As(err, &pe) && pe.StatusCode != 0 {
		return pe.StatusCode == http.StatusTooManyRequests || pe.StatusCode >= 500
	}
	return true
}
