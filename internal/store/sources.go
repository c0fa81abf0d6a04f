package store

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Cypherspark/linkedin-dispatch/internal/core"
)

// Field is a canonical document field.
type Field string

const (
	FieldStatus      Field = "status"
	FieldScheduledAt Field = "scheduledFor"
	FieldContent     Field = "content"
	FieldImageURL    Field = "imageUrl"
	FieldPostID      Field = "linkedinPostId"
	FieldPostURL     Field = "linkedinUrl"
	FieldPostedAt    Field = "postedAt"
	FieldError       Field = "error"
	FieldUpdatedAt   Field = "updatedAt"
	FieldCreatedAt   Field = "createdAt"
	FieldUserID      Field = "userId"
	FieldEmail       Field = "email"
	FieldAttempts    Field = "attempts"
	FieldMaxAttempts Field = "maxAttempts"
	FieldRetryable   Field = "retryable"
)

var allFields = []Field{
	FieldStatus, FieldScheduledAt, FieldContent, FieldImageURL, FieldPostID, FieldPostURL,
	FieldPostedAt, FieldError, FieldUpdatedAt, FieldCreatedAt, FieldUserID, FieldEmail,
	FieldAttempts, FieldMaxAttempts, FieldRetryable,
}

// Source describes one document table and how its historical field
// spellings map onto the canonical record. The first alias of every field is
// where new values are written.
type Source struct {
	Name              string
	Table             string
	Fields            map[Field][]string
	PendingStatuses   []string
	RetryableStatuses []string
}

func defaultFields() map[Field][]string {
	return map[Field][]string{
		FieldStatus:      {"status", "Status"},
		FieldScheduledAt: {"scheduledFor", "scheduled_for", "scheduledTime"},
		FieldContent:     {"content", "text", "body"},
		FieldImageURL:    {"imageUrl", "image_url", "image"},
		FieldPostID:      {"linkedinPostId", "linkedin_post_id", "postId"},
		FieldPostURL:     {"linkedinUrl", "linkedin_url", "postUrl"},
		FieldPostedAt:    {"postedAt", "posted_at", "publishedAt"},
		FieldError:       {"error", "lastError", "errorMessage"},
		FieldUpdatedAt:   {"updatedAt", "updated_at"},
		FieldCreatedAt:   {"createdAt", "created_at"},
		FieldUserID:      {"userId", "user_id", "ownerId"},
		FieldEmail:       {"email", "userEmail"},
		FieldAttempts:    {"attempts", "retryCount"},
		FieldMaxAttempts: {"maxAttempts", "max_attempts"},
		FieldRetryable:   {"retryable"},
	}
}

// ScheduledPosts is the primary table written by the scheduling API.
func ScheduledPosts() Source {
	return Source{
		Name:              "scheduled_posts",
		Table:             "scheduled_posts",
		Fields:            defaultFields(),
		PendingStatuses:   []string{"pending", "scheduled"},
		RetryableStatuses: []string{"failed"},
	}
}

// ApprovedContent holds generated content a user approved with a time slot.
func ApprovedContent() Source {
	f := defaultFields()
	f[FieldContent] = []string{"content", "approvedContent", "text"}
	return Source{
		Name:              "approved_content",
		Table:             "approved_content",
		Fields:            f,
		PendingStatuses:   []string{"approved", "scheduled"},
		RetryableStatuses: []string{"failed"},
	}
}

func LinkedInPosts() Source {
	return Source{
		Name:              "linkedin_posts",
		Table:             "linkedin_posts",
		Fields:            defaultFields(),
		PendingStatuses:   []string{"scheduled", "pending"},
		RetryableStatuses: []string{"failed"},
	}
}

func BuiltinSources() []Source {
	return []Source{ScheduledPosts(), ApprovedContent(), LinkedInPosts()}
}

// SelectSources returns the built-in sources named in names, in that order.
// An empty list selects all of them.
func SelectSources(names []string) ([]Source, error) {
	all := BuiltinSources()
	if len(names) == 0 {
		return all, nil
	}
	out := make([]Source, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		idx := slices.IndexFunc(all, func(s Source) bool { return s.Name == n })
		if idx < 0 {
			return nil, fmt.Errorf("unknown content source %q", n)
		}
		out = append(out, all[idx])
	}
	if len(out) == 0 {
		return all, nil
	}
	return out, nil
}

func (s Source) aliases(f Field) []string {
	if a := s.Fields[f]; len(a) > 0 {
		return a
	}
	return []string{string(f)}
}

// NormalizeStatus maps a stored status spelling onto the canonical machine.
func (s Source) NormalizeStatus(raw string) core.Status {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case slices.Contains(s.PendingStatuses, v):
		return core.StatusPending
	case slices.Contains(s.RetryableStatuses, v):
		return core.StatusFailed
	}
	switch v {
	case "posted", "published":
		return core.StatusPosted
	case "cancelled", "canceled":
		return core.StatusCancelled
	}
	return core.Status(v)
}

// candidateStatuses are the stored spellings worth decoding at all.
func (s Source) candidateStatuses() []string {
	out := make([]string, 0, len(s.PendingStatuses)+len(s.RetryableStatuses))
	out = append(out, s.PendingStatuses...)
	return append(out, s.RetryableStatuses...)
}
