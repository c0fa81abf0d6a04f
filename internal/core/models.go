package core

import (
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusPosted    Status = "posted"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// DefaultMaxAttempts applies when a record carries no attempt ceiling of its own.
const DefaultMaxAttempts = 3

// Ref addresses one record in one storage source.
type Ref struct {
	Source string `json:"source"`
	ID     string `json:"id"`
}

// OwnerRef identifies the owning user by id, by email, or both.
type OwnerRef struct {
	UserID string `json:"userId,omitempty"`
	Email  string `json:"email,omitempty"`
}

func (o OwnerRef) Empty() bool { return o.UserID == "" && o.Email == "" }

// ScheduledContent is the canonical shape of a scheduled post, whatever
// document layout it was read from.
type ScheduledContent struct {
	ID             string     `json:"id"`
	Source         string     `json:"source"`
	Owner          OwnerRef   `json:"owner"`
	Body           string     `json:"content"`
	ImageRef       string     `json:"imageUrl,omitempty"`
	ScheduledAt    time.Time  `json:"scheduledFor"`
	Status         Status     `json:"status"`
	Retryable      bool       `json:"retryable"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"maxAttempts"`
	LastError      string     `json:"error,omitempty"`
	PlatformPostID string     `json:"linkedinPostId,omitempty"`
	PlatformURL    string     `json:"linkedinUrl,omitempty"`
	PostedAt       *time.Time `json:"postedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func (c ScheduledContent) Ref() Ref { return Ref{Source: c.Source, ID: c.ID} }

// Posted reports whether the platform already accepted this record. The post
// id is the only durable proof of that.
func (c ScheduledContent) Posted() bool { return c.PlatformPostID != "" }

// Exhausted reports whether the attempt ceiling is reached. A ceiling of
// zero or less means unbounded.
func (c ScheduledContent) Exhausted() bool {
	return c.MaxAttempts > 0 && c.Attempts >= c.MaxAttempts
}

// Terminal reports whether no further dispatch attempt may be made.
func (c ScheduledContent) Terminal() bool {
	if c.Posted() || c.Exhausted() {
		return true
	}
	switch c.Status {
	case StatusPending:
		return false
	case StatusFailed:
		return !c.Retryable
	}
	return true
}

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Credential is the platform access grant of one user. It is read-only input
// for a dispatch cycle.
type Credential struct {
	AccessToken    string
	ExpiresAt      time.Time
	PlatformUserID string
}

// Expired reports whether the credential is unusable at now. A zero expiry
// means the platform did not report one.
func (c Credential) Expired(now time.Time) bool {
	if c.AccessToken == "" {
		return true
	}
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Outcome is what a dispatch attempt writes back to the record.
type Outcome struct {
	Status    Status
	Attempts  int
	Retryable bool
	Error     string
	PostID    string
	URL       string
	At        time.Time
}

// Succeeded builds the outcome for an accepted post.
func Succeeded(c ScheduledContent, postID, url string, at time.Time) Outcome {
	return Outcome{
		Status:    StatusPosted,
		Attempts:  c.Attempts + 1,
		Retryable: false,
		PostID:    postID,
		URL:       url,
		At:        at,
	}
}

// Failed builds the outcome for a failed attempt. Whether the record stays
// eligible follows from the error kind and the attempt ceiling.
func Failed(c ScheduledContent, err error, at time.Time) Outcome {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Outcome{
		Status:    StatusFailed,
		Attempts:  c.Attempts + 1,
		Retryable: Retryable(err),
		Error:     msg,
		At:        at,
	}
}

// Exhausted reports whether this outcome leaves the record terminal.
func (o Outcome) Exhausted(maxAttempts int) bool {
	if o.Status != StatusFailed {
		return o.Status == StatusPosted || o.Status == StatusCancelled
	}
	return !o.Retryable || (maxAttempts > 0 && o.Attempts >= maxAttempts)
}
