package core

import (
	"sort"
	"time"
)

// DueQuery describes which records a cycle may dispatch.
//
// The default form selects records scheduled at or before Now+Buffer that
// are pending or failed-but-retryable. Overdue narrows that to pending
// records scheduled strictly before Now-Grace; it is what the reconciler
// uses to catch ticks that never fired.
type DueQuery struct {
	Now     time.Time
	Buffer  time.Duration
	Overdue bool
	Grace   time.Duration
}

// Cutoff is the latest scheduled instant the query accepts.
func (q DueQuery) Cutoff() time.Time {
	if q.Overdue {
		return q.Now.Add(-q.Grace)
	}
	return q.Now.Add(q.Buffer)
}

// Matches reports whether c belongs to the due set.
func (q DueQuery) Matches(c ScheduledContent) bool {
	if c.Terminal() || c.ScheduledAt.IsZero() {
		return false
	}
	// The reconciler only catches ticks that never fired.
	if q.Overdue && c.Status != StatusPending {
		return false
	}

	if q.Overdue {
		return c.ScheduledAt.Before(q.Cutoff())
	}
	return !c.ScheduledAt.After(q.Cutoff())
}

// SelectDue filters records down to the due set, earliest first.
func SelectDue(records []ScheduledContent, q DueQuery) []ScheduledContent {
	out := make([]ScheduledContent, 0, len(records))
	for _, r := range records {
		if q.Matches(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].ID < out[j].ID
	})
	return out
}
