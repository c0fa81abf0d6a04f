package core

import (
	"strings"
	"time"
)

// IST is the fixed +05:30 civil offset users schedule in. It is applied
// explicitly so the host's TZ setting never leaks into decisions.
var IST = time.FixedZone("IST", 5*60*60+30*60)

var civilLayouts = []string{
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
}

// Normalizer turns wall-clock strings into UTC instants and enforces the
// minimum lead time.
type Normalizer struct {
	Zone    *time.Location
	MinLead time.Duration
}

func NewNormalizer(minLead time.Duration) Normalizer {
	return Normalizer{Zone: IST, MinLead: minLead}
}

// Normalize interprets local in the normalizer's zone. The result is
// rejected with KindInvalidSchedule when it lies less than MinLead after now.
func (n Normalizer) Normalize(local string, now time.Time) (time.Time, error) {
	zone := n.Zone
	if zone == nil {
		zone = IST
	}
	local = strings.TrimSpace(local)
	if local == "" {
		return time.Time{}, NewError(KindInvalidSchedule, "scheduled time is required")
	}

	var (
		at  time.Time
		err error
	)
	for _, layout := range civilLayouts {
		at, err = time.ParseInLocation(layout, local, zone)
		if err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, Errorf(KindInvalidSchedule, "unrecognized local time %q", local)
	}

	at = at.UTC()
	earliest := now.Add(n.MinLead)
	if at.Before(earliest) {
		return time.Time{}, Errorf(KindInvalidSchedule,
			"scheduled time must be at least %s ahead (earliest %s)",
			n.MinLead, earliest.In(zone).Format("2006-01-02 15:04:05 MST"))
	}
	return at, nil
}

// NormalizeParts accepts the date and clock as separate fields, as forms
// commonly submit them.
func (n Normalizer) NormalizeParts(date, clock string, now time.Time) (time.Time, error) {
	date, clock = strings.TrimSpace(date), strings.TrimSpace(clock)
	if date == "" || clock == "" {
		return time.Time{}, NewError(KindInvalidSchedule, "scheduled date and time are required")
	}
	return n.Normalize(date+"T"+clock, now)
}
