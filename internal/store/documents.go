package store

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/Cypherspark/linkedin-dispatch/internal/core"
)

// mapping is a Source with one compiled JMESPath expression per field.
type mapping struct {
	Source
	exprs map[Field]jmespath.JMESPath
}

// aliasExpr builds `"a" || "b" || "c"`, which yields the first non-empty alias.
func aliasExpr(aliases []string) string {
	parts := make([]string, len(aliases))
	for i, a := range aliases {
		parts[i] = strconv.Quote(a)
	}
	return strings.Join(parts, " || ")
}

func compile(src Source) (mapping, error) {
	m := mapping{Source: src, exprs: make(map[Field]jmespath.JMESPath, len(allFields))}
	for _, f := range allFields {
		expr, err := jmespath.Compile(aliasExpr(src.aliases(f)))
		if err != nil {
			return mapping{}, fmt.Errorf("source %s field %s: %w", src.Name, f, err)
		}
		m.exprs[f] = expr
	}
	return m, nil
}

func (m mapping) lookup(doc map[string]any, f Field) any {
	expr, ok := m.exprs[f]
	if !ok {
		return nil
	}
	v, err := expr.Search(doc)
	if err != nil {
		return nil
	}
	return v
}

func (m mapping) str(doc map[string]any, f Field) string {
	switch v := m.lookup(doc, f).(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case map[string]any:
		// {"$oid": "..."} style ids
		if s, ok := v["$oid"].(string); ok {
			return s
		}
	}
	return ""
}

func (m mapping) integer(doc map[string]any, f Field, def int) int {
	switch v := m.lookup(doc, f).(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func (m mapping) boolean(doc map[string]any, f Field, def bool) bool {
	// `||` skips false, so booleans are read alias by alias.
	for _, a := range m.aliases(f) {
		switch v := doc[a].(type) {
		case bool:
			return v
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return b
			}
		}
	}
	return def
}

func (m mapping) instant(doc map[string]any, f Field) time.Time {
	t, _ := parseInstant(m.lookup(doc, f))
	return t
}

var instantLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
}

// parseInstant accepts the encodings found in stored documents: RFC 3339
// strings, naive ISO strings (UTC), epoch seconds or milliseconds, and
// extended-JSON {"$date": ...} wrappers.
func parseInstant(v any) (time.Time, bool) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range instantLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return parseInstant(n)
		}
	case float64:
		if x <= 0 || math.IsInf(x, 0) || math.IsNaN(x) {
			return time.Time{}, false
		}
		if x >= 1e12 {
			return time.UnixMilli(int64(x)).UTC(), true
		}
		sec, frac := math.Modf(x)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	case map[string]any:
		if d, ok := x["$date"]; ok {
			return parseInstant(d)
		}
		if n, ok := x["$numberLong"]; ok {
			return parseInstant(n)
		}
	}
	return time.Time{}, false
}

func decodeDoc(raw []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// record maps a stored document onto the canonical record.
func (m mapping) record(id string, doc map[string]any, defaultMax int) core.ScheduledContent {
	c := core.ScheduledContent{
		ID:     id,
		Source: m.Name,
		Owner: core.OwnerRef{
			UserID: m.str(doc, FieldUserID),
			Email:  m.str(doc, FieldEmail),
		},
		Body:           m.str(doc, FieldContent),
		ImageRef:       m.str(doc, FieldImageURL),
		ScheduledAt:    m.instant(doc, FieldScheduledAt),
		Status:         m.NormalizeStatus(m.str(doc, FieldStatus)),
		Retryable:      m.boolean(doc, FieldRetryable, true),
		Attempts:       m.integer(doc, FieldAttempts, 0),
		MaxAttempts:    m.integer(doc, FieldMaxAttempts, defaultMax),
		LastError:      m.str(doc, FieldError),
		PlatformPostID: m.str(doc, FieldPostID),
		PlatformURL:    m.str(doc, FieldPostURL),
		CreatedAt:      m.instant(doc, FieldCreatedAt),
		UpdatedAt:      m.instant(doc, FieldUpdatedAt),
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMax
	}
	if t, ok := parseInstant(m.lookup(doc, FieldPostedAt)); ok {
		c.PostedAt = &t
	}
	return c
}

// patch accumulates a JSON merge for one document.
type patch struct {
	m      mapping
	doc    map[string]any
	set    map[string]any
	remove []string
}

func newPatch(m mapping, doc map[string]any) *patch {
	return &patch{m: m, doc: doc, set: map[string]any{}}
}

// put writes v to the canonical alias and to every alias the document
// already carries, so readers of any spelling see the new value.
func (p *patch) put(f Field, v any) {
	for i, a := range p.m.aliases(f) {
		if _, present := p.doc[a]; i == 0 || present {
			p.set[a] = v
		}
	}
}

// clear drops every alias of f that is present.
func (p *patch) clear(f Field) {
	for _, a := range p.m.aliases(f) {
		if _, present := p.doc[a]; present {
			p.remove = append(p.remove, a)
		}
	}
}

func (p *patch) json() ([]byte, error) { return json.Marshal(p.set) }

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// outcomePatch renders an outcome as a document patch.
func outcomePatch(m mapping, doc map[string]any, out core.Outcome) *patch {
	p := newPatch(m, doc)
	p.put(FieldStatus, string(out.Status))
	p.put(FieldAttempts, out.Attempts)
	p.put(FieldRetryable, out.Retryable)
	p.put(FieldUpdatedAt, stamp(out.At))

	switch out.Status {
	case core.StatusPosted:
		p.put(FieldPostID, out.PostID)
		p.put(FieldPostURL, out.URL)
		p.put(FieldPostedAt, stamp(out.At))
		p.clear(FieldError)
	default:
		p.put(FieldError, out.Error)
	}
	return p
}
