package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Cypherspark/linkedin-dispatch/internal/core"
	"github.com/Cypherspark/linkedin-dispatch/internal/db"
)

var (
	ErrNotFound          = errors.New("scheduled content not found")
	ErrAllSourcesFailed  = errors.New("all content sources failed")
	ErrNotCancellable    = errors.New("scheduled content is not pending")
	ErrAlreadyPosted     = errors.New("scheduled content already posted")
	ErrUnknownSource     = errors.New("unknown content source")
	ErrInvalidNewContent = errors.New("invalid scheduled content")
)

type Options struct {
	DB          *db.DB
	Sources     []Source
	MaxAttempts int
	Logger      *slog.Logger
}

// ContentStore reads and writes scheduled content across every configured
// source through the per-source alias tables.
type ContentStore struct {
	db          *db.DB
	sources     []mapping
	maxAttempts int
	logger      *slog.Logger
}

func New(opts Options) (*ContentStore, error) {
	if opts.DB == nil {
		return nil, errors.New("store: DB is required")
	}
	sources := opts.Sources
	if len(sources) == 0 {
		sources = BuiltinSources()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = core.DefaultMaxAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &ContentStore{db: opts.DB, maxAttempts: maxAttempts, logger: logger}
	for _, src := range sources {
		m, err := compile(src)
		if err != nil {
			return nil, err
		}
		s.sources = append(s.sources, m)
	}
	return s, nil
}

// Sources lists the configured source names, primary first.
func (s *ContentStore) Sources() []string {
	out := make([]string, len(s.sources))
	for i, m := range s.sources {
		out[i] = m.Name
	}
	return out
}

func (s *ContentStore) source(name string) (mapping, error) {
	for _, m := range s.sources {
		if m.Name == name {
			return m, nil
		}
	}
	return mapping{}, fmt.Errorf("%w: %q", ErrUnknownSource, name)
}

// FindDue scans every source and returns the due set for q, earliest first.
// A failing source is logged and skipped; the call fails only when every
// source fails.
func (s *ContentStore) FindDue(ctx context.Context, q core.DueQuery) ([]core.ScheduledContent, error) {
	var (
		all  []core.ScheduledContent
		errs []error
	)
	for _, m := range s.sources {
		recs, err := s.scan(ctx, m)
		if err != nil {
			s.logger.ErrorContext(ctx, "content source scan failed", "source", m.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", m.Name, err))
			continue
		}
		all = append(all, recs...)
	}
	if len(s.sources) > 0 && len(errs) == len(s.sources) {
		return nil, fmt.Errorf("%w: %w", ErrAllSourcesFailed, errors.Join(errs...))
	}
	return core.SelectDue(all, q), nil
}

// scanQuery prefilters in SQL: no success marker under any alias and a
// status spelling worth decoding.
func scanQuery(m mapping) (string, []any) {
	var (
		args   []any
		params []string
	)
	param := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	for _, a := range m.aliases(FieldPostID) {
		params = append(params, fmt.Sprintf("NULLIF(doc->>%s, '')", param(a)))
	}
	markers := "COALESCE(" + strings.Join(params, ", ") + ") IS NULL"

	params = params[:0]
	for _, a := range m.aliases(FieldStatus) {
		params = append(params, fmt.Sprintf("NULLIF(doc->>%s, '')", param(a)))
	}
	status := fmt.Sprintf("lower(COALESCE(%s, '')) = ANY(%s::text[])",
		strings.Join(params, ", "), param(m.candidateStatuses()))

	table := pgx.Identifier{m.Table}.Sanitize()
	return fmt.Sprintf("SELECT id, doc FROM %s WHERE %s AND %s", table, markers, status), args
}

func (s *ContentStore) scan(ctx context.Context, m mapping) ([]core.ScheduledContent, error) {
	sql, args := scanQuery(m)
	rows, err := s.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.ScheduledContent
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		doc, err := decodeDoc(raw)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping undecodable document", "source", m.Name, "record_id", id, "error", err)
			continue
		}
		out = append(out, m.record(id, doc, s.maxAttempts))
	}
	return out, rows.Err()
}

func (s *ContentStore) lockDoc(ctx context.Context, tx pgx.Tx, m mapping, id string) (map[string]any, error) {
	var raw []byte
	err := tx.QueryRow(ctx,
		fmt.Sprintf("SELECT doc FROM %s WHERE id = $1 FOR UPDATE", pgx.Identifier{m.Table}.Sanitize()),
		id,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeDoc(raw)
}

func (s *ContentStore) applyPatch(ctx context.Context, tx pgx.Tx, m mapping, id string, p *patch) error {
	body, err := p.json()
	if err != nil {
		return err
	}
	remove := p.remove
	if remove == nil {
		remove = []string{}
	}
	_, err = tx.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET doc = (doc - $3::text[]) || $2::jsonb WHERE id = $1", pgx.Identifier{m.Table}.Sanitize()),
		id, body, remove,
	)
	return err
}

// MarkOutcome writes an attempt's outcome back to the source the record came
// from. A failure never overwrites a record that already carries a post id.
func (s *ContentStore) MarkOutcome(ctx context.Context, rec core.ScheduledContent, out core.Outcome) error {
	m, err := s.source(rec.Source)
	if err != nil {
		return err
	}
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		doc, err := s.lockDoc(ctx, tx, m, rec.ID)
		if err != nil {
			return err
		}
		if out.Status != core.StatusPosted && m.str(doc, FieldPostID) != "" {
			return ErrAlreadyPosted
		}
		return s.applyPatch(ctx, tx, m, rec.ID, outcomePatch(m, doc, out))
	})
}

// Get returns one record in canonical form.
func (s *ContentStore) Get(ctx context.Context, ref core.Ref) (core.ScheduledContent, error) {
	m, err := s.source(ref.Source)
	if err != nil {
		return core.ScheduledContent{}, err
	}
	var raw []byte
	err = s.db.Pool.QueryRow(ctx,
		fmt.Sprintf("SELECT doc FROM %s WHERE id = $1", pgx.Identifier{m.Table}.Sanitize()),
		ref.ID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ScheduledContent{}, ErrNotFound
	}
	if err != nil {
		return core.ScheduledContent{}, err
	}
	doc, err := decodeDoc(raw)
	if err != nil {
		return core.ScheduledContent{}, err
	}
	return m.record(ref.ID, doc, s.maxAttempts), nil
}

type NewContent struct {
	Owner       core.OwnerRef
	Body        string
	ImageRef    string
	ScheduledAt time.Time
	MaxAttempts int
}

// Create inserts a pending record into the primary source. ScheduledAt must
// already be normalized.
func (s *ContentStore) Create(ctx context.Context, in NewContent, now time.Time) (core.ScheduledContent, error) {
	if len(s.sources) == 0 {
		return core.ScheduledContent{}, ErrUnknownSource
	}
	if in.Owner.Empty() {
		return core.ScheduledContent{}, fmt.Errorf("%w: owner is required", ErrInvalidNewContent)
	}
	if strings.TrimSpace(in.Body) == "" {
		return core.ScheduledContent{}, fmt.Errorf("%w: content is required", ErrInvalidNewContent)
	}
	if in.ScheduledAt.IsZero() {
		return core.ScheduledContent{}, fmt.Errorf("%w: scheduled time is required", ErrInvalidNewContent)
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}

	m := s.sources[0]
	p := newPatch(m, map[string]any{})
	p.put(FieldStatus, string(core.StatusPending))
	p.put(FieldContent, in.Body)
	p.put(FieldScheduledAt, stamp(in.ScheduledAt))
	p.put(FieldAttempts, 0)
	p.put(FieldMaxAttempts, maxAttempts)
	p.put(FieldRetryable, true)
	p.put(FieldCreatedAt, stamp(now))
	p.put(FieldUpdatedAt, stamp(now))
	if in.ImageRef != "" {
		p.put(FieldImageURL, in.ImageRef)
	}
	if in.Owner.UserID != "" {
		p.put(FieldUserID, in.Owner.UserID)
	}
	if in.Owner.Email != "" {
		p.put(FieldEmail, in.Owner.Email)
	}

	body, err := p.json()
	if err != nil {
		return core.ScheduledContent{}, err
	}
	id := uuid.NewString()
	if _, err := s.db.Pool.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (id, doc) VALUES ($1, $2::jsonb)", pgx.Identifier{m.Table}.Sanitize()),
		id, body,
	); err != nil {
		return core.ScheduledContent{}, fmt.Errorf("insert scheduled content: %w", err)
	}

	var doc map[string]any
	_ = json.Unmarshal(body, &doc)
	return m.record(id, doc, s.maxAttempts), nil
}

// Cancel moves a pending record to cancelled. Any other state is left alone
// and reported as ErrNotCancellable.
func (s *ContentStore) Cancel(ctx context.Context, ref core.Ref, at time.Time) (core.ScheduledContent, error) {
	m, err := s.source(ref.Source)
	if err != nil {
		return core.ScheduledContent{}, err
	}
	var rec core.ScheduledContent
	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		doc, err := s.lockDoc(ctx, tx, m, ref.ID)
		if err != nil {
			return err
		}
		cur := m.record(ref.ID, doc, s.maxAttempts)
		if cur.Posted() || cur.Status != core.StatusPending {
			return ErrNotCancellable
		}

		p := newPatch(m, doc)
		p.put(FieldStatus, string(core.StatusCancelled))
		p.put(FieldUpdatedAt, stamp(at))
		if err := s.applyPatch(ctx, tx, m, ref.ID, p); err != nil {
			return err
		}
		for k, v := range p.set {
			doc[k] = v
		}
		rec = m.record(ref.ID, doc, s.maxAttempts)
		return nil
	})
	return rec, err
}
