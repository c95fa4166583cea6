package incident

import (
	"context"
	"fmt"
	"iter"
	"time"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// All matches any value in a string filter field.
const All = "all"

// Filter selects alerts for the dashboard. Empty or "all" string fields
// match everything.
type Filter struct {
	EventType      string
	Status         string
	Severity       string
	CameraID       string
	NeedsAttention *bool
	Since          time.Time
	Until          time.Time
	Limit          int
	Cursor         string
}

// Page is one page of query results.
type Page struct {
	Alerts     []*Alert
	NextCursor string
}

func (f *Filter) listQuery() (ListQuery, error) {
	q := ListQuery{
		CameraID:       f.CameraID,
		NeedsAttention: f.NeedsAttention,
		Since:          f.Since,
		Until:          f.Until,
		Limit:          f.Limit,
	}
	if v := f.EventType; v != "" && v != All {
		q.EventType = EventType(v)
		if !q.EventType.Valid() {
			return q, fmt.Errorf("%w: eventType %q", ErrInvalidFilter, v)
		}
	}
	if v := f.Status; v != "" && v != All {
		q.Status = Status(v)
		if !q.Status.Valid() {
			return q, fmt.Errorf("%w: status %q", ErrInvalidFilter, v)
		}
	}
	if v := f.Severity; v != "" && v != All {
		q.Severity = Severity(v)
		if !q.Severity.Valid() {
			return q, fmt.Errorf("%w: severity %q", ErrInvalidFilter, v)
		}
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && !f.Until.After(f.Since) {
		return q, fmt.Errorf("%w: until must be after since", ErrInvalidFilter)
	}
	switch {
	case q.Limit < 0:
		return q, fmt.Errorf("%w: negative limit", ErrInvalidFilter)
	case q.Limit == 0:
		q.Limit = DefaultPageSize
	case q.Limit > MaxPageSize:
		q.Limit = MaxPageSize
	}
	if f.Cursor != "" {
		p, err := DecodeCursor(f.Cursor)
		if err != nil {
			return q, err
		}
		q.After = &p
	}
	return q, nil
}

// Iterator walks every alert matching a Filter, fetching one page at a
// time from the store. It is not safe for concurrent use.
type Iterator struct {
	store Store
	base  ListQuery
	start *Position

	after *Position
	buf   []*Alert
	cur   *Alert
	done  bool
	err   error
}

// Next advances to the next alert. It returns false when the set is
// exhausted or a store error occurred; check Err.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if len(it.buf) == 0 {
		if it.done {
			it.cur = nil
			return false
		}
		q := it.base
		q.After = it.after
		page, err := it.store.List(ctx, &q)
		if err != nil {
			it.err = err
			it.cur = nil
			return false
		}
		if len(page) < q.Limit {
			it.done = true
		}
		if len(page) == 0 {
			it.cur = nil
			return false
		}
		it.buf = page
	}
	it.cur = it.buf[0]
	it.buf = it.buf[1:]
	p := PositionOf(it.cur)
	it.after = &p
	return true
}

// Alert returns the alert Next advanced to.
func (it *Iterator) Alert() *Alert { return it.cur }

// Err returns the store error that stopped iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Reset rewinds the iterator to its starting position.
func (it *Iterator) Reset() {
	it.after = it.start
	it.buf = nil
	it.cur = nil
	it.done = false
	it.err = nil
}

// All rewinds the iterator and yields every alert. A store error is
// yielded once with a nil alert.
func (it *Iterator) All(ctx context.Context) iter.Seq2[*Alert, error] {
	return func(yield func(*Alert, error) bool) {
		it.Reset()
		for it.Next(ctx) {
			if !yield(it.cur, nil) {
				return
			}
		}
		if it.err != nil {
			yield(nil, it.err)
		}
	}
}

// Query returns an iterator over every alert matching f. f.Limit sets the
// fetch size and f.Cursor the starting position.
func (s *Service) Query(f Filter) (*Iterator, error) {
	q, err := f.listQuery()
	if err != nil {
		return nil, err
	}
	start := q.After
	q.After = nil
	return &Iterator{store: s.store, base: q, start: start, after: start}, nil
}

// QueryPage returns one page of alerts matching f and the cursor for the
// next page, empty on the last page.
func (s *Service) QueryPage(ctx context.Context, f Filter) (*Page, error) {
	q, err := f.listQuery()
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	q.Limit = limit + 1
	alerts, err := s.store.List(ctx, &q)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}

	p := &Page{Alerts: alerts}
	if len(alerts) > limit {
		p.Alerts = alerts[:limit]
		p.NextCursor = EncodeCursor(PositionOf(p.Alerts[limit-1]))
	}
	s.metrics.query()
	return p, nil
}
