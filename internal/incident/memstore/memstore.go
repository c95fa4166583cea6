// Package memstore provides an in-memory implementation of incident.Store.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/warden/internal/incident"
)

// record serializes writers of one alert.
type record struct {
	mu      sync.Mutex
	alert   *incident.Alert
	deleted bool
}

// Store holds alerts in memory. Suitable for dev/testing.
// Lock order is key lock, then Store.mu, then record.mu.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record  // alert ID -> record
	byKey   map[string][]string // dedup key -> alert IDs in creation order

	keys keyedMutex
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		records: make(map[string]*record),
		byKey:   make(map[string][]string),
		keys:    keyedMutex{locks: make(map[string]*keyLock)},
	}
}

// CreateOrMerge merges into the newest open alert sharing candidate's dedup
// key, or inserts candidate. Calls for the same key are serialized.
func (s *Store) CreateOrMerge(ctx context.Context, candidate *incident.Alert, notBefore time.Time, merge incident.MergeFunc) (*incident.Alert, bool, error) {
	unlock := s.keys.lock(candidate.DedupKey)
	defer unlock()

	s.mu.RLock()
	ids := slices.Clone(s.byKey[candidate.DedupKey])
	s.mu.RUnlock()

	for i := len(ids) - 1; i >= 0; i-- {
		a, ok, err := s.mergeInto(ids[i], notBefore, merge)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return a, true, nil
		}
	}

	if err := s.Create(ctx, candidate); err != nil {
		return nil, false, err
	}
	return candidate.Clone(), false, nil
}

// mergeInto applies merge to alert id if it is still open and recent
// enough. ok is false when the alert does not qualify.
func (s *Store) mergeInto(id string, notBefore time.Time, merge incident.MergeFunc) (*incident.Alert, bool, error) {
	rec := s.record(id)
	if rec == nil {
		return nil, false, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted || !rec.alert.Open() || rec.alert.CreatedAt.Before(notBefore) {
		return nil, false, nil
	}
	next, err := apply(rec.alert, merge)
	if err != nil {
		return nil, false, err
	}
	rec.alert = next
	return next.Clone(), true, nil
}

// Create stores a copy of a new alert.
func (s *Store) Create(_ context.Context, a *incident.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[a.ID]; exists {
		return fmt.Errorf("alert %s already exists", a.ID)
	}
	s.records[a.ID] = &record{alert: a.Clone()}
	s.byKey[a.DedupKey] = append(s.byKey[a.DedupKey], a.ID)
	return nil
}

// Get retrieves an alert by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*incident.Alert, bool, error) {
	rec := s.record(id)
	if rec == nil {
		return nil, false, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return nil, false, nil
	}
	return rec.alert.Clone(), true, nil
}

// Update runs fn on a copy of the alert while holding its lock and keeps
// the copy only if fn succeeds and the timeline was only appended to.
func (s *Store) Update(_ context.Context, id string, fn incident.UpdateFunc) (*incident.Alert, error) {
	rec := s.record(id)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", incident.ErrNotFound, id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return nil, fmt.Errorf("%w: %s", incident.ErrNotFound, id)
	}
	next, err := apply(rec.alert, fn)
	if err != nil {
		return nil, err
	}
	rec.alert = next
	return next.Clone(), nil
}

func apply(cur *incident.Alert, fn func(*incident.Alert) error) (*incident.Alert, error) {
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := incident.VerifyAppend(cur, next); err != nil {
		return nil, err
	}
	return next, nil
}

// List returns a page of alerts in listing order.
func (s *Store) List(_ context.Context, q *incident.ListQuery) ([]*incident.Alert, error) {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	var out []*incident.Alert
	for _, rec := range recs {
		rec.mu.Lock()
		a := rec.alert
		deleted := rec.deleted
		rec.mu.Unlock()
		if deleted || !q.Matches(a) {
			continue
		}
		if q.After != nil && !q.After.Before(incident.PositionOf(a)) {
			continue
		}
		out = append(out, a)
	}

	slices.SortFunc(out, func(x, y *incident.Alert) int {
		px, py := incident.PositionOf(x), incident.PositionOf(y)
		switch {
		case px.Before(py):
			return -1
		case py.Before(px):
			return 1
		default:
			return 0
		}
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	for i, a := range out {
		out[i] = a.Clone()
	}
	return out, nil
}

// DeleteResolvedBefore removes resolved alerts last updated before t.
func (s *Store) DeleteResolvedBefore(_ context.Context, t time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.records {
		rec.mu.Lock()
		if rec.alert.Status == incident.StatusResolved && rec.alert.UpdatedAt.Before(t) {
			rec.deleted = true
			delete(s.records, id)
			key := rec.alert.DedupKey
			s.byKey[key] = slices.DeleteFunc(s.byKey[key], func(v string) bool { return v == id })
			if len(s.byKey[key]) == 0 {
				delete(s.byKey, key)
			}
			n++
		}
		rec.mu.Unlock()
	}
	return n, nil
}

func (s *Store) record(id string) *record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[id]
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per dedup key and drops it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
