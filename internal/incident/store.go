package incident

import (
	"context"
	"time"
)

// MergeFunc mutates an existing open alert that a new event merged into.
type MergeFunc func(existing *Alert) error

// UpdateFunc mutates a copy of an alert. Returning an error discards the
// copy and leaves the stored alert unchanged.
type UpdateFunc func(a *Alert) error

// Store is the persistence interface for alerts. Implementations serialize
// writers per alert and per dedup key, and must reject updates that do not
// pass VerifyAppend.
type Store interface {
	// CreateOrMerge atomically either merges into the newest open alert with
	// candidate.DedupKey created at or after notBefore, or inserts candidate.
	CreateOrMerge(ctx context.Context, candidate *Alert, notBefore time.Time, merge MergeFunc) (a *Alert, merged bool, err error)
	Create(ctx context.Context, a *Alert) error
	Get(ctx context.Context, id string) (*Alert, bool, error)
	// Update runs fn against the current alert under the alert's write lock.
	// It returns ErrNotFound when id is unknown.
	Update(ctx context.Context, id string, fn UpdateFunc) (*Alert, error)
	// List returns at most q.Limit alerts matching q, ordered newest first
	// with ties broken by id ascending, strictly after q.After.
	List(ctx context.Context, q *ListQuery) ([]*Alert, error)
	// DeleteResolvedBefore removes resolved alerts last updated before t.
	DeleteResolvedBefore(ctx context.Context, t time.Time) (int, error)
}

// Position is a point in the (createdAt desc, id asc) order.
type Position struct {
	CreatedAt time.Time
	ID        string
}

// ListQuery is the store-level form of a Filter. Zero-valued fields match
// everything.
type ListQuery struct {
	EventType      EventType
	Status         Status
	Severity       Severity
	CameraID       string
	NeedsAttention *bool
	Since          time.Time
	Until          time.Time
	After          *Position
	Limit          int
}

// Matches reports whether a passes every filter in q, ignoring paging.
func (q *ListQuery) Matches(a *Alert) bool {
	switch {
	case q.EventType != "" && a.EventType != q.EventType:
		return false
	case q.Status != "" && a.Status != q.Status:
		return false
	case q.Severity != "" && a.Severity != q.Severity:
		return false
	case q.CameraID != "" && a.CameraID != q.CameraID:
		return false
	case q.NeedsAttention != nil && a.NeedsAttention != *q.NeedsAttention:
		return false
	case !q.Since.IsZero() && a.CreatedAt.Before(q.Since):
		return false
	case !q.Until.IsZero() && !a.CreatedAt.Before(q.Until):
		return false
	}
	return true
}

// Before reports whether p sorts ahead of o in listing order.
func (p Position) Before(o Position) bool {
	if !p.CreatedAt.Equal(o.CreatedAt) {
		return p.CreatedAt.After(o.CreatedAt)
	}
	return p.ID < o.ID
}

// PositionOf returns a's place in listing order.
func PositionOf(a *Alert) Position {
	return Position{CreatedAt: a.CreatedAt, ID: a.ID}
}
