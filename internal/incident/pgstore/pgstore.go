// Package pgstore provides a PostgreSQL implementation of incident.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists alerts and their timelines in PostgreSQL. Writers of one
// alert are serialized with SELECT ... FOR UPDATE; intake for one dedup key
// is serialized with a transaction-scoped advisory lock.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

const alertColumns = `id, dedup_key, event_type, severity, confidence, reason, camera_id, location,
	event_time, snapshot_url, mode, frame_index, status, notes, needs_attention, follow_up_of,
	dispatch_generation, dispatch, created_at, updated_at`

// CreateOrMerge implements incident.Store.
func (s *Store) CreateOrMerge(ctx context.Context, candidate *incident.Alert, notBefore time.Time, merge incident.MergeFunc) (*incident.Alert, bool, error) {
	ctx, span := startSpan(ctx, "CreateOrMerge", "UPSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, candidate.DedupKey); err != nil {
		return nil, false, fail(span, fmt.Errorf("lock dedup key: %w", err))
	}

	cur, err := scanAlert(tx.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts
		 WHERE dedup_key = $1 AND status <> $2 AND created_at >= $3
		 ORDER BY created_at DESC, id COLLATE "C" DESC
		 LIMIT 1
		 FOR UPDATE`,
		candidate.DedupKey, string(incident.StatusResolved), notBefore,
	))
	if err != nil {
		return nil, false, fail(span, err)
	}

	if cur == nil {
		if err := insertAlert(ctx, tx, candidate); err != nil {
			return nil, false, fail(span, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fail(span, fmt.Errorf("commit: %w", err))
		}
		span.SetAttributes(attribute.Bool("warden.merged", false))
		return candidate.Clone(), false, nil
	}

	if err := loadTimelines(ctx, tx, cur); err != nil {
		return nil, false, fail(span, err)
	}
	next, err := apply(ctx, tx, cur, incident.UpdateFunc(merge))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fail(span, fmt.Errorf("commit: %w", err))
	}
	span.SetAttributes(attribute.Bool("warden.merged", true))
	return next, true, nil
}

// Create inserts a new alert with its timeline.
func (s *Store) Create(ctx context.Context, a *incident.Alert) error {
	ctx, span := startSpan(ctx, "Create", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := insertAlert(ctx, tx, a); err != nil {
		return fail(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Get retrieves an alert with its timeline.
func (s *Store) Get(ctx context.Context, id string) (*incident.Alert, bool, error) {
	ctx, span := startSpan(ctx, "Get", "SELECT")
	defer span.End()

	a, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if a == nil {
		return nil, false, nil
	}
	if err := loadTimelines(ctx, s.pool, a); err != nil {
		return nil, false, fail(span, err)
	}
	return a, true, nil
}

// Update locks the alert row, runs fn on it and writes back the mutable
// columns plus any appended timeline entries.
func (s *Store) Update(ctx context.Context, id string, fn incident.UpdateFunc) (*incident.Alert, error) {
	ctx, span := startSpan(ctx, "Update", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	cur, err := scanAlert(tx.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fail(span, err)
	}
	if cur == nil {
		// not-found is a caller error, not a store failure
		return nil, fmt.Errorf("%w: %s", incident.ErrNotFound, id)
	}
	if err := loadTimelines(ctx, tx, cur); err != nil {
		return nil, fail(span, err)
	}

	next, err := apply(ctx, tx, cur, fn)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return next, nil
}

// apply runs fn on a copy of cur and persists the result inside tx.
func apply(ctx context.Context, tx pgx.Tx, cur *incident.Alert, fn incident.UpdateFunc) (*incident.Alert, error) {
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := incident.VerifyAppend(cur, next); err != nil {
		return nil, err
	}

	dispatchJSON, err := marshalDispatch(next.Dispatch)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx,
		`UPDATE alerts SET
			status = $2, notes = $3, needs_attention = $4, dispatch_generation = $5,
			dispatch = $6, updated_at = $7
		 WHERE id = $1`,
		next.ID, string(next.Status), next.Notes, next.NeedsAttention, next.DispatchGeneration,
		dispatchJSON, next.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update alert: %w", err)
	}
	if err := insertTimeline(ctx, tx, next.ID, next.Timeline[len(cur.Timeline):]); err != nil {
		return nil, err
	}
	return next, nil
}

// List implements incident.Store.
func (s *Store) List(ctx context.Context, q *incident.ListQuery) ([]*incident.Alert, error) {
	ctx, span := startSpan(ctx, "List", "SELECT")
	defer span.End()

	where, args := listWhere(q)
	sql := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, ` AND `)
	}
	sql += ` ORDER BY created_at DESC, id COLLATE "C" ASC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query alerts: %w", err))
	}
	var out []*incident.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			rows.Close()
			return nil, fail(span, err)
		}
		out = append(out, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate alerts: %w", err))
	}

	if err := loadTimelines(ctx, s.pool, out...); err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

func listWhere(q *incident.ListQuery) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if q.EventType != "" {
		where = append(where, "event_type = "+arg(string(q.EventType)))
	}
	if q.Status != "" {
		where = append(where, "status = "+arg(string(q.Status)))
	}
	if q.Severity != "" {
		where = append(where, "severity = "+arg(string(q.Severity)))
	}
	if q.CameraID != "" {
		where = append(where, "camera_id = "+arg(q.CameraID))
	}
	if q.NeedsAttention != nil {
		where = append(where, "needs_attention = "+arg(*q.NeedsAttention))
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= "+arg(q.Since))
	}
	if !q.Until.IsZero() {
		where = append(where, "created_at < "+arg(q.Until))
	}
	if q.After != nil {
		t, id := arg(q.After.CreatedAt), arg(q.After.ID)
		where = append(where, fmt.Sprintf(`(created_at < %s OR (created_at = %s AND id COLLATE "C" > %s))`, t, t, id))
	}
	return where, args
}

// DeleteResolvedBefore implements incident.Store. Timeline rows go with
// their alert via ON DELETE CASCADE.
func (s *Store) DeleteResolvedBefore(ctx context.Context, t time.Time) (int, error) {
	ctx, span := startSpan(ctx, "DeleteResolvedBefore", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM alerts WHERE status = $1 AND updated_at < $2`,
		string(incident.StatusResolved), t)
	if err != nil {
		return 0, fail(span, fmt.Errorf("delete resolved: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

func insertAlert(ctx context.Context, tx pgx.Tx, a *incident.Alert) error {
	dispatchJSON, err := marshalDispatch(a.Dispatch)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO alerts (`+alertColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		a.ID, a.DedupKey, string(a.EventType), string(a.Severity), a.Confidence, a.Reason, a.CameraID, a.Location,
		a.EventTime, a.SnapshotURL, string(a.Mode), a.FrameIndex, string(a.Status), a.Notes, a.NeedsAttention, a.FollowUpOf,
		a.DispatchGeneration, dispatchJSON, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return insertTimeline(ctx, tx, a.ID, a.Timeline)
}

func insertTimeline(ctx context.Context, tx pgx.Tx, alertID string, entries []incident.TimelineEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO alert_timeline (alert_id, seq, at, trigger, status, description, cause_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			alertID, e.Seq, e.Time, string(e.Trigger), string(e.Status), e.Description, e.CauseID,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert timeline: %w", err)
	}
	return nil
}

// loadTimelines fills the timeline of every alert with one query.
func loadTimelines(ctx context.Context, q querier, alerts ...*incident.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	byID := make(map[string]*incident.Alert, len(alerts))
	ids := make([]string, 0, len(alerts))
	for _, a := range alerts {
		byID[a.ID] = a
		ids = append(ids, a.ID)
	}

	rows, err := q.Query(ctx,
		`SELECT alert_id, seq, at, trigger, status, description, cause_id
		 FROM alert_timeline WHERE alert_id = ANY($1) ORDER BY alert_id, seq`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			alertID, trigger, status string
			e                        incident.TimelineEntry
		)
		if err := rows.Scan(&alertID, &e.Seq, &e.Time, &trigger, &status, &e.Description, &e.CauseID); err != nil {
			return fmt.Errorf("scan timeline: %w", err)
		}
		e.Time = e.Time.UTC()
		e.Trigger = incident.Trigger(trigger)
		e.Status = incident.Status(status)
		if a := byID[alertID]; a != nil {
			a.Timeline = append(a.Timeline, e)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate timeline: %w", err)
	}
	return nil
}

// scanAlert scans one alerts row without its timeline. Returns (nil, nil)
// when no row is found.
func scanAlert(row pgx.Row) (*incident.Alert, error) {
	var (
		a                                 incident.Alert
		eventType, severity, mode, status string
		dispatchJSON                      []byte
		frameIndex                        *int32
	)
	err := row.Scan(
		&a.ID, &a.DedupKey, &eventType, &severity, &a.Confidence, &a.Reason, &a.CameraID, &a.Location,
		&a.EventTime, &a.SnapshotURL, &mode, &frameIndex, &status, &a.Notes, &a.NeedsAttention, &a.FollowUpOf,
		&a.DispatchGeneration, &dispatchJSON, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan alert: %w", err)
	}

	a.EventType = incident.EventType(eventType)
	a.Severity = incident.Severity(severity)
	a.Mode = incident.Mode(mode)
	a.Status = incident.Status(status)
	a.EventTime = a.EventTime.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	if frameIndex != nil {
		fi := int(*frameIndex)
		a.FrameIndex = &fi
	}
	if len(dispatchJSON) > 0 {
		var rec incident.DispatchRecord
		if err := json.Unmarshal(dispatchJSON, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal dispatch record %s: %w", a.ID, err)
		}
		a.Dispatch = &rec
	}
	return &a, nil
}

func marshalDispatch(rec *incident.DispatchRecord) ([]byte, error) {
	if rec == nil {
		return nil, nil
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch record: %w", err)
	}
	return b, nil
}
