// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/lifeline/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/lifeline/internal/triage/pgstore")

//go:embed schema.sql
var schema string

const openSubjectIndex = "alerts_open_subject"

// Store persists alerts and their audit streams in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const alertColumns = `id, subject_ref, severity, status, assignee, trigger_excerpt, message,
	created_at, last_transition_at, last_signal_at, escalation_deadline, resolution_note,
	resolved_by, processed_sources, audit_seq, audit_hash, version`

// Get retrieves an alert by ID.
//
//nolint:dupl // same shape as GetOpenBySubject
func (s *Store) Get(ctx context.Context, id string) (*triage.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	a, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, "get", err)
	}
	return a, a != nil, nil
}

// GetOpenBySubject returns the subject's non-closed alert.
//
//nolint:dupl // same shape as Get
func (s *Store) GetOpenBySubject(ctx context.Context, subjectRef string) (*triage.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetOpenBySubject", "SELECT")
	defer span.End()

	a, err := scanAlert(s.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE subject_ref = $1 AND status <> 'closed'`, subjectRef))
	if err != nil {
		return nil, false, fail(span, "get by subject", err)
	}
	return a, a != nil, nil
}

// LastClosedBySubject returns the subject's most recently closed alert.
func (s *Store) LastClosedBySubject(ctx context.Context, subjectRef string) (*triage.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.LastClosedBySubject", "SELECT")
	defer span.End()

	a, err := scanAlert(s.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE subject_ref = $1 AND status = 'closed'
		 ORDER BY last_transition_at DESC, id DESC LIMIT 1`, subjectRef))
	if err != nil {
		return nil, false, fail(span, "get closed by subject", err)
	}
	return a, a != nil, nil
}

// Create inserts a new alert at version 1 together with its first audit entry.
func (s *Store) Create(ctx context.Context, a *triage.Alert, entry *triage.AuditEntry) error {
	ctx, span := startSpan(ctx, "pgstore.Create", "INSERT")
	defer span.End()
	span.SetAttributes(attribute.String("lifeline.alert.id", a.ID))

	if err := checkEntry(a, entry, 0); err != nil {
		return fail(span, "create", err)
	}
	sources, err := json.Marshal(a.ProcessedSources)
	if err != nil {
		return fail(span, "create", fmt.Errorf("marshal processed sources: %w", err))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, "create", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	_, err = tx.Exec(ctx, `INSERT INTO alerts (`+alertColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,1)`,
		a.ID, a.SubjectRef, int16(a.Severity), string(a.Status), a.Assignee, a.TriggerExcerpt, a.Message,
		a.CreatedAt, a.LastTransitionAt, a.LastSignalAt, a.EscalationDeadline, a.ResolutionNote,
		a.ResolvedBy, sources, a.AuditSeq, a.AuditHash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == openSubjectIndex {
			span.SetAttributes(attribute.Bool("lifeline.subject_conflict", true))
			return triage.ErrSubjectHasOpenAlert
		}
		return fail(span, "create", fmt.Errorf("insert alert: %w", err))
	}
	if err := insertEntry(ctx, tx, entry); err != nil {
		return fail(span, "create", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(span, "create", fmt.Errorf("commit: %w", err))
	}
	a.Version = 1
	return nil
}

// Save writes a if the stored version equals expectedVersion, appending entry
// in the same transaction.
func (s *Store) Save(ctx context.Context, a *triage.Alert, expectedVersion int64, entry *triage.AuditEntry) error {
	ctx, span := startSpan(ctx, "pgstore.Save", "UPDATE")
	defer span.End()
	span.SetAttributes(
		attribute.String("lifeline.alert.id", a.ID),
		attribute.Int64("lifeline.alert.expected_version", expectedVersion),
	)

	if entry == nil {
		return fail(span, "save", fmt.Errorf("alert %s: missing audit entry", a.ID))
	}
	if err := checkEntry(a, entry, entry.Seq-1); err != nil {
		return fail(span, "save", err)
	}
	sources, err := json.Marshal(a.ProcessedSources)
	if err != nil {
		return fail(span, "save", fmt.Errorf("marshal processed sources: %w", err))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, "save", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	tag, err := tx.Exec(ctx, `UPDATE alerts SET
		severity = $3, status = $4, assignee = $5, last_transition_at = $6, last_signal_at = $7,
		escalation_deadline = $8, resolution_note = $9, resolved_by = $10, processed_sources = $11,
		audit_seq = $12, audit_hash = $13, version = version + 1
		WHERE id = $1 AND version = $2 AND audit_seq = $12 - 1`,
		a.ID, expectedVersion, int16(a.Severity), string(a.Status), a.Assignee, a.LastTransitionAt,
		a.LastSignalAt, a.EscalationDeadline, a.ResolutionNote, a.ResolvedBy, sources,
		a.AuditSeq, a.AuditHash,
	)
	if err != nil {
		return fail(span, "save", fmt.Errorf("update alert: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, span, a.ID, expectedVersion)
	}
	if err := insertEntry(ctx, tx, entry); err != nil {
		return fail(span, "save", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(span, "save", fmt.Errorf("commit: %w", err))
	}
	a.Version = expectedVersion + 1
	return nil
}

// explainMiss turns a zero-row update into ErrNotFound, a version conflict, or
// an audit sequence fault.
func (s *Store) explainMiss(ctx context.Context, span trace.Span, id string, expected int64) error {
	var actual int64
	err := s.pool.QueryRow(ctx, `SELECT version FROM alerts WHERE id = $1`, id).Scan(&actual)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("alert %s: %w", id, triage.ErrNotFound)
	case err != nil:
		return fail(span, "save", fmt.Errorf("read version: %w", err))
	case actual != expected:
		span.SetAttributes(attribute.Int64("lifeline.alert.actual_version", actual))
		return &triage.VersionConflictError{AlertID: id, Expected: expected, Actual: actual}
	}
	return fail(span, "save", fmt.Errorf("alert %s: audit sequence does not follow stored head", id))
}

// Audit returns the alert's audit stream in seq order.
func (s *Store) Audit(ctx context.Context, alertID string) ([]triage.AuditEntry, error) {
	ctx, span := startSpan(ctx, "pgstore.Audit", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT alert_id, seq, from_status, to_status, trigger_name, severity,
		actor, reason, recorded_at, prev_hash, hash
		FROM alert_audit WHERE alert_id = $1 ORDER BY seq`, alertID)
	if err != nil {
		return nil, fail(span, "audit", fmt.Errorf("query audit: %w", err))
	}
	defer rows.Close()

	var out []triage.AuditEntry
	for rows.Next() {
		var (
			e        triage.AuditEntry
			from, to string
			trig     string
			sev      int16
		)
		if err := rows.Scan(&e.AlertID, &e.Seq, &from, &to, &trig, &sev, &e.Actor, &e.Reason,
			&e.Timestamp, &e.PrevHash, &e.Hash); err != nil {
			return nil, fail(span, "audit", fmt.Errorf("scan audit: %w", err))
		}
		e.FromStatus = triage.Status(from)
		e.ToStatus = triage.Status(to)
		e.Trigger = triage.Trigger(trig)
		e.Severity = triage.Severity(sev)
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, "audit", fmt.Errorf("iterate audit: %w", err))
	}
	return out, nil
}

// List returns matching alerts, soonest deadline first.
func (s *Store) List(ctx context.Context, f triage.Filter) ([]*triage.Alert, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	statuses := make([]string, 0, len(f.Statuses))
	for _, st := range f.Statuses {
		statuses = append(statuses, string(st))
	}
	var minSev int16
	if f.MinSeverity.Valid() {
		minSev = int16(f.MinSeverity)
	}

	return s.queryAlerts(ctx, span, "list", `SELECT `+alertColumns+` FROM alerts
		WHERE (cardinality($1::text[]) = 0 OR status = ANY($1))
		  AND severity >= $2
		ORDER BY escalation_deadline ASC NULLS LAST, created_at ASC, id ASC
		LIMIT NULLIF($3::int, 0)`, statuses, minSev, f.Limit)
}

// ListDue returns armed alerts whose deadline is at or before now.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*triage.Alert, error) {
	ctx, span := startSpan(ctx, "pgstore.ListDue", "SELECT")
	defer span.End()

	return s.queryAlerts(ctx, span, "list due", `SELECT `+alertColumns+` FROM alerts
		WHERE status IN ('assigned', 'in_progress') AND escalation_deadline <= $1
		ORDER BY escalation_deadline ASC, created_at ASC, id ASC
		LIMIT NULLIF($2::int, 0)`, now, limit)
}

func (s *Store) queryAlerts(ctx context.Context, span trace.Span, op, query string, args ...any) ([]*triage.Alert, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fail(span, op, fmt.Errorf("query alerts: %w", err))
	}
	defer rows.Close()

	var out []*triage.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fail(span, op, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, op, fmt.Errorf("iterate alerts: %w", err))
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, e *triage.AuditEntry) error {
	_, err := tx.Exec(ctx, `INSERT INTO alert_audit
		(alert_id, seq, from_status, to_status, trigger_name, severity, actor, reason, recorded_at, prev_hash, hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.AlertID, e.Seq, string(e.FromStatus), string(e.ToStatus), string(e.Trigger), int16(e.Severity),
		e.Actor, e.Reason, e.Timestamp, e.PrevHash, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("insert audit seq %d: %w", e.Seq, err)
	}
	return nil
}

// scanAlert scans one row. Returns (nil, nil) when no row is found.
func scanAlert(row pgx.Row) (*triage.Alert, error) {
	var (
		a        triage.Alert
		sev      int16
		status   string
		deadline *time.Time
		sources  []byte
	)
	err := row.Scan(
		&a.ID, &a.SubjectRef, &sev, &status, &a.Assignee, &a.TriggerExcerpt, &a.Message,
		&a.CreatedAt, &a.LastTransitionAt, &a.LastSignalAt, &deadline, &a.ResolutionNote,
		&a.ResolvedBy, &sources, &a.AuditSeq, &a.AuditHash, &a.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	a.Severity = triage.Severity(sev)
	a.Status = triage.Status(status)
	a.CreatedAt = a.CreatedAt.UTC()
	a.LastTransitionAt = a.LastTransitionAt.UTC()
	a.LastSignalAt = a.LastSignalAt.UTC()
	if deadline != nil {
		d := deadline.UTC()
		a.EscalationDeadline = &d
	}
	if err := json.Unmarshal(sources, &a.ProcessedSources); err != nil {
		return nil, fmt.Errorf("unmarshal processed sources: %w", err)
	}
	for i := range a.ProcessedSources {
		a.ProcessedSources[i].At = a.ProcessedSources[i].At.UTC()
	}
	return &a, nil
}

func checkEntry(a *triage.Alert, entry *triage.AuditEntry, storedSeq int64) error {
	if entry == nil {
		return fmt.Errorf("alert %s: missing audit entry", a.ID)
	}
	if entry.AlertID != a.ID || entry.Seq != storedSeq+1 || a.AuditSeq != entry.Seq {
		return fmt.Errorf("alert %s: audit seq %d does not follow %d", a.ID, entry.Seq, storedSeq)
	}
	return nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

// fail records err on span and wraps it as a *triage.StorageError.
func fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return triage.NewStorageError(op, err)
}
