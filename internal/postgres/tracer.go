package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// SQLSTATE classes that are expected outcomes of optimistic writes, not faults.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
)

var queryObserver atomic.Pointer[queryObserverHolder]

type queryObserverHolder struct{ QueryObserver }

type ctxKey int

const (
	ctxKeyQuery ctxKey = iota
	ctxKeyHTTPMethod
)

// QueryObservation is one finished query as seen by a QueryObserver.
type QueryObservation struct {
	Operation string // SQL verb, e.g. SELECT
	Caller    string // first application frame issuing the query
	Method    string // HTTP method, or "none" outside a request
	Route     string // chi route pattern, or "none"
	Outcome   string // ok, conflict, or error
	Duration  time.Duration
}

// QueryObserver receives per-query metrics (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, obs QueryObservation)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, obs QueryObservation)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, obs QueryObservation) {
	f(ctx, obs)
}

// SetQueryObserver installs the process-wide observer. nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

// WithHTTPMethod stores the HTTP method in the context for query metrics labelling.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyHTTPMethod, method)
}

func httpMethodFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyHTTPMethod).(string); ok {
		return v
	}
	return ""
}

func routePatternFromContext(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

// queryState is carried from TraceQueryStart to TraceQueryEnd.
type queryState struct {
	sql    string
	start  time.Time
	caller string
}

// queryTracer wraps another pgx.QueryTracer (otelpgx) with logging and metrics.
type queryTracer struct {
	inner pgx.QueryTracer
	slow  time.Duration
}

func wrapQueryTracer(inner pgx.QueryTracer, slow time.Duration) pgx.QueryTracer {
	return queryTracer{inner: inner, slow: slow}
}

func (t queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	st := &queryState{sql: data.SQL, start: time.Now(), caller: dbCaller()}

	// inner tracer first so its span is current when we annotate it
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	if span := trace.SpanFromContext(ctx); st.caller != "" && span.IsRecording() {
		span.SetAttributes(attribute.String("db.caller", st.caller))
	}
	return context.WithValue(ctx, ctxKeyQuery, st)
}

func (t queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	st, _ := ctx.Value(ctxKeyQuery).(*queryState)
	if st == nil {
		return
	}
	dur := time.Since(st.start)
	op := sqlOperation(st.sql)
	outcome := queryOutcome(data.Err)

	if obs := getQueryObserver(); obs != nil {
		obs.ObserveQuery(ctx, QueryObservation{
			Operation: op,
			Caller:    st.caller,
			Method:    orNone(httpMethodFromContext(ctx)),
			Route:     orNone(routePatternFromContext(ctx)),
			Outcome:   outcome,
			Duration:  dur,
		})
	}

	fields := []any{
		"db.operation.name", op,
		"db.duration", dur.Seconds(),
		"db.caller", st.caller,
	}
	if tag := data.CommandTag; tag.String() != "" {
		fields = append(fields, "db.rows", tag.RowsAffected())
	}

	L := log.FromContext(ctx)
	switch outcome {
	case "error":
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", append(fields, "db.statement", st.sql)...)
	case "conflict":
		L.Info(ctx, "db write rejected by constraint", fields...)
	default:
		if dur >= t.slow {
			L.Info(ctx, "db query", fields...)
		}
	}
}

// queryOutcome classifies err; constraint rejections are expected under
// concurrent writers and are kept out of the error rate.
func queryOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == codeUniqueViolation || pgErr.Code == codeSerializationFailure) {
		return "conflict"
	}
	return "error"
}

// sqlOperation returns the upper-cased leading keyword of a statement.
func sqlOperation(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "UNKNOWN"
	}
	return strings.ToUpper(fields[0])
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// dbCaller returns the first application frame above pgx and this tracer.
func dbCaller() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		fn := fr.Function
		if fn != "" &&
			!strings.HasPrefix(fn, "runtime.") &&
			!strings.Contains(fn, "github.com/jackc/") &&
			!strings.Contains(fn, "github.com/exaring/otelpgx") &&
			!strings.Contains(fn, "internal/postgres.") {
			return shortenFuncName(fn)
		}
		if !more {
			return ""
		}
	}
}

// shortenFuncName drops the import path and package, keeping receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
