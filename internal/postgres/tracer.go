package postgres

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// Label values used when a query carries no label of its own.
const (
	UnknownOrigin    = "unknown"
	UnknownOperation = "unknown"
)

type ctxKey int

const (
	ctxKeyOrigin ctxKey = iota
	ctxKeyOperation
	ctxKeyQuery
)

var (
	queryObserver       atomic.Pointer[queryObserverHolder]
	minQueryLogDuration atomic.Int64
)

type queryObserverHolder struct{ QueryObserver }

// QueryObserver receives one call per finished query (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, origin, operation, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, origin, operation, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, origin, operation, outcome string, dur time.Duration) {
	f(ctx, origin, operation, outcome, dur)
}

// SetQueryObserver sets the global query observer. nil removes it.
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

// SetSlowQueryThreshold sets the minimum duration for a successful query to
// be logged. Failed queries are always logged.
func SetSlowQueryThreshold(d time.Duration) {
	minQueryLogDuration.Store(int64(max(d, 0)))
}

// WithOrigin records which part of the collector issued the queries made
// with ctx: the ingest loop for a given input, or the API.
func WithOrigin(ctx context.Context, origin string) context.Context {
	if origin == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyOrigin, origin)
}

// WithOperation names the store operation, e.g. "incident.put".
func WithOperation(ctx context.Context, op string) context.Context {
	if op == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyOperation, op)
}

func labelsFromContext(ctx context.Context) (origin, operation string) {
	origin, operation = UnknownOrigin, UnknownOperation
	if v, ok := ctx.Value(ctxKeyOrigin).(string); ok {
		origin = v
	}
	if v, ok := ctx.Value(ctxKeyOperation).(string); ok {
		operation = v
	}
	return origin, operation
}

// queryState travels from TraceQueryStart to TraceQueryEnd.
type queryState struct {
	sql   string
	nargs int
	start time.Time
}

// loggingTracer wraps another pgx.QueryTracer (otelpgx) and adds a log
// line and an observer call for every query.
type loggingTracer struct {
	inner pgx.QueryTracer
}

func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return loggingTracer{inner: inner}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	// inner first so its span is current for the attributes below
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		origin, op := labelsFromContext(ctx)
		span.SetAttributes(
			attribute.String("capcode.db.origin", origin),
			attribute.String("capcode.db.operation", op),
		)
	}

	return context.WithValue(ctx, ctxKeyQuery, &queryState{
		sql:   data.SQL,
		nargs: len(data.Args),
		start: time.Now(),
	})
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	st, _ := ctx.Value(ctxKeyQuery).(*queryState)
	if st == nil {
		return
	}
	dur := time.Since(st.start)
	origin, op := labelsFromContext(ctx)

	if obs := getQueryObserver(); obs != nil {
		obs.ObserveQuery(ctx, origin, op, outcome(data.Err), dur)
	}

	if minDur := time.Duration(minQueryLogDuration.Load()); data.Err == nil && dur < minDur {
		return
	}

	fields := queryFields(st, origin, op, dur, data)
	L := log.FromContext(ctx)
	if data.Err != nil {
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// queryFields builds the log fields for a finished query. Arguments are
// counted, not logged: they carry page text and addresses.
func queryFields(st *queryState, origin, op string, dur time.Duration, data pgx.TraceQueryEndData) []any {
	fields := []any{
		"db.origin", origin,
		"db.operation", op,
		"db.statement", compactSQL(st.sql),
		"db.args", st.nargs,
		"db.duration", dur.Seconds(),
	}

	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}

	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		fields = append(fields,
			"db.error_code", pgErr.Code,
			"db.error_constraint", pgErr.ConstraintName,
		)
	}
	return fields
}

// compactSQL folds the multi-line statements in pgstore onto one line.
func compactSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}
