package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestLabelsFromContext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ctx     context.Context
		wantOri string
		wantOp  string
	}{
		{"plain context", context.Background(), UnknownOrigin, UnknownOperation},
		{"origin only", WithOrigin(context.Background(), "ingest:stdin"), "ingest:stdin", UnknownOperation},
		{"both", WithOperation(WithOrigin(context.Background(), "api"), "incident.get"), "api", "incident.get"},
		{"empty values ignored", WithOperation(WithOrigin(context.Background(), ""), ""), UnknownOrigin, UnknownOperation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			origin, op := labelsFromContext(tt.ctx)
			if origin != tt.wantOri || op != tt.wantOp {
				t.Errorf("labelsFromContext = (%q, %q), want (%q, %q)", origin, op, tt.wantOri, tt.wantOp)
			}
		})
	}
}

func TestCompactSQL(t *testing.T) {
	t.Parallel()

	in := "\n\t\tINSERT INTO incidents (id)\n\t\tVALUES ($1)\n\t\tON CONFLICT (id) DO NOTHING"
	want := "INSERT INTO incidents (id) VALUES ($1) ON CONFLICT (id) DO NOTHING"
	if got := compactSQL(in); got != want {
		t.Errorf("compactSQL = %q, want %q", got, want)
	}
}

func TestQueryFields(t *testing.T) {
	t.Parallel()

	st := &queryState{sql: "SELECT 1", nargs: 2}
	data := pgx.TraceQueryEndData{
		CommandTag: pgconn.NewCommandTag("INSERT 0 1"),
		Err:        &pgconn.PgError{Code: "23505", ConstraintName: "incidents_pkey"},
	}

	fields := queryFields(st, "ingest:stdin", "incident.put", time.Second, data)
	got := map[string]any{}
	for i := 0; i+1 < len(fields); i += 2 {
		got[fields[i].(string)] = fields[i+1]
	}

	want := map[string]any{
		"db.origin":           "ingest:stdin",
		"db.operation":        "incident.put",
		"db.args":             2,
		"pg.command_tag":      "INSERT 0 1",
		"db.rows":             int64(1),
		"db.error_code":       "23505",
		"db.error_constraint": "incidents_pkey",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}

// tracerCall records an observed query.
type tracerCall struct {
	origin, op, outcome string
}

// The observer is global, so this test is not parallel.
func TestLoggingTracer_ObservesQueries(t *testing.T) {
	defer SetQueryObserver(nil)

	var (
		mu    sync.Mutex
		calls []tracerCall
	)
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, origin, op, outcome string, _ time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, tracerCall{origin, op, outcome})
	}))

	tr := wrapQueryTracer(nil)
	ctx := WithOperation(WithOrigin(context.Background(), "api"), "incident.recent")

	qctx := tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	qctx = tr.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{Err: errors.New("conn reset")})

	// no start state, nothing to observe
	tr.TraceQueryEnd(context.Background(), nil, pgx.TraceQueryEndData{})

	want := []tracerCall{
		{"api", "incident.recent", "ok"},
		{UnknownOrigin, UnknownOperation, "error"},
	}
	mu.Lock()
	defer mu.Unlock()
	if len(calls) != len(want) {
		t.Fatalf("calls = %+v, want %+v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, calls[i], want[i])
		}
	}
}

func TestSetSlowQueryThreshold(t *testing.T) {
	defer SetSlowQueryThreshold(0)

	SetSlowQueryThreshold(250 * time.Millisecond)
	if got := time.Duration(minQueryLogDuration.Load()); got != 250*time.Millisecond {
		t.Errorf("threshold = %v, want 250ms", got)
	}

	SetSlowQueryThreshold(-time.Second)
	if got := minQueryLogDuration.Load(); got != 0 {
		t.Errorf("negative threshold = %v, want 0", time.Duration(got))
	}
}

func TestNewPool_InvalidURL(t *testing.T) {
	t.Parallel()

	if _, err := NewPool(context.Background(), "postgres://%zz"); err == nil {
		t.Fatal("NewPool with invalid url: expected error")
	}
}
