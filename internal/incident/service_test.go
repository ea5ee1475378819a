package incident

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/capcode/internal/liveness"
	"github.com/linnemanlabs/capcode/internal/page"
)

const (
	norcomLine    = "POCSAG1200: Address: 1471234 Function: 0 Alpha: AID EMERGENCY - MEDIC; *FTAC - 3*;  SOME PLACE; 123 MAIN ST, BELLEVUE; E17, M14, BC1; 47.6101;-122.2015<EOT>"
	keepaliveLine = "POCSAG1200: Address: 1471000 Function: 0 Alpha: PAGEGATE KEEP ALIVE<EOT>"
	malformedLine = "POCSAG1200: Address: 1471234 Function: 0 Alpha: AID; FTAC1; X; 1 MAIN ST; E17; 47.6"
	unknownLine   = "POCSAG1200: Address: 9991234 Function: 0 Alpha: hello"
	bannerLine    = "multimon-ng 1.1.9"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// mockStore implements Store for testing.
type mockStore struct {
	mu     sync.Mutex
	recs   map[string]*Record
	putErr error
}

func newMockStore() *mockStore {
	return &mockStore{recs: make(map[string]*Record)}
}

func (m *mockStore) Get(_ context.Context, id string) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

func (m *mockStore) Put(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.recs[rec.ID] = rec.Clone()
	return nil
}

func (m *mockStore) Recent(_ context.Context, limit int) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

type mockPublisher struct {
	mu   sync.Mutex
	recs []*Record
	err  error
}

func (m *mockPublisher) Publish(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, rec)
	return nil
}

type mockNotifier struct {
	mu        sync.Mutex
	incidents []*Record
	events    []liveness.Event
	err       error
}

func (m *mockNotifier) NotifyIncident(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents = append(m.incidents, rec)
	return m.err
}

func (m *mockNotifier) NotifyLiveness(_ context.Context, ev liveness.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.err
}

// clock is a settable test clock shared by the parser and the service.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc       *Service
	store     *mockStore
	publisher *mockPublisher
	notifier  *mockNotifier
	metrics   *Metrics
	clock     *clock
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	c := &clock{now: t0}
	f := &fixture{
		store:     newMockStore(),
		publisher: &mockPublisher{},
		notifier:  &mockNotifier{},
		metrics:   NewMetrics(prometheus.NewRegistry()),
		clock:     c,
	}
	parser := page.NewParser(nil, page.WithClock(c.Now))
	monitor := liveness.NewMonitor(120*time.Second, 3, t0)
	f.svc = NewService(f.store, parser, monitor, log.Nop(), f.metrics, f.publisher, f.notifier, opts)
	f.svc.now = c.Now
	return f
}

func TestNewService_PanicsOnMissingDeps(t *testing.T) {
	t.Parallel()

	parser := page.NewParser(nil)
	monitor := liveness.NewMonitor(time.Minute, 0, t0)

	tests := []struct {
		name    string
		store   Store
		parser  *page.Parser
		monitor *liveness.Monitor
	}{
		{"nil store", nil, parser, monitor},
		{"nil parser", newMockStore(), nil, monitor},
		{"nil monitor", newMockStore(), parser, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			defer func() {
				if r := recover(); r == nil {
					t.Fatal("NewService did not panic")
				}
			}()
			NewService(tt.store, tt.parser, tt.monitor, nil, nil, nil, nil, Options{})
		})
	}
}

func TestProcess_ParsedPage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	rec := f.svc.Process(context.Background(), "stdin", norcomLine)
	f.svc.Close()

	if rec == nil {
		t.Fatal("Process returned nil for a capture line")
	}
	if rec.ID == "" {
		t.Error("record has no ID")
	}
	if rec.Source != "stdin" {
		t.Errorf("Source = %q, want %q", rec.Source, "stdin")
	}
	if rec.Outcome != page.OutcomeParsed {
		t.Fatalf("Outcome = %q, want parsed", rec.Outcome)
	}

	got, ok, err := f.svc.Get(context.Background(), rec.ID)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if got.CallType != "AID EMERGENCY" {
		t.Errorf("stored CallType = %q, want %q", got.CallType, "AID EMERGENCY")
	}

	if len(f.publisher.recs) != 1 {
		t.Errorf("published = %d, want 1", len(f.publisher.recs))
	}
	if len(f.notifier.incidents) != 1 {
		t.Errorf("notified = %d, want 1", len(f.notifier.incidents))
	}

	if v := testutil.ToFloat64(f.metrics.PagesTotal.WithLabelValues("norcom", "parsed")); v != 1 {
		t.Errorf("pages_total{norcom,parsed} = %v, want 1", v)
	}
	if v := testutil.ToFloat64(f.metrics.NotifyTotal.WithLabelValues("success")); v != 1 {
		t.Errorf("notify_total{success} = %v, want 1", v)
	}
}

func TestProcess_UnmatchedLine(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	if rec := f.svc.Process(context.Background(), "stdin", bannerLine); rec != nil {
		t.Fatalf("Process = %+v, want nil", rec)
	}

	if f.store.len() != 0 {
		t.Errorf("stored = %d, want 0", f.store.len())
	}
	if v := testutil.ToFloat64(f.metrics.LinesTotal.WithLabelValues("unmatched")); v != 1 {
		t.Errorf("lines_total{unmatched} = %v, want 1", v)
	}
}

func TestProcess_RoutingByOutcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		line      string
		opts      Options
		outcome   page.Outcome
		stored    int
		published int
		notified  int
	}{
		{"parsed", norcomLine, Options{}, page.OutcomeParsed, 1, 1, 1},
		{"malformed", malformedLine, Options{}, page.OutcomeMalformed, 1, 0, 0},
		{"unknown agency", unknownLine, Options{}, page.OutcomeSkipped, 1, 0, 0},
		{"keepalive defaults", keepaliveLine, Options{}, page.OutcomeKeepalive, 0, 0, 0},
		{"keepalive published", keepaliveLine, Options{PublishKeepalives: true}, page.OutcomeKeepalive, 0, 1, 0},
		{"keepalive stored", keepaliveLine, Options{StoreKeepalives: true}, page.OutcomeKeepalive, 1, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, tt.opts)
			rec := f.svc.Process(context.Background(), "test", tt.line)
			f.svc.Close()

			if rec == nil {
				t.Fatal("Process returned nil")
			}
			if rec.Outcome != tt.outcome {
				t.Errorf("Outcome = %q, want %q", rec.Outcome, tt.outcome)
			}
			if got := f.store.len(); got != tt.stored {
				t.Errorf("stored = %d, want %d", got, tt.stored)
			}
			if got := len(f.publisher.recs); got != tt.published {
				t.Errorf("published = %d, want %d", got, tt.published)
			}
			if got := len(f.notifier.incidents); got != tt.notified {
				t.Errorf("notified = %d, want %d", got, tt.notified)
			}
		})
	}
}

func TestProcess_DownstreamErrorsDoNotFailLine(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.store.putErr = errors.New("disk full")
	f.publisher.err = errors.New("broker down")
	f.notifier.err = errors.New("webhook 500")

	rec := f.svc.Process(context.Background(), "stdin", norcomLine)
	f.svc.Close()

	if rec == nil || rec.Outcome != page.OutcomeParsed {
		t.Fatalf("Process = %+v, want parsed record", rec)
	}
	if v := testutil.ToFloat64(f.metrics.StoreErrorsTotal); v != 1 {
		t.Errorf("store_errors_total = %v, want 1", v)
	}
	if v := testutil.ToFloat64(f.metrics.PublishTotal.WithLabelValues("error")); v != 1 {
		t.Errorf("publish_total{error} = %v, want 1", v)
	}
	if v := testutil.ToFloat64(f.metrics.NotifyTotal.WithLabelValues("error")); v != 1 {
		t.Errorf("notify_total{error} = %v, want 1", v)
	}
}

func TestProcess_KeepaliveFeedsMonitor(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.clock.Advance(90 * time.Second)

	f.svc.Process(context.Background(), "stdin", keepaliveLine)

	st := f.svc.Liveness()
	if !st.LastKeepalive.Equal(t0.Add(90 * time.Second)) {
		t.Errorf("LastKeepalive = %v, want %v", st.LastKeepalive, t0.Add(90*time.Second))
	}
	if v := testutil.ToFloat64(f.metrics.LastKeepalive); v != float64(t0.Add(90*time.Second).Unix()) {
		t.Errorf("last_keepalive gauge = %v", v)
	}
}

func TestCheckLiveness_Ladder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	ctx := context.Background()

	f.clock.Advance(121 * time.Second)
	ev, ok := f.svc.CheckLiveness(ctx)
	if !ok || ev.Kind != liveness.EventStale {
		t.Fatalf("CheckLiveness(121s) = %+v, %v, want stale", ev, ok)
	}

	f.clock.Advance(9 * time.Second)
	f.svc.Process(ctx, "stdin", keepaliveLine)

	f.clock.Advance(480 * time.Second)
	if ev, ok := f.svc.CheckLiveness(ctx); !ok || ev.Kind != liveness.EventFatal {
		t.Fatalf("CheckLiveness(610s) = %+v, %v, want fatal", ev, ok)
	}
	f.svc.Close()

	kinds := make([]liveness.EventKind, 0, len(f.notifier.events))
	for _, e := range f.notifier.events {
		kinds = append(kinds, e.Kind)
	}
	if len(kinds) != 3 {
		t.Fatalf("notified events = %v, want stale, resumed, fatal", kinds)
	}
	for _, k := range []liveness.EventKind{liveness.EventStale, liveness.EventResumed, liveness.EventFatal} {
		if v := testutil.ToFloat64(f.metrics.LivenessEvents.WithLabelValues(string(k))); v != 1 {
			t.Errorf("liveness_events_total{%s} = %v, want 1", k, v)
		}
	}
	if got := f.svc.Liveness().State; got != liveness.StateFatal {
		t.Errorf("State = %q, want %q", got, liveness.StateFatal)
	}
}

func TestRecent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	ctx := context.Background()
	for range 3 {
		f.svc.Process(ctx, "stdin", norcomLine)
	}
	f.svc.Close()

	recs, err := f.svc.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("len = %d, want 2", len(recs))
	}
}

func TestRecord_CloneIsDeep(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	rec := f.svc.Process(context.Background(), "stdin", norcomLine)
	f.svc.Close()

	cp := rec.Clone()
	cp.Units[0] = "XXX"
	cp.Location.Geo.Lat = "0"
	cp.CallType = "changed"

	if rec.Units[0] == "XXX" || rec.Location.Geo.Lat == "0" || rec.CallType == "changed" {
		t.Errorf("clone shares state with original: %+v", rec.Incident)
	}
}

func TestProcess_CreatesSpan(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	f := newFixture(t, Options{})
	f.store.putErr = errors.New("disk full")
	f.svc.Process(context.Background(), "api", norcomLine)
	f.svc.Close()

	var found bool
	for _, s := range exporter.GetSpans() {
		if s.Name != "incident.Process" {
			continue
		}
		found = true

		attrs := make(map[string]string)
		for _, kv := range s.Attributes {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		if attrs["capcode.source"] != "api" {
			t.Errorf("capcode.source = %q, want api", attrs["capcode.source"])
		}
		if attrs["capcode.agency"] != "norcom" {
			t.Errorf("capcode.agency = %q, want norcom", attrs["capcode.agency"])
		}
		if attrs["capcode.outcome"] != "parsed" {
			t.Errorf("capcode.outcome = %q, want parsed", attrs["capcode.outcome"])
		}
		if len(s.Events) == 0 {
			t.Error("store error not recorded on span")
		}
	}
	if !found {
		t.Fatal("no incident.Process span exported")
	}
}
