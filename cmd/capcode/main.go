// Capcode turns decoded POCSAG pager traffic into structured dispatch incidents.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	otelpyroscope "github.com/grafana/otel-profiling-go"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/capcode/internal/authmw"
	cc "github.com/linnemanlabs/capcode/internal/cfg"
	"github.com/linnemanlabs/capcode/internal/incident"
	"github.com/linnemanlabs/capcode/internal/incident/memstore"
	"github.com/linnemanlabs/capcode/internal/incident/pgstore"
	"github.com/linnemanlabs/capcode/internal/incidentapi"
	"github.com/linnemanlabs/capcode/internal/ingest"
	"github.com/linnemanlabs/capcode/internal/liveness"
	"github.com/linnemanlabs/capcode/internal/notify/slack"
	"github.com/linnemanlabs/capcode/internal/page"
	"github.com/linnemanlabs/capcode/internal/postgres"
	"github.com/linnemanlabs/capcode/internal/publish/kafka"
)

const appName = "capcode"
const component = "collector"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    cc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline first, then env vars, then the settings file. each layer only fills what is still unset
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	cfg.FillFromEnv(flag.CommandLine, "CAPCODE_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	settingsApplied, err := cc.LoadSettings(flag.CommandLine, appCfg.SettingsFile)
	if err != nil {
		return fmt.Errorf("settings file %s: %w", appCfg.SettingsFile, err)
	}

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.EnableAPI && appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"input", appCfg.Input,
		"settings_file", appCfg.SettingsFile,
		"settings_applied", settingsApplied,
		"ignore_capcodes", appCfg.Ignored(),
		"keepalive_interval_seconds", appCfg.KeepaliveInterval,
		"keepalive_max_missed", appCfg.KeepaliveMaxMissed,
		"publish_keepalives", appCfg.PublishKeepalives,
		"store_keepalives", appCfg.StoreKeepalives,
		"enable_api", appCfg.EnableAPI,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"include_error_links", logCfg.IncludeErrorLinks,
		"max_error_links", logCfg.MaxErrorLinks,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf == nil {
		stopProf = func() {}
	}
	defer stopProf()

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOtelx(context.Background()) }()

	// tag spans with profile ids so traces link to the matching pyroscope profile
	profilingActive := profErr == nil && profCfg.EnablePyroscope
	if profilingActive {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profilingActive)

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "capcode_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"origin", "operation", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, origin, operation, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(origin, operation, outcome).Observe(dur.Seconds())
		},
	))
	postgres.SetSlowQueryThreshold(time.Duration(appCfg.DBSlowQueryMillis) * time.Millisecond)

	// Initialize the incident store
	var store incident.Store
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		store = pgStore
		L.Info(ctx, "using postgres store")
	} else {
		store = memstore.New(memstore.DefaultCapacity)
		L.Info(ctx, "using in-memory store (no database-url configured)", "capacity", memstore.DefaultCapacity)
	}

	// Publish records to kafka when brokers are configured
	var (
		publisher incident.Publisher
		kafkaPub  *kafka.Publisher
	)
	if brokers := appCfg.Brokers(); len(brokers) > 0 {
		kafkaPub, err = kafka.New(brokers, appCfg.KafkaTopicPrefix)
		if err != nil {
			return fmt.Errorf("kafka client: %w", err)
		}
		publisher = kafkaPub
		L.Info(ctx, "publisher enabled", "type", "kafka", "brokers", brokers, "topic_prefix", appCfg.KafkaTopicPrefix)
	}

	// Slack gets parsed pages and liveness transitions
	var notifier incident.Notifier
	if appCfg.SlackWebhookURL != "" {
		notifier = slack.New(appCfg.SlackWebhookURL, L)
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	parser := page.NewParser(appCfg.Ignored())
	monitor := liveness.NewMonitor(
		time.Duration(appCfg.KeepaliveInterval)*time.Second,
		appCfg.KeepaliveMaxMissed,
		time.Now(),
	)

	incidentMetrics := incident.NewMetrics(m.Registry())

	svc := incident.NewService(
		store,
		parser,
		monitor,
		L,
		incidentMetrics,
		publisher,
		notifier,
		incident.Options{
			PublishKeepalives: appCfg.PublishKeepalives,
			StoreKeepalives:   appCfg.StoreKeepalives,
		},
	)

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown and once the pager feed is lost.
	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	live := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = live
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	apiHTTPStop := func(context.Context) error { return nil }
	if appCfg.EnableAPI {
		h := newAPIHandler(L, svc, apiHandlerOptions{
			Healthy: health.HealthzHandler(live),
			Ready:   health.ReadyzHandler(readiness),
			Metrics: func(h http.Handler) http.Handler { return m.Middleware(h) },
			ClientIP: func(h http.Handler) http.Handler {
				return httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
					TrustedHops: httpmwCfg.TrustedProxyHops,
				})(h)
			},
			Tokens: appCfg.Tokens(),
		})

		apiOpts, err := httpCfg.ToOptions()
		if err != nil {
			L.Error(ctx, err, "invalid http config")
			return err
		}

		apiHTTPStop, err = httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
		if err != nil {
			L.Error(ctx, err, "failed to start incident api http listener")
			return err
		}
		defer func() {
			err := apiHTTPStop(context.Background())
			if err != nil {
				L.Error(ctx, err, "failed to stop incident api http listener")
			}
		}()
	}

	// Start reading decoder output
	input, source, err := openInput(appCfg.Input)
	if err != nil {
		return err
	}
	defer func() { _ = input.Close() }()

	loop := ingest.New(svc, source, L,
		ingest.WithDropCounter(incidentMetrics.LinesTotal.WithLabelValues("oversized")),
	)
	ingestCtx, cancelIngest := context.WithCancel(postgres.WithOrigin(ctx, "ingest:"+source))
	defer cancelIngest()
	ingestDone := make(chan error, 1)
	go func() { ingestDone <- loop.Run(ingestCtx, input) }()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm, or for the feed to end
	var runErr error
	ingestStopped := false
	select {
	case <-ctx.Done():
		L.Info(context.Background(), "shutdown signal received")
	case err := <-ingestDone:
		ingestStopped = true
		switch {
		case errors.Is(err, ingest.ErrKeepaliveLost):
			L.Error(context.Background(), err, "pager feed lost, shutting down")
			shutdownGate.Set("keepalive lost")
			runErr = err
		case err != nil:
			L.Error(context.Background(), err, "ingest failed, shutting down")
			runErr = err
		default:
			L.Info(context.Background(), "input closed, shutting down")
		}
	}

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// only the api listener sits behind a load balancer
	if appCfg.EnableAPI {
		drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
		L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
		forceCh := make(chan os.Signal, 1)
		signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-time.After(drainDuration):
			L.Info(context.Background(), "drain period complete")
		case <-forceCh:
			L.Warn(context.Background(), "second signal received, skipping drain")
		}
		signal.Stop(forceCh)
	}

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"ingest", func(ctx context.Context) error {
			cancelIngest()
			if ingestStopped {
				return nil
			}
			select {
			case <-ingestDone:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
		{"incident api http server", apiHTTPStop},
		{"incident service", waitFor(svc.Close)},
	}
	if kafkaPub != nil {
		stopFns = append(stopFns, stopFn{"kafka publisher", waitFor(kafkaPub.Close)})
	}
	stopFns = append(stopFns,
		stopFn{"ops http server", opsHTTPStop},
		stopFn{"otel", shutdownOtelx},
	)

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return runErr
}

// apiHandlerOptions carries the pieces of the API stack owned by main.
type apiHandlerOptions struct {
	Healthy  http.HandlerFunc
	Ready    http.HandlerFunc
	Metrics  func(http.Handler) http.Handler
	ClientIP func(http.Handler) http.Handler
	Tokens   []string
}

// newAPIHandler builds the incident API router and the middleware stack
// around it. Order matters: the outermost wrapper sees the raw request first.
func newAPIHandler(L log.Logger, svc incidentapi.IncidentService, o apiHandlerOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Label DB queries made while serving the API.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithOrigin(req.Context(), "api")))
		})
	})

	r.Use(httpmw.AccessLog())

	// line submissions are plain text, 1MB covers a few thousand pages
	r.Use(httpmw.MaxBody(1024 * 1024))

	if o.Healthy != nil {
		r.Get("/-/healthy", o.Healthy)
	}
	if o.Ready != nil {
		r.Get("/-/ready", o.Ready)
	}

	incidentapi.New(L, svc).RegisterRoutes(r, authmw.BearerToken(o.Tokens...))

	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	if o.Metrics != nil {
		h = o.Metrics(h)
	}

	// Client IP resolution and spoofing protection, outer so downstream sees the resolved ip
	if o.ClientIP != nil {
		h = o.ClientIP(h)
	}

	h = httpmw.RequestID("X-Request-Id")(h)

	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	return h
}

// openInput returns the decoder output to read and the source label for
// records read from it.
func openInput(path string) (io.ReadCloser, string, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), "stdin", nil
	}
	f, err := os.Open(path) //nolint:gosec // G304: path is operator configuration
	if err != nil {
		return nil, "", fmt.Errorf("open input: %w", err)
	}
	return f, "file", nil
}

// waitFor adapts a blocking close function to the shutdown budget.
func waitFor(fn func()) func(context.Context) error {
	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			fn()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
