package incident

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/capcode/internal/liveness"
	"github.com/linnemanlabs/capcode/internal/page"
)

var tracer = otel.Tracer("github.com/linnemanlabs/capcode/internal/incident")

// notifyTimeout bounds a single async notification.
const notifyTimeout = 30 * time.Second

// Options controls which keepalive records leave the service.
type Options struct {
	// PublishKeepalives forwards keepalive records to the Publisher.
	PublishKeepalives bool
	// StoreKeepalives persists keepalive records.
	StoreKeepalives bool
}

// Service is the business boundary for incident processing.
type Service struct {
	parser    *page.Parser
	monitor   *liveness.Monitor
	store     Store
	logger    log.Logger
	metrics   *Metrics
	publisher Publisher
	notifier  Notifier
	opts      Options
	now       func() time.Time

	wg sync.WaitGroup
}

// NewService creates a new incident service. metrics, publisher and notifier
// are optional.
func NewService(
	store Store,
	parser *page.Parser,
	monitor *liveness.Monitor,
	logger log.Logger,
	metrics *Metrics,
	publisher Publisher,
	notifier Notifier,
	opts Options,
) *Service {
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	if parser == nil {
		panic(xerrors.New("page parser is required"))
	}
	if monitor == nil {
		panic(xerrors.New("liveness monitor is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		parser:    parser,
		monitor:   monitor,
		store:     store,
		logger:    logger,
		metrics:   metrics,
		publisher: publisher,
		notifier:  notifier,
		opts:      opts,
		now:       time.Now,
	}
}

// Process parses one capture line and dispatches the result. It returns nil
// when the line is not a capture line. Store, publish and notify failures are
// logged and counted; they never fail the line.
func (s *Service) Process(ctx context.Context, source, line string) *Record {
	ctx, span := tracer.Start(ctx, "incident.Process", trace.WithAttributes(
		attribute.String("capcode.source", source),
	))
	defer span.End()

	start := time.Now()
	inc, ok := s.parser.ParseLine(line)
	s.metrics.observeLine(ok, time.Since(start).Seconds())
	if !ok {
		span.SetAttributes(attribute.Bool("capcode.matched", false))
		return nil
	}
	s.metrics.observePage(inc)

	rec := &Record{
		ID:         ulid.Make().String(),
		Source:     source,
		ReceivedAt: s.now(),
		Incident:   inc,
	}

	span.SetAttributes(
		attribute.Bool("capcode.matched", true),
		attribute.String("capcode.id", rec.ID),
		attribute.String("capcode.capcode", inc.Capcode),
		attribute.String("capcode.agency", string(inc.Agency)),
		attribute.String("capcode.outcome", string(inc.Outcome)),
	)

	L := s.logger.With("id", rec.ID, "capcode", inc.Capcode, "agency", inc.Agency)

	switch inc.Outcome {
	case page.OutcomeParsed:
		L.Info(ctx, "parsed page",
			"call_type", inc.CallTypeLabel(),
			"channel", inc.Channel,
			"address", inc.Location.Address,
			"units", len(inc.Units),
		)
	case page.OutcomeKeepalive:
		L.Info(ctx, "keepalive received")
		if ev, ok := s.monitor.Observe(inc); ok {
			s.handleLiveness(ctx, ev)
		}
	case page.OutcomeSkipped:
		L.Info(ctx, "page skipped", "reason", inc.Reason)
	case page.OutcomeMalformed:
		L.Warn(ctx, "malformed page", "reason", inc.Reason, "alpha", inc.Alpha)
	}

	if s.shouldStore(inc) {
		if err := s.store.Put(ctx, rec); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.metrics.storeError()
			L.Error(ctx, err, "failed to store incident")
		}
	}

	if s.publisher != nil && s.shouldPublish(inc) {
		err := s.publisher.Publish(ctx, rec)
		s.metrics.observePublish(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			L.Error(ctx, err, "failed to publish incident")
		}
	}

	if s.notifier != nil && inc.Outcome == page.OutcomeParsed {
		s.notify(ctx, L, func(ctx context.Context) error {
			return s.notifier.NotifyIncident(ctx, rec)
		})
	}

	return rec
}

// CheckLiveness runs one keepalive check against the service clock.
func (s *Service) CheckLiveness(ctx context.Context) (liveness.Event, bool) {
	ev, ok := s.monitor.Check(s.now())
	if ok {
		s.handleLiveness(ctx, ev)
	}
	return ev, ok
}

// Liveness returns the keepalive monitor status.
func (s *Service) Liveness() liveness.Status {
	return s.monitor.Status()
}

// Get retrieves a record by ID.
func (s *Service) Get(ctx context.Context, id string) (*Record, bool, error) {
	return s.store.Get(ctx, id)
}

// Recent returns up to limit records, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]*Record, error) {
	return s.store.Recent(ctx, limit)
}

// Close waits for in-flight notifications.
func (s *Service) Close() {
	s.wg.Wait()
}

func (s *Service) shouldStore(inc *page.Incident) bool {
	if inc.Outcome == page.OutcomeKeepalive {
		return s.opts.StoreKeepalives
	}
	return true
}

func (s *Service) shouldPublish(inc *page.Incident) bool {
	switch inc.Outcome {
	case page.OutcomeParsed:
		return true
	case page.OutcomeKeepalive:
		return s.opts.PublishKeepalives
	default:
		return false
	}
}

func (s *Service) handleLiveness(ctx context.Context, ev liveness.Event) {
	s.metrics.observeLiveness(ev)

	L := s.logger.With("event", ev.Kind, "since", ev.Since.String())
	switch ev.Kind {
	case liveness.EventResumed:
		L.Info(ctx, "keepalives resumed")
	case liveness.EventStale:
		L.Warn(ctx, "missed keepalive")
	case liveness.EventFatal:
		L.Error(ctx, fmt.Errorf("no keepalive for %s", ev.Since), "keepalive lost")
	}

	if s.notifier != nil {
		s.notify(ctx, L, func(ctx context.Context) error {
			return s.notifier.NotifyLiveness(ctx, ev)
		})
	}
}

// notify runs fn on its own goroutine, detached from the caller's cancellation.
func (s *Service) notify(ctx context.Context, L log.Logger, fn func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()

		err := fn(ctx)
		s.metrics.observeNotify(err)
		if err != nil {
			L.Error(ctx, err, "notification failed")
		}
	}()
}
