// Package ingest feeds decoder output line by line into the incident service.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/capcode/internal/incident"
	"github.com/linnemanlabs/capcode/internal/liveness"
)

// ErrKeepaliveLost is returned by Run when the liveness monitor goes fatal.
var ErrKeepaliveLost = errors.New("keepalive lost")

const (
	defaultMaxBatch     = 1024
	defaultMaxLineBytes = 64 * 1024
)

// Processor is what the loop drives. *incident.Service satisfies it.
type Processor interface {
	Process(ctx context.Context, source, line string) *incident.Record
	CheckLiveness(ctx context.Context) (liveness.Event, bool)
}

// Loop reads lines and processes them in batches. After each batch it runs
// exactly one liveness check.
type Loop struct {
	proc         Processor
	source       string
	logger       log.Logger
	maxBatch     int
	maxLineBytes int
	dropped      prometheus.Counter
}

// Option configures a Loop.
type Option func(*Loop)

// WithMaxBatch caps how many lines are processed between liveness checks.
func WithMaxBatch(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxBatch = n
		}
	}
}

// WithMaxLineBytes sets the longest accepted input line.
func WithMaxLineBytes(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxLineBytes = n
		}
	}
}

// WithDropCounter counts lines skipped for exceeding the line limit.
func WithDropCounter(c prometheus.Counter) Option {
	return func(l *Loop) { l.dropped = c }
}

// New creates a Loop. source labels every record it produces.
func New(proc Processor, source string, logger log.Logger, opts ...Option) *Loop {
	if proc == nil {
		panic(xerrors.New("processor is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	l := &Loop{
		proc:         proc,
		source:       source,
		logger:       logger,
		maxBatch:     defaultMaxBatch,
		maxLineBytes: defaultMaxLineBytes,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run consumes r until EOF, cancellation or keepalive loss. It returns nil on
// EOF and on cancellation, and an error wrapping ErrKeepaliveLost when the
// monitor goes fatal.
func (l *Loop) Run(ctx context.Context, r io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string, l.maxBatch)
	errc := make(chan error, 1)

	go func() {
		errc <- l.scan(ctx, r, lines)
		close(lines)
	}()

	l.logger.Info(ctx, "ingest started", "source", l.source)

	if err := l.run(ctx, lines); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := <-errc; err != nil {
		return fmt.Errorf("read %s: %w", l.source, err)
	}
	l.logger.Info(ctx, "input closed", "source", l.source)
	return nil
}

func (l *Loop) scan(ctx context.Context, r io.Reader, out chan<- string) error {
	br := bufio.NewReaderSize(r, 4096)

	var (
		buf       []byte
		oversized int // bytes seen on the current line once it passed the limit
	)
	for {
		frag, err := br.ReadSlice('\n')
		if len(frag) > 0 {
			if oversized > 0 || len(buf)+len(frag) > l.maxLineBytes+2 {
				oversized += len(buf) + len(frag)
				buf = buf[:0]
			} else {
				buf = append(buf, frag...)
			}
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err != nil && !errors.Is(err, io.EOF):
			return err
		}

		// a full line, or the unterminated tail at EOF
		if oversized > 0 || len(buf) > 0 {
			line := strings.TrimRight(string(buf), "\r\n")
			if oversized > 0 || len(line) > l.maxLineBytes {
				l.drop(ctx, max(oversized, len(buf)))
			} else if !l.send(ctx, out, line) {
				return nil
			}
		}
		buf, oversized = buf[:0], 0

		if err != nil {
			return nil
		}
	}
}

func (l *Loop) send(ctx context.Context, out chan<- string, line string) bool {
	select {
	case out <- line:
		return true
	case <-ctx.Done():
		return false
	}
}

// drop skips a line longer than maxLineBytes. Decoder noise can produce
// these; they are never capture lines, so reading continues.
func (l *Loop) drop(ctx context.Context, n int) {
	if l.dropped != nil {
		l.dropped.Inc()
	}
	l.logger.Warn(ctx, "dropped oversized line", "source", l.source, "bytes", n, "max_line_bytes", l.maxLineBytes)
}

// run processes lines until the channel closes or ctx is done.
func (l *Loop) run(ctx context.Context, lines <-chan string) error {
	for {
		var (
			line string
			ok   bool
		)
		select {
		case <-ctx.Done():
			return nil
		case line, ok = <-lines:
		}
		if !ok {
			return nil
		}

		l.proc.Process(ctx, l.source, line)

	drain:
		for n := 1; n < l.maxBatch; n++ {
			select {
			case line, ok = <-lines:
				if !ok {
					break drain
				}
				l.proc.Process(ctx, l.source, line)
			default:
				break drain
			}
		}

		if ev, fired := l.proc.CheckLiveness(ctx); fired && ev.Kind == liveness.EventFatal {
			return fmt.Errorf("%w: none for %s", ErrKeepaliveLost, ev.Since)
		}
	}
}
