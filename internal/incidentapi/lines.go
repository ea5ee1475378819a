package incidentapi

import (
	"bufio"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/capcode/internal/incident"
)

// apiSource labels records submitted over HTTP.
const apiSource = "api"

// handleSubmitLines parses a text/plain body of capture lines, one per line.
// Lines that are not capture lines are counted but produce no record.
func (a *API) handleSubmitLines(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	records := make([]*incident.Record, 0)
	unmatched := 0

	sc := bufio.NewScanner(r.Body)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if rec := a.svc.Process(ctx, apiSource, line); rec != nil {
			records = append(records, rec)
		} else {
			unmatched++
		}
	}
	if err := sc.Err(); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		case errors.Is(err, bufio.ErrTooLong):
			writeError(w, http.StatusBadRequest, "line too long")
		default:
			a.logger.Warn(ctx, "failed to read submitted lines", "error", err)
			writeError(w, http.StatusBadRequest, "invalid body")
		}
		return
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("capcode.lines.matched", len(records)),
		attribute.Int("capcode.lines.unmatched", unmatched),
	)

	if len(records) == 0 && unmatched == 0 {
		writeError(w, http.StatusBadRequest, "no lines submitted")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"records":   records,
		"unmatched": unmatched,
	})
}
