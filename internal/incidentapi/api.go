// Package incidentapi exposes the incident service over HTTP.
package incidentapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/capcode/internal/incident"
	"github.com/linnemanlabs/capcode/internal/liveness"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// IncidentService defines the business operations incidentapi needs.
type IncidentService interface {
	Process(ctx context.Context, source, line string) *incident.Record
	Get(ctx context.Context, id string) (*incident.Record, bool, error)
	Recent(ctx context.Context, limit int) ([]*incident.Record, error)
	Liveness() liveness.Status
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    IncidentService
}

// New creates a new API handler.
func New(logger log.Logger, svc IncidentService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router. mw wraps every
// endpoint, typically with authentication.
func (a *API) RegisterRoutes(r chi.Router, mw ...func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw...)
		r.Post("/lines", a.handleSubmitLines)
		r.Get("/incidents", a.handleListIncidents)
		r.Get("/incidents/{id}", a.handleGetIncident)
		r.Get("/liveness", a.handleLiveness)
	})
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("capcode.id", id))

	rec, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("capcode.outcome", string(rec.Outcome)))
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxLimit))
			return
		}
		limit = n
	}

	recs, err := a.svc.Recent(r.Context(), limit)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list incidents", "limit", limit)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": recs,
		"count":     len(recs),
	})
}

func (a *API) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	st := a.svc.Liveness()
	status := http.StatusOK
	if st.State == liveness.StateFatal {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
