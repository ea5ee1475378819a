// Package pgstore provides a PostgreSQL implementation of incident.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/capcode/internal/incident"
	"github.com/linnemanlabs/capcode/internal/page"
	"github.com/linnemanlabs/capcode/internal/postgres"
)

var tracer = otel.Tracer("github.com/linnemanlabs/capcode/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists incident records in PostgreSQL. The pool is owned by the caller.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const incidentColumns = `id, source, received_at, paged_at, agency, capcode, outcome, reason,
	call_type, call_subtype, call_id, call_notes, alarm_level, channel,
	location_name, address, geo_lat, geo_long, units, alpha`

// Get retrieves a record by ID.
func (s *Store) Get(ctx context.Context, id string) (*incident.Record, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()
	ctx = postgres.WithOperation(ctx, "incident.get")

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	r, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("get incident %s: %w", id, err)
	}
	return r, true, nil
}

// Put inserts or replaces a record.
func (s *Store) Put(ctx context.Context, r *incident.Record) error {
	ctx, span := tracer.Start(ctx, "pgstore.Put", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()
	ctx = postgres.WithOperation(ctx, "incident.put")

	inc := r.Incident
	if inc == nil {
		inc = &page.Incident{}
	}

	var lat, long *string
	if g := inc.Location.Geo; g != nil {
		lat, long = &g.Lat, &g.Long
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO incidents (`+incidentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			source = EXCLUDED.source,
			received_at = EXCLUDED.received_at,
			paged_at = EXCLUDED.paged_at,
			agency = EXCLUDED.agency,
			capcode = EXCLUDED.capcode,
			outcome = EXCLUDED.outcome,
			reason = EXCLUDED.reason,
			call_type = EXCLUDED.call_type,
			call_subtype = EXCLUDED.call_subtype,
			call_id = EXCLUDED.call_id,
			call_notes = EXCLUDED.call_notes,
			alarm_level = EXCLUDED.alarm_level,
			channel = EXCLUDED.channel,
			location_name = EXCLUDED.location_name,
			address = EXCLUDED.address,
			geo_lat = EXCLUDED.geo_lat,
			geo_long = EXCLUDED.geo_long,
			units = EXCLUDED.units,
			alpha = EXCLUDED.alpha`,
		r.ID, r.Source, r.ReceivedAt, inc.Timestamp, string(inc.Agency), inc.Capcode,
		string(inc.Outcome), inc.Reason, inc.CallType, inc.CallSubtype, inc.CallID,
		inc.CallNotes, inc.AlarmLevel, inc.Channel, inc.Location.Name, inc.Location.Address,
		lat, long, inc.Units, inc.Alpha,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert incident %s: %w", r.ID, err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*incident.Record, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Recent", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
		attribute.Int("db.limit", limit),
	))
	defer span.End()
	ctx = postgres.WithOperation(ctx, "incident.recent")

	if limit <= 0 {
		return []*incident.Record{}, nil
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents ORDER BY received_at DESC, id DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	out := make([]*incident.Record, 0, limit)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate recent: %w", err)
	}
	return out, nil
}

// scanRecord scans a single row. pgx.ErrNoRows is returned unwrapped.
func scanRecord(row pgx.Row) (*incident.Record, error) {
	var (
		r         incident.Record
		inc       page.Incident
		agency    string
		outcome   string
		lat, long *string
	)

	err := row.Scan(
		&r.ID, &r.Source, &r.ReceivedAt, &inc.Timestamp, &agency, &inc.Capcode, &outcome, &inc.Reason,
		&inc.CallType, &inc.CallSubtype, &inc.CallID, &inc.CallNotes, &inc.AlarmLevel, &inc.Channel,
		&inc.Location.Name, &inc.Location.Address, &lat, &long, &inc.Units, &inc.Alpha,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	inc.Agency = page.Agency(agency)
	inc.Outcome = page.Outcome(outcome)
	if lat != nil || long != nil {
		inc.Location.Geo = &page.Geo{}
		if lat != nil {
			inc.Location.Geo.Lat = *lat
		}
		if long != nil {
			inc.Location.Geo.Long = *long
		}
	}
	r.Incident = &inc
	return &r, nil
}
