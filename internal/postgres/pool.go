// Package postgres holds the shared connection pool and the query tracer
// that logs, traces and measures every statement.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultMaxConns        = 8
	defaultMaxConnIdleTime = 5 * time.Minute
	pingTimeout            = 5 * time.Second
)

// NewPool parses databaseURL, installs the query tracer and verifies the
// connection. Pool settings in the URL (pool_max_conns etc) take precedence
// over the defaults here.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if !strings.Contains(databaseURL, "pool_max_conns") {
		pcfg.MaxConns = defaultMaxConns
	}
	if !strings.Contains(databaseURL, "pool_max_conn_idle_time") {
		pcfg.MaxConnIdleTime = defaultMaxConnIdleTime
	}

	pcfg.ConnConfig.Tracer = wrapQueryTracer(otelpgx.NewTracer())

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return pool, nil
}
