package incident

import (
	"context"

	"github.com/linnemanlabs/capcode/internal/liveness"
)

// Store is the persistence interface for incident records.
type Store interface {
	Get(ctx context.Context, id string) (*Record, bool, error)
	Put(ctx context.Context, rec *Record) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]*Record, error)
}

// Publisher forwards records to a message bus.
type Publisher interface {
	Publish(ctx context.Context, rec *Record) error
}

// Notifier tells humans about new incidents and keepalive trouble.
type Notifier interface {
	NotifyIncident(ctx context.Context, rec *Record) error
	NotifyLiveness(ctx context.Context, ev liveness.Event) error
}
