package incident

import (
	"time"

	"github.com/linnemanlabs/capcode/internal/page"
)

// Record is a parsed page as it leaves the service. The embedded incident is
// shared with the parser output and must be treated as read-only.
type Record struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	ReceivedAt time.Time `json:"received_at"`
	*page.Incident
}

// Clone returns a copy that shares nothing mutable with r.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Incident != nil {
		inc := *r.Incident
		if inc.Units != nil {
			inc.Units = append(make([]string, 0, len(inc.Units)), inc.Units...)
		}
		if inc.Location.Geo != nil {
			geo := *inc.Location.Geo
			inc.Location.Geo = &geo
		}
		cp.Incident = &inc
	}
	return &cp
}
