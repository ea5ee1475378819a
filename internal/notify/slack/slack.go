// Package slack sends incident and keepalive notifications to Slack via
// incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/capcode/internal/incident"
	"github.com/linnemanlabs/capcode/internal/liveness"
	"github.com/linnemanlabs/capcode/internal/page"
)

const (
	maxNotesLen = 2000
	httpTimeout = 10 * time.Second
)

// Notifier posts incidents and liveness transitions to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, every send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// NotifyIncident posts a parsed page.
func (n *Notifier) NotifyIncident(ctx context.Context, rec *incident.Record) error {
	if rec == nil || rec.Incident == nil {
		return nil
	}
	return n.post(ctx, buildIncidentMessage(rec))
}

// NotifyLiveness posts a keepalive state change.
func (n *Notifier) NotifyLiveness(ctx context.Context, ev liveness.Event) error {
	return n.post(ctx, buildLivenessMessage(ev))
}

func (n *Notifier) post(ctx context.Context, msg map[string]any) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack notification sent", "bytes", len(body))
	return nil
}

func buildIncidentMessage(r *incident.Record) map[string]any {
	blocks := []map[string]any{
		incidentHeaderBlock(r),
		{"type": "divider"},
		incidentFieldsBlock(r),
		locationBlock(r.Incident),
	}
	if r.CallNotes != "" {
		blocks = append(blocks, notesBlock(r.CallNotes))
	}
	blocks = append(blocks,
		{"type": "divider"},
		contextBlock(fmt.Sprintf("capcode • %s • %s • %s", r.Capcode, r.ID, stamp(r.Timestamp))),
	)
	return map[string]any{
		"text":   fmt.Sprintf("%s: %s", agencyLabel(r.Agency), r.CallTypeLabel()),
		"blocks": blocks,
	}
}

func incidentHeaderBlock(r *incident.Record) map[string]any {
	text := fmt.Sprintf("%s %s: %s", callEmoji(r.CallType), agencyLabel(r.Agency), r.CallTypeLabel())
	return headerBlock(text)
}

func incidentFieldsBlock(r *incident.Record) map[string]any {
	units := strings.Join(r.Units, ", ")
	if units == "" {
		units = "-"
	}

	fields := []map[string]any{
		mrkdwn(fmt.Sprintf("*Units:* %s", units)),
		mrkdwn(fmt.Sprintf("*Channel:* %s", orDash(r.Channel))),
	}
	if r.AlarmLevel != "" {
		fields = append(fields, mrkdwn(fmt.Sprintf("*Alarm level:* %s", r.AlarmLevel)))
	}
	if r.CallID != "" {
		fields = append(fields, mrkdwn(fmt.Sprintf("*Call:* %s", r.CallID)))
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func locationBlock(inc *page.Incident) map[string]any {
	loc := inc.Location
	lines := make([]string, 0, 3)
	if loc.Name != "" {
		lines = append(lines, "*"+loc.Name+"*")
	}
	lines = append(lines, orDash(loc.Address))
	if link := mapLink(loc.Geo); link != "" {
		lines = append(lines, fmt.Sprintf("<%s|map>", link))
	}
	return map[string]any{
		"type": "section",
		"text": mrkdwn(strings.Join(lines, "\n")),
	}
}

func notesBlock(notes string) map[string]any {
	return map[string]any{
		"type": "section",
		"text": mrkdwn(fmt.Sprintf("*Notes*\n%s", truncate(notes, maxNotesLen))),
	}
}

func buildLivenessMessage(ev liveness.Event) map[string]any {
	var title string
	switch ev.Kind {
	case liveness.EventResumed:
		title = "\U0001f7e2 Pager keepalives resumed"
	case liveness.EventStale:
		title = "\U0001f7e1 Pager keepalive missed"
	case liveness.EventFatal:
		title = "\U0001f534 Pager keepalive lost, collector stopping"
	default:
		title = "Pager keepalive " + string(ev.Kind)
	}

	return map[string]any{
		"text": title,
		"blocks": []map[string]any{
			headerBlock(title),
			{
				"type": "section",
				"text": mrkdwn(fmt.Sprintf("*Since last keepalive:* %s", ev.Since.Round(time.Second))),
			},
			contextBlock(fmt.Sprintf("capcode • %s", stamp(ev.At))),
		},
	}
}

func headerBlock(text string) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(text, 150),
		},
	}
}

func contextBlock(text string) map[string]any {
	return map[string]any{
		"type":     "context",
		"elements": []map[string]any{mrkdwn(text)},
	}
}

func mrkdwn(text string) map[string]any {
	return map[string]any{"type": "mrkdwn", "text": text}
}

func agencyLabel(a page.Agency) string {
	switch a {
	case page.AgencyNorcom:
		return "NORCOM"
	case page.AgencySnohomish911:
		return "SNO911"
	case page.AgencyValcom:
		return "ValleyCom"
	default:
		return strings.ToUpper(string(a))
	}
}

func callEmoji(callType string) string {
	ct := strings.ToUpper(callType)
	switch {
	case strings.Contains(ct, "FIRE"):
		return "\U0001f525" // fire
	case strings.Contains(ct, "AID"), strings.Contains(ct, "MEDIC"):
		return "\U0001f691" // ambulance
	case strings.Contains(ct, "MVA"), strings.Contains(ct, "MVC"):
		return "\U0001f697" // car
	default:
		return "\U0001f4df" // pager
	}
}

func mapLink(g *page.Geo) string {
	if g == nil || g.Lat == "" || g.Long == "" {
		return ""
	}
	q := url.Values{}
	q.Set("query", g.Lat+","+g.Long)
	return "https://www.google.com/maps/search/?api=1&" + q.Encode()
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
