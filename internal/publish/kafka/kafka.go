// Package kafka publishes incident records to Kafka or Redpanda.
//
// Parsed pages go to "<prefix>.<agency>" keyed by a slug of the call type, so
// every call type for an agency lands on one partition in order. Keepalives go
// to "<prefix>.keepalive" keyed by capcode.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/linnemanlabs/capcode/internal/incident"
	"github.com/linnemanlabs/capcode/internal/page"
)

// KeepaliveTopicSuffix is appended to the prefix for keepalive records.
const KeepaliveTopicSuffix = "keepalive"

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("kafka: publisher is closed")

// producer is the subset of *kgo.Client the publisher uses.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Publisher produces incident records synchronously.
type Publisher struct {
	client producer
	prefix string

	mu     sync.RWMutex
	closed bool
}

// New connects a franz-go client to the seed brokers.
func New(brokers []string, prefix string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker address is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.ClientID("capcode"),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: create client: %w", err)
	}
	return newPublisher(client, prefix), nil
}

func newPublisher(client producer, prefix string) *Publisher {
	return &Publisher{
		client: client,
		prefix: strings.Trim(prefix, "."),
	}
}

// Publish sends one record and waits for the broker to acknowledge it.
func (p *Publisher) Publish(ctx context.Context, rec *incident.Record) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	kr, err := p.Record(rec)
	if err != nil {
		return err
	}

	if err := p.client.ProduceSync(ctx, kr).FirstErr(); err != nil {
		return fmt.Errorf("kafka: produce to %s: %w", kr.Topic, err)
	}
	return nil
}

// Record builds the Kafka record for rec.
func (p *Publisher) Record(rec *incident.Record) (*kgo.Record, error) {
	if rec == nil || rec.Incident == nil {
		return nil, errors.New("kafka: record has no incident")
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("kafka: marshal record: %w", err)
	}

	return &kgo.Record{
		Topic:     Topic(p.prefix, rec.Incident),
		Key:       []byte(Key(rec.Incident)),
		Value:     value,
		Timestamp: rec.Timestamp,
		Headers: []kgo.RecordHeader{
			{Key: "id", Value: []byte(rec.ID)},
			{Key: "agency", Value: []byte(rec.Agency)},
			{Key: "outcome", Value: []byte(rec.Outcome)},
		},
	}, nil
}

// Close closes the client. Produces are synchronous so there is nothing to flush.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	p.client.Close()
}

// Topic returns the topic for an incident.
func Topic(prefix string, inc *page.Incident) string {
	suffix := string(inc.Agency)
	if inc.Outcome == page.OutcomeKeepalive {
		suffix = KeepaliveTopicSuffix
	}
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}

// Key returns the partition key for an incident.
func Key(inc *page.Incident) string {
	if inc.Outcome == page.OutcomeKeepalive {
		return inc.Capcode
	}
	if s := Slug(inc.CallType); s != "" {
		return s
	}
	return "unknown"
}

// Slug lowercases s and collapses every run of other characters to one
// underscore: "AID EMERGENCY" becomes "aid_emergency".
func Slug(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pending := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}
