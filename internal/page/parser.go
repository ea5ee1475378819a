package page

import (
	"strings"
	"time"
)

// Parser runs capture lines through matching, classification and the agency
// grammars. It holds no mutable state and is safe for concurrent use.
type Parser struct {
	ignore map[string]struct{}
	now    func() time.Time
}

// Option configures a Parser.
type Option func(*Parser)

// WithClock sets the clock used to stamp incidents.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) {
		if now != nil {
			p.now = now
		}
	}
}

// NewParser returns a Parser that skips every capcode in ignore.
func NewParser(ignore []string, opts ...Option) *Parser {
	p := &Parser{
		ignore: make(map[string]struct{}, len(ignore)),
		now:    time.Now,
	}
	for _, code := range ignore {
		if code = strings.TrimSpace(code); code != "" {
			p.ignore[code] = struct{}{}
		}
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ParseLine matches and parses a raw capture line. It reports false when the
// line is not a capture line, in which case there is no incident.
func (p *Parser) ParseLine(line string) (*Incident, bool) {
	c, ok := Match(line)
	if !ok {
		return nil, false
	}
	return p.Parse(c), true
}

// Parse classifies the capture by capcode and parses it.
func (p *Parser) Parse(c Capture) *Incident {
	return p.ParseAs(c, Classify(c.Capcode))
}

// ParseAs parses the capture with the grammar of the given agency.
// Ignored capcodes are skipped before any grammar runs.
func (p *Parser) ParseAs(c Capture, agency Agency) *Incident {
	at := p.now()

	if p.Ignored(c.Capcode) {
		return skipped(c, agency, at, ReasonIgnoreList)
	}

	g := grammarFor(agency)
	if g == nil {
		return skipped(c, agency, at, ReasonUnknownAgency)
	}
	return g(c, agency, at)
}

// Ignored reports whether the capcode is on the ignore list.
func (p *Parser) Ignored(capcode string) bool {
	_, ok := p.ignore[capcode]
	return ok
}
