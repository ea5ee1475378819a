package page

import (
	"regexp"
	"strings"
	"time"
)

// SNO911 pages look like
//
//	>>FIRE - RESIDENTIAL<<FIRE TAC 12 - Alarm Level: 1 123 MAIN ST/DOWNTOWN/ E1 *E12, L3*notes
//
// The steps below run in order on a shrinking working string; later patterns
// rely on earlier matches having been removed.
var (
	snoTypeRe    = regexp.MustCompile(`^>>([A-Za-z0-9 -]+)<<`)
	snoChannelRe = regexp.MustCompile(`FIRE\s+TAC\s+\d+`)
	snoAlarmRe   = regexp.MustCompile(`-\s+Alarm Level:\s+(\d+)`)
	snoAddressRe = regexp.MustCompile(`^(.*)/(.*?)/\s+([A-Z0-9]+)?\s+\*`)
	snoUnitsRe   = regexp.MustCompile(`^\*([A-Za-z0-9\s,]+)\*?`)
	unitIDRe     = regexp.MustCompile(`^[A-Z]+[0-9]+`)
)

func parseSnohomish(c Capture, agency Agency, at time.Time) *Incident {
	text, done := prelude(c, agency, at, keepaliveSentinel)
	if done != nil {
		return done
	}

	fail := func() *Incident { return malformed(c, agency, at, ReasonMalformed) }

	tm := snoTypeRe.FindStringSubmatch(text)
	if tm == nil {
		return fail()
	}

	inc := header(c, agency, at)
	inc.CallType, inc.CallSubtype = splitCallType(tm[1])
	text = strings.TrimSpace(strings.ReplaceAll(text, tm[0], ""))

	// channel+address / address name / call details
	if len(strings.Split(text, "/")) < 3 {
		return fail()
	}

	if ch := snoChannelRe.FindString(text); ch != "" {
		inc.Channel = ch
		text = strings.TrimSpace(strings.ReplaceAll(text, ch, ""))
	}

	if am := snoAlarmRe.FindStringSubmatch(text); am != nil {
		inc.AlarmLevel = am[1]
		text = strings.TrimSpace(strings.ReplaceAll(text, am[0], ""))
	}

	addr := snoAddressRe.FindStringSubmatch(text)
	if addr == nil {
		return fail()
	}
	inc.Location.Address = strings.TrimSpace(addr[1])
	inc.Location.Name = strings.TrimSpace(addr[2])
	inc.CallID = addr[3]

	// keep the asterisk that opens the unit list
	details := text[len(addr[0])-1:]

	um := snoUnitsRe.FindStringSubmatch(details)
	if um == nil {
		return fail()
	}

	tokens := splitList(um[1])
	if strings.HasSuffix(um[0], "*") {
		inc.CallNotes = strings.TrimSpace(details[len(um[0]):])
	} else if last := tokens[len(tokens)-1]; !unitIDRe.MatchString(last) {
		// page ran out of room mid unit list
		tokens = tokens[:len(tokens)-1]
	}

	inc.Units = make([]string, 0, len(tokens))
	for _, u := range tokens {
		if u != "" {
			inc.Units = append(inc.Units, u)
		}
	}

	inc.Outcome = OutcomeParsed
	return &inc
}
