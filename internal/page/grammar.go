package page

import (
	"strings"
	"time"
	"unicode/utf8"
)

// keepaliveSentinel is sent by the PageGate paging gateway in place of an incident.
const keepaliveSentinel = "PAGEGATE KEEP ALIVE"

// corruptMarkers are modem control codes that only show up in garbled decodes.
var corruptMarkers = []string{"<SOH>", "<DEL>", "<SI>", "<CAN>", "<EM>", "<DC2>", "<DC4>", "<NAK>"}

// grammar turns one capture into an incident for a given agency.
type grammar func(c Capture, agency Agency, at time.Time) *Incident

// grammarFor selects the grammar for an agency, or nil when there is none.
func grammarFor(agency Agency) grammar {
	switch agency {
	case AgencyNorcom, AgencyValcom:
		return parseNorcom
	case AgencySnohomish911:
		return parseSnohomish
	default:
		return nil
	}
}

// prelude strips end markers and screens out keepalives and corrupted payloads.
// A non-nil incident means the grammar is finished.
func prelude(c Capture, agency Agency, at time.Time, sentinel string) (string, *Incident) {
	text := stripMarkers(c.Alpha)
	if strings.Contains(text, sentinel) {
		return "", keepalive(c, agency, at)
	}
	for _, mk := range corruptMarkers {
		if strings.Contains(text, mk) {
			return "", malformed(c, agency, at, ReasonCorrupted)
		}
	}
	return text, nil
}

// splitCallType splits "TYPE - SUBTYPE" on the first hyphen.
func splitCallType(s string) (callType, subtype string) {
	before, after, found := strings.Cut(s, "-")
	if !found {
		return strings.TrimSpace(s), ""
	}
	return strings.TrimSpace(before), strings.TrimSpace(after)
}

// splitList splits a comma separated list and trims every item.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
