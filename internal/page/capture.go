package page

import (
	"regexp"
	"strings"
)

// captureRe matches decoder output such as
// "POCSAG1200: Address: 1471234  Function: 0  Alpha:   <payload>".
var captureRe = regexp.MustCompile(`^\s*(\S+):\s+Address:\s+(\d+)\s+Function:\s+(\d)\s+Alpha:(.*)$`)

// endMarkers are appended by the decoder at the end of a transmission.
var endMarkers = []string{"<EOT>", "<NUL>"}

// Capture is a single decoded page split into capcode and alpha payload.
type Capture struct {
	Raw     string
	Capcode string
	Alpha   string
}

// Match extracts the capcode and alpha payload from one capture line.
// It reports false when the line is not in capture format or either group is empty.
func Match(line string) (Capture, bool) {
	m := captureRe.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return Capture{}, false
	}

	capcode := strings.TrimSpace(m[2])
	alpha := trimEndMarkers(strings.TrimSpace(m[4]))
	if capcode == "" || alpha == "" {
		return Capture{}, false
	}

	return Capture{Raw: line, Capcode: capcode, Alpha: alpha}, true
}

// trimEndMarkers removes any run of trailing end-of-transmission markers.
func trimEndMarkers(s string) string {
	for {
		trimmed := false
		for _, mk := range endMarkers {
			if strings.HasSuffix(s, mk) {
				s = strings.TrimSpace(strings.TrimSuffix(s, mk))
				trimmed = true
			}
		}
		if !trimmed {
			return s
		}
	}
}

// stripMarkers removes every end marker from a payload, wherever it occurs.
func stripMarkers(s string) string {
	for _, mk := range endMarkers {
		s = strings.ReplaceAll(s, mk, "")
	}
	return s
}
