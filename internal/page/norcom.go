package page

import (
	"strings"
	"time"
)

// NORCOM pages are seven semicolon separated fields:
//
//	call; channel; address name; street; units; lat; long
const norcomFields = 7

// minUnitLen drops fragments left behind when a page is cut off mid unit list.
const minUnitLen = 3

var (
	norcomCallStrip    = strings.NewReplacer("<", "", ">", "")
	norcomChannelStrip = strings.NewReplacer("*", "", "-", "", " ", "")
)

func parseNorcom(c Capture, agency Agency, at time.Time) *Incident {
	text, done := prelude(c, agency, at, keepaliveSentinel)
	if done != nil {
		return done
	}

	fields := strings.Split(strings.ReplaceAll(text, ";;", ";"), ";")
	if len(fields) != norcomFields {
		return malformed(c, agency, at, ReasonMalformed)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	call, channel, name, street, units, lat, long := fields[0], fields[1], fields[2], fields[3], fields[4], fields[5], fields[6]

	if street == "" {
		return malformed(c, agency, at, ReasonMalformed)
	}

	inc := header(c, agency, at)
	inc.CallType, inc.CallSubtype = splitCallType(norcomCallStrip.Replace(call))
	inc.Channel = norcomChannelStrip.Replace(channel)
	inc.Location = Location{
		Name:    name,
		Address: street,
		Geo:     &Geo{Lat: lat, Long: long},
	}

	inc.Units = make([]string, 0, strings.Count(units, ",")+1)
	for _, u := range splitList(units) {
		if runeLen(u) >= minUnitLen {
			inc.Units = append(inc.Units, u)
		}
	}

	inc.Outcome = OutcomeParsed
	return &inc
}
