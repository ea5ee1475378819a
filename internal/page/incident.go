package page

import "time"

// Outcome is the terminal classification of a matched line.
type Outcome string

const (
	// OutcomeParsed means the grammar extracted a full incident
	OutcomeParsed Outcome = "parsed"

	// OutcomeKeepalive means the payload was a vendor heartbeat
	OutcomeKeepalive Outcome = "keepalive"

	// OutcomeSkipped means no grammar was attempted, see Reason
	OutcomeSkipped Outcome = "skipped"

	// OutcomeMalformed means the grammar rejected the payload, see Reason
	OutcomeMalformed Outcome = "malformed"
)

// Skip and failure reasons.
const (
	ReasonIgnoreList    = "ignore list"
	ReasonUnknownAgency = "unknown agency"
	ReasonMalformed     = "malformed"
	ReasonCorrupted     = "corrupted"
)

// Geo is a raw coordinate pair as sent by the dispatch center. Values are not validated.
type Geo struct {
	Lat  string `json:"lat"`
	Long string `json:"long"`
}

// Location is where the incident is.
type Location struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
	Geo     *Geo   `json:"geo,omitempty"`
}

// Incident is the structured form of one page. It is built once by the parser
// and must not be modified afterwards; callers that need changes make a copy.
// Fields other than Timestamp, Agency, Capcode, Outcome, Reason and Alpha are
// only set when Outcome is OutcomeParsed.
type Incident struct {
	Timestamp   time.Time `json:"timestamp"`
	Agency      Agency    `json:"agency"`
	Capcode     string    `json:"capcode"`
	Outcome     Outcome   `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
	CallType    string    `json:"call_type,omitempty"`
	CallSubtype string    `json:"call_subtype,omitempty"`
	CallID      string    `json:"call_id,omitempty"`
	CallNotes   string    `json:"call_notes,omitempty"`
	AlarmLevel  string    `json:"alarm_level,omitempty"`
	Channel     string    `json:"channel,omitempty"`
	Location    Location  `json:"location"`
	Units       []string  `json:"units"`
	Alpha       string    `json:"alpha"`
}

// CallTypeLabel joins type and subtype the way dispatch prints them.
func (i *Incident) CallTypeLabel() string {
	if i.CallSubtype != "" {
		return i.CallType + " - " + i.CallSubtype
	}
	return i.CallType
}

// header builds the fields every outcome carries.
func header(c Capture, agency Agency, at time.Time) Incident {
	return Incident{
		Timestamp: at,
		Agency:    agency,
		Capcode:   c.Capcode,
		Alpha:     c.Alpha,
	}
}

func skipped(c Capture, agency Agency, at time.Time, reason string) *Incident {
	inc := header(c, agency, at)
	inc.Outcome = OutcomeSkipped
	inc.Reason = reason
	return &inc
}

func malformed(c Capture, agency Agency, at time.Time, reason string) *Incident {
	inc := header(c, agency, at)
	inc.Outcome = OutcomeMalformed
	inc.Reason = reason
	return &inc
}

func keepalive(c Capture, agency Agency, at time.Time) *Incident {
	inc := header(c, agency, at)
	inc.Outcome = OutcomeKeepalive
	return &inc
}
