package page

// Agency identifies the dispatch center whose grammar produced a page.
type Agency string

const (
	// AgencyUnknown is any capcode without a known prefix
	AgencyUnknown Agency = "unknown"

	// AgencyNorcom is NORCOM (capcodes 147xxxx and 117xxxx)
	AgencyNorcom Agency = "norcom"

	// AgencySnohomish911 is SNO911 (capcodes 131xxxx)
	AgencySnohomish911 Agency = "snohomish911"

	// AgencyValcom is never produced by Classify; it parses with the NORCOM grammar.
	AgencyValcom Agency = "valcom"
)

// Classify maps a capcode to its agency by prefix.
func Classify(capcode string) Agency {
	if len(capcode) < 3 {
		return AgencyUnknown
	}
	switch capcode[:3] {
	case "147", "117":
		return AgencyNorcom
	case "131":
		return AgencySnohomish911
	default:
		return AgencyUnknown
	}
}
