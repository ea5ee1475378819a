// Package page turns raw POCSAG capture lines into incident records.
//
// A line is matched against the capture format, its capcode is classified to an
// issuing agency, and the agency's grammar extracts call type, location, units
// and the other incident fields. Every matched line yields exactly one Incident
// whose Outcome is parsed, keepalive, skipped or malformed. Nothing in this
// package performs I/O or keeps state between lines.
package page
