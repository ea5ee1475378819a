// Package incident is the business boundary around the page parser. The
// Service runs capture lines through page.Parser, feeds keepalives to the
// liveness monitor, and hands the resulting records to a Store, a Publisher
// and a Notifier.
package incident
