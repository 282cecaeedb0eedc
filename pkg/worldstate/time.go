package worldstate

import "time"

// ISOInstant is the timestamp layout used everywhere in the document:
// millisecond precision, Z for UTC.
const ISOInstant = "2006-01-02T15:04:05.000Z07:00"

// SimEpoch is the fixed origin of simulated time.
var SimEpoch = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

// NowISO formats t as a document instant in UTC.
func NowISO(t time.Time) string {
	return t.UTC().Format(ISOInstant)
}
