package creditgate

import "time"

// CycleStart returns the start of the monthly cycle containing now: the first
// of the month at 00:00 in loc. A nil loc means UTC.
func CycleStart(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	n := now.In(loc)
	return time.Date(n.Year(), n.Month(), 1, 0, 0, 0, 0, loc)
}

// NextCycleBoundary returns the first instant of the cycle after the one
// containing now. The boundary instant itself belongs to the new cycle.
func NextCycleBoundary(now time.Time, loc *time.Location) time.Time {
	start := CycleStart(now, loc)
	// time.Date normalizes month 13 into January of the next year.
	return time.Date(start.Year(), start.Month()+1, 1, 0, 0, 0, 0, start.Location())
}

// cycleDue reports whether a record whose next boundary is next must reset at now.
func cycleDue(next, now time.Time) bool {
	return !now.Before(next)
}
