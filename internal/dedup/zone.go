package dedup

import "time"

// Zone is a fixed-rule local time zone with US daylight-saving transitions:
// daylight time starts the second Sunday of March and ends the first Sunday
// of November, each at 02:00 local time.
type Zone struct {
	Standard time.Duration // UTC offset outside daylight time
	Daylight time.Duration // UTC offset during daylight time
}

// Pacific is the reference zone (UTC-8 / UTC-7)
var Pacific = Zone{Standard: -8 * time.Hour, Daylight: -7 * time.Hour}

// nthSunday returns the date (UTC fields) of the n-th Sunday of month in year
func nthSunday(year int, month time.Month, n int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (7 - int(first.Weekday())) % 7
	return first.AddDate(0, 0, offset+7*(n-1))
}

// transitions returns the UTC instants at which daylight time begins and ends in year
func (z Zone) transitions(year int) (start, end time.Time) {
	start = nthSunday(year, time.March, 2).Add(2 * time.Hour).Add(-z.Standard)
	end = nthSunday(year, time.November, 1).Add(2 * time.Hour).Add(-z.Daylight)
	return start, end
}

// OffsetAt returns the UTC offset in effect at instant t
func (z Zone) OffsetAt(t time.Time) time.Duration {
	t = t.UTC()
	start, end := z.transitions(t.Year())
	if !t.Before(start) && t.Before(end) {
		return z.Daylight
	}
	return z.Standard
}

// midnightOffset returns the offset in effect at 00:00 local on the given wall date.
// Transitions happen at 02:00, so midnight of the start day is still standard time
// and midnight of the end day is still daylight time.
func (z Zone) midnightOffset(wallDate time.Time) time.Duration {
	startDay := nthSunday(wallDate.Year(), time.March, 2)
	endDay := nthSunday(wallDate.Year(), time.November, 1)
	if wallDate.After(startDay) && !wallDate.After(endDay) {
		return z.Daylight
	}
	return z.Standard
}

// NextMidnight returns the first local midnight strictly after now, as a UTC instant
func (z Zone) NextMidnight(now time.Time) time.Time {
	wall := now.UTC().Add(z.OffsetAt(now))
	y, m, d := wall.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
	return next.Add(-z.midnightOffset(next))
}

// In returns t on the zone's wall clock
func (z Zone) In(t time.Time) time.Time {
	return t.In(time.FixedZone("", int(z.OffsetAt(t)/time.Second)))
}
