package recurrence

import (
	"time"
)

// Expand materializes rule into the ordered set of calendar dates it fires on.
//
// The window is [rule.Start, min(rule.End, date(now)+horizonDays)], both ends
// inclusive. Returned dates are normalized to midnight UTC, strictly
// ascending, and free of duplicates. An empty window yields an empty slice;
// only a structurally invalid rule yields an error (*InvalidRuleError).
//
// now is the caller's reference clock. It is a parameter, not a global read,
// so expansion is deterministic and trivially testable.
func Expand(rule Rule, horizonDays int, now time.Time) ([]time.Time, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	start := DateOf(rule.Start)
	end := DateOf(now).AddDate(0, 0, horizonDays)
	if rule.End != nil {
		if e := DateOf(*rule.End); e.Before(end) {
			end = e
		}
	}
	if end.Before(start) {
		return []time.Time{}, nil
	}

	var dates []time.Time
	emit := func(d time.Time) {
		if d.Before(start) || d.After(end) {
			return
		}
		if n := len(dates); n > 0 && !dates[n-1].Before(d) {
			return
		}
		dates = append(dates, d)
	}

	if rule.Frequency.weeklyFamily() {
		step := rule.Frequency.stepDays()
		for cursor := start; !cursor.After(end); cursor = cursor.AddDate(0, 0, step) {
			target := cursor
			if rule.DayOfWeek != nil {
				// Next occurrence of the requested weekday on/after the cursor.
				delta := (*rule.DayOfWeek - int(cursor.Weekday()) + 7) % 7
				target = cursor.AddDate(0, 0, delta)
			}
			emit(target)
		}
		return dates, nil
	}

	step := rule.Frequency.stepMonths()
	// The cursor is always recomputed from the anchor so clamping in a short
	// month (Jan 31 -> Feb 28) doesn't shift every later iteration.
	for i := 0; ; i++ {
		cursor := addMonthsClamped(start, i*step)
		if cursor.After(end) {
			break
		}
		target := cursor
		if rule.DayOfMonth != nil {
			y, m, _ := cursor.Date()
			day := *rule.DayOfMonth
			if last := daysInMonth(y, m); day == LastDay || day > last {
				day = last
			}
			target = time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
		}
		emit(target)
	}
	return dates, nil
}

// DateOf truncates t to its calendar date (midnight UTC). The year, month and
// day are taken in t's own location, so "today" means today on the caller's
// wall clock.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// addMonthsClamped advances d by the given number of calendar months, keeping
// d's day-of-month but clamping to the target month's length. Unlike
// time.Time.AddDate it never rolls into the following month.
func addMonthsClamped(d time.Time, months int) time.Time {
	y, m, day := d.Date()
	total := int(m) - 1 + months
	y += total / 12
	m = time.Month(total%12 + 1)
	if last := daysInMonth(y, m); day > last {
		day = last
	}
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

func daysInMonth(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
