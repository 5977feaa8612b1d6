// Package recurrence expands recurring-audit rules into concrete calendar
// dates.
//
// # Overview
//
// A Rule describes a repeating schedule: a frequency (weekly, biweekly,
// monthly, quarterly), an optional anchor (day of week for the weekly family,
// day of month for the monthly family) and a validity window. Expand walks the
// window and returns every date the rule fires on, bounded by the rule's end
// date and by a caller-supplied horizon so an open-ended rule never generates
// unbounded output in one call.
//
// Expansion is pure: the reference time is an explicit parameter, the input
// rule is never mutated, and identical inputs always produce identical output.
// Callers own persistence of the returned dates and de-duplication against
// rows they already materialized.
//
// # Anchor semantics
//
// Weekly/BiWeekly: the iteration cursor advances 7/14 days; each emitted date
// is the cursor moved forward to the requested weekday (or the cursor itself
// when no weekday is set).
//
// Monthly/Quarterly: the cursor advances 1/3 calendar months, anchored to the
// start date's day-of-month and clamped in shorter months. The emitted date is
// the requested day-of-month within the cursor's month; when the month is too
// short (day 31 in February) it falls back to the month's last day rather than
// rolling into the next month. The LastDay sentinel always selects the month's
// last day.
package recurrence
