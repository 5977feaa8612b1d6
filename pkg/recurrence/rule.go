package recurrence

import (
	"fmt"
	"strings"
	"time"
)

// Frequency is the closed set of supported recurrence frequencies.
type Frequency string

const (
	Weekly    Frequency = "weekly"
	BiWeekly  Frequency = "biweekly"
	Monthly   Frequency = "monthly"
	Quarterly Frequency = "quarterly"
)

// LastDay is the DayOfMonth sentinel meaning "last calendar day of the month".
const LastDay = -1

// ParseFrequency normalizes and validates a frequency string.
// Unknown values are rejected, never silently defaulted.
func ParseFrequency(s string) (Frequency, error) {
	switch Frequency(strings.ToLower(strings.TrimSpace(s))) {
	case Weekly:
		return Weekly, nil
	case BiWeekly:
		return BiWeekly, nil
	case Monthly:
		return Monthly, nil
	case Quarterly:
		return Quarterly, nil
	default:
		return "", &InvalidRuleError{Field: "frequency", Reason: fmt.Sprintf("unknown frequency %q", s)}
	}
}

// weeklyFamily reports whether the frequency steps in days (7 or 14).
func (f Frequency) weeklyFamily() bool { return f == Weekly || f == BiWeekly }

// stepDays returns the cursor step for the weekly family.
func (f Frequency) stepDays() int {
	if f == BiWeekly {
		return 14
	}
	return 7
}

// stepMonths returns the cursor step for the monthly family.
func (f Frequency) stepMonths() int {
	if f == Quarterly {
		return 3
	}
	return 1
}

// Rule is one recurring-audit schedule rule.
//
// DayOfWeek is only interpreted for Weekly/BiWeekly, DayOfMonth only for
// Monthly/Quarterly; supplying the irrelevant field is legal and ignored.
// Optional fields are pointers so "unset" is distinguishable from zero.
type Rule struct {
	Frequency Frequency

	// DayOfWeek anchors the weekly family: 0 = Sunday ... 6 = Saturday.
	// When nil, the cursor date itself is the recurring day.
	DayOfWeek *int

	// DayOfMonth anchors the monthly family: 1..31, or LastDay (-1).
	// When nil, the cursor date itself is the recurring day.
	DayOfMonth *int

	// Start is the inclusive lower bound of the window.
	Start time.Time

	// End is the optional inclusive upper bound. When nil, only the
	// expansion horizon bounds the output.
	End *time.Time
}

// InvalidRuleError reports a structurally invalid rule. It is surfaced
// synchronously and never retried; degenerate-but-valid windows (end before
// start, zero horizon) are NOT errors and expand to an empty result instead.
type InvalidRuleError struct {
	Field  string
	Reason string
}

func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("invalid recurrence rule: %s: %s", e.Field, e.Reason)
}

// Validate checks the rule's structure. Expansion calls this first so broken
// rules are caught before the loop, not deep inside it.
func (r Rule) Validate() error {
	if _, err := ParseFrequency(string(r.Frequency)); err != nil {
		return err
	}
	if r.DayOfWeek != nil && (*r.DayOfWeek < 0 || *r.DayOfWeek > 6) {
		return &InvalidRuleError{Field: "day_of_week", Reason: fmt.Sprintf("%d out of range 0..6", *r.DayOfWeek)}
	}
	if r.DayOfMonth != nil && *r.DayOfMonth != LastDay && (*r.DayOfMonth < 1 || *r.DayOfMonth > 31) {
		return &InvalidRuleError{Field: "day_of_month", Reason: fmt.Sprintf("%d out of range 1..31 (or -1 for last day)", *r.DayOfMonth)}
	}
	if r.Start.IsZero() {
		return &InvalidRuleError{Field: "start", Reason: "start date is required"}
	}
	return nil
}
