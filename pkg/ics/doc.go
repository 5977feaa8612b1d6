// Package ics renders schedule events as an iCalendar (RFC 5545) document.
//
// Events carry whole calendar dates and become all-day VEVENTs; an optional
// "HH:MM" start time turns an event into a timed one-hour VEVENT instead. The
// package has no opinion about where events come from, it only encodes them.
package ics
