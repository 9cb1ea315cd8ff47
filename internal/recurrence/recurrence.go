// Package recurrence computes the next occurrence of a recurring task.
//
// All calendar arithmetic happens in the task's configured timezone using
// calendar-field addition, so a 09:00 local reminder stays at 09:00 local
// across DST transitions. The interval variant adds an absolute duration and
// deliberately drifts across DST.
package recurrence

import (
	"time"

	"github.com/robfig/cron/v3"

	"remindd/internal/domain"
)

// maxYear guards against date arithmetic running off the representable range;
// anything past it is reported as series-ended.
const maxYear = 9999

// Next computes the occurrence following `from`, where `from` is occurrence
// `seq` of the series. It returns false when the series has ended: the end
// date is exceeded, max occurrences is reached, or the date overflows.
// Pure and deterministic for identical inputs.
func Next(rule domain.RecurrenceRule, from time.Time, seq int, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	if rule.MaxOccurrences != nil && seq+1 >= *rule.MaxOccurrences {
		return time.Time{}, false
	}

	var next time.Time
	switch rule.Freq {
	case domain.FreqDaily:
		if rule.Interval <= 0 {
			return time.Time{}, false
		}
		next = addDays(from, rule.Interval, loc)
	case domain.FreqWeekly:
		if rule.Interval <= 0 {
			return time.Time{}, false
		}
		if len(rule.ByWeekday) == 0 {
			next = addDays(from, 7*rule.Interval, loc)
		} else {
			next = nextWeekday(rule, from, loc)
		}
	case domain.FreqMonthly:
		if rule.Interval <= 0 {
			return time.Time{}, false
		}
		next = addMonthsClamped(from, rule.Interval, loc)
	case domain.FreqInterval:
		if rule.Every <= 0 {
			return time.Time{}, false
		}
		next = from.Add(rule.Every)
	case domain.FreqCron:
		sched, err := cron.ParseStandard(rule.Expr)
		if err != nil {
			return time.Time{}, false
		}
		next = sched.Next(from.In(loc))
		if next.IsZero() {
			return time.Time{}, false
		}
	default:
		return time.Time{}, false
	}

	if next.Year() > maxYear {
		return time.Time{}, false
	}
	if rule.EndDate != nil && next.After(*rule.EndDate) {
		return time.Time{}, false
	}
	return next, true
}

// DueAt walks the series forward from its anchor (the task's own due time,
// occurrence 0) to the due time of occurrence seq. It lets the scheduler
// reconstruct any occurrence's due time statelessly, which keeps replay after
// a crash exact even when fire times were clamped.
func DueAt(rule domain.RecurrenceRule, anchor time.Time, seq int, loc *time.Location) (time.Time, bool) {
	t := anchor
	for i := 0; i < seq; i++ {
		next, ok := Next(rule, t, i, loc)
		if !ok {
			return time.Time{}, false
		}
		t = next
	}
	return t, true
}

// addDays adds calendar days preserving local wall-clock time-of-day.
func addDays(t time.Time, days int, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day()+days, lt.Hour(), lt.Minute(), lt.Second(), lt.Nanosecond(), loc)
}

// addMonthsClamped adds months preserving day-of-month, clamping to the last
// day of the target month when it is shorter (Jan 31 + 1 month = Feb 28/29).
func addMonthsClamped(t time.Time, months int, loc *time.Location) time.Time {
	lt := t.In(loc)
	// months since year 0, normalized back to (year, month)
	total := lt.Year()*12 + int(lt.Month()) - 1 + months
	year, month := total/12, time.Month(total%12+1)
	day := lt.Day()
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, lt.Hour(), lt.Minute(), lt.Second(), lt.Nanosecond(), loc)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// nextWeekday finds the earliest date strictly after `from` falling on one of
// the configured weekdays. The interval counts week-cycles anchored on the
// set's earliest member (Monday-first ordering): when the scan wraps around
// to that member, interval-1 extra weeks are added.
func nextWeekday(rule domain.RecurrenceRule, from time.Time, loc *time.Location) time.Time {
	set := make(map[time.Weekday]bool, len(rule.ByWeekday))
	for _, wd := range rule.ByWeekday {
		set[wd] = true
	}
	first := earliestWeekday(rule.ByWeekday)
	for d := 1; d <= 7; d++ {
		cand := addDays(from, d, loc)
		if !set[cand.Weekday()] {
			continue
		}
		if cand.Weekday() == first && rule.Interval > 1 {
			cand = addDays(cand, 7*(rule.Interval-1), loc)
		}
		return cand
	}
	// unreachable: the set is non-empty, so a 7-day scan always hits
	return addDays(from, 7*rule.Interval, loc)
}

func earliestWeekday(set []time.Weekday) time.Weekday {
	best := set[0]
	for _, wd := range set[1:] {
		if isoIndex(wd) < isoIndex(best) {
			best = wd
		}
	}
	return best
}

// isoIndex maps a weekday onto Monday-first ordering (Mon=0 .. Sun=6).
func isoIndex(d time.Weekday) int {
	return (int(d) + 6) % 7
}
