package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// RepeatType is the local recurrence frequency.
type RepeatType string

const (
	RepeatDaily       RepeatType = "daily"
	RepeatWeekly      RepeatType = "weekly"
	RepeatMonthly     RepeatType = "monthly"
	RepeatYearly      RepeatType = "yearly"
	RepeatWorkingDays RepeatType = "workingdays"
	RepeatWeekend     RepeatType = "weekend"
)

// Weekday codes in Monday-first order, as used in ByDay entries.
var WeekdayCodes = [7]string{"MO", "TU", "WE", "TH", "FR", "SA", "SU"}

// Recurrence is the pattern of a recurring master event.
//
// ByDay entries are weekday codes, optionally prefixed by a week index for
// monthly patterns: "MO", "2TU", "-1FR". Until is inclusive and Count is
// ignored when Until is set.
type Recurrence struct {
	Type       RepeatType `json:"type"`
	Interval   int        `json:"interval,omitempty"`
	ByDay      []string   `json:"by_day,omitempty"`
	ByMonthDay []int      `json:"by_month_day,omitempty"`
	ByYearDay  []int      `json:"by_year_day,omitempty"`
	Until      *time.Time `json:"until,omitempty"`
	Count      int        `json:"count,omitempty"`
}

// Bounded reports whether the series has a finite number of occurrences.
func (r *Recurrence) Bounded() bool {
	return r.Until != nil || r.Count > 0
}

// ParseByDay splits a ByDay entry into its week index (0 when absent) and
// weekday code.
func ParseByDay(s string) (int, string, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) < 2 {
		return 0, "", fmt.Errorf("by-day %q is too short", s)
	}
	code := s[len(s)-2:]
	if weekdayIndex(code) < 0 {
		return 0, "", fmt.Errorf("by-day %q has unknown weekday", s)
	}
	if len(s) == 2 {
		return 0, code, nil
	}
	n, err := strconv.Atoi(s[:len(s)-2])
	if err != nil {
		return 0, "", fmt.Errorf("by-day %q has invalid week index: %w", s, err)
	}
	return n, code, nil
}

// Rule renders the recurrence as an RFC 5545 rule anchored at start in loc.
// Weekdays and month days are evaluated in loc, so a stored UTC start must
// be paired with the zone the series was created in. A nil loc keeps
// start's own zone.
func (r *Recurrence) Rule(start time.Time, loc *time.Location) (*rrule.RRule, error) {
	if loc != nil {
		start = start.In(loc)
	}
	opt := rrule.ROption{
		Dtstart:  start,
		Interval: r.Interval,
	}
	if opt.Interval < 1 {
		opt.Interval = 1
	}

	switch r.Type {
	case RepeatDaily:
		opt.Freq = rrule.DAILY
	case RepeatWeekly:
		opt.Freq = rrule.WEEKLY
		days, err := ruleWeekdays(r.ByDay)
		if err != nil {
			return nil, err
		}
		opt.Byweekday = days
	case RepeatWorkingDays:
		opt.Freq = rrule.WEEKLY
		opt.Byweekday = []rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR}
	case RepeatWeekend:
		opt.Freq = rrule.WEEKLY
		opt.Byweekday = []rrule.Weekday{rrule.SA, rrule.SU}
	case RepeatMonthly:
		opt.Freq = rrule.MONTHLY
		switch {
		case len(r.ByMonthDay) > 0:
			opt.Bymonthday = r.ByMonthDay
		case len(r.ByDay) > 0:
			days, err := ruleWeekdays(r.ByDay)
			if err != nil {
				return nil, err
			}
			opt.Byweekday = days
		}
	case RepeatYearly:
		opt.Freq = rrule.YEARLY
		if len(r.ByYearDay) > 0 {
			opt.Byyearday = r.ByYearDay
		}
	default:
		return nil, fmt.Errorf("unsupported repeat type %q", r.Type)
	}

	switch {
	case r.Until != nil:
		opt.Until = r.Until.In(start.Location())
	case r.Count > 0:
		opt.Count = r.Count
	}

	rule, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("building rule for %s recurrence: %w", r.Type, err)
	}
	return rule, nil
}

// LastOccurrence returns the start of the final occurrence of a bounded
// series, skipping cancelled occurrences. ok is false for unbounded series
// or when every occurrence was cancelled.
func (r *Recurrence) LastOccurrence(start time.Time, loc *time.Location, exceptionIDs []string) (time.Time, bool, error) {
	if !r.Bounded() {
		return time.Time{}, false, nil
	}
	rule, err := r.Rule(start, loc)
	if err != nil {
		return time.Time{}, false, err
	}
	cancelled := make(map[string]bool, len(exceptionIDs))
	for _, id := range exceptionIDs {
		cancelled[id] = true
	}
	all := rule.All()
	for i := len(all) - 1; i >= 0; i-- {
		if !cancelled[RecurrenceID(all[i])] {
			return all[i], true, nil
		}
	}
	return time.Time{}, false, nil
}

// OccurrencesBetween returns the occurrence starts in [from, to], expanded
// in loc.
func (r *Recurrence) OccurrencesBetween(start time.Time, loc *time.Location, from, to time.Time) ([]time.Time, error) {
	rule, err := r.Rule(start, loc)
	if err != nil {
		return nil, err
	}
	return rule.Between(from, to, true), nil
}

func ruleWeekdays(byDay []string) ([]rrule.Weekday, error) {
	days := make([]rrule.Weekday, 0, len(byDay))
	for _, entry := range byDay {
		n, code, err := ParseByDay(entry)
		if err != nil {
			return nil, err
		}
		day := ruleWeekday(code)
		if n != 0 {
			day = day.Nth(n)
		}
		days = append(days, day)
	}
	return days, nil
}

func ruleWeekday(code string) rrule.Weekday {
	switch code {
	case "TU":
		return rrule.TU
	case "WE":
		return rrule.WE
	case "TH":
		return rrule.TH
	case "FR":
		return rrule.FR
	case "SA":
		return rrule.SA
	case "SU":
		return rrule.SU
	default:
		return rrule.MO
	}
}

func weekdayIndex(code string) int {
	for i, c := range WeekdayCodes {
		if c == code {
			return i
		}
	}
	return -1
}

// WeekdayCode returns the ByDay code for a Go weekday.
func WeekdayCode(d time.Weekday) string {
	return WeekdayCodes[(int(d)+6)%7]
}
