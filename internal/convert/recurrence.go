package convert

import (
	"fmt"
	"time"

	"github.com/njoerd114/exchangesync/internal/exchange"
	"github.com/njoerd114/exchangesync/internal/model"
)

var dayCodes = map[exchange.DayOfWeek]string{
	exchange.Monday:    "MO",
	exchange.Tuesday:   "TU",
	exchange.Wednesday: "WE",
	exchange.Thursday:  "TH",
	exchange.Friday:    "FR",
	exchange.Saturday:  "SA",
	exchange.Sunday:    "SU",
}

var codeDays = map[string]exchange.DayOfWeek{
	"MO": exchange.Monday,
	"TU": exchange.Tuesday,
	"WE": exchange.Wednesday,
	"TH": exchange.Thursday,
	"FR": exchange.Friday,
	"SA": exchange.Saturday,
	"SU": exchange.Sunday,
}

var weekIndexes = map[exchange.WeekIndex]int{
	exchange.WeekFirst:  1,
	exchange.WeekSecond: 2,
	exchange.WeekThird:  3,
	exchange.WeekFourth: 4,
	exchange.WeekLast:   -1,
}

// recurrenceToLocal maps a remote pattern. Patterns the local model cannot
// express exactly degrade with a warning; conversion never fails.
func (c *Converter) recurrenceToLocal(r *exchange.Recurrence, userLoc *time.Location) *model.Recurrence {
	out := &model.Recurrence{Interval: max(r.Interval, 1)}

	switch r.Pattern {
	case exchange.PatternDaily:
		out.Type = model.RepeatDaily

	case exchange.PatternWeekly:
		out.Type = model.RepeatWeekly
		switch {
		case containsDay(r.DaysOfWeek, exchange.Weekday):
			out.Type = model.RepeatWorkingDays
		case containsDay(r.DaysOfWeek, exchange.WeekendDay):
			out.Type = model.RepeatWeekend
		case containsDay(r.DaysOfWeek, exchange.Day):
			out.ByDay = append([]string(nil), model.WeekdayCodes[:]...)
		default:
			for _, d := range r.DaysOfWeek {
				out.ByDay = append(out.ByDay, c.dayCode(d))
			}
		}

	case exchange.PatternMonthly:
		out.Type = model.RepeatMonthly
		out.ByMonthDay = []int{r.DayOfMonth}

	case exchange.PatternRelativeMonthly:
		out.Type = model.RepeatMonthly
		day := exchange.Monday
		if len(r.DaysOfWeek) > 0 {
			day = r.DaysOfWeek[0]
		}
		out.ByDay = []string{fmt.Sprintf("%d%s", c.weekIndex(r.DayOfWeekIndex), c.dayCode(day))}

	case exchange.PatternYearly:
		out.Type = model.RepeatYearly
		out.ByYearDay = []int{yearDay(r.Start.Year(), r.Month, r.DayOfMonth)}

	case exchange.PatternRelativeYearly:
		c.logger().Warn("relative yearly recurrence degraded to yearly on the start date",
			"start", r.Start.Format(time.DateOnly))
		out.Type = model.RepeatYearly
		out.ByYearDay = []int{r.Start.YearDay()}

	default:
		c.logger().Warn("unknown recurrence pattern, treating as daily", "pattern", string(r.Pattern))
		out.Type = model.RepeatDaily
	}

	switch {
	case r.End != nil:
		y, m, d := r.End.Date()
		until := time.Date(y, m, d, 23, 59, 59, 0, userLoc)
		out.Until = &until
	case r.NumberOfOccurrences > 0:
		out.Count = r.NumberOfOccurrences
	}
	return out
}

// recurrenceToRemote maps a local pattern anchored at start.
func (c *Converter) recurrenceToRemote(r *model.Recurrence, start time.Time) *exchange.Recurrence {
	y, m, d := start.Date()
	out := &exchange.Recurrence{
		Interval: max(r.Interval, 1),
		Start:    time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
	}

	switch r.Type {
	case model.RepeatDaily:
		out.Pattern = exchange.PatternDaily

	case model.RepeatWeekly:
		out.Pattern = exchange.PatternWeekly
		days := c.daysOfWeek(r.ByDay)
		switch {
		case len(days) == 0:
			days = []exchange.DayOfWeek{codeDays[model.WeekdayCode(start.Weekday())]}
		case len(days) == 7:
			days = []exchange.DayOfWeek{exchange.Day}
		}
		out.DaysOfWeek = days

	case model.RepeatWorkingDays:
		out.Pattern = exchange.PatternWeekly
		out.DaysOfWeek = []exchange.DayOfWeek{exchange.Weekday}

	case model.RepeatWeekend:
		out.Pattern = exchange.PatternWeekly
		out.DaysOfWeek = []exchange.DayOfWeek{exchange.WeekendDay}

	case model.RepeatMonthly:
		out.Pattern = exchange.PatternMonthly
		out.DayOfMonth = start.Day()
		switch {
		case len(r.ByMonthDay) > 0:
			out.DayOfMonth = r.ByMonthDay[0]
		case len(r.ByDay) > 0:
			n, code, err := model.ParseByDay(r.ByDay[0])
			if err != nil || n == 0 {
				c.logger().Warn("monthly by-day without week index, using day of month", "by_day", r.ByDay[0])
				break
			}
			out.Pattern = exchange.PatternRelativeMonthly
			out.DayOfMonth = 0
			out.DaysOfWeek = []exchange.DayOfWeek{codeDays[code]}
			out.DayOfWeekIndex = weekIndexFor(n)
		}

	case model.RepeatYearly:
		out.Pattern = exchange.PatternYearly
		out.Month, out.DayOfMonth = start.Month(), start.Day()
		if len(r.ByYearDay) > 0 {
			t := time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, r.ByYearDay[0]-1)
			out.Month, out.DayOfMonth = t.Month(), t.Day()
		}

	default:
		c.logger().Warn("unknown repeat type, treating as daily", "type", string(r.Type))
		out.Pattern = exchange.PatternDaily
	}

	switch {
	case r.Until != nil:
		uy, um, ud := r.Until.In(start.Location()).Date()
		end := time.Date(uy, um, ud, 0, 0, 0, 0, time.UTC)
		out.End = &end
	case r.Count > 0:
		out.NumberOfOccurrences = r.Count
	}
	return out
}

func (c *Converter) dayCode(d exchange.DayOfWeek) string {
	if code, ok := dayCodes[d]; ok {
		return code
	}
	c.logger().Warn("unknown day of week, defaulting to Monday", "day", string(d))
	return "MO"
}

func (c *Converter) weekIndex(w exchange.WeekIndex) int {
	if n, ok := weekIndexes[w]; ok {
		return n
	}
	c.logger().Warn("unknown week index, defaulting to first", "index", string(w))
	return 1
}

func (c *Converter) daysOfWeek(byDay []string) []exchange.DayOfWeek {
	seen := make(map[exchange.DayOfWeek]bool)
	var days []exchange.DayOfWeek
	for _, entry := range byDay {
		_, code, err := model.ParseByDay(entry)
		if err != nil {
			c.logger().Warn("unknown by-day entry, defaulting to Monday", "by_day", entry)
			code = "MO"
		}
		day := codeDays[code]
		if !seen[day] {
			seen[day] = true
			days = append(days, day)
		}
	}
	return days
}

func weekIndexFor(n int) exchange.WeekIndex {
	switch {
	case n < 0:
		return exchange.WeekLast
	case n == 1:
		return exchange.WeekFirst
	case n == 2:
		return exchange.WeekSecond
	case n == 3:
		return exchange.WeekThird
	default:
		return exchange.WeekFourth
	}
}

func containsDay(days []exchange.DayOfWeek, want exchange.DayOfWeek) bool {
	for _, d := range days {
		if d == want {
			return true
		}
	}
	return false
}

func yearDay(year int, month time.Month, day int) int {
	if month == 0 {
		month = time.January
	}
	if day == 0 {
		day = 1
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).YearDay()
}
