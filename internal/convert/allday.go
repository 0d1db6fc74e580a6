package convert

import (
	"time"

	"github.com/njoerd114/exchangesync/internal/model"
)

// All-day items are anchored to midnight in the server's zone while local
// all-day records are anchored to midnight in the user's zone. The two are
// related by the difference of the zone offsets, taken at the event start.

func (c *Converter) offsetDelta(at time.Time, userLoc *time.Location) time.Duration {
	_, server := at.In(c.serverLoc()).Zone()
	_, user := at.In(userLoc).Zone()
	return time.Duration(server-user) * time.Second
}

func (c *Converter) allDayToLocal(t, eventStart time.Time, userLoc *time.Location) time.Time {
	return t.Add(c.offsetDelta(eventStart, userLoc)).In(userLoc)
}

func (c *Converter) allDayToRemote(t, eventStart time.Time, userLoc *time.Location) time.Time {
	return t.Add(-c.offsetDelta(eventStart, userLoc)).UTC()
}

// IsAllDay reports whether ev spans whole days in loc: it starts at 00:00
// and ends in the last minute of a day. The stored flag counts too.
func IsAllDay(ev *model.EventRecord, loc *time.Location) bool {
	if ev.AllDay {
		return true
	}
	if !ev.End.After(ev.Start) {
		return false
	}
	start, end := ev.Start.In(loc), ev.End.In(loc)
	return start.Hour() == 0 && start.Minute() == 0 && start.Second() == 0 &&
		end.Hour() == 23 && end.Minute() == 59
}
