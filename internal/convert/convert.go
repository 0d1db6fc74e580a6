// Package convert maps events between the remote item model
// ([exchange.Item]) and the local record model ([model.EventRecord]).
package convert

import (
	"log/slog"
	"strings"
	"time"

	"github.com/njoerd114/exchangesync/internal/exchange"
	"github.com/njoerd114/exchangesync/internal/model"
)

// Converter translates events in both directions. The zero value converts
// with a UTC server zone and the default logger.
type Converter struct {
	// ServerLocation is the zone the server anchors all-day items to.
	ServerLocation *time.Location
	// Owner is the user's own address; it is not pushed as an attendee.
	Owner  string
	Logger *slog.Logger
}

func (c *Converter) serverLoc() *time.Location {
	if c.ServerLocation == nil {
		return time.UTC
	}
	return c.ServerLocation
}

func (c *Converter) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// RemoteToLocal builds the local record for item. When existing is non-nil
// its identity (ID, CalendarID, SeriesID) is kept and every synchronized
// field is overwritten. LastModified carries the remote timestamp.
func (c *Converter) RemoteToLocal(item *exchange.Item, existing *model.EventRecord, userLoc *time.Location) model.EventRecord {
	var ev model.EventRecord
	if existing != nil {
		ev.ID = existing.ID
		ev.CalendarID = existing.CalendarID
		ev.SeriesID = existing.SeriesID
	}

	ev.Summary = item.Subject
	ev.Location = item.Location
	ev.Description = item.Body
	ev.Priority = priorityFromImportance(item.Importance)
	ev.Private = item.Sensitivity == exchange.SensitivityPrivate ||
		item.Sensitivity == exchange.SensitivityConfidential
	ev.Status = statusFromFreeBusy(item.FreeBusy)
	if len(item.Categories) > 0 {
		ev.Category = item.Categories[0]
	}

	for _, group := range [][]exchange.Attendee{item.RequiredAttendees, item.OptionalAttendees, item.Resources} {
		for _, a := range group {
			if addr := attendeeAddress(a); addr != "" {
				ev.Participants = append(ev.Participants, addr)
			}
		}
	}
	if item.ReminderSet {
		ev.Reminders = []model.Reminder{{MinutesBefore: item.ReminderMinutesBeforeStart}}
	}
	for _, a := range item.Attachments {
		ev.Attachments = append(ev.Attachments, model.Attachment{
			Name:        a.Name,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}

	if item.IsAllDay {
		ev.AllDay = true
		ev.Start = c.allDayToLocal(item.Start, item.Start, userLoc)
		ev.End = c.allDayToLocal(item.End, item.Start, userLoc).Add(-time.Second)
	} else {
		ev.Start = item.Start.In(userLoc)
		ev.End = item.End.In(userLoc)
	}

	switch item.Kind {
	case exchange.KindRecurringMaster:
		if item.Recurrence != nil {
			ev.Recurrence = c.recurrenceToLocal(item.Recurrence, userLoc)
		}
		for _, d := range item.DeletedOccurrences {
			ev.AddException(model.RecurrenceID(d))
		}
	case exchange.KindException, exchange.KindOccurrence:
		ev.IsException = true
		ev.RecurrenceID = model.RecurrenceID(item.OriginalStart)
	}

	ev.LastModified = item.LastModified
	return ev
}

// LocalToRemote builds the mutation sent to the server for ev. When existing
// is non-nil its identity and any fields the local model does not carry are
// kept.
func (c *Converter) LocalToRemote(ev *model.EventRecord, existing *exchange.Item, userLoc *time.Location) exchange.Item {
	var item exchange.Item
	if existing != nil {
		item = *existing
	}

	item.Subject = ev.Summary
	item.Location = ev.Location
	item.Body = ev.Description
	item.Importance = importanceFromPriority(ev.Priority)
	switch {
	case ev.Private && item.Sensitivity != exchange.SensitivityConfidential:
		item.Sensitivity = exchange.SensitivityPrivate
	case !ev.Private && item.Sensitivity != exchange.SensitivityPersonal:
		item.Sensitivity = exchange.SensitivityNormal
	}
	item.FreeBusy = freeBusyFromStatus(ev.Status)
	item.Categories = replaceFirstCategory(item.Categories, ev.Category)
	c.setAttendees(&item, ev.Participants)

	item.ReminderSet = len(ev.Reminders) > 0
	item.ReminderMinutesBeforeStart = 0
	if item.ReminderSet {
		item.ReminderMinutesBeforeStart = ev.Reminders[0].MinutesBefore
	}
	item.Attachments = nil
	for _, a := range ev.Attachments {
		item.Attachments = append(item.Attachments, exchange.Attachment{
			Name:        a.Name,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}

	item.IsAllDay = IsAllDay(ev, userLoc)
	if item.IsAllDay {
		item.Start = c.allDayToRemote(ev.Start, ev.Start, userLoc)
		item.End = c.allDayToRemote(ev.End, ev.Start, userLoc).Truncate(time.Minute).Add(time.Minute)
	} else {
		item.Start = ev.Start.UTC()
		item.End = ev.End.UTC()
	}

	switch {
	case ev.IsException:
		item.Kind = exchange.KindException
		if t, err := model.ParseRecurrenceID(ev.RecurrenceID); err == nil {
			item.OriginalStart = t
		}
		item.Recurrence = nil
	case ev.IsRecurring():
		item.Kind = exchange.KindRecurringMaster
		item.Recurrence = c.recurrenceToRemote(ev.Recurrence, ev.Start.In(userLoc))
		item.DeletedOccurrences = nil
		for _, id := range ev.ExceptionIDs {
			t, err := model.ParseRecurrenceID(id)
			if err != nil {
				c.logger().Warn("skipping malformed exception id", "event_id", ev.ID, "exception_id", id)
				continue
			}
			item.DeletedOccurrences = append(item.DeletedOccurrences, t)
		}
	default:
		item.Kind = exchange.KindSingle
		item.Recurrence = nil
	}
	return item
}

// setAttendees writes participants back, keeping each address in the
// attendee group it already had and skipping the owner.
func (c *Converter) setAttendees(item *exchange.Item, participants []string) {
	group := make(map[string]int)
	names := make(map[string]string)
	for i, g := range [][]exchange.Attendee{item.RequiredAttendees, item.OptionalAttendees, item.Resources} {
		for _, a := range g {
			key := strings.ToLower(attendeeAddress(a))
			group[key] = i
			names[key] = a.Name
		}
	}

	var out [3][]exchange.Attendee
	for _, p := range participants {
		key := strings.ToLower(p)
		if c.Owner != "" && key == strings.ToLower(c.Owner) {
			continue
		}
		out[group[key]] = append(out[group[key]], exchange.Attendee{Name: names[key], Address: p})
	}
	item.RequiredAttendees, item.OptionalAttendees, item.Resources = out[0], out[1], out[2]
}

func attendeeAddress(a exchange.Attendee) string {
	if a.Address != "" {
		return a.Address
	}
	return a.Name
}

func replaceFirstCategory(categories []string, category string) []string {
	switch {
	case category == "" && len(categories) > 0:
		return categories[1:]
	case category == "":
		return nil
	case len(categories) == 0:
		return []string{category}
	}
	out := append([]string(nil), categories...)
	out[0] = category
	return out
}

func priorityFromImportance(i exchange.Importance) model.Priority {
	switch i {
	case exchange.ImportanceHigh:
		return model.PriorityHigh
	case exchange.ImportanceLow:
		return model.PriorityLow
	case exchange.ImportanceNormal:
		return model.PriorityNormal
	default:
		return model.PriorityNone
	}
}

func importanceFromPriority(p model.Priority) exchange.Importance {
	switch p {
	case model.PriorityHigh:
		return exchange.ImportanceHigh
	case model.PriorityLow:
		return exchange.ImportanceLow
	default:
		return exchange.ImportanceNormal
	}
}

func statusFromFreeBusy(fb exchange.FreeBusy) model.Status {
	switch fb {
	case exchange.FreeBusyFree:
		return model.StatusFree
	case exchange.FreeBusyTentative:
		return model.StatusTentative
	case exchange.FreeBusyOOF:
		return model.StatusOutOfOffice
	default:
		return model.StatusBusy
	}
}

func freeBusyFromStatus(s model.Status) exchange.FreeBusy {
	switch s {
	case model.StatusFree:
		return exchange.FreeBusyFree
	case model.StatusTentative:
		return exchange.FreeBusyTentative
	case model.StatusOutOfOffice:
		return exchange.FreeBusyOOF
	default:
		return exchange.FreeBusyBusy
	}
}
