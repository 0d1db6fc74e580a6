package calendar

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"

	"github.com/njoerd114/exchangesync/internal/model"
)

const productID = "-//exchangesync//calendar export//EN"

// ExportICS writes a calendar and all of its events to w as an iCalendar
// document. Recurring masters carry their RRULE and EXDATEs; exception
// occurrences are emitted as separate VEVENTs with a RECURRENCE-ID.
func (s *Store) ExportICS(ctx context.Context, calendarID string, w io.Writer) error {
	cal, err := s.GetCalendar(ctx, calendarID)
	if err != nil {
		return err
	}
	if cal == nil {
		return fmt.Errorf("exporting calendar %q: %w", calendarID, ErrNotFound)
	}
	events, err := s.FindModifiedSince(ctx, calendarID, time.Time{})
	if err != nil {
		return err
	}

	doc := ics.NewCalendar()
	doc.SetMethod(ics.MethodPublish)
	doc.SetProductId(productID)
	doc.SetXWRCalName(cal.Name)
	if cal.Timezone != "" {
		doc.SetXWRTimezone(cal.Timezone)
	}

	loc := cal.Location()
	for _, ev := range events {
		if err := addEvent(doc, ev, loc); err != nil {
			return fmt.Errorf("exporting event %q: %w", ev.ID, err)
		}
	}

	if _, err := io.WriteString(w, doc.Serialize()); err != nil {
		return fmt.Errorf("writing calendar %q: %w", calendarID, err)
	}
	return nil
}

// icsLocalLayout is a floating DATE-TIME, qualified by a TZID parameter.
const icsLocalLayout = "20060102T150405"

func addEvent(doc *ics.Calendar, ev *model.EventRecord, loc *time.Location) error {
	uid := ev.ID
	if ev.IsException {
		uid = ev.SeriesID
	}
	vev := doc.AddEvent(uid)
	vev.SetDtStampTime(ev.LastModified)
	vev.SetModifiedAt(ev.LastModified)
	vev.SetSummary(ev.Summary)
	if ev.Location != "" {
		vev.SetLocation(ev.Location)
	}
	if ev.Description != "" {
		vev.SetDescription(ev.Description)
	}

	start, end := ev.Start.In(loc), ev.End.In(loc)
	switch {
	case ev.AllDay:
		vev.SetAllDayStartAt(start)
		// Local all-day events end at 23:59 of their last day; iCalendar
		// wants the exclusive next day.
		vev.SetAllDayEndAt(end.AddDate(0, 0, 1))
	case loc == time.UTC:
		vev.SetStartAt(start)
		vev.SetEndAt(end)
	default:
		// RRULE weekdays follow DTSTART's zone.
		tzid := ics.WithTZID(loc.String())
		vev.SetProperty(ics.ComponentPropertyDtStart, start.Format(icsLocalLayout), tzid)
		vev.SetProperty(ics.ComponentPropertyDtEnd, end.Format(icsLocalLayout), tzid)
	}

	if ev.Private {
		vev.AddProperty(ics.ComponentPropertyClass, "PRIVATE")
	}
	if ev.Category != "" {
		vev.AddProperty(ics.ComponentPropertyCategories, ev.Category)
	}
	if p := icsPriority(ev.Priority); p > 0 {
		vev.AddProperty(ics.ComponentPropertyPriority, strconv.Itoa(p))
	}
	if ev.Status == model.StatusFree {
		vev.AddProperty(ics.ComponentPropertyTransp, "TRANSPARENT")
	}
	for _, p := range ev.Participants {
		vev.AddAttendee(p)
	}
	for _, r := range ev.Reminders {
		alarm := vev.AddAlarm()
		alarm.SetAction(ics.ActionDisplay)
		alarm.SetTrigger(fmt.Sprintf("-PT%dM", r.MinutesBefore))
	}

	if ev.IsException {
		vev.AddProperty(ics.ComponentProperty("RECURRENCE-ID"), ev.RecurrenceID)
		return nil
	}
	if ev.Recurrence != nil {
		rule, err := ev.Recurrence.Rule(ev.Start, loc)
		if err != nil {
			return err
		}
		vev.AddProperty(ics.ComponentPropertyRrule, rruleValue(rule.OrigOptions.RRuleString()))
		if len(ev.ExceptionIDs) > 0 {
			vev.AddProperty(ics.ComponentPropertyExdate, strings.Join(ev.ExceptionIDs, ","))
		}
	}
	return nil
}

// rruleValue strips the DTSTART line rrule-go may prepend.
func rruleValue(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "DTSTART") {
			continue
		}
		return strings.TrimPrefix(line, "RRULE:")
	}
	return s
}

// icsPriority maps to the RFC 5545 scale where 1 is highest.
func icsPriority(p model.Priority) int {
	switch p {
	case model.PriorityHigh:
		return 1
	case model.PriorityNormal:
		return 5
	case model.PriorityLow:
		return 9
	default:
		return 0
	}
}
