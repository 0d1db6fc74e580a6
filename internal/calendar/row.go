package calendar

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/njoerd114/exchangesync/internal/model"
)

// eventRow is the database shape of [model.EventRecord]. List-valued fields
// and the recurrence are JSON columns.
type eventRow struct {
	ID           string `db:"id"`
	CalendarID   string `db:"calendar_id"`
	Summary      string `db:"summary"`
	Location     string `db:"location"`
	Description  string `db:"description"`
	StartAt      string `db:"start_at"`
	EndAt        string `db:"end_at"`
	AllDay       bool   `db:"all_day"`
	Status       string `db:"status"`
	Priority     string `db:"priority"`
	Private      bool   `db:"private"`
	Category     string `db:"category"`
	Participants string `db:"participants"`
	Reminders    string `db:"reminders"`
	Attachments  string `db:"attachments"`
	Recurrence   string `db:"recurrence"`
	ExceptionIDs string `db:"exception_ids"`
	SeriesID     string `db:"series_id"`
	RecurrenceID string `db:"recurrence_id"`
	IsException  bool   `db:"is_exception"`
	LastModified string `db:"last_modified"`
}

func newEventRow(ev *model.EventRecord) (*eventRow, error) {
	row := &eventRow{
		ID:           ev.ID,
		CalendarID:   ev.CalendarID,
		Summary:      ev.Summary,
		Location:     ev.Location,
		Description:  ev.Description,
		StartAt:      formatTime(ev.Start),
		EndAt:        formatTime(ev.End),
		AllDay:       ev.AllDay,
		Status:       string(ev.Status),
		Priority:     ev.Priority.String(),
		Private:      ev.Private,
		Category:     ev.Category,
		SeriesID:     ev.SeriesID,
		RecurrenceID: ev.RecurrenceID,
		IsException:  ev.IsException,
		LastModified: formatTime(ev.LastModified),
	}

	var err error
	if row.Participants, err = jsonList(ev.Participants); err != nil {
		return nil, err
	}
	if row.Reminders, err = jsonList(ev.Reminders); err != nil {
		return nil, err
	}
	if row.Attachments, err = jsonList(ev.Attachments); err != nil {
		return nil, err
	}
	if row.ExceptionIDs, err = jsonList(ev.ExceptionIDs); err != nil {
		return nil, err
	}
	if ev.Recurrence != nil {
		b, err := json.Marshal(ev.Recurrence)
		if err != nil {
			return nil, fmt.Errorf("encoding recurrence: %w", err)
		}
		row.Recurrence = string(b)
	}
	return row, nil
}

func (r *eventRow) toModel() (*model.EventRecord, error) {
	ev := &model.EventRecord{
		ID:           r.ID,
		CalendarID:   r.CalendarID,
		Summary:      r.Summary,
		Location:     r.Location,
		Description:  r.Description,
		AllDay:       r.AllDay,
		Status:       model.Status(r.Status),
		Priority:     model.ParsePriority(r.Priority),
		Private:      r.Private,
		Category:     r.Category,
		SeriesID:     r.SeriesID,
		RecurrenceID: r.RecurrenceID,
		IsException:  r.IsException,
	}

	var err error
	if ev.Start, err = parseTime(r.StartAt); err != nil {
		return nil, fmt.Errorf("event %q start: %w", r.ID, err)
	}
	if ev.End, err = parseTime(r.EndAt); err != nil {
		return nil, fmt.Errorf("event %q end: %w", r.ID, err)
	}
	if ev.LastModified, err = parseTime(r.LastModified); err != nil {
		return nil, fmt.Errorf("event %q last modified: %w", r.ID, err)
	}

	for _, col := range []struct {
		raw string
		dst any
	}{
		{r.Participants, &ev.Participants},
		{r.Reminders, &ev.Reminders},
		{r.Attachments, &ev.Attachments},
		{r.ExceptionIDs, &ev.ExceptionIDs},
	} {
		if col.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
			return nil, fmt.Errorf("event %q: decoding list column: %w", r.ID, err)
		}
	}
	if r.Recurrence != "" {
		ev.Recurrence = &model.Recurrence{}
		if err := json.Unmarshal([]byte(r.Recurrence), ev.Recurrence); err != nil {
			return nil, fmt.Errorf("event %q: decoding recurrence: %w", r.ID, err)
		}
	}
	return ev, nil
}

func toModels(rows []eventRow) ([]*model.EventRecord, error) {
	events := make([]*model.EventRecord, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func jsonList[T any](v []T) (string, error) {
	if v == nil {
		v = []T{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding list column: %w", err)
	}
	return string(b), nil
}
