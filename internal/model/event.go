// Package model defines the store-agnostic calendar types shared by the
// converter, the local store, and the sync engine.
package model

import (
	"strings"
	"time"
)

// Priority is the importance of an event.
type Priority int

const (
	// PriorityNone indicates no priority is set.
	PriorityNone Priority = iota
	// PriorityLow maps to the remote "Low" importance.
	PriorityLow
	// PriorityNormal maps to the remote "Normal" importance.
	PriorityNormal
	// PriorityHigh maps to the remote "High" importance.
	PriorityHigh
)

// String returns the lower-case label stored in the local database.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "none"
	}
}

// ParsePriority is the inverse of [Priority.String]. Unknown labels map to
// PriorityNone.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow
	case "normal":
		return PriorityNormal
	case "high":
		return PriorityHigh
	default:
		return PriorityNone
	}
}

// Status is the availability an event shows to others.
type Status string

const (
	StatusBusy        Status = "busy"
	StatusFree        Status = "free"
	StatusTentative   Status = "tentative"
	StatusOutOfOffice Status = "outside"
)

// Reminder is an alarm fired a number of minutes before the event start.
type Reminder struct {
	MinutesBefore int `json:"minutes_before"`
}

// Attachment describes a file attached to an event. Only metadata is
// synchronized.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Calendar is a local calendar owned by one user.
type Calendar struct {
	ID       string
	Owner    string
	Name     string
	Timezone string
}

// Location returns the calendar's zone, UTC when unset or unknown.
func (c *Calendar) Location() *time.Location {
	if c == nil || c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// EventRecord is one event in the local store. It covers single events,
// recurring masters (Recurrence != nil), and exception occurrences
// (IsException, with SeriesID and RecurrenceID set).
type EventRecord struct {
	ID          string
	CalendarID  string
	Summary     string
	Location    string
	Description string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Status      Status
	Priority    Priority
	Private     bool
	Category    string

	Participants []string
	Reminders    []Reminder
	Attachments  []Attachment

	Recurrence *Recurrence

	// ExceptionIDs lists recurrence ids of occurrences cancelled from a
	// recurring master.
	ExceptionIDs []string

	// SeriesID and RecurrenceID identify an exception occurrence: the master
	// it belongs to and the original (unmodified) start of the occurrence.
	SeriesID     string
	RecurrenceID string
	IsException  bool

	// LastModified is the authority for conflict resolution. The zero value
	// means the record never wins a conflict.
	LastModified time.Time
}

// IsRecurring reports whether the record is a recurring master.
func (e *EventRecord) IsRecurring() bool {
	return e.Recurrence != nil && !e.IsException
}

// HasException reports whether id is in the cancelled-occurrence set.
func (e *EventRecord) HasException(id string) bool {
	for _, x := range e.ExceptionIDs {
		if x == id {
			return true
		}
	}
	return false
}

// AddException records a cancelled occurrence, ignoring duplicates.
func (e *EventRecord) AddException(id string) bool {
	if id == "" || e.HasException(id) {
		return false
	}
	e.ExceptionIDs = append(e.ExceptionIDs, id)
	return true
}
