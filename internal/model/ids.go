package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

const (
	// CalendarIDPrefix marks local calendars derived from a remote folder.
	CalendarIDPrefix = "EXCH-"

	// EventIDPrefix marks local events derived from a remote item.
	EventIDPrefix = "EXCHEVT-"

	// RecurrenceIDLayout is the canonical form of an occurrence's original
	// start, always rendered in UTC.
	RecurrenceIDLayout = "20060102T150405Z"
)

// CalendarIDForFolder derives the local calendar id for a remote folder.
// The same folder always yields the same id.
func CalendarIDForFolder(folderID string) string {
	return CalendarIDPrefix + digest(folderID)[:16]
}

// EventIDForItem derives the local event id for a remote item.
func EventIDForItem(itemID string) string {
	return EventIDPrefix + digest(itemID)[:32]
}

// IsExchangeCalendarID reports whether id was derived from a remote folder.
func IsExchangeCalendarID(id string) bool {
	return strings.HasPrefix(id, CalendarIDPrefix)
}

// IsExchangeEventID reports whether id was derived from a remote item.
func IsExchangeEventID(id string) bool {
	return strings.HasPrefix(id, EventIDPrefix)
}

// RecurrenceID formats an original occurrence start.
func RecurrenceID(originalStart time.Time) string {
	return originalStart.UTC().Format(RecurrenceIDLayout)
}

// ParseRecurrenceID is the inverse of [RecurrenceID].
func ParseRecurrenceID(id string) (time.Time, error) {
	return time.Parse(RecurrenceIDLayout, id)
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
