// Package exchange is the boundary to the remote calendar service. It
// defines the remote object model, the [Service] port the sync engine talks
// to, an [Adapter] that adds retry and circuit breaking on top of any
// Service, and [Client], a JSON-over-HTTP implementation.
package exchange

import "time"

// ItemKind distinguishes the four shapes a remote calendar item can take.
// Callers switch on it exhaustively.
type ItemKind string

const (
	// KindSingle is a non-recurring appointment.
	KindSingle ItemKind = "Single"
	// KindOccurrence is an unmodified instance of a series. The server only
	// returns these when explicitly asked for an occurrence.
	KindOccurrence ItemKind = "Occurrence"
	// KindException is a modified instance of a series.
	KindException ItemKind = "Exception"
	// KindRecurringMaster is the series template.
	KindRecurringMaster ItemKind = "RecurringMaster"
)

// Importance is the remote priority field.
type Importance string

const (
	ImportanceLow    Importance = "Low"
	ImportanceNormal Importance = "Normal"
	ImportanceHigh   Importance = "High"
)

// Sensitivity is the remote privacy field.
type Sensitivity string

const (
	SensitivityNormal       Sensitivity = "Normal"
	SensitivityPersonal     Sensitivity = "Personal"
	SensitivityPrivate      Sensitivity = "Private"
	SensitivityConfidential Sensitivity = "Confidential"
)

// FreeBusy is the remote availability field.
type FreeBusy string

const (
	FreeBusyFree      FreeBusy = "Free"
	FreeBusyTentative FreeBusy = "Tentative"
	FreeBusyBusy      FreeBusy = "Busy"
	FreeBusyOOF       FreeBusy = "OOF"
)

// DayOfWeek is a recurrence day. Day, Weekday and WeekendDay are the
// server's pseudo-days covering several weekdays at once.
type DayOfWeek string

const (
	Monday     DayOfWeek = "Monday"
	Tuesday    DayOfWeek = "Tuesday"
	Wednesday  DayOfWeek = "Wednesday"
	Thursday   DayOfWeek = "Thursday"
	Friday     DayOfWeek = "Friday"
	Saturday   DayOfWeek = "Saturday"
	Sunday     DayOfWeek = "Sunday"
	Day        DayOfWeek = "Day"
	Weekday    DayOfWeek = "Weekday"
	WeekendDay DayOfWeek = "WeekendDay"
)

// WeekIndex selects the week within a month for relative patterns.
type WeekIndex string

const (
	WeekFirst  WeekIndex = "First"
	WeekSecond WeekIndex = "Second"
	WeekThird  WeekIndex = "Third"
	WeekFourth WeekIndex = "Fourth"
	WeekLast   WeekIndex = "Last"
)

// PatternKind names a remote recurrence pattern.
type PatternKind string

const (
	PatternDaily           PatternKind = "Daily"
	PatternWeekly          PatternKind = "Weekly"
	PatternMonthly         PatternKind = "Monthly"
	PatternRelativeMonthly PatternKind = "RelativeMonthly"
	PatternYearly          PatternKind = "Yearly"
	PatternRelativeYearly  PatternKind = "RelativeYearly"
)

// Recurrence is a remote recurrence pattern. Only the fields relevant to
// Pattern are set.
type Recurrence struct {
	Pattern             PatternKind `json:"pattern"`
	Interval            int         `json:"interval,omitempty"`
	DaysOfWeek          []DayOfWeek `json:"days_of_week,omitempty"`
	DayOfWeekIndex      WeekIndex   `json:"day_of_week_index,omitempty"`
	DayOfMonth          int         `json:"day_of_month,omitempty"`
	Month               time.Month  `json:"month,omitempty"`
	Start               time.Time   `json:"start"`
	End                 *time.Time  `json:"end,omitempty"`
	NumberOfOccurrences int         `json:"number_of_occurrences,omitempty"`
}

// OccurrenceInfo locates one instance of a series.
type OccurrenceInfo struct {
	ItemID        string    `json:"item_id"`
	OriginalStart time.Time `json:"original_start"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
}

// Attendee is a meeting participant.
type Attendee struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
}

// Attachment is attachment metadata; content is never transferred.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Folder is a remote calendar folder.
type Folder struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
}

// Item is a remote calendar item.
type Item struct {
	ID       string   `json:"id,omitempty"`
	FolderID string   `json:"folder_id,omitempty"`
	Kind     ItemKind `json:"kind"`

	Subject  string    `json:"subject"`
	Location string    `json:"location,omitempty"`
	Body     string    `json:"body,omitempty"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	IsAllDay bool      `json:"is_all_day,omitempty"`

	Importance  Importance  `json:"importance,omitempty"`
	Sensitivity Sensitivity `json:"sensitivity,omitempty"`
	FreeBusy    FreeBusy    `json:"free_busy,omitempty"`
	Categories  []string    `json:"categories,omitempty"`

	RequiredAttendees []Attendee `json:"required_attendees,omitempty"`
	OptionalAttendees []Attendee `json:"optional_attendees,omitempty"`
	Resources         []Attendee `json:"resources,omitempty"`

	ReminderSet                bool         `json:"reminder_set,omitempty"`
	ReminderMinutesBeforeStart int          `json:"reminder_minutes_before_start,omitempty"`
	Attachments                []Attachment `json:"attachments,omitempty"`

	// Series fields, set on recurring masters.
	Recurrence          *Recurrence      `json:"recurrence,omitempty"`
	FirstOccurrence     *OccurrenceInfo  `json:"first_occurrence,omitempty"`
	LastOccurrence      *OccurrenceInfo  `json:"last_occurrence,omitempty"`
	ModifiedOccurrences []OccurrenceInfo `json:"modified_occurrences,omitempty"`
	DeletedOccurrences  []time.Time      `json:"deleted_occurrences,omitempty"`

	// Instance fields, set on occurrences and exceptions.
	MasterID      string    `json:"master_id,omitempty"`
	OriginalStart time.Time `json:"original_start,omitempty"`

	LastModified time.Time `json:"last_modified,omitempty"`
}

// Page selects a window of FindItems results.
type Page struct {
	Offset int
	Size   int
}

// ChangeType is the kind of a delta-feed change.
type ChangeType string

const (
	ChangeCreate ChangeType = "Create"
	ChangeUpdate ChangeType = "Update"
	ChangeDelete ChangeType = "Delete"
)

// ItemChange is one entry of the delta feed. Item is nil for deletes.
type ItemChange struct {
	Type   ChangeType `json:"type"`
	ItemID string     `json:"item_id"`
	Item   *Item      `json:"item,omitempty"`
}

// DeltaPage is one page of the delta feed. Cursor resumes after the page.
type DeltaPage struct {
	Changes []ItemChange `json:"changes"`
	Cursor  string       `json:"cursor"`
	More    bool         `json:"more"`
}

// EventType is a push-subscription notification type.
type EventType string

const (
	EventCreated  EventType = "Created"
	EventModified EventType = "Modified"
	EventDeleted  EventType = "Deleted"
	EventMoved    EventType = "Moved"
)

// AllEventTypes is the subscription set used by the sync engine.
var AllEventTypes = []EventType{EventCreated, EventModified, EventDeleted, EventMoved}

// ItemEvent notifies a change to an item.
type ItemEvent struct {
	Type     EventType `json:"type"`
	ItemID   string    `json:"item_id"`
	FolderID string    `json:"folder_id,omitempty"`
}

// FolderEvent notifies a change to a folder.
type FolderEvent struct {
	Type     EventType `json:"type"`
	FolderID string    `json:"folder_id"`
}

// Notifications is the result of polling a subscription.
type Notifications struct {
	Items     []ItemEvent   `json:"items,omitempty"`
	Folders   []FolderEvent `json:"folders,omitempty"`
	Watermark string        `json:"watermark,omitempty"`
}

// Subscription is an open pull subscription.
type Subscription struct {
	ID        string    `json:"id"`
	Watermark string    `json:"watermark,omitempty"`
	Folders   []string  `json:"folders,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Credentials authenticate one user against the server.
type Credentials struct {
	Username string
	Password string
	Domain   string
}

// Login is the basic-auth user name for the credentials.
func (c Credentials) Login() string {
	if c.Domain == "" {
		return c.Username
	}
	return c.Domain + `\` + c.Username
}
