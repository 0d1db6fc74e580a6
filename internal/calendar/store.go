// Package calendar is the local calendar store the sync engine mirrors the
// Exchange server into: calendars, events, and tombstones of user-deleted
// events, kept in SQLite.
package calendar

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/exchangesync/internal/model"
)

// ErrNotFound reports a missing calendar or event.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS calendars (
    id         TEXT PRIMARY KEY,
    owner      TEXT NOT NULL,
    name       TEXT NOT NULL,
    timezone   TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    id            TEXT PRIMARY KEY,
    calendar_id   TEXT    NOT NULL REFERENCES calendars (id) ON DELETE CASCADE,
    summary       TEXT    NOT NULL DEFAULT '',
    location      TEXT    NOT NULL DEFAULT '',
    description   TEXT    NOT NULL DEFAULT '',
    start_at      TEXT    NOT NULL,
    end_at        TEXT    NOT NULL,
    all_day       INTEGER NOT NULL DEFAULT 0,
    status        TEXT    NOT NULL DEFAULT '',
    priority      TEXT    NOT NULL DEFAULT 'none',
    private       INTEGER NOT NULL DEFAULT 0,
    category      TEXT    NOT NULL DEFAULT '',
    participants  TEXT    NOT NULL DEFAULT '[]',
    reminders     TEXT    NOT NULL DEFAULT '[]',
    attachments   TEXT    NOT NULL DEFAULT '[]',
    recurrence    TEXT    NOT NULL DEFAULT '',
    exception_ids TEXT    NOT NULL DEFAULT '[]',
    series_id     TEXT    NOT NULL DEFAULT '',
    recurrence_id TEXT    NOT NULL DEFAULT '',
    is_exception  INTEGER NOT NULL DEFAULT 0,
    last_modified TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS tombstones (
    event_id    TEXT PRIMARY KEY,
    calendar_id TEXT NOT NULL,
    deleted_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_calendar ON events (calendar_id, last_modified);
CREATE INDEX IF NOT EXISTS idx_events_series   ON events (series_id, recurrence_id) WHERE series_id != '';
CREATE INDEX IF NOT EXISTS idx_tombstones_cal  ON tombstones (calendar_id, deleted_at);
`

// timeLayout is fixed-width so stored timestamps compare lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Tombstone records an event deleted by the user.
type Tombstone struct {
	EventID    string
	CalendarID string
	DeletedAt  time.Time
}

// Store is the SQLite-backed local calendar store.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// DefaultDBPath returns the default path for the calendar database:
// ~/.local/share/exchangesync/calendar.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "exchangesync", "calendar.db"), nil
}

// Open opens (or creates) the calendar database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating calendar directory: %w", err)
	}

	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- calendars ---------------------------------------------------------------

type calendarRow struct {
	ID        string `db:"id"`
	Owner     string `db:"owner"`
	Name      string `db:"name"`
	Timezone  string `db:"timezone"`
	CreatedAt string `db:"created_at"`
}

func (r *calendarRow) toModel() *model.Calendar {
	return &model.Calendar{ID: r.ID, Owner: r.Owner, Name: r.Name, Timezone: r.Timezone}
}

// CreateCalendar inserts cal, assigning a random id when cal.ID is empty.
// Creating a calendar that already exists updates its name and timezone.
func (s *Store) CreateCalendar(ctx context.Context, cal *model.Calendar) error {
	if cal.ID == "" {
		cal.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO calendars (id, owner, name, timezone, created_at)
		VALUES (:id, :owner, :name, :timezone, :created_at)
		ON CONFLICT(id) DO UPDATE SET
		    name     = excluded.name,
		    timezone = excluded.timezone`
	row := calendarRow{
		ID:        cal.ID,
		Owner:     cal.Owner,
		Name:      cal.Name,
		Timezone:  cal.Timezone,
		CreatedAt: formatTime(s.now()),
	}
	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("creating calendar %q: %w", cal.Name, err)
	}
	return nil
}

// GetCalendar returns the calendar with the given id, or (nil, nil).
func (s *Store) GetCalendar(ctx context.Context, id string) (*model.Calendar, error) {
	var row calendarRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM calendars WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("getting calendar %q: %w", id, err)
	}
	return row.toModel(), nil
}

// ListCalendars returns the owner's calendars ordered by name.
func (s *Store) ListCalendars(ctx context.Context, owner string) ([]*model.Calendar, error) {
	var rows []calendarRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM calendars WHERE owner = ? ORDER BY name, id`, owner)
	if err != nil {
		return nil, fmt.Errorf("listing calendars of %q: %w", owner, err)
	}
	cals := make([]*model.Calendar, len(rows))
	for i := range rows {
		cals[i] = rows[i].toModel()
	}
	return cals, nil
}

// DeleteCalendar removes a calendar together with its events and
// tombstones. Deleting a missing calendar is a no-op.
func (s *Store) DeleteCalendar(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete of calendar %q: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM events WHERE calendar_id = ?`,
		`DELETE FROM tombstones WHERE calendar_id = ?`,
		`DELETE FROM calendars WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("deleting calendar %q: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete of calendar %q: %w", id, err)
	}
	return nil
}

// --- events ------------------------------------------------------------------

// GetEvent returns the event with the given id, or (nil, nil).
func (s *Store) GetEvent(ctx context.Context, id string) (*model.EventRecord, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM events WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("getting event %q: %w", id, err)
	}
	return row.toModel()
}

// SaveEvent stores ev in calendarID. New events get a random id when ev.ID
// is empty; updating an event that does not exist returns ErrNotFound. A
// zero LastModified is stamped with the current time, any other value is
// kept as given.
func (s *Store) SaveEvent(ctx context.Context, calendarID string, ev *model.EventRecord, isNew bool) error {
	ev.CalendarID = calendarID
	if isNew && ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.LastModified.IsZero() {
		ev.LastModified = s.now()
	}

	row, err := newEventRow(ev)
	if err != nil {
		return fmt.Errorf("encoding event %q: %w", ev.ID, err)
	}

	const insert = `
		INSERT INTO events (
		    id, calendar_id, summary, location, description, start_at, end_at,
		    all_day, status, priority, private, category, participants,
		    reminders, attachments, recurrence, exception_ids, series_id,
		    recurrence_id, is_exception, last_modified)
		VALUES (
		    :id, :calendar_id, :summary, :location, :description, :start_at, :end_at,
		    :all_day, :status, :priority, :private, :category, :participants,
		    :reminders, :attachments, :recurrence, :exception_ids, :series_id,
		    :recurrence_id, :is_exception, :last_modified)`
	const update = `
		UPDATE events SET
		    calendar_id   = :calendar_id,
		    summary       = :summary,
		    location      = :location,
		    description   = :description,
		    start_at      = :start_at,
		    end_at        = :end_at,
		    all_day       = :all_day,
		    status        = :status,
		    priority      = :priority,
		    private       = :private,
		    category      = :category,
		    participants  = :participants,
		    reminders     = :reminders,
		    attachments   = :attachments,
		    recurrence    = :recurrence,
		    exception_ids = :exception_ids,
		    series_id     = :series_id,
		    recurrence_id = :recurrence_id,
		    is_exception  = :is_exception,
		    last_modified = :last_modified
		WHERE id = :id`

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning save of event %q: %w", ev.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if isNew {
		if _, err := tx.NamedExecContext(ctx, insert, row); err != nil {
			return fmt.Errorf("inserting event %q: %w", ev.ID, err)
		}
	} else {
		res, err := tx.NamedExecContext(ctx, update, row)
		if err != nil {
			return fmt.Errorf("updating event %q: %w", ev.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("updating event %q: %w", ev.ID, ErrNotFound)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tombstones WHERE event_id = ?`, ev.ID); err != nil {
		return fmt.Errorf("clearing tombstone of %q: %w", ev.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing event %q: %w", ev.ID, err)
	}
	return nil
}

// DeleteEvent removes an event. With tombstone set the deletion is recorded
// for [Store.FindDeletedSince]; the sync engine deletes without one so that
// mirrored deletions are not echoed back. Deleting a missing event is a
// no-op.
func (s *Store) DeleteEvent(ctx context.Context, id string, tombstone bool) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete of event %q: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	var calendarID string
	err = tx.GetContext(ctx, &calendarID, `SELECT calendar_id FROM events WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up event %q: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting event %q: %w", id, err)
	}
	if tombstone {
		const q = `
			INSERT INTO tombstones (event_id, calendar_id, deleted_at) VALUES (?, ?, ?)
			ON CONFLICT(event_id) DO UPDATE SET deleted_at = excluded.deleted_at`
		if _, err := tx.ExecContext(ctx, q, id, calendarID, formatTime(s.now())); err != nil {
			return fmt.Errorf("recording tombstone of %q: %w", id, err)
		}
	}
	return tx.Commit()
}

// FindModifiedSince returns the calendar's events modified strictly after
// since. A zero since returns every event.
func (s *Store) FindModifiedSince(ctx context.Context, calendarID string, since time.Time) ([]*model.EventRecord, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM events
		WHERE calendar_id = ? AND last_modified > ?
		ORDER BY is_exception, last_modified`,
		calendarID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("finding events modified in %q: %w", calendarID, err)
	}
	return toModels(rows)
}

// FindDeletedSince returns the calendar's tombstones recorded strictly after
// since.
func (s *Store) FindDeletedSince(ctx context.Context, calendarID string, since time.Time) ([]Tombstone, error) {
	var rows []struct {
		EventID    string `db:"event_id"`
		CalendarID string `db:"calendar_id"`
		DeletedAt  string `db:"deleted_at"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT event_id, calendar_id, deleted_at FROM tombstones
		WHERE calendar_id = ? AND deleted_at > ?
		ORDER BY deleted_at`,
		calendarID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("finding deletions in %q: %w", calendarID, err)
	}
	out := make([]Tombstone, len(rows))
	for i, r := range rows {
		out[i] = Tombstone{EventID: r.EventID, CalendarID: r.CalendarID}
		out[i].DeletedAt, _ = parseTime(r.DeletedAt)
	}
	return out, nil
}

// ClearTombstone drops the tombstone of a deleted event once the deletion
// has reached the server. Clearing a missing tombstone is a no-op.
func (s *Store) ClearTombstone(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tombstones WHERE event_id = ?`, eventID)
	if err != nil {
		return fmt.Errorf("clearing tombstone of %q: %w", eventID, err)
	}
	return nil
}

// FindExceptionEvents returns the stored exception occurrences of a series.
func (s *Store) FindExceptionEvents(ctx context.Context, seriesID string) ([]*model.EventRecord, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM events
		WHERE series_id = ? AND is_exception = 1
		ORDER BY recurrence_id`, seriesID)
	if err != nil {
		return nil, fmt.Errorf("finding exceptions of %q: %w", seriesID, err)
	}
	return toModels(rows)
}

// FindOccurrence returns the occurrence of a series whose original start
// lies in [from, to). A stored exception is returned as is. Otherwise an
// unsaved record for the computed occurrence is returned, with an empty ID.
// (nil, nil) means the series has no occurrence in the window or the
// occurrence was cancelled.
func (s *Store) FindOccurrence(ctx context.Context, seriesID string, from, to time.Time) (*model.EventRecord, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM events
		WHERE series_id = ? AND is_exception = 1
		  AND recurrence_id >= ? AND recurrence_id < ?
		ORDER BY recurrence_id LIMIT 1`,
		seriesID, model.RecurrenceID(from), model.RecurrenceID(to))
	switch {
	case err == nil:
		return row.toModel()
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("finding occurrence of %q: %w", seriesID, err)
	}

	master, err := s.GetEvent(ctx, seriesID)
	if err != nil || master == nil || !master.IsRecurring() {
		return nil, err
	}
	cal, err := s.GetCalendar(ctx, master.CalendarID)
	if err != nil {
		return nil, err
	}
	starts, err := master.Recurrence.OccurrencesBetween(master.Start, cal.Location(), from, to)
	if err != nil {
		return nil, fmt.Errorf("expanding series %q: %w", seriesID, err)
	}
	for _, start := range starts {
		if !start.Before(to) {
			break
		}
		rid := model.RecurrenceID(start)
		if master.HasException(rid) {
			continue
		}
		occ := *master
		occ.ID = ""
		occ.Recurrence = nil
		occ.ExceptionIDs = nil
		occ.SeriesID = master.ID
		occ.RecurrenceID = rid
		occ.IsException = true
		occ.Start = start
		occ.End = start.Add(master.End.Sub(master.Start))
		return &occ, nil
	}
	return nil, nil //nolint:nilnil // intentional: "not found" sentinel
}

// --- helpers -----------------------------------------------------------------

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}
