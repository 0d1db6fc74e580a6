// Package sync implements the bidirectional reconciliation engine of
// exchangesync. It mirrors Exchange calendar folders into the local calendar
// store and pushes local edits back, using the correspondence store to pair
// ids and last-writer-wins on the modification timestamps.
//
// The package contains four main components:
//
//   - [Reconciler] runs one sync pass for one user.
//   - [Task] owns a user's remote session and serializes its passes.
//   - [Scheduler] triggers every task periodically on a shared worker pool.
//   - [Registry] tracks logged-in users and routes manual operations.
package sync

import (
	"context"
	"time"

	"github.com/njoerd114/exchangesync/internal/calendar"
	"github.com/njoerd114/exchangesync/internal/exchange"
	"github.com/njoerd114/exchangesync/internal/model"
	"github.com/njoerd114/exchangesync/internal/state"
)

// LocalStore provides access to the local calendar store.
// Implemented by [calendar.Store].
type LocalStore interface {
	GetCalendar(ctx context.Context, id string) (*model.Calendar, error)
	CreateCalendar(ctx context.Context, cal *model.Calendar) error
	DeleteCalendar(ctx context.Context, id string) error
	GetEvent(ctx context.Context, id string) (*model.EventRecord, error)
	SaveEvent(ctx context.Context, calendarID string, ev *model.EventRecord, isNew bool) error
	DeleteEvent(ctx context.Context, id string, tombstone bool) error
	FindModifiedSince(ctx context.Context, calendarID string, since time.Time) ([]*model.EventRecord, error)
	FindDeletedSince(ctx context.Context, calendarID string, since time.Time) ([]calendar.Tombstone, error)
	ClearTombstone(ctx context.Context, eventID string) error
	FindExceptionEvents(ctx context.Context, seriesID string) ([]*model.EventRecord, error)
	FindOccurrence(ctx context.Context, seriesID string, from, to time.Time) (*model.EventRecord, error)
}

// PairStore is the per-user id bijection between local and remote objects.
// Implemented by [state.Correspondences].
type PairStore interface {
	Lookup(ctx context.Context, user, id string) (string, bool, error)
	Set(ctx context.Context, user, a, b string) error
	Delete(ctx context.Context, user, id string) error
	DeletePair(ctx context.Context, user, a, b string) error
	ListSyncedFolderIDs(ctx context.Context, user string) ([]string, error)
	Release(user string)
}

// StateStore persists delta cursors and check timestamps.
// Implemented by [state.Store].
type StateStore interface {
	GetCursor(ctx context.Context, user, folderID string) (string, bool, error)
	SetCursor(ctx context.Context, user, folderID, cursor string) error
	DeleteCursor(ctx context.Context, user, folderID string) error
	GetUserState(ctx context.Context, user string) (*state.UserState, error)
	SetUserState(ctx context.Context, st *state.UserState) error
}

// Deps bundles what every [Task] needs besides its own user settings.
type Deps struct {
	// Dialer returns the dialer for a server URL.
	Dialer func(serverURL string) exchange.Dialer

	Local LocalStore
	Pairs PairStore
	State StateStore

	// ServerLocation is the zone the server anchors all-day items to.
	ServerLocation *time.Location
}

var (
	_ LocalStore = (*calendar.Store)(nil)
	_ PairStore  = (*state.Correspondences)(nil)
	_ StateStore = (*state.Store)(nil)
)
