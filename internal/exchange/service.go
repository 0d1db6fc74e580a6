package exchange

import (
	"context"
	"errors"
	"net"
	"time"
)

var (
	// ErrNotFound reports that the item or folder no longer exists. The sync
	// engine treats it as a concurrent delete.
	ErrNotFound = errors.New("not found")

	// ErrAuth reports rejected credentials.
	ErrAuth = errors.New("authentication rejected")

	// ErrTransient marks failures worth retrying once: timeouts, dropped
	// connections, and 5xx responses.
	ErrTransient = errors.New("transient remote error")

	// ErrMalformed reports a response that could not be decoded.
	ErrMalformed = errors.New("malformed response")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTransient) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Service is the remote calendar service for one authenticated user.
// Implemented by [*Client] and wrapped by [*Adapter].
type Service interface {
	ListCalendarFolders(ctx context.Context) ([]Folder, error)
	GetFolder(ctx context.Context, folderID string) (*Folder, error)

	// FindItems returns items of a folder ordered by start, newest first.
	// A zero since disables the start filter. more reports whether another
	// page follows.
	FindItems(ctx context.Context, folderID string, since time.Time, page Page) (items []*Item, more bool, err error)

	// SyncDelta returns changes after cursor. An empty cursor starts from
	// the beginning of the folder.
	SyncDelta(ctx context.Context, folderID, cursor string) (*DeltaPage, error)

	Subscribe(ctx context.Context, folderIDs []string, events []EventType, timeout time.Duration) (*Subscription, error)
	Poll(ctx context.Context, sub *Subscription) (*Notifications, error)
	Unsubscribe(ctx context.Context, sub *Subscription) error

	GetItem(ctx context.Context, itemID string) (*Item, error)
	// FindOccurrence returns the instance of a series whose original start
	// falls on the same day as originalStart.
	FindOccurrence(ctx context.Context, masterID string, originalStart time.Time) (*Item, error)

	Save(ctx context.Context, item *Item, folderID string) (*Item, error)
	Update(ctx context.Context, item *Item) (*Item, error)
	Delete(ctx context.Context, itemID string, hard bool) error
}

// Dialer opens an authenticated [Service]. It returns an error wrapping
// ErrAuth when the credentials are rejected.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Service, error)
}
