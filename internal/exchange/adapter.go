package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Adapter decorates a [Service] with the failure policy the sync engine
// relies on: transient errors are retried once inside the call, repeated
// failures open a circuit breaker, and deleting an item that is already gone
// succeeds. Adapter itself implements Service.
type Adapter struct {
	svc      Service
	cb       *gobreaker.CircuitBreaker
	attempts int
	log      *slog.Logger
}

// NewAdapter wraps svc. name identifies the breaker in logs, typically the
// user name.
func NewAdapter(svc Service, name string, logger *slog.Logger) *Adapter {
	settings := gobreaker.Settings{
		Name:        "exchange:" + name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
	}
	return &Adapter{
		svc:      svc,
		cb:       gobreaker.NewCircuitBreaker(settings),
		attempts: defaultMaxAttempts,
		log:      logger,
	}
}

// IsFatal reports whether err should abort a whole sync pass rather than
// a single item: rejected credentials, an unreachable or misbehaving server,
// an open breaker, or cancellation.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuth) ||
		errors.Is(err, ErrMalformed) ||
		IsTransient(err) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// call runs fn through the breaker and the retry policy.
func call[T any](ctx context.Context, a *Adapter, op string, fn func() (T, error)) (T, error) {
	var out T
	err := Retry(ctx, a.attempts, func() error {
		v, err := a.cb.Execute(func() (interface{}, error) {
			res, err := fn()
			return res, err
		})
		if err != nil {
			return err
		}
		out, _ = v.(T)
		return nil
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// ListCalendarFolders implements [Service].
func (a *Adapter) ListCalendarFolders(ctx context.Context) ([]Folder, error) {
	return call(ctx, a, "listing calendar folders", func() ([]Folder, error) {
		return a.svc.ListCalendarFolders(ctx)
	})
}

// GetFolder implements [Service].
func (a *Adapter) GetFolder(ctx context.Context, folderID string) (*Folder, error) {
	return call(ctx, a, "getting folder "+folderID, func() (*Folder, error) {
		return a.svc.GetFolder(ctx, folderID)
	})
}

type findResult struct {
	items []*Item
	more  bool
}

// FindItems implements [Service].
func (a *Adapter) FindItems(ctx context.Context, folderID string, since time.Time, page Page) ([]*Item, bool, error) {
	res, err := call(ctx, a, "finding items in "+folderID, func() (findResult, error) {
		items, more, err := a.svc.FindItems(ctx, folderID, since, page)
		return findResult{items: items, more: more}, err
	})
	return res.items, res.more, err
}

// SyncDelta implements [Service].
func (a *Adapter) SyncDelta(ctx context.Context, folderID, cursor string) (*DeltaPage, error) {
	return call(ctx, a, "syncing delta of "+folderID, func() (*DeltaPage, error) {
		return a.svc.SyncDelta(ctx, folderID, cursor)
	})
}

// Subscribe implements [Service].
func (a *Adapter) Subscribe(ctx context.Context, folderIDs []string, events []EventType, timeout time.Duration) (*Subscription, error) {
	return call(ctx, a, "subscribing", func() (*Subscription, error) {
		return a.svc.Subscribe(ctx, folderIDs, events, timeout)
	})
}

// Poll implements [Service].
func (a *Adapter) Poll(ctx context.Context, sub *Subscription) (*Notifications, error) {
	return call(ctx, a, "polling subscription", func() (*Notifications, error) {
		return a.svc.Poll(ctx, sub)
	})
}

// Unsubscribe implements [Service]. An expired subscription is not an error.
func (a *Adapter) Unsubscribe(ctx context.Context, sub *Subscription) error {
	_, err := call(ctx, a, "unsubscribing", func() (struct{}, error) {
		return struct{}{}, a.svc.Unsubscribe(ctx, sub)
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// GetItem implements [Service].
func (a *Adapter) GetItem(ctx context.Context, itemID string) (*Item, error) {
	return call(ctx, a, "getting item", func() (*Item, error) {
		return a.svc.GetItem(ctx, itemID)
	})
}

// FindOccurrence implements [Service].
func (a *Adapter) FindOccurrence(ctx context.Context, masterID string, originalStart time.Time) (*Item, error) {
	return call(ctx, a, "finding occurrence", func() (*Item, error) {
		return a.svc.FindOccurrence(ctx, masterID, originalStart)
	})
}

// Save implements [Service].
func (a *Adapter) Save(ctx context.Context, item *Item, folderID string) (*Item, error) {
	return call(ctx, a, "saving item", func() (*Item, error) {
		return a.svc.Save(ctx, item, folderID)
	})
}

// Update implements [Service].
func (a *Adapter) Update(ctx context.Context, item *Item) (*Item, error) {
	return call(ctx, a, "updating item", func() (*Item, error) {
		return a.svc.Update(ctx, item)
	})
}

// Delete implements [Service]. Deleting an item that no longer exists
// succeeds.
func (a *Adapter) Delete(ctx context.Context, itemID string, hard bool) error {
	_, err := call(ctx, a, "deleting item", func() (struct{}, error) {
		return struct{}{}, a.svc.Delete(ctx, itemID, hard)
	})
	if errors.Is(err, ErrNotFound) {
		a.log.Debug("item already deleted remotely", "item_id", itemID)
		return nil
	}
	return err
}
