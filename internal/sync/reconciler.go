package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/exchangesync/internal/convert"
	"github.com/njoerd114/exchangesync/internal/exchange"
	"github.com/njoerd114/exchangesync/internal/model"
)

// seedPageSize is the FindItems page size of a full seed.
const seedPageSize = 30

// Stats tracks the number of mutations performed in a single sync pass.
type Stats struct {
	Created   int
	Updated   int
	Deleted   int
	Conflicts int
	Errors    int
}

// Options are the per-user settings of a [Reconciler].
type Options struct {
	User            string
	SyncAllFolders  bool
	DeleteOnUnsync  bool
	MaxLookBackDays int
	// Location is the user's zone, used for all-day events and for
	// matching exception occurrences by day.
	Location *time.Location
}

// Reconciler performs sync passes for one user. It keeps no state between
// passes; cursors, timestamps, and pairs live in the stores.
type Reconciler struct {
	remote exchange.Service
	local  LocalStore
	pairs  PairStore
	state  StateStore
	conv   *convert.Converter
	opts   Options
	log    *slog.Logger
	now    func() time.Time
}

// NewReconciler creates a Reconciler wired to the given remote service and
// stores.
func NewReconciler(remote exchange.Service, local LocalStore, pairs PairStore, st StateStore, conv *convert.Converter, opts Options, logger *slog.Logger) *Reconciler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Reconciler{
		remote: remote,
		local:  local,
		pairs:  pairs,
		state:  st,
		conv:   conv,
		opts:   opts,
		log:    logger,
		now:    time.Now,
	}
}

// pass holds the bookkeeping of one Run.
type pass struct {
	*Reconciler

	start  time.Time
	since  time.Time
	seeded bool
	stats  Stats

	// touched holds the local and remote ids handled earlier in the pass.
	touched map[string]bool
}

// watchedFolder is a synchronized remote folder and its local calendar.
type watchedFolder struct {
	folderID   string
	calendarID string
}

// Run performs one sync pass. feed carries the push notifications received
// since the previous pass and may be nil. Per-item failures are counted in
// the returned stats; a returned error means the pass was aborted and
// neither cursors of unfinished folders nor check timestamps were advanced.
func (r *Reconciler) Run(ctx context.Context, feed *exchange.Notifications) (Stats, error) {
	st, err := r.state.GetUserState(ctx, r.opts.User)
	if err != nil {
		return Stats{}, fmt.Errorf("loading sync state: %w", err)
	}
	p := &pass{
		Reconciler: r,
		start:      r.now(),
		since:      st.LastIncrementalCheck,
		touched:    make(map[string]bool),
	}

	if err := p.reconcileFolders(ctx); err != nil {
		return p.stats, fmt.Errorf("reconciling folders: %w", err)
	}

	watched, err := r.watchedFolders(ctx)
	if err != nil {
		return p.stats, err
	}
	for _, w := range watched {
		if err := p.syncFolder(ctx, w); err != nil {
			return p.stats, fmt.Errorf("syncing folder %s: %w", w.folderID, err)
		}
	}

	added, err := p.applyNotifications(ctx, feed, watched)
	if err != nil {
		return p.stats, fmt.Errorf("applying notifications: %w", err)
	}
	for _, w := range added {
		if err := p.syncFolder(ctx, w); err != nil {
			return p.stats, fmt.Errorf("syncing folder %s: %w", w.folderID, err)
		}
	}

	for _, w := range append(watched, added...) {
		if err := p.pushChanges(ctx, w); err != nil {
			return p.stats, fmt.Errorf("pushing calendar %s: %w", w.calendarID, err)
		}
	}

	st.User = r.opts.User
	st.LastIncrementalCheck = p.start
	if p.seeded {
		st.LastFullCheck = p.start
	}
	if err := r.state.SetUserState(ctx, st); err != nil {
		return p.stats, fmt.Errorf("saving sync state: %w", err)
	}

	r.log.Info("sync pass complete",
		"created", p.stats.Created,
		"updated", p.stats.Updated,
		"deleted", p.stats.Deleted,
		"conflicts", p.stats.Conflicts,
		"errors", p.stats.Errors,
	)
	return p.stats, nil
}

// WatchedFolders returns the ids of the synchronized remote folders.
func (r *Reconciler) WatchedFolders(ctx context.Context) ([]string, error) {
	return r.pairs.ListSyncedFolderIDs(ctx, r.opts.User)
}

func (r *Reconciler) watchedFolders(ctx context.Context) ([]watchedFolder, error) {
	ids, err := r.WatchedFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing synchronized folders: %w", err)
	}
	out := make([]watchedFolder, 0, len(ids))
	for _, id := range ids {
		calID, ok, err := r.pairs.Lookup(ctx, r.opts.User, id)
		if err != nil {
			return nil, fmt.Errorf("looking up calendar of folder %s: %w", id, err)
		}
		if ok {
			out = append(out, watchedFolder{folderID: id, calendarID: calID})
		}
	}
	return out, nil
}

// itemErr decides the fate of a per-item failure: errors that say the
// remote side as a whole is unusable abort the pass, everything else is
// logged, counted, and skipped.
func (p *pass) itemErr(err error, msg string, args ...any) error {
	if exchange.IsFatal(err) {
		return err
	}
	p.stats.Errors++
	p.log.Error(msg, append(args, "error", err)...)
	return nil
}

// touch marks ids as handled in this pass.
func (p *pass) touch(ids ...string) {
	for _, id := range ids {
		if id != "" {
			p.touched[id] = true
		}
	}
}

// pairedLocal returns the local event paired with remoteID. A pair whose
// local event vanished is dropped and reported as no pair.
func (p *pass) pairedLocal(ctx context.Context, remoteID string) (*model.EventRecord, error) {
	localID, ok, err := p.pairs.Lookup(ctx, p.opts.User, remoteID)
	if err != nil || !ok {
		return nil, err
	}
	ev, err := p.local.GetEvent(ctx, localID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		p.log.Warn("dropping stale pair, local event is missing", "item_id", remoteID, "event_id", localID)
		if err := p.pairs.DeletePair(ctx, p.opts.User, remoteID, localID); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// saveLocal stores ev, inserting it when no record with its id exists yet.
// It reports whether the record was created.
func (p *pass) saveLocal(ctx context.Context, calendarID string, ev *model.EventRecord) (bool, error) {
	isNew := ev.ID == ""
	if !isNew {
		existing, err := p.local.GetEvent(ctx, ev.ID)
		if err != nil {
			return false, err
		}
		isNew = existing == nil
	}
	return isNew, p.local.SaveEvent(ctx, calendarID, ev, isNew)
}

// deleteLocalFor removes the local counterpart of a remote item, cascading
// from a recurring master to its exception records. Missing counterparts
// are a no-op.
func (p *pass) deleteLocalFor(ctx context.Context, itemID string) error {
	p.touch(itemID)
	localID, ok, err := p.pairs.Lookup(ctx, p.opts.User, itemID)
	if err != nil {
		return p.itemErr(err, "looking up deleted item", "item_id", itemID)
	}
	if !ok {
		return nil
	}
	ev, err := p.local.GetEvent(ctx, localID)
	if err != nil {
		return p.itemErr(err, "loading event of deleted item", "item_id", itemID)
	}
	if err := p.deleteLocal(ctx, localID, ev); err != nil {
		return p.itemErr(err, "deleting local event", "item_id", itemID, "event_id", localID)
	}
	if ev != nil {
		p.stats.Deleted++
	}
	return nil
}

// deleteLocal removes a local event and its pair without recording a
// tombstone. ev may be nil when the record is already gone.
func (p *pass) deleteLocal(ctx context.Context, localID string, ev *model.EventRecord) error {
	if ev != nil && ev.IsRecurring() {
		exceptions, err := p.local.FindExceptionEvents(ctx, ev.ID)
		if err != nil {
			return err
		}
		for _, exc := range exceptions {
			if err := p.dropLocal(ctx, exc.ID); err != nil {
				return err
			}
		}
	}
	return p.dropLocal(ctx, localID)
}

func (p *pass) dropLocal(ctx context.Context, localID string) error {
	counterpart, ok, err := p.pairs.Lookup(ctx, p.opts.User, localID)
	if err != nil {
		return err
	}
	if ok {
		p.touch(counterpart)
	}
	if err := p.local.DeleteEvent(ctx, localID, false); err != nil {
		return err
	}
	p.touch(localID)
	return p.pairs.Delete(ctx, p.opts.User, localID)
}

// winner is the outcome of a conflict resolution.
type winner int

const (
	noWinner winner = iota
	localWins
	remoteWins
)

func (w winner) String() string {
	switch w {
	case localWins:
		return "local"
	case remoteWins:
		return "remote"
	default:
		return "none"
	}
}

// resolve applies last-writer-wins to two modification timestamps. The
// strictly later one wins; equal timestamps, including two zero ones, mean
// there is nothing to do. A zero timestamp loses to any other.
func resolve(local, remote time.Time) winner {
	switch {
	case local.Equal(remote):
		return noWinner
	case local.After(remote):
		return localWins
	default:
		return remoteWins
	}
}

// dayRange returns the user-zone day containing t.
func dayRange(t time.Time, loc *time.Location) (time.Time, time.Time) {
	t = t.In(loc)
	from := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return from, from.AddDate(0, 0, 1)
}

func isNotFound(err error) bool {
	return errors.Is(err, exchange.ErrNotFound)
}
