package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/njoerd114/exchangesync/internal/exchange"
	"github.com/njoerd114/exchangesync/internal/model"
)

// FolderStatus describes a remote calendar folder and whether it is
// synchronized.
type FolderStatus struct {
	ID     string
	Name   string
	Synced bool
}

// reconcileFolders confirms every synchronized folder still exists
// remotely, unsynchronizes the ones that were deleted, and in sync-all mode
// adds the folders that are not yet paired.
func (p *pass) reconcileFolders(ctx context.Context) error {
	ids, err := p.WatchedFolders(ctx)
	if err != nil {
		return fmt.Errorf("listing synchronized folders: %w", err)
	}

	rootReachable := false
	for _, folderID := range ids {
		calID, ok, err := p.pairs.Lookup(ctx, p.opts.User, folderID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		folder, err := p.remote.GetFolder(ctx, folderID)
		if isNotFound(err) {
			// A missing folder only means deletion if the server itself
			// answers; otherwise the connection is at fault.
			if !rootReachable {
				if _, err := p.remote.ListCalendarFolders(ctx); err != nil {
					return fmt.Errorf("confirming calendar root: %w", err)
				}
				rootReachable = true
			}
			p.log.Info("remote folder was deleted, unsynchronizing", "folder_id", folderID, "calendar_id", calID)
			if err := p.unsyncFolder(ctx, folderID, calID, p.opts.DeleteOnUnsync); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("getting folder %s: %w", folderID, err)
		}

		cal, err := p.local.GetCalendar(ctx, calID)
		if err != nil {
			return fmt.Errorf("getting calendar %s: %w", calID, err)
		}
		if cal == nil {
			p.log.Warn("dropping stale folder pair, local calendar is missing", "folder_id", folderID, "calendar_id", calID)
			if err := p.pairs.DeletePair(ctx, p.opts.User, calID, folderID); err != nil {
				return err
			}
			if err := p.state.DeleteCursor(ctx, p.opts.User, folderID); err != nil {
				return err
			}
			continue
		}
		if cal.Name != folder.Name {
			cal.Name = folder.Name
			if err := p.local.CreateCalendar(ctx, cal); err != nil {
				return fmt.Errorf("renaming calendar %s: %w", calID, err)
			}
		}
	}

	if !p.opts.SyncAllFolders {
		return nil
	}
	folders, err := p.remote.ListCalendarFolders(ctx)
	if err != nil {
		return fmt.Errorf("listing remote folders: %w", err)
	}
	for _, f := range folders {
		_, paired, err := p.pairs.Lookup(ctx, p.opts.User, f.ID)
		if err != nil {
			return err
		}
		if paired {
			continue
		}
		if _, err := p.addFolder(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// addFolder creates the local calendar of a remote folder and pairs them.
// Without a cursor the next pass seeds the folder from scratch.
func (r *Reconciler) addFolder(ctx context.Context, f exchange.Folder) (string, error) {
	calID := model.CalendarIDForFolder(f.ID)
	cal := &model.Calendar{
		ID:       calID,
		Owner:    r.opts.User,
		Name:     f.Name,
		Timezone: r.opts.Location.String(),
	}
	if err := r.local.CreateCalendar(ctx, cal); err != nil {
		return "", fmt.Errorf("creating calendar for folder %s: %w", f.ID, err)
	}
	if err := r.pairs.Set(ctx, r.opts.User, calID, f.ID); err != nil {
		return "", fmt.Errorf("pairing folder %s: %w", f.ID, err)
	}
	if err := r.state.DeleteCursor(ctx, r.opts.User, f.ID); err != nil {
		return "", fmt.Errorf("resetting cursor of folder %s: %w", f.ID, err)
	}
	r.log.Info("folder added", "folder_id", f.ID, "name", f.Name, "calendar_id", calID)
	return calID, nil
}

// unsyncFolder drops the pairs of a folder and its events and forgets its
// cursor. With deleteLocal the local calendar is removed as well.
func (r *Reconciler) unsyncFolder(ctx context.Context, folderID, calID string, deleteLocal bool) error {
	events, err := r.local.FindModifiedSince(ctx, calID, time.Time{})
	if err != nil {
		return fmt.Errorf("listing events of calendar %s: %w", calID, err)
	}
	for _, ev := range events {
		if err := r.pairs.Delete(ctx, r.opts.User, ev.ID); err != nil {
			return fmt.Errorf("unpairing event %s: %w", ev.ID, err)
		}
	}
	if deleteLocal {
		if err := r.local.DeleteCalendar(ctx, calID); err != nil {
			return fmt.Errorf("deleting calendar %s: %w", calID, err)
		}
	}
	if err := r.pairs.DeletePair(ctx, r.opts.User, calID, folderID); err != nil {
		return fmt.Errorf("unpairing folder %s: %w", folderID, err)
	}
	if err := r.state.DeleteCursor(ctx, r.opts.User, folderID); err != nil {
		return fmt.Errorf("dropping cursor of folder %s: %w", folderID, err)
	}
	return nil
}

// AddFolder starts synchronizing a remote folder. Adding a folder that is
// already synchronized is a no-op.
func (r *Reconciler) AddFolder(ctx context.Context, folderID string) error {
	_, paired, err := r.pairs.Lookup(ctx, r.opts.User, folderID)
	if err != nil {
		return err
	}
	if paired {
		return nil
	}
	f, err := r.remote.GetFolder(ctx, folderID)
	if err != nil {
		return fmt.Errorf("getting folder %s: %w", folderID, err)
	}
	_, err = r.addFolder(ctx, *f)
	return err
}

// RemoveFolder stops synchronizing a remote folder. The local calendar and
// its events are kept.
func (r *Reconciler) RemoveFolder(ctx context.Context, folderID string) error {
	calID, ok, err := r.pairs.Lookup(ctx, r.opts.User, folderID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("folder %s is not synchronized", folderID)
	}
	if err := r.unsyncFolder(ctx, folderID, calID, false); err != nil {
		return err
	}
	r.log.Info("folder removed", "folder_id", folderID, "calendar_id", calID)
	return nil
}

// ListFolders returns every remote calendar folder with its sync status.
func (r *Reconciler) ListFolders(ctx context.Context) ([]FolderStatus, error) {
	folders, err := r.remote.ListCalendarFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing remote folders: %w", err)
	}
	out := make([]FolderStatus, 0, len(folders))
	for _, f := range folders {
		_, synced, err := r.pairs.Lookup(ctx, r.opts.User, f.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, FolderStatus{ID: f.ID, Name: f.Name, Synced: synced})
	}
	return out, nil
}
