package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/njoerd114/exchangesync/internal/exchange"
	"github.com/njoerd114/exchangesync/internal/model"
)

// syncFolder brings a calendar up to date with its remote folder: a full
// seed when no cursor is stored, the delta feed otherwise.
func (p *pass) syncFolder(ctx context.Context, w watchedFolder) error {
	cursor, ok, err := p.state.GetCursor(ctx, p.opts.User, w.folderID)
	if err != nil {
		return fmt.Errorf("loading cursor: %w", err)
	}
	if !ok {
		return p.seedFolder(ctx, w)
	}
	return p.deltaSync(ctx, w, cursor)
}

// seedFolder imports the folder's items back to the look-back horizon.
// The cursor is taken before the import so that changes made meanwhile
// come in through the next delta.
func (p *pass) seedFolder(ctx context.Context, w watchedFolder) error {
	p.log.Info("seeding folder", "folder_id", w.folderID, "calendar_id", w.calendarID)

	cursor, err := p.latestCursor(ctx, w.folderID)
	if err != nil {
		return err
	}

	cutoff := p.start.AddDate(0, 0, -p.opts.MaxLookBackDays)
	page := exchange.Page{Size: seedPageSize}
	for {
		items, more, err := p.remote.FindItems(ctx, w.folderID, time.Time{}, page)
		if err != nil {
			return fmt.Errorf("finding items: %w", err)
		}
		reachedCutoff := false
		for _, item := range items {
			if item.Start.Before(cutoff) {
				reachedCutoff = true
				break
			}
			if err := p.applyItem(ctx, w.calendarID, item); err != nil {
				return err
			}
		}
		if reachedCutoff || !more {
			break
		}
		page.Offset += page.Size
	}

	if err := p.state.SetCursor(ctx, p.opts.User, w.folderID, cursor); err != nil {
		return fmt.Errorf("saving cursor: %w", err)
	}
	p.seeded = true
	return nil
}

// latestCursor walks the delta feed from the beginning, discarding the
// changes, and returns the cursor at its end.
func (p *pass) latestCursor(ctx context.Context, folderID string) (string, error) {
	cursor := ""
	for {
		page, err := p.remote.SyncDelta(ctx, folderID, cursor)
		if err != nil {
			return "", fmt.Errorf("fetching starting cursor: %w", err)
		}
		cursor = page.Cursor
		if !page.More {
			return cursor, nil
		}
	}
}

// deltaSync applies the folder's changes since cursor. The new cursor is
// stored only after every page was applied.
func (p *pass) deltaSync(ctx context.Context, w watchedFolder, cursor string) error {
	for {
		page, err := p.remote.SyncDelta(ctx, w.folderID, cursor)
		if err != nil {
			return fmt.Errorf("fetching changes: %w", err)
		}
		for _, ch := range page.Changes {
			if err := p.applyChange(ctx, w.calendarID, ch); err != nil {
				return err
			}
		}
		cursor = page.Cursor
		if !page.More {
			break
		}
	}
	if err := p.state.SetCursor(ctx, p.opts.User, w.folderID, cursor); err != nil {
		return fmt.Errorf("saving cursor: %w", err)
	}
	return nil
}

func (p *pass) applyChange(ctx context.Context, calID string, ch exchange.ItemChange) error {
	switch ch.Type {
	case exchange.ChangeCreate, exchange.ChangeUpdate:
		item := ch.Item
		if item == nil {
			var err error
			item, err = p.remote.GetItem(ctx, ch.ItemID)
			if isNotFound(err) {
				return p.deleteLocalFor(ctx, ch.ItemID)
			}
			if err != nil {
				return p.itemErr(err, "fetching changed item", "item_id", ch.ItemID)
			}
		}
		return p.applyItem(ctx, calID, item)
	case exchange.ChangeDelete:
		return p.deleteLocalFor(ctx, ch.ItemID)
	default:
		p.log.Warn("skipping change of unknown type", "type", ch.Type, "item_id", ch.ItemID)
		return nil
	}
}

// applyItem mirrors one remote item into the calendar.
func (p *pass) applyItem(ctx context.Context, calID string, item *exchange.Item) error {
	switch item.Kind {
	case exchange.KindSingle, exchange.KindRecurringMaster:
		return p.createOrUpdateEvent(ctx, calID, item)
	case exchange.KindException:
		return p.applyException(ctx, calID, item)
	case exchange.KindOccurrence:
		p.log.Debug("skipping unmodified occurrence", "item_id", item.ID)
		return nil
	default:
		p.log.Warn("skipping item of unknown kind", "item_id", item.ID, "kind", item.Kind)
		return nil
	}
}

// createOrUpdateEvent mirrors a single item or a recurring master. An
// existing local copy is only overwritten when the remote side wins the
// conflict, or when the remote series was cut short.
func (p *pass) createOrUpdateEvent(ctx context.Context, calID string, item *exchange.Item) error {
	p.touch(item.ID)

	local, err := p.pairedLocal(ctx, item.ID)
	if err != nil {
		return p.itemErr(err, "looking up local event", "item_id", item.ID)
	}

	var ev model.EventRecord
	if local != nil {
		truncated := lastOccurrenceTruncated(item, local, p.opts.Location)
		if w := resolve(local.LastModified, item.LastModified); w != remoteWins && !truncated {
			if w == localWins {
				p.stats.Conflicts++
				p.log.Debug("local copy is newer, keeping it", "item_id", item.ID, "event_id", local.ID)
			}
			return nil
		}
		ev = p.conv.RemoteToLocal(item, local, p.opts.Location)
		if truncated {
			p.log.Info("remote series was truncated, clamping local recurrence", "item_id", item.ID, "event_id", local.ID)
			clampRecurrence(&ev, item)
		}
	} else {
		ev = p.conv.RemoteToLocal(item, nil, p.opts.Location)
		ev.ID = model.EventIDForItem(item.ID)
	}

	created, err := p.saveLocal(ctx, calID, &ev)
	if err != nil {
		return p.itemErr(err, "saving local event", "item_id", item.ID, "event_id", ev.ID)
	}
	if err := p.pairs.Set(ctx, p.opts.User, ev.ID, item.ID); err != nil {
		return p.itemErr(err, "pairing local event", "item_id", item.ID, "event_id", ev.ID)
	}
	p.touch(ev.ID)
	if created {
		p.stats.Created++
	} else {
		p.stats.Updated++
	}

	if item.Kind == exchange.KindRecurringMaster {
		return p.syncSeriesExceptions(ctx, calID, item, &ev)
	}
	return nil
}

// applyNotifications handles the push events received since the last pass.
// Items already handled by the delta feed are skipped. Folders created in
// sync-all mode are added and returned.
func (p *pass) applyNotifications(ctx context.Context, feed *exchange.Notifications, watched []watchedFolder) ([]watchedFolder, error) {
	if feed == nil {
		return nil, nil
	}

	var added []watchedFolder
	for _, fe := range feed.Folders {
		switch fe.Type {
		case exchange.EventCreated:
			if !p.opts.SyncAllFolders {
				continue
			}
			_, paired, err := p.pairs.Lookup(ctx, p.opts.User, fe.FolderID)
			if err != nil {
				return added, err
			}
			if paired {
				continue
			}
			f, err := p.remote.GetFolder(ctx, fe.FolderID)
			if isNotFound(err) {
				continue
			}
			if err != nil {
				return added, fmt.Errorf("getting folder %s: %w", fe.FolderID, err)
			}
			calID, err := p.addFolder(ctx, *f)
			if err != nil {
				return added, err
			}
			added = append(added, watchedFolder{folderID: f.ID, calendarID: calID})
		case exchange.EventDeleted:
			p.log.Debug("folder deleted, unsynchronizing on next pass", "folder_id", fe.FolderID)
		}
	}

	calendars := make(map[string]string, len(watched))
	for _, w := range watched {
		calendars[w.folderID] = w.calendarID
	}
	seen := make(map[string]bool, len(feed.Items))
	for _, ie := range feed.Items {
		if seen[ie.ItemID] || p.touched[ie.ItemID] {
			continue
		}
		seen[ie.ItemID] = true

		if ie.Type == exchange.EventDeleted {
			if err := p.deleteLocalFor(ctx, ie.ItemID); err != nil {
				return added, err
			}
			continue
		}

		item, err := p.remote.GetItem(ctx, ie.ItemID)
		if isNotFound(err) {
			if err := p.deleteLocalFor(ctx, ie.ItemID); err != nil {
				return added, err
			}
			continue
		}
		if err != nil {
			if err := p.itemErr(err, "fetching notified item", "item_id", ie.ItemID); err != nil {
				return added, err
			}
			continue
		}

		calID, ok := calendars[item.FolderID]
		if !ok {
			// Moved out of every synchronized folder.
			if err := p.deleteLocalFor(ctx, ie.ItemID); err != nil {
				return added, err
			}
			continue
		}
		if err := p.applyItem(ctx, calID, item); err != nil {
			return added, err
		}
	}
	return added, nil
}
