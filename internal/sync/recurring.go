package sync

import (
	"context"
	"strings"
	"time"

	"github.com/njoerd114/exchangesync/internal/exchange"
	"github.com/njoerd114/exchangesync/internal/model"
)

// applyException mirrors a modified occurrence. The local record is found
// through its pair, or else as the occurrence of the local master on the
// same day as the original start.
func (p *pass) applyException(ctx context.Context, calID string, item *exchange.Item) error {
	masterID, ok, err := p.pairs.Lookup(ctx, p.opts.User, item.MasterID)
	if err != nil {
		return p.itemErr(err, "looking up series", "item_id", item.ID, "master_id", item.MasterID)
	}
	if !ok {
		master, err := p.remote.GetItem(ctx, item.MasterID)
		if isNotFound(err) {
			p.log.Debug("skipping exception of deleted series", "item_id", item.ID, "master_id", item.MasterID)
			return nil
		}
		if err != nil {
			return p.itemErr(err, "fetching series master", "item_id", item.ID, "master_id", item.MasterID)
		}
		if err := p.createOrUpdateEvent(ctx, calID, master); err != nil {
			return err
		}
		if p.touched[item.ID] {
			return nil
		}
		masterID, ok, err = p.pairs.Lookup(ctx, p.opts.User, item.MasterID)
		if err != nil {
			return p.itemErr(err, "looking up series", "item_id", item.ID, "master_id", item.MasterID)
		}
		if !ok {
			p.log.Debug("skipping exception of unmirrored series", "item_id", item.ID, "master_id", item.MasterID)
			return nil
		}
	}
	p.touch(item.ID)

	local, err := p.pairedLocal(ctx, item.ID)
	if err != nil {
		return p.itemErr(err, "looking up local exception", "item_id", item.ID)
	}
	if local == nil {
		from, to := dayRange(item.OriginalStart, p.opts.Location)
		if local, err = p.local.FindOccurrence(ctx, masterID, from, to); err != nil {
			return p.itemErr(err, "finding local occurrence", "item_id", item.ID, "series_id", masterID)
		}
	}

	if local != nil && local.ID != "" {
		if w := resolve(local.LastModified, item.LastModified); w != remoteWins {
			if w == localWins {
				p.stats.Conflicts++
			}
			return nil
		}
	}

	ev := p.conv.RemoteToLocal(item, local, p.opts.Location)
	ev.SeriesID = masterID
	if ev.ID == "" {
		ev.ID = model.EventIDForItem(item.ID)
	}
	created, err := p.saveLocal(ctx, calID, &ev)
	if err != nil {
		return p.itemErr(err, "saving local exception", "item_id", item.ID, "event_id", ev.ID)
	}
	if err := p.pairs.Set(ctx, p.opts.User, ev.ID, item.ID); err != nil {
		return p.itemErr(err, "pairing local exception", "item_id", item.ID, "event_id", ev.ID)
	}
	p.touch(ev.ID)
	if created {
		p.stats.Created++
	} else {
		p.stats.Updated++
	}
	return nil
}

// syncSeriesExceptions mirrors the modified occurrences of a master and
// removes local exception records of occurrences that are now cancelled.
func (p *pass) syncSeriesExceptions(ctx context.Context, calID string, item *exchange.Item, master *model.EventRecord) error {
	for _, occ := range item.ModifiedOccurrences {
		if p.touched[occ.ItemID] {
			continue
		}
		exc, err := p.remote.GetItem(ctx, occ.ItemID)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			if err := p.itemErr(err, "fetching modified occurrence", "item_id", occ.ItemID, "master_id", item.ID); err != nil {
				return err
			}
			continue
		}
		if err := p.applyException(ctx, calID, exc); err != nil {
			return err
		}
	}

	exceptions, err := p.local.FindExceptionEvents(ctx, master.ID)
	if err != nil {
		return p.itemErr(err, "listing local exceptions", "event_id", master.ID)
	}
	for _, exc := range exceptions {
		if !master.HasException(exc.RecurrenceID) {
			continue
		}
		if err := p.dropLocal(ctx, exc.ID); err != nil {
			return p.itemErr(err, "deleting cancelled exception", "event_id", exc.ID)
		}
		p.stats.Deleted++
	}
	return nil
}

// lastOccurrenceTruncated reports whether a remote series ends earlier than
// its declared end date while the local copy still runs past it. Such a
// change does not bump the master's modification time. An exception on the
// end date means the end was cancelled on purpose. loc is the zone the local
// series expands in.
func lastOccurrenceTruncated(item *exchange.Item, local *model.EventRecord, loc *time.Location) bool {
	if item.Kind != exchange.KindRecurringMaster || item.Recurrence == nil ||
		item.Recurrence.End == nil || item.LastOccurrence == nil || !local.IsRecurring() {
		return false
	}

	end := *item.Recurrence.End
	endDay := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, end.Location())
	if !item.LastOccurrence.End.Before(endDay) {
		return false
	}

	prefix := end.UTC().Format("20060102")
	for _, id := range local.ExceptionIDs {
		if strings.HasPrefix(id, prefix) {
			return false
		}
	}

	last, ok, err := local.Recurrence.LastOccurrence(local.Start, loc, local.ExceptionIDs)
	if err != nil || !ok {
		return false
	}
	return last.After(item.LastOccurrence.Start)
}

// clampRecurrence ends ev's series at the remote last occurrence.
func clampRecurrence(ev *model.EventRecord, item *exchange.Item) {
	if ev.Recurrence == nil || item.LastOccurrence == nil {
		return
	}
	until := item.LastOccurrence.End.In(ev.Start.Location())
	ev.Recurrence.Until = &until
	ev.Recurrence.Count = 0
}

// allOccurrencesCancelled reports whether every occurrence of a counted
// series was cancelled, expanding the series in loc.
func allOccurrencesCancelled(ev *model.EventRecord, loc *time.Location) bool {
	if !ev.IsRecurring() || ev.Recurrence.Count == 0 || ev.Recurrence.Until != nil {
		return false
	}
	_, ok, err := ev.Recurrence.LastOccurrence(ev.Start, loc, ev.ExceptionIDs)
	return err == nil && !ok
}
