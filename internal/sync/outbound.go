package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/njoerd114/exchangesync/internal/model"
)

// pushChanges sends the calendar's local edits and deletions made since
// the last check to the remote folder. Events touched earlier in the pass
// were just written by the sync itself and are skipped.
func (p *pass) pushChanges(ctx context.Context, w watchedFolder) error {
	events, err := p.local.FindModifiedSince(ctx, w.calendarID, p.since)
	if err != nil {
		return fmt.Errorf("finding local changes: %w", err)
	}
	for _, ev := range events {
		if p.touched[ev.ID] {
			continue
		}
		if err := p.pushEvent(ctx, w, ev); err != nil {
			return err
		}
	}

	// Every pending tombstone is retried until its deletion reaches the
	// server, however old it is.
	tombstones, err := p.local.FindDeletedSince(ctx, w.calendarID, time.Time{})
	if err != nil {
		return fmt.Errorf("finding local deletions: %w", err)
	}
	for _, t := range tombstones {
		if err := p.pushDeletion(ctx, t.EventID); err != nil {
			return err
		}
	}
	return nil
}

// pushDeletion deletes the remote item paired with a locally deleted event
// and clears the tombstone. A failed deletion keeps the tombstone for the
// next pass.
func (p *pass) pushDeletion(ctx context.Context, eventID string) error {
	remoteID, ok, err := p.pairs.Lookup(ctx, p.opts.User, eventID)
	if err != nil {
		return p.itemErr(err, "looking up deleted event", "event_id", eventID)
	}
	if ok {
		err := p.remote.Delete(ctx, remoteID, false)
		if err != nil && !isNotFound(err) {
			return p.itemErr(err, "deleting remote item", "event_id", eventID, "item_id", remoteID)
		}
		if err := p.pairs.Delete(ctx, p.opts.User, eventID); err != nil {
			return p.itemErr(err, "unpairing deleted event", "event_id", eventID)
		}
		p.touch(eventID, remoteID)
		p.stats.Deleted++
	}
	if err := p.local.ClearTombstone(ctx, eventID); err != nil {
		return fmt.Errorf("clearing tombstone: %w", err)
	}
	return nil
}

// pushEvent sends one local event.
func (p *pass) pushEvent(ctx context.Context, w watchedFolder, ev *model.EventRecord) error {
	p.touch(ev.ID)

	remoteID, ok, err := p.pairs.Lookup(ctx, p.opts.User, ev.ID)
	if err != nil {
		return p.itemErr(err, "looking up remote item", "event_id", ev.ID)
	}
	if !ok {
		return p.pushUnpaired(ctx, w, ev)
	}

	remote, err := p.remote.GetItem(ctx, remoteID)
	if isNotFound(err) {
		p.log.Info("remote item is gone, deleting local copy", "event_id", ev.ID, "item_id", remoteID)
		if err := p.deleteLocal(ctx, ev.ID, ev); err != nil {
			return p.itemErr(err, "deleting local event", "event_id", ev.ID)
		}
		p.stats.Deleted++
		return nil
	}
	if err != nil {
		return p.itemErr(err, "fetching remote item", "event_id", ev.ID, "item_id", remoteID)
	}

	switch resolve(ev.LastModified, remote.LastModified) {
	case remoteWins:
		p.stats.Conflicts++
		p.log.Debug("remote copy is newer, skipping push", "event_id", ev.ID, "item_id", remoteID)
		return nil
	case noWinner:
		return nil
	}

	if allOccurrencesCancelled(ev, p.opts.Location) {
		p.log.Info("every occurrence was cancelled, deleting series", "event_id", ev.ID, "item_id", remoteID)
		if err := p.remote.Delete(ctx, remoteID, false); err != nil {
			return p.itemErr(err, "deleting remote series", "event_id", ev.ID, "item_id", remoteID)
		}
		if err := p.deleteLocal(ctx, ev.ID, ev); err != nil {
			return p.itemErr(err, "deleting local series", "event_id", ev.ID)
		}
		p.stats.Deleted++
		return nil
	}

	mutation := p.conv.LocalToRemote(ev, remote, p.opts.Location)
	if _, err := p.remote.Update(ctx, &mutation); err != nil {
		return p.itemErr(err, "updating remote item", "event_id", ev.ID, "item_id", remoteID)
	}
	if err := p.postSave(ctx, remoteID, ev); err != nil {
		return p.itemErr(err, "stamping local event", "event_id", ev.ID, "item_id", remoteID)
	}
	p.touch(remoteID)
	p.stats.Updated++
	return nil
}

// pushUnpaired sends a local event that has no remote counterpart yet.
func (p *pass) pushUnpaired(ctx context.Context, w watchedFolder, ev *model.EventRecord) error {
	if ev.IsException {
		return p.pushException(ctx, ev)
	}

	// A copy of a remote item that lost its pair, or an event not edited
	// since the last check, has no business being created remotely.
	if model.IsExchangeEventID(ev.ID) || !ev.LastModified.After(p.since) {
		p.log.Info("deleting stale local event without remote counterpart", "event_id", ev.ID)
		if err := p.deleteLocal(ctx, ev.ID, ev); err != nil {
			return p.itemErr(err, "deleting stale local event", "event_id", ev.ID)
		}
		p.stats.Deleted++
		return nil
	}

	mutation := p.conv.LocalToRemote(ev, nil, p.opts.Location)
	saved, err := p.remote.Save(ctx, &mutation, w.folderID)
	if err != nil {
		return p.itemErr(err, "creating remote item", "event_id", ev.ID)
	}
	if err := p.pairs.Set(ctx, p.opts.User, ev.ID, saved.ID); err != nil {
		return p.itemErr(err, "pairing local event", "event_id", ev.ID, "item_id", saved.ID)
	}
	if err := p.postSave(ctx, saved.ID, ev); err != nil {
		return p.itemErr(err, "stamping local event", "event_id", ev.ID, "item_id", saved.ID)
	}
	p.touch(saved.ID)
	p.stats.Created++
	return nil
}

// pushException writes a locally modified occurrence onto the matching
// occurrence of the remote series.
func (p *pass) pushException(ctx context.Context, ev *model.EventRecord) error {
	masterID, ok, err := p.pairs.Lookup(ctx, p.opts.User, ev.SeriesID)
	if err != nil {
		return p.itemErr(err, "looking up remote series", "event_id", ev.ID, "series_id", ev.SeriesID)
	}
	if !ok {
		p.log.Debug("skipping exception of unpaired series", "event_id", ev.ID, "series_id", ev.SeriesID)
		return nil
	}
	originalStart, err := model.ParseRecurrenceID(ev.RecurrenceID)
	if err != nil {
		return p.itemErr(err, "parsing recurrence id", "event_id", ev.ID, "recurrence_id", ev.RecurrenceID)
	}

	occ, err := p.remote.FindOccurrence(ctx, masterID, originalStart)
	if isNotFound(err) {
		p.log.Warn("remote series has no matching occurrence", "event_id", ev.ID, "master_id", masterID, "recurrence_id", ev.RecurrenceID)
		return nil
	}
	if err != nil {
		return p.itemErr(err, "finding remote occurrence", "event_id", ev.ID, "master_id", masterID)
	}

	mutation := p.conv.LocalToRemote(ev, occ, p.opts.Location)
	if _, err := p.remote.Update(ctx, &mutation); err != nil {
		return p.itemErr(err, "updating remote occurrence", "event_id", ev.ID, "item_id", occ.ID)
	}
	if err := p.pairs.Set(ctx, p.opts.User, ev.ID, occ.ID); err != nil {
		return p.itemErr(err, "pairing local exception", "event_id", ev.ID, "item_id", occ.ID)
	}
	if err := p.postSave(ctx, occ.ID, ev); err != nil {
		return p.itemErr(err, "stamping local exception", "event_id", ev.ID, "item_id", occ.ID)
	}
	p.touch(occ.ID)
	p.stats.Updated++
	return nil
}

// postSave re-reads a written remote item and stamps its modification time
// on the local record, so the next pass sees both sides as equal.
func (p *pass) postSave(ctx context.Context, remoteID string, ev *model.EventRecord) error {
	fresh, err := p.remote.GetItem(ctx, remoteID)
	if err != nil {
		return fmt.Errorf("re-reading remote item: %w", err)
	}
	ev.LastModified = fresh.LastModified
	if ev.LastModified.IsZero() {
		ev.LastModified = p.start
	}
	if err := p.local.SaveEvent(ctx, ev.CalendarID, ev, false); err != nil {
		return fmt.Errorf("saving local event: %w", err)
	}
	p.touch(ev.ID)
	return nil
}
