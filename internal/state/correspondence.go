package state

import (
	"context"
	"sort"
	"sync"

	"github.com/njoerd114/exchangesync/internal/model"
)

// Correspondences is the per-user id bijection between local and remote
// objects. Each user's pairs are loaded lazily from the [Store] and cached in
// memory; every write reaches SQLite before the cache changes and before the
// call returns.
type Correspondences struct {
	store *Store

	mu    sync.Mutex
	users map[string]*userPairs
}

type userPairs struct {
	mu     sync.Mutex
	loaded bool
	pairs  map[string]string
}

// NewCorrespondences returns a cache backed by store.
func NewCorrespondences(store *Store) *Correspondences {
	return &Correspondences{store: store, users: make(map[string]*userPairs)}
}

// user returns the locked pair set of a user, loading it on first use. The
// caller must unlock it.
func (c *Correspondences) user(ctx context.Context, user string) (*userPairs, error) {
	c.mu.Lock()
	up, ok := c.users[user]
	if !ok {
		up = &userPairs{}
		c.users[user] = up
	}
	c.mu.Unlock()

	up.mu.Lock()
	if !up.loaded {
		pairs, err := c.store.LoadPairs(ctx, user)
		if err != nil {
			up.mu.Unlock()
			return nil, err
		}
		up.pairs = pairs
		up.loaded = true
	}
	return up, nil
}

// Lookup returns the counterpart of id.
func (c *Correspondences) Lookup(ctx context.Context, user, id string) (string, bool, error) {
	up, err := c.user(ctx, user)
	if err != nil {
		return "", false, err
	}
	defer up.mu.Unlock()
	counterpart, ok := up.pairs[id]
	return counterpart, ok, nil
}

// Set pairs a with b, dropping any pair either of them was part of.
func (c *Correspondences) Set(ctx context.Context, user, a, b string) error {
	up, err := c.user(ctx, user)
	if err != nil {
		return err
	}
	defer up.mu.Unlock()

	if err := c.store.SetPair(ctx, user, a, b); err != nil {
		return err
	}
	up.forget(a)
	up.forget(b)
	up.pairs[a] = b
	up.pairs[b] = a
	return nil
}

// Delete drops the pair containing id. Unknown ids are a no-op.
func (c *Correspondences) Delete(ctx context.Context, user, id string) error {
	up, err := c.user(ctx, user)
	if err != nil {
		return err
	}
	defer up.mu.Unlock()

	if _, ok := up.pairs[id]; !ok {
		return nil
	}
	if err := c.store.DeletePairsOf(ctx, user, id); err != nil {
		return err
	}
	up.forget(id)
	return nil
}

// DeletePair drops a↔b only if a and b are currently paired with each other.
func (c *Correspondences) DeletePair(ctx context.Context, user, a, b string) error {
	up, err := c.user(ctx, user)
	if err != nil {
		return err
	}
	defer up.mu.Unlock()

	if up.pairs[a] != b {
		return nil
	}
	if err := c.store.DeletePairsOf(ctx, user, a); err != nil {
		return err
	}
	up.forget(a)
	return nil
}

// ListSyncedFolderIDs returns, sorted, the remote folder ids paired with an
// Exchange-derived local calendar.
func (c *Correspondences) ListSyncedFolderIDs(ctx context.Context, user string) ([]string, error) {
	up, err := c.user(ctx, user)
	if err != nil {
		return nil, err
	}
	defer up.mu.Unlock()

	var ids []string
	for id, counterpart := range up.pairs {
		if model.IsExchangeCalendarID(id) {
			ids = append(ids, counterpart)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Release drops the user's cached pairs. The next access reloads them.
func (c *Correspondences) Release(user string) {
	c.mu.Lock()
	delete(c.users, user)
	c.mu.Unlock()
}

// forget removes id and its counterpart from the cache.
func (up *userPairs) forget(id string) {
	if counterpart, ok := up.pairs[id]; ok {
		delete(up.pairs, counterpart)
	}
	delete(up.pairs, id)
}
