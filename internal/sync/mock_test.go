package sync

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/njoerd114/exchangesync/internal/calendar"
	"github.com/njoerd114/exchangesync/internal/convert"
	"github.com/njoerd114/exchangesync/internal/exchange"
	"github.com/njoerd114/exchangesync/internal/state"
)

var testLogger = slog.Default()

const testUser = "alice@example.com"

// --- Mock Remote Service -----------------------------------------------------

// mockRemote is an in-memory Exchange server. Every write to a master or
// single item is appended to the folder's delta log; the cursor is the log
// position.
type mockRemote struct {
	mu      sync.Mutex
	folders map[string]exchange.Folder
	items   map[string]*exchange.Item
	changes map[string][]exchange.ItemChange // folderID → delta log
	nextID  int
	last    time.Time

	feed    *exchange.Notifications
	pollErr error
	fail    map[string]error // method → error
	calls   map[string]int

	subscriptions []*exchange.Subscription
}

func newMockRemote() *mockRemote {
	return &mockRemote{
		folders: make(map[string]exchange.Folder),
		items:   make(map[string]*exchange.Item),
		changes: make(map[string][]exchange.ItemChange),
		fail:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

// tick returns a strictly increasing modification time. m.mu must be held.
func (m *mockRemote) tick() time.Time {
	t := time.Now().UTC()
	if !t.After(m.last) {
		t = m.last.Add(time.Millisecond)
	}
	m.last = t
	return t
}

// enter counts a call and returns its injected failure. m.mu must be held.
func (m *mockRemote) enter(method string) error {
	m.calls[method]++
	return m.fail[method]
}

func (m *mockRemote) record(item *exchange.Item, typ exchange.ChangeType) {
	if item.Kind == exchange.KindException || item.Kind == exchange.KindOccurrence {
		return
	}
	ch := exchange.ItemChange{Type: typ, ItemID: item.ID}
	if typ != exchange.ChangeDelete {
		cp := *item
		ch.Item = &cp
	}
	m.changes[item.FolderID] = append(m.changes[item.FolderID], ch)
}

// --- test helpers ---

func (m *mockRemote) addFolder(id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folders[id] = exchange.Folder{ID: id, Name: name}
}

func (m *mockRemote) removeFolder(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.folders, id)
	for itemID, item := range m.items {
		if item.FolderID == id {
			delete(m.items, itemID)
		}
	}
}

// put stores item as if created by another client and returns its id.
func (m *mockRemote) put(item *exchange.Item) string {
	return m.store(item, true)
}

// putQuiet stores item without a delta log entry, as for changes that only
// reach the engine through push notifications.
func (m *mockRemote) putQuiet(item *exchange.Item) string {
	return m.store(item, false)
}

func (m *mockRemote) store(item *exchange.Item, logged bool) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *item
	if cp.ID == "" {
		m.nextID++
		cp.ID = fmt.Sprintf("item-%d", m.nextID)
	}
	if cp.Kind == "" {
		cp.Kind = exchange.KindSingle
	}
	if cp.LastModified.IsZero() {
		cp.LastModified = m.tick()
	}
	m.items[cp.ID] = &cp
	if logged {
		m.record(&cp, exchange.ChangeCreate)
	}
	return cp.ID
}

// edit changes an item as another client would.
func (m *mockRemote) edit(id string, fn func(*exchange.Item)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.items[id]
	fn(item)
	item.LastModified = m.tick()
	m.record(item, exchange.ChangeUpdate)
}

// rewrite changes an item and logs the change without bumping its
// modification time.
func (m *mockRemote) rewrite(id string, fn func(*exchange.Item)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.items[id]
	fn(item)
	m.record(item, exchange.ChangeUpdate)
}

// after makes every later modification time fall after t.
func (m *mockRemote) after(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.After(m.last) {
		m.last = t
	}
}

// remove deletes an item as another client would.
func (m *mockRemote) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.items[id]
	delete(m.items, id)
	m.record(item, exchange.ChangeDelete)
}

func (m *mockRemote) get(id string) *exchange.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil
	}
	cp := *item
	return &cp
}

func (m *mockRemote) itemsIn(folderID string) []*exchange.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*exchange.Item
	for _, item := range m.items {
		if item.FolderID == folderID {
			cp := *item
			out = append(out, &cp)
		}
	}
	return out
}

func (m *mockRemote) callCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *mockRemote) failWith(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, method)
		return
	}
	m.fail[method] = err
}

func (m *mockRemote) setFeed(n *exchange.Notifications) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feed = n
}

// --- exchange.Service ---

func (m *mockRemote) ListCalendarFolders(_ context.Context) ([]exchange.Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListCalendarFolders"); err != nil {
		return nil, err
	}
	out := make([]exchange.Folder, 0, len(m.folders))
	for _, f := range m.folders {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRemote) GetFolder(_ context.Context, folderID string) (*exchange.Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetFolder"); err != nil {
		return nil, err
	}
	f, ok := m.folders[folderID]
	if !ok {
		return nil, fmt.Errorf("folder %s: %w", folderID, exchange.ErrNotFound)
	}
	return &f, nil
}

func (m *mockRemote) FindItems(_ context.Context, folderID string, since time.Time, page exchange.Page) ([]*exchange.Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindItems"); err != nil {
		return nil, false, err
	}
	var all []*exchange.Item
	for _, item := range m.items {
		if item.FolderID != folderID || item.Kind == exchange.KindException || item.Kind == exchange.KindOccurrence {
			continue
		}
		if !since.IsZero() && item.Start.Before(since) {
			continue
		}
		cp := *item
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Start.After(all[j].Start) })
	if page.Offset >= len(all) {
		return nil, false, nil
	}
	end := min(page.Offset+page.Size, len(all))
	return all[page.Offset:end], end < len(all), nil
}

func (m *mockRemote) SyncDelta(_ context.Context, folderID, cursor string) (*exchange.DeltaPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SyncDelta"); err != nil {
		return nil, err
	}
	if _, ok := m.folders[folderID]; !ok {
		return nil, fmt.Errorf("folder %s: %w", folderID, exchange.ErrNotFound)
	}
	pos := 0
	if cursor != "" {
		var err error
		if pos, err = strconv.Atoi(cursor); err != nil {
			return nil, fmt.Errorf("bad cursor %q: %w", cursor, exchange.ErrMalformed)
		}
	}
	log := m.changes[folderID]
	page := &exchange.DeltaPage{Cursor: strconv.Itoa(len(log))}
	if pos < len(log) {
		page.Changes = append(page.Changes, log[pos:]...)
	}
	return page, nil
}

func (m *mockRemote) Subscribe(_ context.Context, folderIDs []string, _ []exchange.EventType, _ time.Duration) (*exchange.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Subscribe"); err != nil {
		return nil, err
	}
	sub := &exchange.Subscription{ID: uuid.NewString(), Folders: append([]string(nil), folderIDs...)}
	m.subscriptions = append(m.subscriptions, sub)
	return sub, nil
}

func (m *mockRemote) Poll(_ context.Context, _ *exchange.Subscription) (*exchange.Notifications, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Poll"); err != nil {
		return nil, err
	}
	if m.pollErr != nil {
		err := m.pollErr
		m.pollErr = nil
		return nil, err
	}
	feed := m.feed
	m.feed = nil
	if feed == nil {
		feed = &exchange.Notifications{}
	}
	return feed, nil
}

func (m *mockRemote) Unsubscribe(_ context.Context, _ *exchange.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter("Unsubscribe")
}

func (m *mockRemote) GetItem(_ context.Context, itemID string) (*exchange.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetItem"); err != nil {
		return nil, err
	}
	item, ok := m.items[itemID]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", itemID, exchange.ErrNotFound)
	}
	cp := *item
	return &cp, nil
}

func (m *mockRemote) FindOccurrence(_ context.Context, masterID string, originalStart time.Time) (*exchange.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindOccurrence"); err != nil {
		return nil, err
	}
	master, ok := m.items[masterID]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", masterID, exchange.ErrNotFound)
	}
	day := originalStart.UTC().Format(time.DateOnly)
	for _, item := range m.items {
		if item.MasterID == masterID && item.OriginalStart.UTC().Format(time.DateOnly) == day {
			cp := *item
			return &cp, nil
		}
	}

	occ := &exchange.Item{
		ID:            fmt.Sprintf("%s-occ-%s", masterID, day),
		FolderID:      master.FolderID,
		Kind:          exchange.KindOccurrence,
		Subject:       master.Subject,
		Start:         originalStart,
		End:           originalStart.Add(master.End.Sub(master.Start)),
		MasterID:      masterID,
		OriginalStart: originalStart,
		LastModified:  master.LastModified,
	}
	m.items[occ.ID] = occ
	cp := *occ
	return &cp, nil
}

func (m *mockRemote) Save(_ context.Context, item *exchange.Item, folderID string) (*exchange.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Save"); err != nil {
		return nil, err
	}
	if _, ok := m.folders[folderID]; !ok {
		return nil, fmt.Errorf("folder %s: %w", folderID, exchange.ErrNotFound)
	}
	cp := *item
	m.nextID++
	cp.ID = fmt.Sprintf("item-%d", m.nextID)
	cp.FolderID = folderID
	cp.LastModified = m.tick()
	m.items[cp.ID] = &cp
	m.record(&cp, exchange.ChangeCreate)
	out := cp
	return &out, nil
}

func (m *mockRemote) Update(_ context.Context, item *exchange.Item) (*exchange.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Update"); err != nil {
		return nil, err
	}
	existing, ok := m.items[item.ID]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", item.ID, exchange.ErrNotFound)
	}
	cp := *item
	cp.FolderID = existing.FolderID
	cp.LastModified = m.tick()
	m.items[cp.ID] = &cp
	m.record(&cp, exchange.ChangeUpdate)
	out := cp
	return &out, nil
}

func (m *mockRemote) Delete(_ context.Context, itemID string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Delete"); err != nil {
		return err
	}
	item, ok := m.items[itemID]
	if !ok {
		return fmt.Errorf("item %s: %w", itemID, exchange.ErrNotFound)
	}
	delete(m.items, itemID)
	for id, other := range m.items {
		if other.MasterID == itemID {
			delete(m.items, id)
		}
	}
	m.record(item, exchange.ChangeDelete)
	return nil
}

// --- Mock Dialer -------------------------------------------------------------

type mockDialer struct {
	mu       sync.Mutex
	svc      exchange.Service
	accept   func(exchange.Credentials) bool // nil accepts everything
	err      error
	attempts []exchange.Credentials
}

func (d *mockDialer) Dial(_ context.Context, creds exchange.Credentials) (exchange.Service, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts = append(d.attempts, creds)
	if d.err != nil {
		return nil, d.err
	}
	if d.accept != nil && !d.accept(creds) {
		return nil, fmt.Errorf("dial as %s: %w", creds.Login(), exchange.ErrAuth)
	}
	return d.svc, nil
}

func (d *mockDialer) tried() []exchange.Credentials {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]exchange.Credentials(nil), d.attempts...)
}

// --- Test environment --------------------------------------------------------

// testEnv wires a mock remote to real SQLite stores in a temp directory.
type testEnv struct {
	remote *mockRemote
	local  *calendar.Store
	state  *state.Store
	pairs  *state.Correspondences
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	local, err := calendar.Open(filepath.Join(dir, "calendar.db"))
	if err != nil {
		t.Fatalf("opening calendar store: %v", err)
	}
	t.Cleanup(func() { _ = local.Close() })

	st, err := state.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("opening state store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	return &testEnv{
		remote: newMockRemote(),
		local:  local,
		state:  st,
		pairs:  state.NewCorrespondences(st),
	}
}

func (e *testEnv) reconciler(opts Options) *Reconciler {
	if opts.User == "" {
		opts.User = testUser
	}
	if opts.MaxLookBackDays == 0 {
		opts.MaxLookBackDays = 365
	}
	conv := &convert.Converter{Owner: testUser, Logger: testLogger}
	return NewReconciler(e.remote, e.local, e.pairs, e.state, conv, opts, testLogger)
}

func (e *testEnv) deps(d *mockDialer) Deps {
	return Deps{
		Dialer:         func(string) exchange.Dialer { return d },
		Local:          e.local,
		Pairs:          e.pairs,
		State:          e.state,
		ServerLocation: time.UTC,
	}
}

// run performs a pass and fails the test on a pass-level error.
func (e *testEnv) run(t *testing.T, r *Reconciler, feed *exchange.Notifications) Stats {
	t.Helper()
	stats, err := r.Run(context.Background(), feed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return stats
}

// pairOf returns the counterpart of id, failing the test when unpaired.
func (e *testEnv) pairOf(t *testing.T, id string) string {
	t.Helper()
	counterpart, ok, err := e.pairs.Lookup(context.Background(), testUser, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("%s is not paired", id)
	}
	return counterpart
}

func (e *testEnv) isPaired(t *testing.T, id string) bool {
	t.Helper()
	_, ok, err := e.pairs.Lookup(context.Background(), testUser, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return ok
}
