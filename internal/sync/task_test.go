package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/njoerd114/exchangesync/internal/config"
	"github.com/njoerd114/exchangesync/internal/exchange"
	"github.com/njoerd114/exchangesync/internal/model"
)

func testUserConfig() config.UserConfig {
	return config.UserConfig{
		Username:        testUser,
		Password:        "secret",
		ServerURL:       "https://mail.example.com/ews",
		SyncAllFolders:  true,
		Delay:           30 * time.Second,
		MaxLookBackDays: 365,
	}
}

// newTestTask builds a task talking to env.remote without the retrying
// adapter in between.
func newTestTask(env *testEnv, cfg config.UserConfig, d *mockDialer) *Task {
	task := NewTask(cfg, env.deps(d), testLogger)
	task.newRemote = func(svc exchange.Service) exchange.Service { return svc }
	return task
}

func TestCredentialAttempts(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.UserConfig
		want []exchange.Credentials
	}{
		{
			name: "domain and bare user name",
			cfg:  config.UserConfig{Username: "alice", Password: "pw", Domain: "CORP"},
			want: []exchange.Credentials{
				{Username: "alice", Password: "pw", Domain: "CORP"},
				{Username: "alice", Password: "pw"},
				{Username: "alice@CORP", Password: "pw"},
			},
		},
		{
			name: "mail address with domain",
			cfg:  config.UserConfig{Username: "alice@example.com", Password: "pw", Domain: "CORP"},
			want: []exchange.Credentials{
				{Username: "alice@example.com", Password: "pw", Domain: "CORP"},
				{Username: "alice@example.com", Password: "pw"},
			},
		},
		{
			name: "no domain",
			cfg:  config.UserConfig{Username: "alice", Password: "pw"},
			want: []exchange.Credentials{
				{Username: "alice", Password: "pw"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := credentialAttempts(tt.cfg)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d attempts %+v, want %d", len(got), got, len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("attempt %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestTaskStart_FallsBackThroughLoginVariants(t *testing.T) {
	env := newTestEnv(t)
	cfg := testUserConfig()
	cfg.Username = "alice"
	cfg.Domain = "CORP"
	d := &mockDialer{
		svc:    env.remote,
		accept: func(c exchange.Credentials) bool { return c.Username == "alice@CORP" && c.Domain == "" },
	}

	task := newTestTask(env, cfg, d)
	if err := task.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(d.tried()); n != 3 {
		t.Errorf("login attempts = %d, want 3", n)
	}
}

func TestTaskStart_AllVariantsRejected(t *testing.T) {
	env := newTestEnv(t)
	d := &mockDialer{svc: env.remote, accept: func(exchange.Credentials) bool { return false }}

	task := newTestTask(env, testUserConfig(), d)
	err := task.Start(context.Background())
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("Start error = %v, want ErrServiceUnavailable", err)
	}
	if _, err := task.RunNow(context.Background()); !errors.Is(err, ErrServiceUnavailable) {
		t.Errorf("RunNow error = %v, want ErrServiceUnavailable", err)
	}
}

func TestTaskStart_ConnectionErrorIsNotRetried(t *testing.T) {
	env := newTestEnv(t)
	d := &mockDialer{err: fmt.Errorf("dial tcp: %w", exchange.ErrTransient)}

	task := newTestTask(env, testUserConfig(), d)
	err := task.Start(context.Background())
	if !errors.Is(err, exchange.ErrTransient) {
		t.Fatalf("Start error = %v, want transient error", err)
	}
	if n := len(d.tried()); n != 1 {
		t.Errorf("login attempts = %d, want 1", n)
	}
}

func TestTaskRun_LogsInOnceServerIsReachable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.remote.addFolder(testFolder, "Calendar")
	env.remote.put(remoteItem("Standup", tomorrow()))
	d := &mockDialer{svc: env.remote, err: fmt.Errorf("dial tcp: %w", exchange.ErrTransient)}

	task := newTestTask(env, testUserConfig(), d)
	if err := task.Start(ctx); !errors.Is(err, exchange.ErrTransient) {
		t.Fatalf("Start error = %v, want transient error", err)
	}
	if _, err := task.Run(ctx); !errors.Is(err, exchange.ErrTransient) {
		t.Fatalf("Run while unreachable error = %v, want transient error", err)
	}

	d.mu.Lock()
	d.err = nil
	d.mu.Unlock()

	stats, err := task.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Created != 1 {
		t.Errorf("Created = %d, want 1", stats.Created)
	}
	if n := len(d.tried()); n != 3 {
		t.Errorf("login attempts = %d, want 3", n)
	}
}

func TestTaskStart_AddsConfiguredFoldersAndSubscribes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.remote.addFolder(testFolder, "Calendar")
	env.remote.addFolder("AAMkFolder2", "Holidays")
	cfg := testUserConfig()
	cfg.SyncAllFolders = false
	cfg.Folders = []string{testFolder}

	task := newTestTask(env, cfg, &mockDialer{svc: env.remote})
	if err := task.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	folders, err := task.ListFolders(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	synced := map[string]bool{}
	for _, f := range folders {
		synced[f.ID] = f.Synced
	}
	if !synced[testFolder] || synced["AAMkFolder2"] {
		t.Errorf("sync status = %v, want only %s", synced, testFolder)
	}
	if n := env.remote.callCount("Subscribe"); n != 1 {
		t.Errorf("Subscribe called %d times, want 1", n)
	}
}

func TestTaskRun_Busy(t *testing.T) {
	env := newTestEnv(t)
	task := newTestTask(env, testUserConfig(), &mockDialer{svc: env.remote})
	if err := task.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task.busyTries = 1
	task.busyDelay = time.Millisecond

	task.running.Store(true)
	if _, err := task.Run(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("Run error = %v, want ErrBusy", err)
	}
	if _, err := task.RunNow(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("RunNow error = %v, want ErrBusy", err)
	}

	task.running.Store(false)
	if _, err := task.RunNow(context.Background()); err != nil {
		t.Errorf("RunNow after the pass finished: unexpected error: %v", err)
	}
}

func TestTaskRun_RejectedCredentialsHaltTask(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.remote.addFolder(testFolder, "Calendar")
	task := newTestTask(env, testUserConfig(), &mockDialer{svc: env.remote})
	if err := task.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env.remote.failWith("ListCalendarFolders", fmt.Errorf("401: %w", exchange.ErrAuth))
	_, err := task.Run(ctx)
	if !errors.Is(err, ErrServiceUnavailable) || !errors.Is(err, exchange.ErrAuth) {
		t.Fatalf("Run error = %v, want ErrServiceUnavailable wrapping ErrAuth", err)
	}

	env.remote.failWith("ListCalendarFolders", nil)
	if _, err := task.Run(ctx); !errors.Is(err, ErrServiceUnavailable) {
		t.Errorf("Run after halt error = %v, want ErrServiceUnavailable", err)
	}
	if _, err := task.ListFolders(ctx); !errors.Is(err, ErrServiceUnavailable) {
		t.Errorf("ListFolders after halt error = %v, want ErrServiceUnavailable", err)
	}
}

func TestTaskRun_PollFailureResubscribes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.remote.addFolder(testFolder, "Calendar")
	cfg := testUserConfig()
	cfg.Folders = []string{testFolder}
	task := newTestTask(env, cfg, &mockDialer{svc: env.remote})
	if err := task.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env.remote.mu.Lock()
	env.remote.pollErr = fmt.Errorf("subscription expired: %w", exchange.ErrNotFound)
	env.remote.mu.Unlock()

	if _, err := task.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := env.remote.callCount("Subscribe"); n != 2 {
		t.Errorf("Subscribe called %d times, want 2", n)
	}
}

func TestTaskRun_AppliesPolledNotifications(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.remote.addFolder(testFolder, "Calendar")
	cfg := testUserConfig()
	cfg.Folders = []string{testFolder}
	task := newTestTask(env, cfg, &mockDialer{svc: env.remote})
	if err := task.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := task.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	id := env.remote.putQuiet(remoteItem("Pushed", tomorrow()))
	env.remote.setFeed(&exchange.Notifications{Items: []exchange.ItemEvent{
		{Type: exchange.EventCreated, ItemID: id, FolderID: testFolder},
	}})

	stats, err := task.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Created != 1 {
		t.Errorf("Created = %d, want 1", stats.Created)
	}
}

func TestTaskRemoveFolder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.remote.addFolder(testFolder, "Calendar")
	cfg := testUserConfig()
	cfg.SyncAllFolders = false
	task := newTestTask(env, cfg, &mockDialer{svc: env.remote})
	if err := task.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := task.RemoveFolder(ctx, testFolder); err == nil {
		t.Error("expected error removing an unsynchronized folder, got nil")
	}
	if err := task.AddFolder(ctx, testFolder); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := task.RemoveFolder(ctx, testFolder); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cal, err := env.local.GetCalendar(ctx, model.CalendarIDForFolder(testFolder))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cal == nil {
		t.Error("removing a folder must keep the local calendar")
	}
	if env.isPaired(t, testFolder) {
		t.Error("folder should no longer be paired")
	}
}

func TestBusyBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 3 * time.Second},
		{1, 6 * time.Second},
		{2, maxBusyDelay},
		{10, maxBusyDelay},
	}
	for _, tt := range tests {
		if got := busyBackoff(3*time.Second, tt.attempt); got != tt.want {
			t.Errorf("busyBackoff(3s, %d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// blockingRemote holds GetFolder until the caller's context ends.
type blockingRemote struct {
	*mockRemote
	block   atomic.Bool
	entered chan struct{}
	once    sync.Once
}

func (b *blockingRemote) GetFolder(ctx context.Context, folderID string) (*exchange.Folder, error) {
	if !b.block.Load() {
		return b.mockRemote.GetFolder(ctx, folderID)
	}
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTaskStop_CancelsRunningPass(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.remote.addFolder(testFolder, "Calendar")
	cfg := testUserConfig()
	cfg.Folders = []string{testFolder}
	remote := &blockingRemote{mockRemote: env.remote, entered: make(chan struct{})}
	task := newTestTask(env, cfg, &mockDialer{svc: remote})
	if err := task.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	remote.block.Store(true)
	done := make(chan error, 1)
	go func() {
		_, err := task.Run(ctx)
		done <- err
	}()
	select {
	case <-remote.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("pass never reached the server")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	task.Stop(stopCtx)

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pass still running after Stop returned")
	}
	if _, err := task.Run(ctx); !errors.Is(err, ErrServiceUnavailable) {
		t.Errorf("Run after Stop error = %v, want ErrServiceUnavailable", err)
	}
}
