package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/njoerd114/exchangesync/internal/config"
	"github.com/njoerd114/exchangesync/internal/convert"
	"github.com/njoerd114/exchangesync/internal/exchange"
)

const (
	subscriptionTimeout = 5 * time.Minute
	defaultBusyRetries  = 5
	defaultBusyDelay    = 3 * time.Second
	maxBusyDelay        = 10 * time.Second
	stopPollInterval    = 10 * time.Millisecond
)

var (
	// ErrBusy reports that a pass of the same user is still running.
	ErrBusy = errors.New("sync already in progress")

	// ErrServiceUnavailable reports that the task could not log in, or
	// was stopped after the server rejected its credentials.
	ErrServiceUnavailable = errors.New("service unavailable, check settings")
)

// Task owns one user's remote session and runs their sync passes, never
// more than one at a time. Create one with [NewTask] and call
// [Task.Start] before anything else.
//
// While the server cannot be reached the task stays disconnected and every
// pass tries to log in again. Rejected credentials and [Task.Stop] end the
// task for good.
type Task struct {
	cfg     config.UserConfig
	deps    Deps
	log     *slog.Logger
	metrics *passMetrics

	// life is cancelled by Stop and bounds every pass and login.
	life   context.Context
	cancel context.CancelFunc

	running    atomic.Bool
	busyTries  int
	busyDelay  time.Duration
	newRemote  func(svc exchange.Service) exchange.Service
	reconciler func(remote exchange.Service) *Reconciler

	// connMu serializes logins.
	connMu sync.Mutex
	linked bool

	mu         sync.Mutex
	remote     exchange.Service
	rec        *Reconciler
	sub        *exchange.Subscription
	subFolders []string
	halted     bool
}

// NewTask creates a Task for cfg.
func NewTask(cfg config.UserConfig, deps Deps, logger *slog.Logger) *Task {
	logger = logger.With("user", cfg.Username)
	life, cancel := context.WithCancel(context.Background())
	t := &Task{
		cfg:       cfg,
		deps:      deps,
		log:       logger,
		metrics:   newPassMetrics(logger),
		life:      life,
		cancel:    cancel,
		busyTries: defaultBusyRetries,
		busyDelay: defaultBusyDelay,
	}
	t.newRemote = func(svc exchange.Service) exchange.Service {
		return exchange.NewAdapter(svc, cfg.Username, logger)
	}
	t.reconciler = func(remote exchange.Service) *Reconciler {
		conv := &convert.Converter{
			ServerLocation: deps.ServerLocation,
			Owner:          ownerAddress(cfg),
			Logger:         logger,
		}
		return NewReconciler(remote, deps.Local, deps.Pairs, deps.State, conv, Options{
			User:            cfg.Username,
			SyncAllFolders:  cfg.SyncAllFolders,
			DeleteOnUnsync:  cfg.DeleteOnUnsync,
			MaxLookBackDays: cfg.MaxLookBackDays,
			Location:        cfg.Location(),
		}, logger)
	}
	return t
}

// User returns the name of the task's user.
func (t *Task) User() string { return t.cfg.Username }

// Start logs in, links the configured initial folders, and opens the push
// subscription. A subscription failure is only logged; the delta feed
// still catches every change.
//
// Start returns ErrServiceUnavailable when every login variant was
// rejected. Any other error means the server could not be reached; the
// task remains usable and logs in on its next pass.
func (t *Task) Start(ctx context.Context) error {
	ctx, cancel := t.bind(ctx)
	defer cancel()
	if _, err := t.connect(ctx); err != nil {
		return err
	}
	t.log.Info("sync task started")
	return nil
}

// bind derives a context that is also cancelled when the task stops.
func (t *Task) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stopWatch := context.AfterFunc(t.life, cancel)
	return ctx, func() {
		stopWatch()
		cancel()
	}
}

// connect returns the session's reconciler, logging in first when the task
// is not connected yet.
func (t *Task) connect(ctx context.Context) (*Reconciler, error) {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	t.mu.Lock()
	rec, halted := t.rec, t.halted
	t.mu.Unlock()
	if halted {
		return nil, ErrServiceUnavailable
	}
	if rec != nil {
		return rec, nil
	}

	svc, err := t.login(ctx)
	if err != nil {
		if errors.Is(err, ErrServiceUnavailable) {
			t.mu.Lock()
			t.halted = true
			t.mu.Unlock()
		}
		return nil, err
	}

	remote := t.newRemote(svc)
	rec = t.reconciler(remote)
	if !t.linked {
		for _, folderID := range t.cfg.Folders {
			if err := rec.AddFolder(ctx, folderID); err != nil {
				t.log.Error("adding configured folder", "folder_id", folderID, "error", err)
			}
		}
		t.linked = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.halted {
		return nil, ErrServiceUnavailable
	}
	t.remote = remote
	t.rec = rec
	t.subscribe(ctx)
	return rec, nil
}

// credentialAttempts lists the login variants tried in order: with the
// domain, without it, and as user@domain.
func credentialAttempts(cfg config.UserConfig) []exchange.Credentials {
	candidates := []exchange.Credentials{
		{Username: cfg.Username, Password: cfg.Password, Domain: cfg.Domain},
		{Username: cfg.Username, Password: cfg.Password},
	}
	if cfg.Domain != "" && !strings.Contains(cfg.Username, "@") {
		candidates = append(candidates, exchange.Credentials{
			Username: cfg.Username + "@" + cfg.Domain,
			Password: cfg.Password,
		})
	}
	out := candidates[:0]
	for _, c := range candidates {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

func (t *Task) login(ctx context.Context) (exchange.Service, error) {
	dialer := t.deps.Dialer(t.cfg.ServerURL)
	for _, creds := range credentialAttempts(t.cfg) {
		svc, err := dialer.Dial(ctx, creds)
		if err == nil {
			t.log.Debug("logged in", "login", creds.Login())
			return svc, nil
		}
		if !errors.Is(err, exchange.ErrAuth) {
			return nil, fmt.Errorf("connecting to %s: %w", t.cfg.ServerURL, err)
		}
		t.log.Debug("login rejected", "login", creds.Login())
	}
	t.log.Error("every login variant was rejected")
	return nil, ErrServiceUnavailable
}

// ownerAddress is the user's own mail address when the user name is one.
func ownerAddress(cfg config.UserConfig) string {
	if strings.Contains(cfg.Username, "@") {
		return cfg.Username
	}
	return ""
}

// subscribe opens the push subscription on the watched folders. t.mu must
// be held.
func (t *Task) subscribe(ctx context.Context) {
	folders, err := t.rec.WatchedFolders(ctx)
	if err != nil {
		t.log.Warn("listing folders to subscribe to", "error", err)
		return
	}
	t.subFolders = folders
	if len(folders) == 0 {
		return
	}
	sub, err := t.remote.Subscribe(ctx, folders, exchange.AllEventTypes, subscriptionTimeout)
	if err != nil {
		t.log.Warn("opening push subscription failed, relying on the delta feed", "error", err)
		return
	}
	t.sub = sub
}

// unsubscribe closes the push subscription. t.mu must be held.
func (t *Task) unsubscribe(ctx context.Context) {
	if t.sub == nil {
		return
	}
	if err := t.remote.Unsubscribe(ctx, t.sub); err != nil {
		t.log.Debug("closing push subscription", "error", err)
	}
	t.sub = nil
}

// poll drains the push subscription. A failed poll resubscribes once and
// the pass continues on the delta feed alone.
func (t *Task) poll(ctx context.Context) *exchange.Notifications {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub == nil {
		return nil
	}
	feed, err := t.remote.Poll(ctx, t.sub)
	if err == nil {
		return feed
	}
	t.log.Warn("polling push subscription failed, resubscribing", "error", err)
	t.sub = nil
	t.subscribe(ctx)
	return nil
}

// refreshSubscription resubscribes when the set of watched folders changed.
func (t *Task) refreshSubscription(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rec == nil {
		return
	}
	folders, err := t.rec.WatchedFolders(ctx)
	if err != nil || slices.Equal(folders, t.subFolders) {
		return
	}
	t.unsubscribe(ctx)
	t.subscribe(ctx)
}

// Run performs a pass unless one is already running, in which case it
// returns ErrBusy right away. Used by the scheduler.
func (t *Task) Run(ctx context.Context) (Stats, error) {
	if !t.acquire() {
		return Stats{}, ErrBusy
	}
	defer t.running.Store(false)
	ctx, cancel := t.bind(ctx)
	defer cancel()
	return t.pass(ctx)
}

// RunNow performs a pass, waiting for a running one to finish for a few
// retries with growing delays before giving up with ErrBusy. Used for
// manual syncs.
func (t *Task) RunNow(ctx context.Context) (Stats, error) {
	var stats Stats
	err := t.exclusive(ctx, func(ctx context.Context) error {
		var err error
		stats, err = t.pass(ctx)
		return err
	})
	return stats, err
}

// acquire takes the running flag. It fails when a pass is running.
func (t *Task) acquire() bool {
	return t.running.CompareAndSwap(false, true)
}

// exclusive runs fn while holding the running flag.
func (t *Task) exclusive(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := t.bind(ctx)
	defer cancel()
	for attempt := 0; ; attempt++ {
		if t.acquire() {
			defer t.running.Store(false)
			return fn(ctx)
		}
		if attempt >= t.busyTries {
			return ErrBusy
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyBackoff(t.busyDelay, attempt)):
		}
	}
}

// busyBackoff doubles base for every attempt, up to maxBusyDelay.
func busyBackoff(base time.Duration, attempt int) time.Duration {
	delay := base
	for range attempt {
		delay *= 2
		if delay >= maxBusyDelay {
			return maxBusyDelay
		}
	}
	return delay
}

func (t *Task) pass(ctx context.Context) (Stats, error) {
	if err := t.life.Err(); err != nil {
		return Stats{}, ErrServiceUnavailable
	}
	rec, err := t.connect(ctx)
	if err != nil {
		return Stats{}, err
	}

	feed := t.poll(ctx)
	stats, err := t.metrics.observe(ctx, t.cfg.Username, func(ctx context.Context) (Stats, error) {
		return rec.Run(ctx, feed)
	})
	if errors.Is(err, exchange.ErrAuth) {
		t.log.Error("credentials rejected, stopping sync", "error", err)
		t.halt(ctx)
		return stats, fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	if err != nil {
		return stats, err
	}
	t.refreshSubscription(ctx)
	return stats, nil
}

// AddFolder starts synchronizing a remote folder.
func (t *Task) AddFolder(ctx context.Context, folderID string) error {
	return t.exclusive(ctx, func(ctx context.Context) error {
		rec, err := t.connect(ctx)
		if err != nil {
			return err
		}
		return rec.AddFolder(ctx, folderID)
	})
}

// RemoveFolder stops synchronizing a remote folder, keeping local data.
func (t *Task) RemoveFolder(ctx context.Context, folderID string) error {
	return t.exclusive(ctx, func(ctx context.Context) error {
		rec, err := t.connect(ctx)
		if err != nil {
			return err
		}
		return rec.RemoveFolder(ctx, folderID)
	})
}

// ListFolders returns the remote folders with their sync status.
func (t *Task) ListFolders(ctx context.Context) ([]FolderStatus, error) {
	ctx, cancel := t.bind(ctx)
	defer cancel()
	rec, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	return rec.ListFolders(ctx)
}

// halt tears the session down after the server rejected the credentials.
// Later passes return ErrServiceUnavailable.
func (t *Task) halt(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unsubscribe(ctx)
	t.rec = nil
	t.remote = nil
	t.halted = true
	t.deps.Pairs.Release(t.cfg.Username)
}

// Stop cancels the running pass, waits for it to return or ctx to expire,
// then closes the push subscription and releases the user's cached pairs.
// Later calls return ErrServiceUnavailable.
func (t *Task) Stop(ctx context.Context) {
	t.cancel()
	t.waitIdle(ctx)

	// A login in progress notices the cancellation and returns.
	t.connMu.Lock()
	defer t.connMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote != nil {
		t.unsubscribe(ctx)
	}
	t.rec = nil
	t.remote = nil
	t.halted = true
	t.deps.Pairs.Release(t.cfg.Username)
	t.log.Info("sync task stopped")
}

// waitIdle blocks until no pass holds the running flag or ctx is done.
func (t *Task) waitIdle(ctx context.Context) {
	tick := time.NewTicker(stopPollInterval)
	defer tick.Stop()
	for t.running.Load() {
		select {
		case <-ctx.Done():
			t.log.Warn("pass still running after stop", "error", ctx.Err())
			return
		case <-tick.C:
		}
	}
}
