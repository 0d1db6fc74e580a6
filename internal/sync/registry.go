package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/njoerd114/exchangesync/internal/config"
)

// ErrNoSession reports an operation for a user who is not logged in.
var ErrNoSession = errors.New("no active session")

// Registry tracks the logged-in users and their tasks. Logging in twice
// only counts the extra session; the task is torn down when the last
// session logs out.
type Registry struct {
	deps  Deps
	sched *Scheduler
	log   *slog.Logger

	// newTask is replaced in tests.
	newTask func(cfg config.UserConfig) *Task

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	task *Task
	refs int

	// ready is closed once the first login finished; err is its outcome.
	ready chan struct{}
	err   error
}

// NewRegistry creates a Registry. With a nil scheduler tasks are only run
// on demand through [Registry.ForceSync].
func NewRegistry(deps Deps, sched *Scheduler, logger *slog.Logger) *Registry {
	r := &Registry{
		deps:     deps,
		sched:    sched,
		log:      logger,
		sessions: make(map[string]*session),
	}
	r.newTask = func(cfg config.UserConfig) *Task {
		return NewTask(cfg, r.deps, r.log)
	}
	return r
}

// Login starts the user's task, or counts one more session when it is
// already running. The login itself runs outside the registry lock, so
// other users are never held up by a slow server.
//
// Only rejected credentials fail the login. When the server cannot be
// reached the task is scheduled anyway and logs in on a later pass.
func (r *Registry) Login(ctx context.Context, cfg config.UserConfig) error {
	r.mu.Lock()
	if s, ok := r.sessions[cfg.Username]; ok {
		s.refs++
		r.mu.Unlock()
		r.log.Debug("session added", "user", cfg.Username)
		select {
		case <-s.ready:
			return s.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s := &session{task: r.newTask(cfg), refs: 1, ready: make(chan struct{})}
	r.sessions[cfg.Username] = s
	r.mu.Unlock()

	err := s.task.Start(ctx)
	if err != nil && !errors.Is(err, ErrServiceUnavailable) {
		r.log.Warn("server unreachable, retrying on the next pass", "user", cfg.Username, "error", err)
		err = nil
	}

	r.mu.Lock()
	switch {
	case err != nil:
		err = fmt.Errorf("starting task for %s: %w", cfg.Username, err)
	case r.sessions[cfg.Username] != s:
		err = fmt.Errorf("starting task for %s: logged out meanwhile: %w", cfg.Username, ErrNoSession)
	case r.sched != nil:
		if serr := r.sched.Add(s.task, cfg.Delay); serr != nil {
			err = fmt.Errorf("scheduling task for %s: %w", cfg.Username, serr)
		}
	}
	if err != nil && r.sessions[cfg.Username] == s {
		delete(r.sessions, cfg.Username)
	}
	s.err = err
	close(s.ready)
	r.mu.Unlock()

	if err != nil {
		s.task.Stop(ctx)
	}
	return err
}

// Logout ends one session of the user. The task stops with the last one,
// cancelling a pass in flight.
func (r *Registry) Logout(ctx context.Context, username string) error {
	r.mu.Lock()
	s, ok := r.sessions[username]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("logging out %s: %w", username, ErrNoSession)
	}
	s.refs--
	if s.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	r.detach(username)
	r.mu.Unlock()

	s.task.Stop(ctx)
	return nil
}

// detach unschedules the user's task and forgets the session. r.mu must be
// held.
func (r *Registry) detach(username string) {
	if r.sched != nil {
		r.sched.Remove(username)
	}
	delete(r.sessions, username)
}

func (r *Registry) task(username string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[username]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", username, ErrNoSession)
	}
	return s.task, nil
}

// Users returns the logged-in user names, sorted.
func (r *Registry) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]string, 0, len(r.sessions))
	for u := range r.sessions {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// ForceSync runs a pass for the user now.
func (r *Registry) ForceSync(ctx context.Context, username string) (Stats, error) {
	t, err := r.task(username)
	if err != nil {
		return Stats{}, err
	}
	return t.RunNow(ctx)
}

// ListFolders returns the user's remote folders with their sync status.
func (r *Registry) ListFolders(ctx context.Context, username string) ([]FolderStatus, error) {
	t, err := r.task(username)
	if err != nil {
		return nil, err
	}
	return t.ListFolders(ctx)
}

// AddFolder starts synchronizing one of the user's remote folders.
func (r *Registry) AddFolder(ctx context.Context, username, folderID string) error {
	t, err := r.task(username)
	if err != nil {
		return err
	}
	return t.AddFolder(ctx, folderID)
}

// RemoveFolder stops synchronizing one of the user's remote folders.
func (r *Registry) RemoveFolder(ctx context.Context, username, folderID string) error {
	t, err := r.task(username)
	if err != nil {
		return err
	}
	return t.RemoveFolder(ctx, folderID)
}

// Shutdown stops the scheduler, waiting for running passes, and then every
// task.
func (r *Registry) Shutdown(ctx context.Context) error {
	var errs []error
	if r.sched != nil {
		if err := r.sched.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	r.mu.Lock()
	tasks := make([]*Task, 0, len(r.sessions))
	for username, s := range r.sessions {
		tasks = append(tasks, s.task)
		r.detach(username)
	}
	r.mu.Unlock()
	for _, t := range tasks {
		t.Stop(ctx)
	}

	if err := ctx.Err(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown interrupted: %w", err))
	}
	return errors.Join(errs...)
}
