package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/robfig/cron/v3"
)

// minInterval is the shortest schedule a task gets.
const minInterval = 5 * time.Second

// Scheduler triggers every added [Task] on its own interval. Triggered
// passes run on a bounded worker pool shared by all users; a task whose
// previous pass is still running skips the tick.
type Scheduler struct {
	cron    *cron.Cron
	workers int
	log     *slog.Logger

	mu      sync.Mutex
	pool    *pool.WorkerGroup[*Task]
	entries map[string]cron.EntryID
	started bool
	closed  bool
}

// NewScheduler creates a Scheduler running at most workers passes at once.
func NewScheduler(workers int, logger *slog.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	cl := cronLogger{log: logger}
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		workers: workers,
		log:     logger,
		entries: make(map[string]cron.EntryID),
	}
}

// passWorker runs submitted tasks. Failures are logged, never returned, so
// one user's errors do not stop the pool.
type passWorker struct {
	log *slog.Logger
}

// Do implements pool.Worker.
func (w passWorker) Do(ctx context.Context, t *Task) error {
	stats, err := t.Run(ctx)
	switch {
	case errors.Is(err, ErrBusy):
		w.log.Debug("previous pass still running, skipping tick", "user", t.User())
	case err != nil:
		w.log.Error("sync pass failed", "user", t.User(), "error", err)
	default:
		w.log.Debug("sync pass finished", "user", t.User(),
			"created", stats.Created, "updated", stats.Updated, "deleted", stats.Deleted)
	}
	return nil
}

// Start launches the worker pool and the cron loop. Passes run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}

	s.pool = pool.New[*Task](s.workers, passWorker{log: s.log}).
		WithBatchSize(1).
		WithContinueOnError()
	if err := s.pool.Go(ctx); err != nil {
		return fmt.Errorf("starting worker pool: %w", err)
	}
	s.cron.Start()
	s.started = true
	s.log.Info("scheduler started", "workers", s.workers)
	return nil
}

// Add schedules t every interval (at least 5s) and triggers a first pass
// right away. Adding a user twice replaces the previous schedule.
func (s *Scheduler) Add(t *Task, interval time.Duration) error {
	if interval < minInterval {
		interval = minInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return errors.New("scheduler is not running")
	}
	if id, ok := s.entries[t.User()]; ok {
		s.cron.Remove(id)
	}
	s.entries[t.User()] = s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() { s.submit(t) }))
	s.pool.Submit(t)
	s.log.Info("task scheduled", "user", t.User(), "interval", interval)
	return nil
}

// Remove unschedules the user's task. Passes already submitted still run.
func (s *Scheduler) Remove(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[user]; ok {
		s.cron.Remove(id)
		delete(s.entries, user)
	}
}

func (s *Scheduler) submit(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pool.Submit(t)
}

// Stop halts the cron loop and waits for running passes to finish or ctx
// to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	if err := s.pool.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stopping worker pool: %w", err)
	}
	s.log.Info("scheduler stopped")
	return nil
}

// cronLogger routes cron's logging to slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
