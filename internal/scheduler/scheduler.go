// Package scheduler keeps one cron trigger per task. Registrations live in
// memory only; Rebuild restores them from the task store at start.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	robfigcron "github.com/robfig/cron/v3"

	"wasched/internal/cronspec"
	"wasched/internal/domain"
	"wasched/internal/observability"
)

// Runner fires a task. Returning domain.ErrTaskExpired or
// domain.ErrTaskNotFound removes the trigger.
type Runner func(ctx context.Context, taskID string, firedAt time.Time) error

type Options struct {
	Location   *time.Location
	RunTimeout time.Duration
	Logger     *slog.Logger
}

type Scheduler struct {
	cron    *robfigcron.Cron
	run     Runner
	timeout time.Duration
	log     *slog.Logger
	loc     *time.Location

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	id   robfigcron.EntryID
	expr string
}

// Entry describes a registered trigger.
type Entry struct {
	TaskID string    `json:"taskId"`
	Cron   string    `json:"cron"`
	Next   time.Time `json:"nextRun"`
}

func New(run Runner, opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With("component", "scheduler")
	cl := cronLogger{log: log}
	c := robfigcron.New(
		robfigcron.WithLocation(opts.Location),
		robfigcron.WithLogger(cl),
		robfigcron.WithChain(robfigcron.Recover(cl), robfigcron.SkipIfStillRunning(cl)),
	)
	return &Scheduler{
		cron:    c,
		run:     run,
		timeout: opts.RunTimeout,
		log:     log,
		loc:     opts.Location,
		entries: make(map[string]entry),
	}
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts new firings and waits for running ones until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register adds a trigger for the task. A task that already has one is an
// error; use Replace for edits.
func (s *Scheduler) Register(t domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[t.ID]; ok {
		return fmt.Errorf("task %s already scheduled", t.ID)
	}
	return s.addLocked(t.ID, t.Cron)
}

// Replace swaps the trigger of a task under one lock, so an edit never leaves
// the old schedule running alongside the new one.
func (s *Scheduler) Replace(t domain.Task) error {
	if err := cronspec.Validate(t.Cron); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(t.ID)
	return s.addLocked(t.ID, t.Cron)
}

// Remove drops the trigger; it reports whether one existed.
func (s *Scheduler) Remove(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(taskID)
}

func (s *Scheduler) Has(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[taskID]
	return ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for taskID, e := range s.entries {
		item := Entry{TaskID: taskID, Cron: e.expr}
		if ce := s.cron.Entry(e.id); ce.Valid() {
			item.Next = ce.Next
		}
		if item.Next.IsZero() {
			item.Next, _ = cronspec.Next(e.expr, time.Now(), s.loc)
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Rebuild registers every task in tasks, skipping ones already scheduled.
// Tasks with an invalid expression are logged and skipped.
func (s *Scheduler) Rebuild(tasks []domain.Task) int {
	n := 0
	for _, t := range tasks {
		if s.Has(t.ID) {
			continue
		}
		if err := s.Register(t); err != nil {
			s.log.Warn("restore trigger failed", "task_id", t.ID, "cron", t.Cron, "err", err)
			continue
		}
		n++
	}
	return n
}

func (s *Scheduler) addLocked(taskID, expr string) error {
	if err := cronspec.Validate(expr); err != nil {
		return err
	}
	id, err := s.cron.AddFunc(expr, func() { s.fire(taskID) })
	if err != nil {
		return fmt.Errorf("register trigger: %w", err)
	}
	s.entries[taskID] = entry{id: id, expr: expr}
	observability.ScheduledTasks.Set(float64(len(s.entries)))
	return nil
}

func (s *Scheduler) removeLocked(taskID string) bool {
	e, ok := s.entries[taskID]
	if !ok {
		return false
	}
	s.cron.Remove(e.id)
	delete(s.entries, taskID)
	observability.ScheduledTasks.Set(float64(len(s.entries)))
	return true
}

func (s *Scheduler) fire(taskID string) {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	firedAt := time.Now()
	err := s.run(ctx, taskID, firedAt)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrTaskExpired), errors.Is(err, domain.ErrTaskNotFound):
		s.Remove(taskID)
		s.log.Info("trigger removed", "task_id", taskID, "reason", err.Error())
	default:
		s.log.Warn("scheduled run failed", "task_id", taskID, "err", err)
	}
}

// cronLogger adapts slog to robfig/cron's logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron "+msg, append(keysAndValues, "err", err)...)
}
