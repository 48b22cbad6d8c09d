package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wasched/internal/domain"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recorder) run(ctx context.Context, taskID string, firedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, taskID)
	return r.err
}

func task(id, expr string) domain.Task {
	return domain.Task{ID: id, Cron: expr, GroupName: "G", Message: "m"}
}

func TestRegisterReplaceRemove(t *testing.T) {
	r := &recorder{}
	s := New(r.run, Options{Location: time.UTC})

	if err := s.Register(task("a", "0 9 * * *")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Register(task("a", "0 9 * * *")); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if err := s.Register(task("b", "*/5 * * * *")); err == nil {
		t.Fatalf("expected invalid cron error")
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", s.Len())
	}

	if err := s.Replace(task("a", "30 14 25 12 *")); err != nil {
		t.Fatalf("replace: %v", err)
	}
	entries := s.Entries()
	if len(entries) != 1 || entries[0].Cron != "30 14 25 12 *" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if entries[0].Next.IsZero() {
		t.Fatalf("expected next run")
	}
	if err := s.Replace(task("a", "bad")); err == nil {
		t.Fatalf("expected invalid replace to fail")
	}
	if !s.Has("a") {
		t.Fatalf("failed replace must keep the existing trigger")
	}

	if !s.Remove("a") || s.Remove("a") {
		t.Fatalf("remove should report existence once")
	}
	if s.Len() != 0 {
		t.Fatalf("expected no entries")
	}
}

func TestFireRemovesExpiredTrigger(t *testing.T) {
	r := &recorder{err: domain.ErrTaskExpired}
	s := New(r.run, Options{Location: time.UTC, RunTimeout: time.Second})
	_ = s.Register(task("a", "* * * * *"))

	s.fire("a")
	if s.Has("a") {
		t.Fatalf("expired task trigger must be removed")
	}

	r.err = errors.Join(errors.New("x"), domain.ErrTaskNotFound)
	_ = s.Register(task("b", "* * * * *"))
	s.fire("b")
	if s.Has("b") {
		t.Fatalf("missing task trigger must be removed")
	}

	r.err = errors.New("send failed")
	_ = s.Register(task("c", "* * * * *"))
	s.fire("c")
	if !s.Has("c") {
		t.Fatalf("ordinary failures keep the trigger")
	}
	if len(r.calls) != 3 {
		t.Fatalf("expected 3 runs, got %v", r.calls)
	}
}

func TestRebuild(t *testing.T) {
	s := New((&recorder{}).run, Options{Location: time.UTC})
	_ = s.Register(task("a", "0 9 * * *"))

	n := s.Rebuild([]domain.Task{
		task("a", "0 9 * * *"),
		task("b", "0 10 * * *"),
		task("c", "not cron"),
	})
	if n != 1 {
		t.Fatalf("expected 1 restored, got %d", n)
	}
	if !s.Has("b") || s.Has("c") || s.Len() != 2 {
		t.Fatalf("unexpected registrations, len=%d", s.Len())
	}
}

func TestStop(t *testing.T) {
	s := New((&recorder{}).run, Options{Location: time.UTC})
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
