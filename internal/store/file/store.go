// Package file stores tasks as a JSON array in a single file. Every mutation
// is a whole-file read-modify-write serialized by a process mutex and a lock
// file, and written through a temp file and rename.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"wasched/internal/domain"
	"wasched/internal/store"
)

const (
	defaultLockTimeout = 5 * time.Second
	defaultStaleLock   = 30 * time.Second
)

type Store struct {
	Path        string
	LockTimeout time.Duration
	// StaleLock is the age after which a leftover lock file from a dead
	// process is broken.
	StaleLock time.Duration

	mu sync.Mutex
}

func New(path string) *Store {
	return &Store{Path: path, LockTimeout: defaultLockTimeout, StaleLock: defaultStaleLock}
}

func (s *Store) List(ctx context.Context) ([]domain.Task, error) {
	var out []domain.Task
	err := s.withLock(ctx, func() error {
		tasks, err := s.load()
		out = tasks
		return err
	})
	return out, err
}

func (s *Store) Get(ctx context.Context, id string) (domain.Task, bool, error) {
	var (
		out   domain.Task
		found bool
	)
	err := s.withLock(ctx, func() error {
		tasks, err := s.load()
		if err != nil {
			return err
		}
		if i := indexOf(tasks, id); i >= 0 {
			out, found = tasks[i], true
		}
		return nil
	})
	return out, found, err
}

func (s *Store) Insert(ctx context.Context, t domain.Task) error {
	return s.withLock(ctx, func() error {
		tasks, err := s.load()
		if err != nil {
			return err
		}
		if indexOf(tasks, t.ID) >= 0 {
			return fmt.Errorf("%w: %s", store.ErrDuplicateID, t.ID)
		}
		tasks = append(tasks, t.Normalize())
		return s.save(tasks)
	})
}

func (s *Store) Mutate(ctx context.Context, id string, fn func(*domain.Task) error) (bool, error) {
	found := false
	err := s.withLock(ctx, func() error {
		tasks, err := s.load()
		if err != nil {
			return err
		}
		i := indexOf(tasks, id)
		if i < 0 {
			return nil
		}
		found = true
		t := tasks[i].Clone()
		if err := fn(&t); err != nil {
			return err
		}
		t.ID = id
		tasks[i] = t.Normalize()
		return s.save(tasks)
	})
	return found, err
}

func (s *Store) Delete(ctx context.Context, id string) (domain.Task, bool, error) {
	var (
		removed domain.Task
		found   bool
	)
	err := s.withLock(ctx, func() error {
		tasks, err := s.load()
		if err != nil {
			return err
		}
		i := indexOf(tasks, id)
		if i < 0 {
			return nil
		}
		removed, found = tasks[i], true
		tasks = append(tasks[:i], tasks[i+1:]...)
		return s.save(tasks)
	})
	return removed, found, err
}

// Ping checks that the store file is readable and well formed.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.List(ctx)
	return err
}

func (s *Store) withLock(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return withFileLock(s.Path+".lock", s.LockTimeout, s.StaleLock, fn)
}

// load returns an empty list for a missing or empty file. A corrupt file is an
// error so that a bad write is never silently replaced by an empty store.
func (s *Store) load() ([]domain.Task, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return []domain.Task{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read task store: %w", err)
	}
	if len(data) == 0 {
		return []domain.Task{}, nil
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("parse task store %s: %w", s.Path, err)
	}
	for i := range tasks {
		tasks[i] = tasks[i].Normalize()
	}
	return tasks, nil
}

func (s *Store) save(tasks []domain.Task) error {
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return writeJSONAtomic(s.Path, tasks)
}

func indexOf(tasks []domain.Task, id string) int {
	for i := range tasks {
		if tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func writeJSONAtomic(path string, payload any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp-%d", path, time.Now().UTC().UnixNano())
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// withFileLock holds lockPath for the duration of fn. The lock file carries
// the owner's pid and acquire time; one older than stale is removed.
func withFileLock(lockPath string, timeout, stale time.Duration, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return err
	}
	start := time.Now()
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			_ = f.Close()
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return err
		}
		if stale > 0 {
			if info, serr := os.Stat(lockPath); serr == nil && time.Since(info.ModTime()) > stale {
				_ = os.Remove(lockPath)
				continue
			}
		}
		if timeout > 0 && time.Since(start) > timeout {
			return fmt.Errorf("acquire lock timeout: %s", lockPath)
		}
		time.Sleep(20 * time.Millisecond)
	}
	defer os.Remove(lockPath)
	return fn()
}
