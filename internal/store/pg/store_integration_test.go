//go:build integration
// +build integration

package pg

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"wasched/internal/domain"
	"wasched/internal/store"
)

func TestInsertListDelete(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	for _, id := range []string{"task_b", "task_a"} {
		if err := s.Insert(ctx, newTask(id)); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if err := s.Insert(ctx, newTask("task_a")); !errors.Is(err, store.ErrDuplicateID) {
		t.Fatalf("expected duplicate id, got %v", err)
	}

	tasks, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "task_b" || tasks[1].ID != "task_a" {
		t.Fatalf("unexpected list %+v", tasks)
	}

	if _, found, err := s.Delete(ctx, "nope"); err != nil || found {
		t.Fatalf("delete missing: found=%v err=%v", found, err)
	}
	removed, found, err := s.Delete(ctx, "task_b")
	if err != nil || !found || removed.ID != "task_b" {
		t.Fatalf("delete: %+v %v %v", removed, found, err)
	}
}

func TestMutateIsSerialized(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	if err := s.Insert(ctx, newTask("task_a")); err != nil {
		t.Fatal(err)
	}

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Mutate(ctx, "task_a", func(task *domain.Task) error {
				task.CurrentOccurrences++
				return nil
			}); err != nil {
				t.Errorf("mutate: %v", err)
			}
		}()
	}
	wg.Wait()

	got, found, err := s.Get(ctx, "task_a")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.CurrentOccurrences != n {
		t.Fatalf("expected %d, got %d", n, got.CurrentOccurrences)
	}

	found, err = s.Mutate(ctx, "missing", func(*domain.Task) error { return nil })
	if err != nil || found {
		t.Fatalf("mutate missing: found=%v err=%v", found, err)
	}
}

func newTask(id string) domain.Task {
	return domain.Task{
		ID:        id,
		GroupName: "Team",
		Message:   "hi",
		Cron:      "0 9 * * *",
		Status:    domain.StatusPending,
		CreatedAt: time.Now().UTC(),
		CreatedBy: "me@s.whatsapp.net",
	}
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schemaName := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}
	if _, err := admin.Exec(context.Background(), "CREATE SCHEMA "+schemaName); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schemaName)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}
	db, err := NewPool(context.Background(), dbDSN, PoolOptions{MaxConns: 4})
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}
	if err := New(db).EnsureSchema(context.Background()); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("ensure schema: %v", err)
	}

	cleanup := func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schemaName+" CASCADE")
		admin.Close()
	}
	return db, cleanup
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
