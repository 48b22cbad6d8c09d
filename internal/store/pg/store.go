package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"wasched/internal/domain"
	"wasched/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id         TEXT PRIMARY KEY,
	seq        BIGSERIAL,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS scheduled_tasks_seq_idx ON scheduled_tasks (seq);
`

// Store keeps one JSONB row per task; row locks replace the whole-file
// read-modify-write of the file store.
type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, schema)
	return err
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

func (s *Store) List(ctx context.Context) ([]domain.Task, error) {
	rows, err := s.DB.Query(ctx, `SELECT data FROM scheduled_tasks ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Task{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		t, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) (domain.Task, bool, error) {
	var raw []byte
	err := s.DB.QueryRow(ctx, `SELECT data FROM scheduled_tasks WHERE id=$1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	t, err := decode(raw)
	return t, err == nil, err
}

func (s *Store) Insert(ctx context.Context, t domain.Task) error {
	b, err := json.Marshal(t.Normalize())
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO scheduled_tasks (id, data, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
	`, t.ID, b, t.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", store.ErrDuplicateID, t.ID)
	}
	return err
}

func (s *Store) Mutate(ctx context.Context, id string, fn func(*domain.Task) error) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT data FROM scheduled_tasks WHERE id=$1 FOR UPDATE`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	t, err := decode(raw)
	if err != nil {
		return true, err
	}
	if err := fn(&t); err != nil {
		return true, err
	}
	t.ID = id
	b, err := json.Marshal(t.Normalize())
	if err != nil {
		return true, err
	}
	if _, err := tx.Exec(ctx, `UPDATE scheduled_tasks SET data=$2, updated_at=$3 WHERE id=$1`, id, b, time.Now().UTC()); err != nil {
		return true, err
	}
	return true, tx.Commit(ctx)
}

func (s *Store) Delete(ctx context.Context, id string) (domain.Task, bool, error) {
	var raw []byte
	err := s.DB.QueryRow(ctx, `DELETE FROM scheduled_tasks WHERE id=$1 RETURNING data`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	t, err := decode(raw)
	return t, true, err
}

func decode(raw []byte) (domain.Task, error) {
	var t domain.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return domain.Task{}, fmt.Errorf("decode task: %w", err)
	}
	return t.Normalize(), nil
}
