package store

import (
	"context"
	"errors"

	"wasched/internal/domain"
)

var ErrDuplicateID = errors.New("task id already exists")

// TaskStore persists scheduled tasks keyed by id. List preserves insertion
// order. Mutate is an atomic read-modify-write of a single task and reports
// false without error when the task no longer exists.
type TaskStore interface {
	List(ctx context.Context) ([]domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, bool, error)
	Insert(ctx context.Context, t domain.Task) error
	Mutate(ctx context.Context, id string, fn func(*domain.Task) error) (bool, error)
	Delete(ctx context.Context, id string) (domain.Task, bool, error)
}
