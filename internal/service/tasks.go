package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"wasched/internal/attachments"
	"wasched/internal/cronspec"
	"wasched/internal/dispatch"
	"wasched/internal/domain"
	"wasched/internal/events"
	"wasched/internal/session"
	"wasched/internal/store"
	"wasched/internal/util"
)

const (
	msgScheduleMissing = "groupName, message, and cronTime are required"
	msgUpdateMissing   = "Missing required fields: groupName, message, and cronTime are required"
	msgInvalidCron     = "Invalid cron expression"
	msgInvalidEndDate  = `Invalid endDate format. Use ISO string format (e.g., "2024-12-31T23:59:59.000Z")`
	msgPastEndDate     = "endDate must be in the future"
	msgBadMaxOccur     = "maxOccurrences must be a positive number"
)

// Triggers is the scheduler as seen by the service.
type Triggers interface {
	Register(t domain.Task) error
	Replace(t domain.Task) error
	Remove(taskID string) bool
	Rebuild(tasks []domain.Task) int
}

// GroupResolver checks that the connected account can post to a group.
type GroupResolver interface {
	AdminGroup(ctx context.Context, name string) (session.Client, session.Group, string, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, taskID string, trigger events.Trigger) error
}

type TaskService struct {
	Store       store.TaskStore
	Attachments attachments.Store
	Triggers    Triggers
	Groups      GroupResolver
	Dispatcher  Dispatcher
	Now         func() time.Time
	NewID       func() string
	Log         *slog.Logger
}

// Schedule validates the request, stores the task with its attachments and
// registers its trigger. Staged uploads never outlive the call.
func (s *TaskService) Schedule(ctx context.Context, req domain.ScheduleRequest, uploads []attachments.Upload) (domain.Task, error) {
	defer attachments.Discard(uploads)
	now := s.now()

	expr, expiry, err := resolveSchedule(req, len(uploads), now, msgScheduleMissing)
	if err != nil {
		return domain.Task{}, err
	}
	_, _, self, err := s.Groups.AdminGroup(ctx, req.GroupName)
	if err != nil {
		return domain.Task{}, err
	}

	id := s.newID()
	refs, err := s.Attachments.Persist(ctx, id, uploads)
	if err != nil {
		return domain.Task{}, fmt.Errorf("persist attachments: %w", err)
	}

	task := domain.Task{
		ID:             id,
		GroupName:      req.GroupName,
		Message:        req.Message,
		Cron:           expr,
		Description:    req.Description,
		ImagePaths:     refs,
		Status:         domain.StatusPending,
		CreatedAt:      now,
		CreatedBy:      self,
		EndDate:        expiry.EndDate,
		MaxOccurrences: expiry.MaxOccurrences,
	}.Normalize()

	if err := s.Store.Insert(ctx, task); err != nil {
		attachments.RemoveAll(ctx, s.Attachments, refs)
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := s.Triggers.Register(task); err != nil {
		if _, _, derr := s.Store.Delete(ctx, id); derr != nil {
			s.log().Error("roll back task failed", "task_id", id, "err", derr)
		}
		attachments.RemoveAll(ctx, s.Attachments, refs)
		return domain.Task{}, fmt.Errorf("register trigger: %w", err)
	}

	s.log().Info("task scheduled", "task_id", id, "group_name", task.GroupName, "cron", expr, "images", len(refs))
	return task, nil
}

// Update replaces the task's content, swaps its attachments for the new
// uploads and re-registers its trigger.
func (s *TaskService) Update(ctx context.Context, id string, req domain.ScheduleRequest, uploads []attachments.Upload) (domain.Task, error) {
	defer attachments.Discard(uploads)
	now := s.now()

	expr, expiry, err := resolveSchedule(req, len(uploads), now, msgUpdateMissing)
	if err != nil {
		return domain.Task{}, err
	}
	if _, found, err := s.Store.Get(ctx, id); err != nil {
		return domain.Task{}, err
	} else if !found {
		return domain.Task{}, domain.ErrTaskNotFound
	}

	refs, err := s.Attachments.Persist(ctx, id, uploads)
	if err != nil {
		return domain.Task{}, fmt.Errorf("persist attachments: %w", err)
	}

	var old []string
	var updated domain.Task
	found, err := s.Store.Mutate(ctx, id, func(t *domain.Task) error {
		old = t.ImagePaths
		t.GroupName = req.GroupName
		t.Message = req.Message
		t.Cron = expr
		t.Description = req.Description
		t.ImagePaths = refs
		t.UpdatedAt = &now
		if expiry.EndDate != nil {
			t.EndDate = expiry.EndDate
		}
		if expiry.MaxOccurrences != nil {
			t.MaxOccurrences = expiry.MaxOccurrences
		}
		*t = t.Normalize()
		updated = t.Clone()
		return nil
	})
	if err != nil || !found {
		attachments.RemoveAll(ctx, s.Attachments, refs)
		if err != nil {
			return domain.Task{}, err
		}
		return domain.Task{}, domain.ErrTaskNotFound
	}
	attachments.RemoveAll(ctx, s.Attachments, old)

	if err := s.Triggers.Replace(updated); err != nil {
		return domain.Task{}, fmt.Errorf("replace trigger: %w", err)
	}
	s.log().Info("task updated", "task_id", id, "cron", expr, "images", len(refs))
	return updated, nil
}

// Delete removes the task, its trigger and its attachments.
func (s *TaskService) Delete(ctx context.Context, id string) error {
	task, found, err := s.Store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrTaskNotFound
	}
	s.Triggers.Remove(id)
	attachments.RemoveAll(ctx, s.Attachments, task.ImagePaths)
	s.log().Info("task deleted", "task_id", id)
	return nil
}

func (s *TaskService) List(ctx context.Context) ([]domain.Task, error) {
	return s.Store.List(ctx)
}

func (s *TaskService) Get(ctx context.Context, id string) (domain.Task, error) {
	task, found, err := s.Store.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if !found {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	return task, nil
}

// RunNow dispatches the task immediately and returns its recorded state. A
// failed attempt is reported through the task's status, not as an error.
func (s *TaskService) RunNow(ctx context.Context, id string) (domain.Task, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return domain.Task{}, err
	}
	err := s.Dispatcher.Dispatch(ctx, id, events.TriggerManual)
	switch {
	case errors.Is(err, domain.ErrTaskExpired):
		s.Triggers.Remove(id)
		return domain.Task{}, err
	case err != nil && !errors.As(err, new(*dispatch.AttemptError)):
		return domain.Task{}, err
	}
	return s.Get(ctx, id)
}

// Rebuild registers a trigger for every stored task.
func (s *TaskService) Rebuild(ctx context.Context) (int, error) {
	tasks, err := s.Store.List(ctx)
	if err != nil {
		return 0, err
	}
	n := s.Triggers.Rebuild(tasks)
	s.log().Info("triggers restored", "registered", n, "tasks", len(tasks))
	return n, nil
}

// resolveSchedule validates req and returns the cron expression to use. An
// explicit cron wins over date and time.
func resolveSchedule(req domain.ScheduleRequest, images int, now time.Time, missing string) (string, domain.Expiry, error) {
	var exp domain.Expiry
	expr := strings.TrimSpace(req.Cron)
	haveDate := strings.TrimSpace(req.Date) != "" && strings.TrimSpace(req.Time) != ""
	if strings.TrimSpace(req.GroupName) == "" ||
		(strings.TrimSpace(req.Message) == "" && images == 0) ||
		(expr == "" && !haveDate) {
		return "", exp, domain.Invalid("%s", missing)
	}

	if expr != "" {
		if !cronspec.IsValid(expr) {
			return "", exp, domain.Invalid(msgInvalidCron)
		}
	} else {
		date, err := time.Parse("2006-01-02", strings.TrimSpace(req.Date))
		if err != nil {
			return "", exp, domain.Invalid("Invalid date %q: use YYYY-MM-DD", req.Date)
		}
		if expr, err = cronspec.DateToCron(date, req.Time); err != nil {
			return "", exp, err
		}
	}

	if v := strings.TrimSpace(req.EndDate); v != "" {
		end, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return "", exp, domain.Invalid(msgInvalidEndDate)
		}
		if !end.After(now) {
			return "", exp, domain.Invalid(msgPastEndDate)
		}
		end = end.UTC()
		exp.EndDate = &end
	}
	if v := strings.TrimSpace(req.MaxOccurrences); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return "", exp, domain.Invalid(msgBadMaxOccur)
		}
		exp.MaxOccurrences = &n
	}
	return expr, exp, nil
}

func (s *TaskService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

func (s *TaskService) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return util.NewTaskID()
}

func (s *TaskService) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
