package domain

import (
	"errors"
	"fmt"
	"time"
)

type TaskStatus string

const (
	StatusPending TaskStatus = "pending"
	StatusSent    TaskStatus = "sent"
	StatusFailed  TaskStatus = "failed"
)

// Task is a scheduled message job as persisted in the task store.
type Task struct {
	ID           string     `json:"id"`
	GroupName    string     `json:"groupName"`
	Message      string     `json:"message"`
	Cron         string     `json:"cron"`
	Description  string     `json:"description"`
	ImagePaths   []string   `json:"imagePaths"`
	Status       TaskStatus `json:"status"`
	LastAttempt  *time.Time `json:"lastAttempt"`
	ErrorMessage *string    `json:"errorMessage"`
	CreatedAt    time.Time  `json:"createdAt"`
	CreatedBy    string     `json:"createdBy"`
	UpdatedAt    *time.Time `json:"updatedAt,omitempty"`

	EndDate            *time.Time `json:"endDate"`
	MaxOccurrences     *int       `json:"maxOccurrences"`
	CurrentOccurrences int        `json:"currentOccurrences"`
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (t Task) Clone() Task {
	out := t
	out.ImagePaths = append([]string{}, t.ImagePaths...)
	out.LastAttempt = copyTime(t.LastAttempt)
	out.UpdatedAt = copyTime(t.UpdatedAt)
	out.EndDate = copyTime(t.EndDate)
	if t.ErrorMessage != nil {
		s := *t.ErrorMessage
		out.ErrorMessage = &s
	}
	if t.MaxOccurrences != nil {
		n := *t.MaxOccurrences
		out.MaxOccurrences = &n
	}
	return out
}

// Expired reports whether the task has passed its end date or used up its
// occurrences. The reason is suitable for logs.
func (t Task) Expired(now time.Time) (bool, string) {
	if t.EndDate != nil && now.After(*t.EndDate) {
		return true, "end date reached"
	}
	if t.MaxOccurrences != nil && t.CurrentOccurrences >= *t.MaxOccurrences {
		return true, fmt.Sprintf("max occurrences reached (%d)", *t.MaxOccurrences)
	}
	return false, ""
}

// MarkFailed records a failed attempt. ErrorMessage is only overwritten when a
// reason is given.
func (t *Task) MarkFailed(reason string, now time.Time) {
	t.Status = StatusFailed
	t.LastAttempt = &now
	if reason != "" {
		t.ErrorMessage = &reason
	}
}

func (t *Task) MarkSent(now time.Time) {
	t.Status = StatusSent
	t.LastAttempt = &now
	t.ErrorMessage = nil
	t.CurrentOccurrences++
}

func (t Task) Normalize() Task {
	if t.ImagePaths == nil {
		t.ImagePaths = []string{}
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	return t
}

func copyTime(in *time.Time) *time.Time {
	if in == nil {
		return nil
	}
	v := *in
	return &v
}

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskExpired   = errors.New("task expired")
	ErrGroupNotFound = errors.New("group not found")
	ErrNotAdmin      = errors.New("not an admin in group")
)

// ValidationError marks caller input problems; the HTTP layer maps it to 400.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
