// Package events describes dispatch outcomes published to external consumers.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"wasched/internal/observability"
)

type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerSendNow  Trigger = "send_now"
)

type DispatchEvent struct {
	TaskID     string    `json:"taskId,omitempty"`
	GroupName  string    `json:"groupName"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Trigger    Trigger   `json:"trigger"`
	Occurrence int       `json:"occurrence,omitempty"`
	ImageCount int       `json:"imageCount"`
	OccurredAt time.Time `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, ev DispatchEvent) error
}

// Named lets Multi label metrics per backend.
type Named interface {
	Name() string
}

type Noop struct{}

func (Noop) Publish(context.Context, DispatchEvent) error { return nil }

// Multi publishes to every backend and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev DispatchEvent) error {
	var errs []error
	for _, p := range m {
		name := "unknown"
		if n, ok := p.(Named); ok {
			name = n.Name()
		}
		if err := p.Publish(ctx, ev); err != nil {
			observability.EventPublishes.WithLabelValues(name, "error").Inc()
			errs = append(errs, err)
			continue
		}
		observability.EventPublishes.WithLabelValues(name, "ok").Inc()
	}
	return errors.Join(errs...)
}

// PublishBestEffort never fails the caller; a publish error is only logged.
func PublishBestEffort(ctx context.Context, p Publisher, ev DispatchEvent) {
	if p == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.Publish(pubCtx, ev); err != nil {
		slog.Warn("publish dispatch event failed", "err", err, "task_id", ev.TaskID, "status", ev.Status)
	}
}
