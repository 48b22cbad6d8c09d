// Package dispatch sends task messages through the live WhatsApp session and
// records each attempt on the task.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"wasched/internal/attachments"
	"wasched/internal/domain"
	"wasched/internal/events"
	"wasched/internal/guard"
	"wasched/internal/observability"
	"wasched/internal/session"
	"wasched/internal/store"
)

// Attempt failure reasons stored in Task.ErrorMessage.
const (
	ReasonNotReady                 = "WhatsApp client not ready"
	ReasonDisconnected             = "WhatsApp session disconnected"
	ReasonGroupNotFound            = "Group not found"
	ReasonNotAdmin                 = "User no longer admin in group"
	ReasonDisconnectedWhileSending = "WhatsApp session disconnected while sending message"
	ReasonSendsPaused              = "WhatsApp sends paused after repeated failures"
	ReasonSendsThrottled           = "WhatsApp sends throttled"
)

// errSendThrottled marks a call that never reached the session because the
// local send limiter had no slot in time.
var errSendThrottled = errors.New("send throttled")

// Sessions is the part of session.Manager dispatch depends on.
type Sessions interface {
	Client() (session.Client, error)
	MarkSessionClosed(err error)
}

type Processor struct {
	Store       store.TaskStore
	Sessions    Sessions
	Attachments attachments.Store
	Events      events.Publisher
	Guard       guard.Guard
	GuardTTL    time.Duration
	Limiter     *rate.Limiter
	Breaker     *gobreaker.CircuitBreaker
	SendTimeout time.Duration
	Now         func() time.Time
	Log         *slog.Logger
}

// AttemptError is returned when a dispatch attempt was recorded as failed.
type AttemptError struct {
	TaskID string
	Reason string
	Err    error
}

func (e *AttemptError) Error() string { return "dispatch " + e.TaskID + " failed: " + e.Reason }
func (e *AttemptError) Unwrap() error { return e.Err }

// Dispatch runs one attempt of the task. It returns domain.ErrTaskNotFound
// when the task is gone and domain.ErrTaskExpired when the task was removed
// for reaching its end date or occurrence limit.
func (p *Processor) Dispatch(ctx context.Context, taskID string, trigger events.Trigger) error {
	now := p.now()
	log := p.log().With("task_id", taskID, "trigger", string(trigger))

	task, found, err := p.Store.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if !found {
		return domain.ErrTaskNotFound
	}

	if trigger == events.TriggerSchedule && p.Guard != nil {
		ok, err := p.Guard.Acquire(ctx, guard.FiringKey(taskID, now), p.guardTTL())
		if err != nil {
			log.Warn("firing guard unavailable, dispatching anyway", "err", err)
		} else if !ok {
			log.Info("duplicate firing skipped")
			observability.Dispatches.WithLabelValues(string(trigger), "duplicate").Inc()
			return nil
		}
	}

	if expired, why := task.Expired(now); expired {
		removed, found, err := p.Store.Delete(ctx, taskID)
		if err != nil {
			return fmt.Errorf("remove expired task: %w", err)
		}
		if found {
			attachments.RemoveAll(ctx, p.Attachments, removed.ImagePaths)
		}
		log.Info("task expired and removed", "reason", why)
		observability.Dispatches.WithLabelValues(string(trigger), "expired").Inc()
		p.publish(ctx, task, trigger, "expired", why, task.CurrentOccurrences, 0)
		return domain.ErrTaskExpired
	}

	client, err := p.Sessions.Client()
	if err != nil {
		return p.fail(ctx, task, trigger, ReasonNotReady, err, nil, false)
	}

	groups, err := client.Groups(ctx)
	if err != nil {
		if session.IsSessionClosed(err) {
			p.Sessions.MarkSessionClosed(err)
			return p.fail(ctx, task, trigger, ReasonDisconnected, err, nil, false)
		}
		return p.fail(ctx, task, trigger, err.Error(), err, nil, true)
	}
	group, ok := session.FindGroupByName(groups, task.GroupName)
	if !ok {
		return p.fail(ctx, task, trigger, ReasonGroupNotFound, domain.ErrGroupNotFound, nil, false)
	}
	if !group.IsAdmin(task.CreatedBy) {
		return p.fail(ctx, task, trigger, ReasonNotAdmin, domain.ErrNotAdmin, nil, true)
	}

	items := make([]item, 0, len(task.ImagePaths))
	for _, ref := range task.ImagePaths {
		items = append(items, p.storedItem(ref))
	}
	consumed, err := p.deliver(ctx, client, group.ID, task.Message, items)
	if err != nil {
		switch {
		case session.IsSessionClosed(err):
			p.Sessions.MarkSessionClosed(err)
			return p.fail(ctx, task, trigger, ReasonDisconnectedWhileSending, err, consumed, false)
		case isBreakerOpen(err):
			return p.fail(ctx, task, trigger, ReasonSendsPaused, err, consumed, false)
		case errors.Is(err, errSendThrottled):
			return p.fail(ctx, task, trigger, ReasonSendsThrottled, err, consumed, false)
		default:
			return p.fail(ctx, task, trigger, err.Error(), err, consumed, true)
		}
	}

	occurrence := 0
	if _, err := p.Store.Mutate(ctx, taskID, func(t *domain.Task) error {
		t.MarkSent(now)
		t.ImagePaths = without(t.ImagePaths, consumed)
		occurrence = t.CurrentOccurrences
		return nil
	}); err != nil {
		log.Error("record sent status failed", "err", err)
		return fmt.Errorf("record sent status: %w", err)
	}
	log.Info("scheduled message sent", "group_name", task.GroupName, "images", len(consumed))
	observability.Dispatches.WithLabelValues(string(trigger), "sent").Inc()
	p.publish(ctx, task, trigger, string(domain.StatusSent), "", occurrence, len(consumed))
	return nil
}

// fail records a failed attempt. Refs in consumed were already sent and
// deleted; with cleanup set every other attachment is removed too, since the
// task cannot use them again.
func (p *Processor) fail(ctx context.Context, task domain.Task, trigger events.Trigger, reason string, cause error, consumed []string, cleanup bool) error {
	now := p.now()
	remaining := without(task.ImagePaths, consumed)
	if cleanup {
		attachments.RemoveAll(ctx, p.Attachments, remaining)
	}
	touched := cleanup || len(consumed) > 0

	found, err := p.Store.Mutate(ctx, task.ID, func(t *domain.Task) error {
		t.MarkFailed(reason, now)
		switch {
		case cleanup:
			t.ImagePaths = without(t.ImagePaths, task.ImagePaths)
		case touched:
			t.ImagePaths = without(t.ImagePaths, consumed)
		}
		return nil
	})
	if err != nil {
		p.log().Error("record failed status failed", "err", err, "task_id", task.ID)
	} else if !found {
		p.log().Info("task deleted during dispatch, status not recorded", "task_id", task.ID)
	}

	p.log().Warn("scheduled message failed",
		"task_id", task.ID,
		"group_name", task.GroupName,
		"reason", reason,
		"err", cause,
	)
	observability.Dispatches.WithLabelValues(string(trigger), "failed").Inc()
	p.publish(ctx, task, trigger, string(domain.StatusFailed), reason, task.CurrentOccurrences, len(consumed))
	return &AttemptError{TaskID: task.ID, Reason: reason, Err: cause}
}

// item is one image to send, from the attachment store or a staged upload.
type item struct {
	name   string
	mime   string
	exists func(ctx context.Context) (bool, error)
	open   func(ctx context.Context) (io.ReadCloser, error)
	remove func(ctx context.Context) error
}

func (p *Processor) storedItem(ref string) item {
	return item{
		name:   ref,
		exists: func(ctx context.Context) (bool, error) { return p.Attachments.Exists(ctx, ref) },
		open:   func(ctx context.Context) (io.ReadCloser, error) { return p.Attachments.Open(ctx, ref) },
		remove: func(ctx context.Context) error { return p.Attachments.Delete(ctx, ref) },
	}
}

// deliver sends the text (if any) and then each image in order, removing each
// image right after it is sent. It returns the names of consumed images.
func (p *Processor) deliver(ctx context.Context, client session.Client, groupID, text string, items []item) ([]string, error) {
	var consumed []string
	if strings.TrimSpace(text) != "" {
		if err := p.execute(ctx, "text", func(ctx context.Context) error {
			return client.SendText(ctx, groupID, text)
		}); err != nil {
			return consumed, err
		}
	}

	for _, it := range items {
		if it.exists != nil {
			// already sent by an earlier firing
			if ok, err := it.exists(ctx); err == nil && !ok {
				consumed = append(consumed, it.name)
				continue
			}
		}
		img, err := readImage(ctx, it)
		if err != nil {
			return consumed, err
		}
		if err := p.execute(ctx, "image", func(ctx context.Context) error {
			return client.SendImage(ctx, groupID, img)
		}); err != nil {
			return consumed, err
		}
		if err := it.remove(ctx); err != nil {
			p.log().Warn("remove sent attachment failed", "err", err, "ref", it.name)
		}
		consumed = append(consumed, it.name)
	}
	return consumed, nil
}

func readImage(ctx context.Context, it item) (session.Image, error) {
	rc, err := it.open(ctx)
	if err != nil {
		return session.Image{}, fmt.Errorf("open attachment %s: %w", it.name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return session.Image{}, fmt.Errorf("read attachment %s: %w", it.name, err)
	}
	return session.Image{Data: data, MimeType: it.mime, FileName: it.name}, nil
}

// execute rate limits and circuit-breaks one call to the session.
func (p *Processor) execute(ctx context.Context, kind string, call func(ctx context.Context) error) error {
	if p.Limiter != nil {
		waitCtx, cancelWait := context.WithTimeout(ctx, 5*time.Second)
		err := p.Limiter.Wait(waitCtx)
		cancelWait()
		if err != nil {
			observability.Sends.WithLabelValues(kind, "rate_limited_local").Inc()
			return sendCallError{kind: kind, err: fmt.Errorf("%w: %w", errSendThrottled, err)}
		}
	}

	start := time.Now()
	run := func() (any, error) {
		callCtx := ctx
		if p.SendTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.SendTimeout)
			defer cancel()
		}
		if err := call(callCtx); err != nil {
			return nil, sendCallError{kind: kind, err: err}
		}
		return nil, nil
	}

	var err error
	if p.Breaker == nil {
		_, err = run()
	} else {
		_, err = p.Breaker.Execute(run)
	}
	switch {
	case err == nil:
		observability.Sends.WithLabelValues(kind, "ok").Inc()
		observability.SendLatency.Observe(time.Since(start).Seconds())
	case isBreakerOpen(err):
		observability.Sends.WithLabelValues(kind, "cb_open").Inc()
	default:
		observability.Sends.WithLabelValues(kind, "error").Inc()
	}
	return err
}

// NewBreaker trips after maxFailures consecutive session failures. Missing
// groups and permission problems are caller errors and do not count.
func NewBreaker(name string, maxFailures uint32, timeout time.Duration) *gobreaker.CircuitBreaker {
	if maxFailures == 0 {
		maxFailures = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			switch session.KindOf(err) {
			case session.KindNotFound, session.KindPermissionDenied:
				return true
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("send breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

type sendCallError struct {
	kind string
	err  error
}

func (e sendCallError) Error() string { return e.err.Error() }
func (e sendCallError) Unwrap() error { return e.err }

func (p *Processor) publish(ctx context.Context, task domain.Task, trigger events.Trigger, status, reason string, occurrence, images int) {
	if p.Events == nil {
		return
	}
	events.PublishBestEffort(ctx, p.Events, events.DispatchEvent{
		TaskID:     task.ID,
		GroupName:  task.GroupName,
		Status:     status,
		Reason:     reason,
		Trigger:    trigger,
		Occurrence: occurrence,
		ImageCount: images,
		OccurredAt: p.now(),
	})
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

func (p *Processor) log() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

func (p *Processor) guardTTL() time.Duration {
	if p.GuardTTL > 0 {
		return p.GuardTTL
	}
	return 2 * time.Minute
}

// without returns refs minus drop, keeping order.
func without(refs, drop []string) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		skip := false
		for _, d := range drop {
			if r == d {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, r)
		}
	}
	return out
}
