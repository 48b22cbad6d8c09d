package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"wasched/internal/attachments"
	"wasched/internal/cronspec"
	"wasched/internal/dispatch"
	"wasched/internal/domain"
	"wasched/internal/scheduler"
	"wasched/internal/session"
)

// Sessions is the session manager as seen by the HTTP surface.
type Sessions interface {
	Ready() bool
	Initializing() bool
	Info() (session.Info, bool)
	Challenge() (string, bool)
	Connect(ctx context.Context) error
	ResetAttempts()
	Logout(ctx context.Context) error
	Probe(ctx context.Context) session.Health
	Status() session.Status
}

type Messenger interface {
	SendNow(ctx context.Context, req domain.SendRequest, uploads []attachments.Upload) (domain.SendResult, error)
	Groups(ctx context.Context) ([]dispatch.GroupSummary, error)
	PromoteBot(ctx context.Context, botID string) ([]domain.PromoteResult, error)
}

type Tasks interface {
	Schedule(ctx context.Context, req domain.ScheduleRequest, uploads []attachments.Upload) (domain.Task, error)
	Update(ctx context.Context, id string, req domain.ScheduleRequest, uploads []attachments.Upload) (domain.Task, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	RunNow(ctx context.Context, id string) (domain.Task, error)
}

// Triggers lists the registered cron triggers.
type Triggers interface {
	Entries() []scheduler.Entry
}

type API struct {
	Sessions       Sessions
	Messenger      Messenger
	Tasks          Tasks
	Triggers       Triggers
	UploadDir      string
	MaxUploadBytes int64
	BotJID         string
	Location       *time.Location
	Now            func() time.Time
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/api/health", a.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/api/whatsapp/status", a.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/whatsapp/qr", a.handleQR).Methods(http.MethodGet)
	r.HandleFunc("/api/whatsapp/reconnect", a.handleReconnect).Methods(http.MethodPost)
	r.HandleFunc("/api/whatsapp/logout", a.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/api/whatsapp/health", a.handleSessionHealth).Methods(http.MethodGet)

	r.HandleFunc("/api/groups", a.handleGroups).Methods(http.MethodGet)
	r.HandleFunc("/api/groups/promote-bot", a.handlePromoteBot).Methods(http.MethodPost)

	r.HandleFunc("/api/messages/send", a.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/api/messages/schedule", a.handleSchedule).Methods(http.MethodPost)
	r.HandleFunc("/api/messages/scheduled", a.handleListScheduled).Methods(http.MethodGet)
	r.HandleFunc("/api/messages/scheduled/{id}", a.handleGetScheduled).Methods(http.MethodGet)
	r.HandleFunc("/api/messages/scheduled/{id}", a.handleUpdateScheduled).Methods(http.MethodPut)
	r.HandleFunc("/api/messages/scheduled/{id}", a.handleDeleteScheduled).Methods(http.MethodDelete)
	r.HandleFunc("/api/messages/scheduled/{id}/run", a.handleRunScheduled).Methods(http.MethodPost)
	r.HandleFunc("/api/messages/triggers", a.handleTriggers).Methods(http.MethodGet)

	r.HandleFunc("/api/cron/describe", a.handleCronDescribe).Methods(http.MethodGet)
	r.HandleFunc("/api/cron/preset", a.handleCronPreset).Methods(http.MethodGet)
	r.HandleFunc("/api/upload", a.handleUpload).Methods(http.MethodPost)
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	f, err := a.readForm(w, r, "images", maxSendImages)
	if err != nil {
		a.writeFormError(w, err)
		return
	}
	req := domain.SendRequest{GroupName: f.get("groupName"), Message: f.values["message"]}

	res, err := a.Messenger.SendNow(r.Context(), req, f.uploads)
	if err != nil {
		if a.writeSessionError(w, err, req.GroupName, "send") {
			return
		}
		slog.Error("send message failed", "err", err, "group_name", req.GroupName)
		writeError(w, http.StatusInternalServerError, ErrSendFailed, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    "Message sent successfully" + imagesSuffix(res.ImageCount),
		"groupName":  res.GroupName,
		"sentAt":     res.SentAt,
		"imageCount": res.ImageCount,
	})
}

func (a *API) handleSchedule(w http.ResponseWriter, r *http.Request) {
	f, err := a.readForm(w, r, "images", maxSendImages)
	if err != nil {
		a.writeFormError(w, err)
		return
	}
	req := scheduleRequest(f)

	task, err := a.Tasks.Schedule(r.Context(), req, f.uploads)
	if err != nil {
		if a.writeSessionError(w, err, req.GroupName, "schedule") {
			return
		}
		slog.Error("schedule message failed", "err", err, "group_name", req.GroupName)
		writeError(w, http.StatusInternalServerError, ErrScheduleFailed, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    "Message scheduled successfully" + imagesSuffix(len(task.ImagePaths)),
		"task":       task,
		"imageCount": len(task.ImagePaths),
	})
}

func (a *API) handleListScheduled(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.Tasks.List(r.Context())
	if err != nil {
		slog.Error("list scheduled messages failed", "err", err)
		writeError(w, http.StatusInternalServerError, ErrListFailed, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "scheduledMessages": tasks})
}

func (a *API) handleGetScheduled(w http.ResponseWriter, r *http.Request) {
	task, err := a.Tasks.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, ErrTaskNotFound, nil)
			return
		}
		writeError(w, http.StatusInternalServerError, ErrGetFailed, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": task})
}

func (a *API) handleUpdateScheduled(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	f, err := a.readForm(w, r, "images", maxUpdateImages)
	if err != nil {
		a.writeFormError(w, err)
		return
	}

	task, err := a.Tasks.Update(r.Context(), id, scheduleRequest(f), f.uploads)
	switch {
	case err == nil:
	case domain.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	case errors.Is(err, domain.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, ErrTaskNotFound, nil)
		return
	default:
		slog.Error("update scheduled message failed", "err", err, "task_id", id)
		writeError(w, http.StatusInternalServerError, ErrUpdateFailed, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Scheduled message updated successfully",
		"task":    task,
	})
}

func (a *API) handleDeleteScheduled(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.Tasks.Delete(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, ErrTaskNotFound, nil)
			return
		}
		slog.Error("delete scheduled message failed", "err", err, "task_id", id)
		writeError(w, http.StatusInternalServerError, ErrDeleteFailed, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Scheduled message deleted successfully",
	})
}

func (a *API) handleRunScheduled(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := a.Tasks.RunNow(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, ErrTaskNotFound, nil)
		return
	case errors.Is(err, domain.ErrTaskExpired):
		writeError(w, http.StatusNotFound, ErrTaskExpired, nil)
		return
	default:
		slog.Error("run scheduled message failed", "err", err, "task_id", id)
		writeError(w, http.StatusInternalServerError, ErrRunFailed, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": task.Status == domain.StatusSent,
		"task":    task,
	})
}

func (a *API) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.Messenger.Groups(r.Context())
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotReady):
		writeFailure(w, http.StatusOK, ErrNotReadyShort, nil)
		return
	case session.IsSessionClosed(err):
		writeFailure(w, http.StatusServiceUnavailable, ErrSessionDisconnected, err)
		return
	default:
		slog.Error("list groups failed", "err", err)
		writeFailure(w, http.StatusInternalServerError, ErrGroupsFailed, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": groups})
}

func (a *API) handlePromoteBot(w http.ResponseWriter, r *http.Request) {
	results, err := a.Messenger.PromoteBot(r.Context(), a.BotJID)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, ErrNotReadyShort, nil)
		return
	case session.IsSessionClosed(err):
		writeError(w, http.StatusServiceUnavailable, ErrSessionDisconnected, err)
		return
	default:
		slog.Error("promote bot failed", "err", err)
		writeError(w, http.StatusInternalServerError, ErrPromoteFailed, err)
		return
	}
	summary := domain.Summarize(results)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Promotion complete: %d groups promoted, %d already admin", summary.Promoted, summary.AlreadyAdmin),
		"results": results,
		"summary": summary,
	})
}

func (a *API) handleCronDescribe(w http.ResponseWriter, r *http.Request) {
	expr := r.URL.Query().Get("expr")
	if expr == "" {
		writeError(w, http.StatusBadRequest, ErrMissingExpr, nil)
		return
	}
	now := a.now()
	body := map[string]any{"success": true, "expr": expr, "valid": true}
	if err := cronspec.Validate(expr); err != nil {
		body["valid"] = false
		body["error"] = err.Error()
		writeJSON(w, http.StatusOK, body)
		return
	}
	dt := cronspec.CronToDateTime(expr, now)
	body["readable"] = dt.Readable
	body["date"] = dt.Date
	body["time"] = dt.Time
	if next, err := cronspec.Next(expr, now, a.location()); err == nil {
		body["nextRun"] = next
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *API) handleTriggers(w http.ResponseWriter, r *http.Request) {
	entries := []scheduler.Entry{}
	if a.Triggers != nil {
		entries = a.Triggers.Entries()
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "triggers": entries})
}

// handleCronPreset builds an expression from kind (daily, weekly, monthly,
// yearly), time and the day fields the kind needs.
func (a *API) handleCronPreset(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hour, minute, err := cronspec.ParseClock(q.Get("time"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	num := func(key string) (int, error) {
		n, err := strconv.Atoi(q.Get(key))
		if err != nil {
			return 0, domain.Invalid("%s must be a number", key)
		}
		return n, nil
	}

	var expr string
	switch kind := q.Get("kind"); kind {
	case "daily":
		expr = cronspec.Daily(hour, minute)
	case "weekly":
		dow, err := num("dayOfWeek")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		expr = cronspec.Weekly(hour, minute, dow)
	case "monthly":
		day, err := num("day")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		expr = cronspec.Monthly(hour, minute, day)
	case "yearly":
		day, err := num("day")
		if err == nil {
			var month int
			if month, err = num("month"); err == nil {
				expr = cronspec.Yearly(hour, minute, day, month)
			}
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown preset %q", kind), nil)
		return
	}
	if err := cronspec.Validate(expr); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"cron":     expr,
		"readable": cronspec.CronToDateTime(expr, a.now()).Readable,
	})
}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	f, err := a.readForm(w, r, "file", 1)
	if err != nil {
		a.writeFormError(w, err)
		return
	}
	if len(f.uploads) == 0 {
		writeError(w, http.StatusBadRequest, ErrNoFile, nil)
		return
	}
	up := f.uploads[0]
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "File uploaded successfully",
		"filename": filepath.Base(up.TempPath),
		"path":     up.TempPath,
	})
}

// writeSessionError maps errors shared by send and schedule. It reports
// whether a response was written.
func (a *API) writeSessionError(w http.ResponseWriter, err error, groupName, verb string) bool {
	switch {
	case domain.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, session.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, ErrNotReady, nil)
	case session.IsSessionClosed(err):
		writeError(w, http.StatusServiceUnavailable, ErrSessionDisconnected, err)
	case errors.Is(err, domain.ErrGroupNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf(`Group "%s" not found`, groupName), nil)
	case errors.Is(err, domain.ErrNotAdmin):
		writeError(w, http.StatusForbidden,
			fmt.Sprintf(`You are not an admin in "%s". Only admins can %s messages.`, groupName, verb), nil)
	default:
		return false
	}
	return true
}

func (a *API) writeFormError(w http.ResponseWriter, err error) {
	if domain.IsValidation(err) {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	slog.Error("read request form failed", "err", err)
	writeError(w, http.StatusInternalServerError, ErrUploadFailed, err)
}

func scheduleRequest(f form) domain.ScheduleRequest {
	return domain.ScheduleRequest{
		GroupName:      f.get("groupName"),
		Message:        f.values["message"],
		Cron:           f.get("cronTime"),
		Date:           f.get("date"),
		Time:           f.get("time"),
		Description:    f.values["description"],
		EndDate:        f.get("endDate"),
		MaxOccurrences: f.get("maxOccurrences"),
	}
}

func imagesSuffix(n int) string {
	if n == 0 {
		return ""
	}
	return fmt.Sprintf(" with %d image(s)", n)
}

func (a *API) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *API) location() *time.Location {
	if a.Location != nil {
		return a.Location
	}
	return time.Local
}
