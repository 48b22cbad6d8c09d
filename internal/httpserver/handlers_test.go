package httpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"wasched/internal/attachments"
	"wasched/internal/dispatch"
	"wasched/internal/domain"
	"wasched/internal/scheduler"
	"wasched/internal/session"
)

type fakeSessions struct {
	ready        bool
	initializing bool
	challenge    string
	logoutErr    error
	connectErr   error
	connects     chan struct{}
	resets       int
}

func (f *fakeSessions) Ready() bool        { return f.ready }
func (f *fakeSessions) Initializing() bool { return f.initializing }
func (f *fakeSessions) Info() (session.Info, bool) {
	if !f.ready {
		return session.Info{}, false
	}
	return session.Info{ID: "15550001@s.whatsapp.net", PushName: "me"}, true
}
func (f *fakeSessions) Challenge() (string, bool) { return f.challenge, f.challenge != "" }
func (f *fakeSessions) Connect(ctx context.Context) error {
	if f.connects != nil {
		f.connects <- struct{}{}
	}
	return f.connectErr
}
func (f *fakeSessions) ResetAttempts()                   { f.resets++ }
func (f *fakeSessions) Logout(ctx context.Context) error { return f.logoutErr }
func (f *fakeSessions) Probe(ctx context.Context) session.Health {
	return session.Health{IsReady: f.ready, CanPerformOperations: f.ready}
}
func (f *fakeSessions) Status() session.Status { return session.Status{Ready: f.ready} }

type fakeMessenger struct {
	sendErr   error
	sendReq   domain.SendRequest
	uploads   []attachments.Upload
	groups    []dispatch.GroupSummary
	groupsErr error
	promote   []domain.PromoteResult
}

func (f *fakeMessenger) SendNow(ctx context.Context, req domain.SendRequest, uploads []attachments.Upload) (domain.SendResult, error) {
	f.sendReq = req
	f.uploads = uploads
	if f.sendErr != nil {
		return domain.SendResult{}, f.sendErr
	}
	return domain.SendResult{GroupName: req.GroupName, SentAt: time.Unix(0, 0).UTC(), ImageCount: len(uploads)}, nil
}

func (f *fakeMessenger) Groups(ctx context.Context) ([]dispatch.GroupSummary, error) {
	return f.groups, f.groupsErr
}

func (f *fakeMessenger) PromoteBot(ctx context.Context, botID string) ([]domain.PromoteResult, error) {
	return f.promote, nil
}

type fakeTasks struct {
	tasks       map[string]domain.Task
	scheduleErr error
	scheduled   domain.ScheduleRequest
	stagedSeen  []bool
}

func (f *fakeTasks) Schedule(ctx context.Context, req domain.ScheduleRequest, uploads []attachments.Upload) (domain.Task, error) {
	f.scheduled = req
	for _, u := range uploads {
		_, err := os.Stat(u.TempPath)
		f.stagedSeen = append(f.stagedSeen, err == nil)
	}
	if f.scheduleErr != nil {
		return domain.Task{}, f.scheduleErr
	}
	t := domain.Task{ID: "task_1", GroupName: req.GroupName, Message: req.Message, Cron: req.Cron}.Normalize()
	for range uploads {
		t.ImagePaths = append(t.ImagePaths, "x")
	}
	return t, nil
}

func (f *fakeTasks) Update(ctx context.Context, id string, req domain.ScheduleRequest, uploads []attachments.Upload) (domain.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	t.Message = req.Message
	return t, nil
}

func (f *fakeTasks) Delete(ctx context.Context, id string) error {
	if _, ok := f.tasks[id]; !ok {
		return domain.ErrTaskNotFound
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeTasks) List(ctx context.Context) ([]domain.Task, error) {
	out := []domain.Task{}
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTasks) Get(ctx context.Context, id string) (domain.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	return t, nil
}

func (f *fakeTasks) RunNow(ctx context.Context, id string) (domain.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	t.Status = domain.StatusSent
	return t, nil
}

type fakeTriggers []scheduler.Entry

func (f fakeTriggers) Entries() []scheduler.Entry { return f }

type harness struct {
	sessions  *fakeSessions
	messenger *fakeMessenger
	tasks     *fakeTasks
	handler   http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sessions:  &fakeSessions{},
		messenger: &fakeMessenger{},
		tasks:     &fakeTasks{tasks: map[string]domain.Task{}},
	}
	s := New()
	api := &API{
		Sessions:  h.sessions,
		Messenger: h.messenger,
		Tasks:     h.tasks,
		Triggers:  fakeTriggers{{TaskID: "task_1", Cron: "0 9 * * *", Next: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}},
		UploadDir: t.TempDir(),
		Location:  time.UTC,
		Now:       func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) },
	}
	api.Register(s.Mux)
	h.handler = s.Handler([]string{"*"})
	return h
}

func (h *harness) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	var body map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body %q: %v", rec.Body.String(), err)
		}
	}
	return rec, body
}

func jsonRequest(method, path string, v any) *http.Request {
	b, _ := json.Marshal(v)
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func multipartRequest(t *testing.T, method, path string, fields map[string]string, fileField string, files map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for name, content := range files {
		fw, err := mw.CreateFormFile(fileField, name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte(content))
	}
	mw.Close()
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHealthNeverConnected(t *testing.T) {
	h := newHarness(t)
	rec, body := h.do(t, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK || body["status"] != "ok" || body["whatsappReady"] != false {
		t.Fatalf("unexpected health %d %v", rec.Code, body)
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatalf("request id header missing")
	}
}

func TestStatusReportsClientInfoOnlyWhenReady(t *testing.T) {
	h := newHarness(t)
	_, body := h.do(t, httptest.NewRequest(http.MethodGet, "/api/whatsapp/status", nil))
	if body["clientInfo"] != nil || body["isConnected"] != false {
		t.Fatalf("unexpected status %v", body)
	}
	h.sessions.ready = true
	_, body = h.do(t, httptest.NewRequest(http.MethodGet, "/api/whatsapp/status", nil))
	info, ok := body["clientInfo"].(map[string]any)
	if !ok || info["id"] != "15550001@s.whatsapp.net" {
		t.Fatalf("unexpected status %v", body)
	}
}

func TestSendErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"validation", domain.Invalid("groupName and message are required"), http.StatusBadRequest, "groupName and message are required"},
		{"not ready", session.ErrNotReady, http.StatusServiceUnavailable, ErrNotReady},
		{"closed", session.Wrap(session.KindSessionClosed, "groups", fmt.Errorf("gone")), http.StatusServiceUnavailable, ErrSessionDisconnected},
		{"no group", fmt.Errorf("%w: Team", domain.ErrGroupNotFound), http.StatusNotFound, `Group "Team" not found`},
		{"not admin", fmt.Errorf("%w: Team", domain.ErrNotAdmin), http.StatusForbidden, `You are not an admin in "Team". Only admins can send messages.`},
		{"other", fmt.Errorf("media rejected"), http.StatusInternalServerError, ErrSendFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.messenger.sendErr = tc.err
			rec, body := h.do(t, jsonRequest(http.MethodPost, "/api/messages/send", map[string]string{"groupName": "Team", "message": "hi"}))
			if rec.Code != tc.status || body["error"] != tc.msg {
				t.Fatalf("got %d %v", rec.Code, body)
			}
		})
	}
}

func TestSendMultipartWithImages(t *testing.T) {
	h := newHarness(t)
	req := multipartRequest(t, http.MethodPost, "/api/messages/send",
		map[string]string{"groupName": "Team", "message": "hi"}, "images", map[string]string{"a.png": "A", "b.png": "B"})
	rec, body := h.do(t, req)
	if rec.Code != http.StatusOK || body["message"] != "Message sent successfully with 2 image(s)" {
		t.Fatalf("got %d %v", rec.Code, body)
	}
	if h.messenger.sendReq.GroupName != "Team" || len(h.messenger.uploads) != 2 {
		t.Fatalf("unexpected call %+v", h.messenger.sendReq)
	}
}

func TestSendRejectsTooManyImages(t *testing.T) {
	h := newHarness(t)
	files := map[string]string{}
	for i := 0; i < maxSendImages+1; i++ {
		files[fmt.Sprintf("%d.png", i)] = "x"
	}
	req := multipartRequest(t, http.MethodPost, "/api/messages/send", map[string]string{"groupName": "Team"}, "images", files)
	rec, _ := h.do(t, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestScheduleStagesUploads(t *testing.T) {
	h := newHarness(t)
	req := multipartRequest(t, http.MethodPost, "/api/messages/schedule",
		map[string]string{"groupName": "Team", "message": "hi", "cronTime": "0 9 * * *", "maxOccurrences": "2"},
		"images", map[string]string{"a.png": "A"})
	rec, body := h.do(t, req)
	if rec.Code != http.StatusOK || body["message"] != "Message scheduled successfully with 1 image(s)" {
		t.Fatalf("got %d %v", rec.Code, body)
	}
	if h.tasks.scheduled.Cron != "0 9 * * *" || h.tasks.scheduled.MaxOccurrences != "2" {
		t.Fatalf("unexpected request %+v", h.tasks.scheduled)
	}
	if len(h.tasks.stagedSeen) != 1 || !h.tasks.stagedSeen[0] {
		t.Fatalf("upload must be staged before the service runs")
	}
}

func TestScheduleInvalidCron(t *testing.T) {
	h := newHarness(t)
	h.tasks.scheduleErr = domain.Invalid("Invalid cron expression")
	rec, body := h.do(t, jsonRequest(http.MethodPost, "/api/messages/schedule", map[string]string{"groupName": "Team", "message": "hi", "cronTime": "bad"}))
	if rec.Code != http.StatusBadRequest || body["error"] != "Invalid cron expression" {
		t.Fatalf("got %d %v", rec.Code, body)
	}
}

func TestScheduledCRUD(t *testing.T) {
	h := newHarness(t)
	h.tasks.tasks["task_1"] = domain.Task{ID: "task_1", GroupName: "Team", Message: "m", Cron: "0 9 * * *"}.Normalize()

	rec, body := h.do(t, httptest.NewRequest(http.MethodGet, "/api/messages/scheduled", nil))
	if rec.Code != http.StatusOK || len(body["scheduledMessages"].([]any)) != 1 {
		t.Fatalf("list: %d %v", rec.Code, body)
	}

	rec, body = h.do(t, multipartRequest(t, http.MethodPut, "/api/messages/scheduled/task_1",
		map[string]string{"groupName": "Team", "message": "m2", "cronTime": "0 10 * * *"}, "images", nil))
	if rec.Code != http.StatusOK || body["message"] != "Scheduled message updated successfully" {
		t.Fatalf("update: %d %v", rec.Code, body)
	}

	rec, body = h.do(t, httptest.NewRequest(http.MethodPost, "/api/messages/scheduled/task_1/run", nil))
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("run: %d %v", rec.Code, body)
	}

	rec, _ = h.do(t, httptest.NewRequest(http.MethodDelete, "/api/messages/scheduled/task_1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: %d", rec.Code)
	}
	rec, body = h.do(t, httptest.NewRequest(http.MethodDelete, "/api/messages/scheduled/task_1", nil))
	if rec.Code != http.StatusNotFound || body["error"] != ErrTaskNotFound {
		t.Fatalf("second delete: %d %v", rec.Code, body)
	}
}

func TestGroupsNotReadyIsSoftFailure(t *testing.T) {
	h := newHarness(t)
	h.messenger.groupsErr = session.ErrNotReady
	rec, body := h.do(t, httptest.NewRequest(http.MethodGet, "/api/groups", nil))
	if rec.Code != http.StatusOK || body["success"] != false || body["error"] != ErrNotReadyShort {
		t.Fatalf("got %d %v", rec.Code, body)
	}

	h.messenger.groupsErr = nil
	h.messenger.groups = []dispatch.GroupSummary{{ID: "g1@g.us", Name: "Team", Participants: 3}}
	_, body = h.do(t, httptest.NewRequest(http.MethodGet, "/api/groups", nil))
	data := body["data"].([]any)
	if len(data) != 1 || data[0].(map[string]any)["participants"] != float64(3) {
		t.Fatalf("unexpected groups %v", body)
	}
}

func TestPromoteBotSummary(t *testing.T) {
	h := newHarness(t)
	h.messenger.promote = []domain.PromoteResult{
		{GroupName: "a", Status: domain.PromotePromoted},
		{GroupName: "b", Status: domain.PromoteAlreadyAdmin},
		{GroupName: "c", Status: domain.PromoteNoPermission},
	}
	_, body := h.do(t, httptest.NewRequest(http.MethodPost, "/api/groups/promote-bot", nil))
	if body["message"] != "Promotion complete: 1 groups promoted, 1 already admin" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["summary"].(map[string]any)["total"] != float64(3) {
		t.Fatalf("unexpected summary %v", body["summary"])
	}
}

func TestQR(t *testing.T) {
	h := newHarness(t)
	h.sessions.ready = true
	_, body := h.do(t, httptest.NewRequest(http.MethodGet, "/api/whatsapp/qr", nil))
	if body["hasQr"] != false || body["message"] != "WhatsApp is already connected" {
		t.Fatalf("ready: %v", body)
	}

	h.sessions.ready = false
	h.sessions.challenge = "2@abc,def,ghi"
	_, body = h.do(t, httptest.NewRequest(http.MethodGet, "/api/whatsapp/qr", nil))
	if body["hasQr"] != true || body["rawQr"] != "2@abc,def,ghi" {
		t.Fatalf("challenge: %v", body)
	}
	png, err := base64.StdEncoding.DecodeString(body["qrCode"].(string))
	if err != nil || !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatalf("qrCode is not a base64 png: %v", err)
	}
	if !strings.HasPrefix(body["qrDataUrl"].(string), "data:image/png;base64,") {
		t.Fatalf("unexpected data url")
	}

	h.sessions.challenge = ""
	h.sessions.connects = make(chan struct{}, 1)
	_, body = h.do(t, httptest.NewRequest(http.MethodGet, "/api/whatsapp/qr", nil))
	if body["message"] != "Initializing WhatsApp client. Please try again in a few seconds." {
		t.Fatalf("idle: %v", body)
	}
	select {
	case <-h.sessions.connects:
	case <-time.After(2 * time.Second):
		t.Fatal("qr request on an idle session must start a connect")
	}

	h.sessions.initializing = true
	_, body = h.do(t, httptest.NewRequest(http.MethodGet, "/api/whatsapp/qr", nil))
	if body["message"] != "No QR code available. Client is initializing, please wait." {
		t.Fatalf("initializing: %v", body)
	}
}

func TestReconnectAndLogout(t *testing.T) {
	h := newHarness(t)
	rec, body := h.do(t, httptest.NewRequest(http.MethodPost, "/api/whatsapp/reconnect", nil))
	if rec.Code != http.StatusOK || body["message"] != "Reconnection attempt started. Check status in a few moments." || h.sessions.resets != 1 {
		t.Fatalf("reconnect: %d %v", rec.Code, body)
	}
	h.sessions.connectErr = fmt.Errorf("dial failed")
	rec, body = h.do(t, httptest.NewRequest(http.MethodPost, "/api/whatsapp/reconnect", nil))
	if rec.Code != http.StatusInternalServerError || body["error"] != ErrReconnectFailed || body["details"] != "dial failed" {
		t.Fatalf("reconnect failure: %d %v", rec.Code, body)
	}

	h.sessions.logoutErr = session.ErrNotReady
	_, body = h.do(t, httptest.NewRequest(http.MethodPost, "/api/whatsapp/logout", nil))
	if body["success"] != false || body["error"] != "No active WhatsApp session to logout from" {
		t.Fatalf("logout: %v", body)
	}
	h.sessions.logoutErr = nil
	_, body = h.do(t, httptest.NewRequest(http.MethodPost, "/api/whatsapp/logout", nil))
	if body["success"] != true {
		t.Fatalf("logout: %v", body)
	}
}

func TestCronDescribe(t *testing.T) {
	h := newHarness(t)
	_, body := h.do(t, httptest.NewRequest(http.MethodGet, "/api/cron/describe?expr=30+14+25+12+*", nil))
	if body["valid"] != true || body["time"] != "14:30" || body["readable"] != "Dec 25, 2026 at 14:30" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["nextRun"] != "2026-12-25T14:30:00Z" {
		t.Fatalf("unexpected next run %v", body["nextRun"])
	}
	_, body = h.do(t, httptest.NewRequest(http.MethodGet, "/api/cron/describe?expr=bad", nil))
	if body["valid"] != false {
		t.Fatalf("unexpected body %v", body)
	}
	rec, _ := h.do(t, httptest.NewRequest(http.MethodGet, "/api/cron/describe", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUpload(t *testing.T) {
	h := newHarness(t)
	rec, body := h.do(t, multipartRequest(t, http.MethodPost, "/api/upload", nil, "file", map[string]string{"doc.pdf": "pdf"}))
	if rec.Code != http.StatusOK || body["message"] != "File uploaded successfully" {
		t.Fatalf("got %d %v", rec.Code, body)
	}
	if _, err := os.Stat(body["path"].(string)); err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}

	rec, body = h.do(t, multipartRequest(t, http.MethodPost, "/api/upload", map[string]string{"x": "y"}, "file", nil))
	if rec.Code != http.StatusBadRequest || body["error"] != ErrNoFile {
		t.Fatalf("got %d %v", rec.Code, body)
	}
}

func TestRecoverReturnsCatchAllBody(t *testing.T) {
	s := New()
	s.Mux.HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) { panic("kaboom") })
	rec := httptest.NewRecorder()
	s.Handler([]string{"*"}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if rec.Code != http.StatusInternalServerError || body["error"] != ErrInternal || body["details"] != "kaboom" {
		t.Fatalf("got %d %v", rec.Code, body)
	}
}

func TestReadyz(t *testing.T) {
	ok := Readyz(time.Second, func(context.Context) error { return nil })
	rec := httptest.NewRecorder()
	ok(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	bad := Readyz(time.Second, func(context.Context) error { return fmt.Errorf("down") })
	rec = httptest.NewRecorder()
	bad(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestCronPreset(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		query    string
		cron     string
		readable string
	}{
		{"kind=daily&time=9:30", "30 9 * * *", "Every day at 09:30"},
		{"kind=weekly&time=18:00&dayOfWeek=1", "0 18 * * 1", "Every Monday at 18:00"},
		{"kind=monthly&time=08:05&day=15", "5 8 15 * *", "Every month on day 15 at 08:05"},
		{"kind=yearly&time=00:00&day=25&month=12", "0 0 25 12 *", "Dec 25, 2026 at 00:00"},
	}
	for _, tc := range cases {
		rec, body := h.do(t, httptest.NewRequest(http.MethodGet, "/api/cron/preset?"+tc.query, nil))
		if rec.Code != http.StatusOK || body["cron"] != tc.cron || body["readable"] != tc.readable {
			t.Fatalf("%s: got %d %v", tc.query, rec.Code, body)
		}
	}

	for _, q := range []string{"kind=daily&time=25:00", "kind=weekly&time=09:00", "kind=weekly&time=09:00&dayOfWeek=7", "kind=hourly&time=09:00"} {
		rec, _ := h.do(t, httptest.NewRequest(http.MethodGet, "/api/cron/preset?"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestTriggersListing(t *testing.T) {
	h := newHarness(t)
	_, body := h.do(t, httptest.NewRequest(http.MethodGet, "/api/messages/triggers", nil))
	triggers, ok := body["triggers"].([]any)
	if !ok || len(triggers) != 1 {
		t.Fatalf("unexpected body %v", body)
	}
	first := triggers[0].(map[string]any)
	if first["taskId"] != "task_1" || first["nextRun"] != "2026-03-02T09:00:00Z" {
		t.Fatalf("unexpected trigger %v", first)
	}
}
