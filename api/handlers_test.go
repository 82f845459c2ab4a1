package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"crest-api/domain"
)

type fakeAuth struct {
	userID string
	perms  domain.Permission
	err    error
}

func (f *fakeAuth) UserIDFromAuthHeader(string) (string, error) {
	return f.userID, f.err
}

func (f *fakeAuth) PermissionsFromAuthHeader(string) (string, domain.Permission, error) {
	return f.userID, f.perms, f.err
}

type hubCall struct {
	op     string
	room   string
	connID string
	taskID string
	user   domain.UserRef
}

type fakeHub struct {
	calls    []hubCall
	roster   []domain.Collaborator
	events   chan []byte
	streamOK bool
}

func (f *fakeHub) Join(_ context.Context, room string, user domain.UserRef) (domain.Collaborator, []domain.Collaborator) {
	f.calls = append(f.calls, hubCall{op: "join", room: room, user: user})
	collab := domain.Collaborator{ID: user.ID, UserID: user.UserID, Username: user.Username, Color: "#61afef"}
	return collab, append(f.roster, collab)
}

func (f *fakeHub) Leave(_ context.Context, room, connID string) {
	f.calls = append(f.calls, hubCall{op: "leave", room: room, connID: connID})
}

func (f *fakeHub) Select(_ context.Context, room, connID, taskID string) {
	f.calls = append(f.calls, hubCall{op: "select", room: room, connID: connID, taskID: taskID})
}

func (f *fakeHub) Notify(_ context.Context, room, taskID, updatedBy string) {
	f.calls = append(f.calls, hubCall{op: "notify", room: room, taskID: taskID, connID: updatedBy})
}

func (f *fakeHub) Subscribe(room, connID string) (<-chan []byte, func(), error) {
	if !f.streamOK {
		return nil, nil, errors.New("unknown connection")
	}
	return f.events, func() {}, nil
}

func (f *fakeHub) CloseRoom(_ context.Context, room string) {
	f.calls = append(f.calls, hubCall{op: "close", room: room})
}

func (f *fakeHub) Snapshot(string) []domain.Collaborator { return f.roster }

func (f *fakeHub) last(t *testing.T, op string) hubCall {
	t.Helper()
	if len(f.calls) == 0 {
		t.Fatalf("no hub calls recorded, expected %q", op)
	}
	call := f.calls[len(f.calls)-1]
	if call.op != op {
		t.Fatalf("expected hub call %q, got %q", op, call.op)
	}
	return call
}

type stubStore struct {
	tasks   []domain.Task
	err     error
	evicted []string
}

func (s *stubStore) FetchTasks(context.Context, string) ([]domain.Task, error) {
	return s.tasks, s.err
}

func (s *stubStore) Evict(_ context.Context, workspaceID string) {
	s.evicted = append(s.evicted, workspaceID)
}

func newTestRouter(hub RoomHub, store TaskStore, auth Authenticator) *echo.Echo {
	e := echo.New()
	logger := log.New()
	logger.SetLevel(log.ErrorLevel)
	Register(e, hub, store, auth, logger)
	return e
}

func doJSON(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer x.y.z")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestJoinRoomUsesTokenIdentity(t *testing.T) {
	hub := &fakeHub{}
	e := newTestRouter(hub, &stubStore{}, &fakeAuth{userID: "user-1"})

	rec := doJSON(e, http.MethodPost, "/api/rooms/board-1/join",
		`{"user":{"id":"conn-1","userId":"spoofed","username":"alice","fullName":"Alice A"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	call := hub.last(t, "join")
	if call.room != "board-1" {
		t.Fatalf("room = %q", call.room)
	}
	if call.user.UserID != "user-1" {
		t.Fatalf("body userId must be replaced by the token subject, got %q", call.user.UserID)
	}

	var resp joinRoomResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "conn-1" || resp.Color == "" || len(resp.Collaborators) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestJoinRoomAssignsConnectionID(t *testing.T) {
	hub := &fakeHub{}
	e := newTestRouter(hub, &stubStore{}, &fakeAuth{userID: "user-1"})

	rec := doJSON(e, http.MethodPost, "/api/rooms/board-1/join", `{"user":{"username":"alice"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if call := hub.last(t, "join"); call.user.ID == "" {
		t.Fatal("handler must assign a connection id when the body has none")
	}
}

func TestRoomRoutesRejectUnauthenticated(t *testing.T) {
	hub := &fakeHub{}
	e := newTestRouter(hub, &stubStore{}, &fakeAuth{err: errMissingAuthorization})

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/rooms/board-1/join"},
		{http.MethodPost, "/api/rooms/board-1/leave"},
		{http.MethodPost, "/api/rooms/board-1/select"},
		{http.MethodPost, "/api/rooms/board-1/notify"},
		{http.MethodGet, "/api/rooms/board-1/stream?connection=c1"},
		{http.MethodDelete, "/api/rooms/board-1"},
		{http.MethodGet, "/api/tasks?workspace=w1"},
	} {
		rec := doJSON(e, tc.method, tc.path, `{}`)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: status = %d, want 401", tc.method, tc.path, rec.Code)
		}
	}
	if len(hub.calls) != 0 {
		t.Fatalf("hub must not be touched without auth: %#v", hub.calls)
	}
}

func TestLeaveRoom(t *testing.T) {
	hub := &fakeHub{}
	e := newTestRouter(hub, &stubStore{}, &fakeAuth{userID: "user-1"})

	rec := doJSON(e, http.MethodPost, "/api/rooms/board-1/leave", `{"id":"conn-1"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if call := hub.last(t, "leave"); call.connID != "conn-1" {
		t.Fatalf("connID = %q", call.connID)
	}

	rec = doJSON(e, http.MethodPost, "/api/rooms/board-1/leave", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty id: status = %d, want 400", rec.Code)
	}
}

func TestSelectTask(t *testing.T) {
	hub := &fakeHub{}
	e := newTestRouter(hub, &stubStore{}, &fakeAuth{userID: "user-1"})

	rec := doJSON(e, http.MethodPost, "/api/rooms/board-1/select", `{"id":"conn-1","taskId":"task-9"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if call := hub.last(t, "select"); call.taskID != "task-9" {
		t.Fatalf("taskID = %q", call.taskID)
	}

	// clearing a selection is an empty taskId, still valid
	rec = doJSON(e, http.MethodPost, "/api/rooms/board-1/select", `{"id":"conn-1","taskId":""}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("clear selection: status = %d", rec.Code)
	}
	if call := hub.last(t, "select"); call.taskID != "" {
		t.Fatalf("clear selection taskID = %q", call.taskID)
	}
}

func TestNotifyTaskBroadcastsAndEvicts(t *testing.T) {
	hub := &fakeHub{}
	store := &stubStore{}
	e := newTestRouter(hub, store, &fakeAuth{userID: "user-1"})

	rec := doJSON(e, http.MethodPost, "/api/rooms/board-1/notify", `{"taskId":"task-9","workspace":"w1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	call := hub.last(t, "notify")
	if call.taskID != "task-9" || call.connID != "user-1" {
		t.Fatalf("unexpected notify call: %+v", call)
	}
	if len(store.evicted) != 1 || store.evicted[0] != "w1" {
		t.Fatalf("expected workspace cache eviction, got %#v", store.evicted)
	}

	// no workspace, no eviction
	doJSON(e, http.MethodPost, "/api/rooms/board-1/notify", `{"taskId":"task-9"}`)
	if len(store.evicted) != 1 {
		t.Fatalf("eviction without workspace: %#v", store.evicted)
	}

	rec = doJSON(e, http.MethodPost, "/api/rooms/board-1/notify", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty taskId: status = %d, want 400", rec.Code)
	}
}

func TestCloseRoomRequiresManageApplications(t *testing.T) {
	hub := &fakeHub{}
	e := newTestRouter(hub, &stubStore{}, &fakeAuth{userID: "user-1"})

	rec := doJSON(e, http.MethodDelete, "/api/rooms/board-1", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if len(hub.calls) != 0 {
		t.Fatalf("room closed without permission: %#v", hub.calls)
	}

	e = newTestRouter(hub, &stubStore{}, &fakeAuth{userID: "admin", perms: domain.PermManageApplications})
	rec = doJSON(e, http.MethodDelete, "/api/rooms/board-1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if call := hub.last(t, "close"); call.room != "board-1" {
		t.Fatalf("room = %q", call.room)
	}
}

func TestStreamRoomUnknownConnection(t *testing.T) {
	hub := &fakeHub{streamOK: false}
	e := newTestRouter(hub, &stubStore{}, &fakeAuth{userID: "user-1"})

	rec := doJSON(e, http.MethodGet, "/api/rooms/board-1/stream?connection=nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	rec = doJSON(e, http.MethodGet, "/api/rooms/board-1/stream", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing connection: status = %d, want 400", rec.Code)
	}
}

func TestStreamRoomWritesRosterSnapshotFirst(t *testing.T) {
	hub := &fakeHub{
		streamOK: true,
		events:   make(chan []byte),
		roster:   []domain.Collaborator{{ID: "conn-1", UserID: "user-1", Username: "alice", Color: "#61afef"}},
	}
	e := newTestRouter(hub, &stubStore{}, &fakeAuth{userID: "user-1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/rooms/board-1/stream?connection=conn-1", nil).WithContext(ctx)
	req.Header.Set(echo.HeaderAuthorization, "Bearer x.y.z")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got := rec.Header().Get(echo.HeaderContentType); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "data: ") || !strings.HasSuffix(body, "\n\n") {
		t.Fatalf("not a server-sent event frame: %q", body)
	}

	var ev domain.Event
	if err := sonic.Unmarshal([]byte(strings.TrimSuffix(strings.TrimPrefix(body, "data: "), "\n\n")), &ev); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if ev.Type != domain.EventRoomUsers {
		t.Fatalf("first frame type = %q, want %q", ev.Type, domain.EventRoomUsers)
	}
	var roster []domain.Collaborator
	if err := sonic.Unmarshal(ev.Data, &roster); err != nil || len(roster) != 1 || roster[0].Username != "alice" {
		t.Fatalf("unexpected roster frame: %s", ev.Data)
	}
}

func TestStreamRoomAcceptsQueryToken(t *testing.T) {
	hub := &fakeHub{streamOK: false}
	auth := &fakeAuth{userID: "user-1"}
	e := newTestRouter(hub, &stubStore{}, auth)

	// reaches the hub lookup (404) instead of failing auth (401)
	req := httptest.NewRequest(http.MethodGet, "/api/rooms/board-1/stream?connection=c1&token=x.y.z", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetTasksFiltersAndSorts(t *testing.T) {
	store := &stubStore{tasks: []domain.Task{
		{ID: "t1", Title: "Fix login", Status: domain.StatusToDo, Priority: domain.PriorityLow},
		{ID: "t2", Title: "Fix logout", Status: domain.StatusToDo, Priority: domain.PriorityUrgent},
		{ID: "t3", Title: "Write docs", Status: domain.StatusDone, Priority: domain.PriorityHigh},
	}}
	e := newTestRouter(&fakeHub{}, store, &fakeAuth{userID: "user-1"})

	rec := doJSON(e, http.MethodGet, "/api/tasks?workspace=w1&statuses=todo&sort=priority&dir=asc", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp tasksResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 2 || len(resp.Tasks) != 2 {
		t.Fatalf("expected the two todo tasks, got %+v", resp)
	}
	if resp.Tasks[0].ID != "t2" || resp.Tasks[1].ID != "t1" {
		t.Fatalf("expected urgent first, got %s then %s", resp.Tasks[0].ID, resp.Tasks[1].ID)
	}
}

func TestGetTasksValidation(t *testing.T) {
	e := newTestRouter(&fakeHub{}, &stubStore{}, &fakeAuth{userID: "user-1"})

	rec := doJSON(e, http.MethodGet, "/api/tasks", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing workspace: status = %d, want 400", rec.Code)
	}

	rec = doJSON(e, http.MethodGet, "/api/tasks?workspace=w1&from=yesterday&to=2026-01-02T00:00:00Z", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad from date: status = %d, want 400", rec.Code)
	}

	rec = doJSON(e, http.MethodGet, "/api/tasks?workspace=w1&sort=nonsense", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad sort field: status = %d, want 400", rec.Code)
	}
}

func TestGetTasksStorageError(t *testing.T) {
	store := &stubStore{err: errors.New("table offline")}
	e := newTestRouter(&fakeHub{}, store, &fakeAuth{userID: "user-1"})

	rec := doJSON(e, http.MethodGet, "/api/tasks?workspace=w1", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}
