package api

import (
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"crest-api/domain"
	"crest-api/filter"
)

const (
	roomPostMaxSize   = 16 * 1024 // 16 KiB
	streamHeartbeat   = 25 * time.Second
	streamChannelName = "connection"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, hub RoomHub, store TaskStore, auth Authenticator, logger *log.Logger) {
	e.POST("/api/rooms/:room/join", joinRoom(hub, auth))
	e.POST("/api/rooms/:room/leave", leaveRoom(hub, auth))
	e.POST("/api/rooms/:room/select", selectTask(hub, auth))
	e.POST("/api/rooms/:room/notify", notifyTask(hub, store, auth))
	e.GET("/api/rooms/:room/stream", streamRoom(hub, auth))
	e.DELETE("/api/rooms/:room", closeRoom(hub, auth))
	e.GET("/api/tasks", getTasks(store, auth, logger))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

type joinRoomRequest struct {
	User domain.UserRef `json:"user"`
}

type joinRoomResponse struct {
	ID            string                `json:"id"`
	Color         string                `json:"color"`
	Collaborators []domain.Collaborator `json:"collaborators"`
}

func joinRoom(hub RoomHub, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req joinRoomRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		// The account identity comes from the token, never the body.
		req.User.UserID = userID
		if req.User.ID == "" {
			req.User.ID = uuid.NewString()
		}

		collab, snapshot := hub.Join(c.Request().Context(), c.Param("room"), req.User)
		return c.JSON(http.StatusOK, joinRoomResponse{
			ID:            collab.ID,
			Color:         collab.Color,
			Collaborators: snapshot,
		})
	}
}

type leaveRoomRequest struct {
	ID string `json:"id"`
}

func leaveRoom(hub RoomHub, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req leaveRoomRequest
		if err := decodeBody(c, &req); err != nil || req.ID == "" {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		hub.Leave(c.Request().Context(), c.Param("room"), req.ID)
		return c.NoContent(http.StatusNoContent)
	}
}

type selectTaskRequest struct {
	ID     string `json:"id"`
	TaskID string `json:"taskId"`
}

func selectTask(hub RoomHub, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req selectTaskRequest
		if err := decodeBody(c, &req); err != nil || req.ID == "" {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		hub.Select(c.Request().Context(), c.Param("room"), req.ID, req.TaskID)
		return c.NoContent(http.StatusAccepted)
	}
}

type notifyTaskRequest struct {
	TaskID    string `json:"taskId"`
	Workspace string `json:"workspace,omitempty"`
}

func notifyTask(hub RoomHub, store TaskStore, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req notifyTaskRequest
		if err := decodeBody(c, &req); err != nil || req.TaskID == "" {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		ctx := c.Request().Context()
		hub.Notify(ctx, c.Param("room"), req.TaskID, userID)
		if evicter, ok := store.(TaskEvicter); ok && req.Workspace != "" {
			evicter.Evict(ctx, req.Workspace)
		}
		return c.NoContent(http.StatusAccepted)
	}
}

func closeRoom(hub RoomHub, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, perms, err := auth.PermissionsFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		if !perms.CanManageApplications() {
			return c.NoContent(http.StatusForbidden)
		}
		hub.CloseRoom(c.Request().Context(), c.Param("room"))
		return c.NoContent(http.StatusNoContent)
	}
}

func streamRoom(hub RoomHub, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if authHeader == "" {
			if token := c.QueryParam("token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
		if _, err := auth.UserIDFromAuthHeader(authHeader); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		connID := c.QueryParam(streamChannelName)
		if connID == "" {
			return c.String(http.StatusBadRequest, "missing connection id")
		}
		room := c.Param("room")

		ch, cancel, err := hub.Subscribe(room, connID)
		if err != nil {
			return c.String(http.StatusNotFound, err.Error())
		}
		defer cancel()

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		if snapshot, err := domain.NewEvent(domain.EventRoomUsers, snapshotFor(hub, room)); err == nil {
			if data, err := sonic.Marshal(snapshot); err == nil {
				if writeErr := writeSSE(c, flusher, data); writeErr != nil {
					return nil
				}
			}
		}

		ticker := time.NewTicker(streamHeartbeat)
		defer ticker.Stop()
		ctx := c.Request().Context()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				// heartbeat comment keeps proxies from idling out the stream
				if _, err := c.Response().Write([]byte(": ping\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			case msg, ok := <-ch:
				if !ok {
					return nil
				}
				if err := writeSSE(c, flusher, msg); err != nil {
					return nil
				}
			}
		}
	}
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
	Total int           `json:"total"`
}

func getTasks(store TaskStore, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newTaskRequestMetrics(ctx, logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		_, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		workspaceID := c.QueryParam("workspace")
		if workspaceID == "" {
			metrics.SetErrorStage("missing_workspace")
			err = c.String(http.StatusBadRequest, "missing workspace")
			return err
		}

		filterState, sortState, parseErr := filter.FromQuery(c.QueryParams())
		if parseErr != nil {
			metrics.SetErrorStage("invalid_filter")
			err = c.String(http.StatusBadRequest, parseErr.Error())
			return err
		}
		metrics.SetFilterActive(filterState.IsActive())
		metrics.SetSortActive(sortState.IsActive())

		fetchStart := time.Now()
		tasks, fetchErr := store.FetchTasks(ctx, workspaceID)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			err = c.String(http.StatusInternalServerError, fetchErr.Error())
			return err
		}
		metrics.SetTasksFetched(len(tasks))

		filterStart := time.Now()
		tasks = filter.Apply(tasks, filterState)
		tasks = filter.ApplySorting(tasks, sortState)
		metrics.ObserveFilter(time.Since(filterStart))
		metrics.SetTasksReturned(len(tasks))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, tasksResponse{Tasks: tasks, Total: len(tasks)})
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

// snapshotter is the optional Snapshot surface of a hub; the sole production
// implementation provides it.
type snapshotter interface {
	Snapshot(room string) []domain.Collaborator
}

func snapshotFor(hub RoomHub, room string) []domain.Collaborator {
	if s, ok := hub.(snapshotter); ok {
		return s.Snapshot(room)
	}
	return nil
}

func writeSSE(c echo.Context, flusher http.Flusher, data []byte) error {
	if _, err := c.Response().Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := c.Response().Write(data); err != nil {
		return err
	}
	if _, err := c.Response().Write([]byte("\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func decodeBody(c echo.Context, out any) error {
	lr := io.LimitReader(c.Request().Body, roomPostMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}
