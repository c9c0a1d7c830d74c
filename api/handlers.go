package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"pms-board/backend"
	"pms-board/board"
	"pms-board/domain"
)

const (
	maxBodySize          = 64 * 1024 // 64 KiB
	headerIdempotencyKey = "Idempotency-Key"
)

var errInvalidID = errors.New("invalid id")

// Deps are the collaborators of the HTTP handlers. Layouts and Deduper are
// optional. Tasks usually is the Redis task cache in front of Backend.
type Deps struct {
	Backend  Backend
	Tasks    TaskLister
	Registry *board.Registry
	Outbox   Outbox
	Broker   *Broker
	Layouts  LayoutStore
	Deduper  Deduper
	Auth     Authenticator
	Logger   *log.Logger
}

type handlers struct {
	Deps
	// session id -> user id of the caller that opened it
	owners sync.Map
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	if d.Broker == nil {
		d.Broker = NewBroker()
	}
	h := &handlers{Deps: d}

	e.GET("/healthz", h.healthz)

	g := e.Group("/api", requireUser(d.Auth))
	g.POST("/boards/:id", h.openBoard)
	g.GET("/boards/:id", h.getBoard)
	g.DELETE("/boards/:id", h.closeBoard)
	g.POST("/boards/:id/moves", h.moveTask)
	g.GET("/boards/:id/stream", h.streamBoard)

	g.GET("/projects", h.listProjects)
	g.GET("/projects/:id", h.projectDetails)

	g.GET("/tasks/:id", h.getTask)
	g.POST("/tasks/:id/done", h.markDone)
	g.GET("/tasks/:id/members", h.unassignedMembers)
	g.POST("/tasks/:id/members", h.assignMembers)

	g.POST("/meetings", h.scheduleMeeting)
	g.GET("/outbox", h.outboxStats)
}

func (h *handlers) healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidID
	}
	return id, nil
}

func decodeBody(c echo.Context, out any) error {
	return sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize)).Decode(out)
}

// backendError maps a failed backend call to a response.
func (h *handlers) backendError(c echo.Context, err error) error {
	var se *backend.StatusError
	switch {
	case errors.As(err, &se) && se.Code == http.StatusNotFound:
		return c.String(http.StatusNotFound, "not found")
	case errors.As(err, &se) && se.Code >= 400 && se.Code < 500:
		return c.String(se.Code, se.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return c.String(http.StatusGatewayTimeout, "backend timed out")
	default:
		h.Logger.WithError(err).WithField("path", c.Path()).Error("backend call failed")
		return c.String(http.StatusBadGateway, err.Error())
	}
}

// session resolves the board session addressed by the request. Sessions of
// other callers are reported as missing.
func (h *handlers) session(c echo.Context) (*board.Session, error) {
	id := c.Param("id")
	s, err := h.Registry.Get(id)
	if err != nil {
		h.owners.Delete(id)
		return nil, err
	}
	if owner, ok := h.owners.Load(id); ok && owner != callerID(c) {
		return nil, board.ErrSessionNotFound
	}
	return s, nil
}

func (h *handlers) openBoard(c echo.Context) (err error) {
	metrics, ctx := newBoardRequestMetrics(c.Request().Context(), h.Logger, "/api/boards/:id")
	c.SetRequest(c.Request().WithContext(ctx))
	defer func() {
		metrics.Log(c.Response().Status, err)
	}()

	projectID, perr := parseID(c.Param("id"))
	if perr != nil {
		metrics.SetErrorStage("invalid_project")
		return c.String(http.StatusBadRequest, "invalid project id")
	}

	fetchStart := time.Now()
	tasks, ferr := h.Tasks.TasksByProject(ctx, projectID)
	metrics.ObserveBackend(time.Since(fetchStart))
	if ferr != nil {
		metrics.SetErrorStage("backend")
		h.Logger.WithError(ferr).WithField("project_id", projectID).Error("unable to load tasks")
		return c.String(http.StatusBadGateway, "unable to load tasks: "+ferr.Error())
	}

	b := board.New(projectID, tasks)
	if h.Layouts != nil {
		layout, lerr := h.Layouts.LoadLayout(ctx, projectID)
		if lerr != nil {
			h.Logger.WithError(lerr).WithField("project_id", projectID).Warn("unable to load board layout")
		} else {
			b.ApplyLayout(layout)
		}
	}
	s := h.Registry.Open(b)
	h.owners.Store(s.ID, callerID(c))
	metrics.SetSession(s.ID)
	metrics.SetTasksReturned(len(tasks))

	encodeStart := time.Now()
	err = c.JSON(http.StatusCreated, s.View())
	metrics.ObserveEncode(time.Since(encodeStart))
	if err != nil {
		metrics.SetErrorStage("encode_response")
	}
	return err
}

func (h *handlers) getBoard(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return c.String(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, s.View())
}

func (h *handlers) closeBoard(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return c.String(http.StatusNotFound, err.Error())
	}
	h.Registry.Close(s.ID)
	h.owners.Delete(s.ID)
	if h.Deduper != nil {
		if ferr := h.Deduper.Forget(c.Request().Context(), s.ID); ferr != nil {
			h.Logger.WithError(ferr).WithField("session_id", s.ID).Warn("unable to drop idempotency keys")
		}
	}
	return c.NoContent(http.StatusNoContent)
}

type moveResponse struct {
	board.View
	Change *board.StatusChange `json:"change,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// moveTask applies a drag result to the session's board. A status change is
// queued on the outbox and answered with 202; if the outbox refuses it the
// move is reverted at once.
func (h *handlers) moveTask(c echo.Context) (err error) {
	metrics, ctx := newBoardRequestMetrics(c.Request().Context(), h.Logger, "/api/boards/:id/moves")
	c.SetRequest(c.Request().WithContext(ctx))
	defer func() {
		metrics.Log(c.Response().Status, err)
	}()

	s, serr := h.session(c)
	if serr != nil {
		metrics.SetErrorStage("session")
		return c.String(http.StatusNotFound, serr.Error())
	}
	metrics.SetSession(s.ID)

	var res board.DragResult
	if derr := decodeBody(c, &res); derr != nil {
		metrics.SetErrorStage("invalid_body")
		return c.String(http.StatusBadRequest, "invalid body")
	}

	user := callerID(c)
	key := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
	if key != "" && h.Deduper != nil {
		added, derr := h.Deduper.Add(ctx, s.ID, user, key)
		switch {
		case derr != nil:
			h.Logger.WithError(derr).Warn("deduper unavailable, applying move without idempotency")
			key = ""
		case !added:
			metrics.SetErrorStage("duplicate")
			return c.JSON(http.StatusOK, moveResponse{View: s.View()})
		}
	}
	forget := func() {
		if key != "" && h.Deduper != nil {
			if rerr := h.Deduper.Remove(ctx, s.ID, user, key); rerr != nil {
				h.Logger.WithError(rerr).Warn("unable to release idempotency key")
			}
		}
	}

	change, merr := s.Move(res, h.Outbox.Enqueue)
	if errors.Is(merr, board.ErrNotSubmitted) {
		forget()
		metrics.SetStatusChanged(true)
		metrics.SetErrorStage("outbox")
		h.Logger.WithError(merr).WithFields(log.Fields{
			"session_id": s.ID,
			"task_id":    change.TaskID,
		}).Warn("status update not queued, move reverted")
		return c.JSON(http.StatusServiceUnavailable, moveResponse{
			Change: change,
			View:   s.View(),
			Error:  merr.Error(),
		})
	}
	if merr != nil {
		forget()
		metrics.SetErrorStage("invalid_move")
		return c.String(http.StatusUnprocessableEntity, merr.Error())
	}

	status := http.StatusOK
	resp := moveResponse{Change: change}
	if change != nil {
		metrics.SetStatusChanged(true)
		status = http.StatusAccepted
	}
	if res.Destination != nil {
		h.saveLayout(ctx, s)
	}

	resp.View = s.View()
	encodeStart := time.Now()
	err = c.JSON(status, resp)
	metrics.ObserveEncode(time.Since(encodeStart))
	return err
}

func (h *handlers) saveLayout(ctx context.Context, s *board.Session) {
	if h.Layouts == nil {
		return
	}
	projectID := s.ProjectID()
	if err := h.Layouts.SaveLayout(ctx, projectID, s.Layout()); err != nil {
		h.Logger.WithError(err).WithField("project_id", projectID).Warn("unable to save board layout")
	}
}

// streamBoard sends the board as a "board" event whenever one of its own
// status updates settles, and an "update" event for settled changes other
// sessions made to the same project.
func (h *handlers) streamBoard(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return c.String(http.StatusNotFound, err.Error())
	}
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}

	ctx := c.Request().Context()
	projectID := s.ProjectID()
	ch := h.Broker.subscribe(projectID)
	defer h.Broker.unsubscribe(projectID, ch)

	if err := writeEvent(c.Response(), flusher, "board", s.View()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-ch:
			if u.SessionID != s.ID {
				if err := writeEvent(c.Response(), flusher, "update", u); err != nil {
					return err
				}
				continue
			}
			if _, err := h.Registry.Get(s.ID); err != nil {
				return nil
			}
			if err := writeEvent(c.Response(), flusher, "board", s.View()); err != nil {
				return err
			}
		}
	}
}

func writeEvent(w io.Writer, flusher http.Flusher, name string, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, "event: "+name+"\ndata: "); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\n\n"); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func (h *handlers) listProjects(c echo.Context) error {
	projects, err := h.Backend.Projects(c.Request().Context())
	if err != nil {
		return h.backendError(c, err)
	}
	return c.JSON(http.StatusOK, projects)
}

type projectDetailsResponse struct {
	Project domain.Project  `json:"project"`
	Tasks   []domain.Task   `json:"tasks"`
	Members []domain.Member `json:"members"`
}

func (h *handlers) projectDetails(c echo.Context) error {
	projectID, err := parseID(c.Param("id"))
	if err != nil {
		return c.String(http.StatusBadRequest, "invalid project id")
	}
	ctx := c.Request().Context()

	var (
		wg   sync.WaitGroup
		resp projectDetailsResponse
		errs [3]error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		resp.Project, errs[0] = h.Backend.Project(ctx, projectID)
	}()
	go func() {
		defer wg.Done()
		resp.Tasks, errs[1] = h.Tasks.TasksByProject(ctx, projectID)
	}()
	go func() {
		defer wg.Done()
		resp.Members, errs[2] = h.Backend.MembersByProject(ctx, projectID)
	}()
	wg.Wait()
	for _, e := range errs {
		if e != nil {
			return h.backendError(c, e)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *handlers) getTask(c echo.Context) error {
	taskID, err := parseID(c.Param("id"))
	if err != nil {
		return c.String(http.StatusBadRequest, "invalid task id")
	}
	task, err := h.Backend.Task(c.Request().Context(), taskID)
	if err != nil {
		return h.backendError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

func (h *handlers) markDone(c echo.Context) error {
	taskID, err := parseID(c.Param("id"))
	if err != nil {
		return c.String(http.StatusBadRequest, "invalid task id")
	}
	if h.Outbox.Pending(taskID) {
		return c.String(http.StatusConflict, "task has a status update in flight")
	}
	ctx := c.Request().Context()
	task, err := h.Backend.Task(ctx, taskID)
	if err != nil {
		return h.backendError(c, err)
	}
	if task.Status == domain.StatusDone {
		return c.String(http.StatusConflict, "task is already done")
	}
	if err := h.Backend.MarkAsDone(ctx, taskID); err != nil {
		return h.backendError(c, err)
	}
	if cache, ok := h.Tasks.(TaskCache); ok {
		cache.Evict(ctx, task.ProjectID)
	}
	task.Status = domain.StatusDone
	return c.JSON(http.StatusOK, task)
}

func (h *handlers) unassignedMembers(c echo.Context) error {
	taskID, err := parseID(c.Param("id"))
	if err != nil {
		return c.String(http.StatusBadRequest, "invalid task id")
	}
	ctx := c.Request().Context()
	task, err := h.Backend.Task(ctx, taskID)
	if err != nil {
		return h.backendError(c, err)
	}
	members, err := h.Backend.UnassignedMembers(ctx, task.ProjectID)
	if err != nil {
		return h.backendError(c, err)
	}
	return c.JSON(http.StatusOK, members)
}

type assignRequest struct {
	MemberIDs []int64 `json:"memberIds"`
}

type assignResponse struct {
	Assigned []domain.Assignment `json:"assigned"`
	Error    string              `json:"error,omitempty"`
}

func (h *handlers) assignMembers(c echo.Context) error {
	taskID, err := parseID(c.Param("id"))
	if err != nil {
		return c.String(http.StatusBadRequest, "invalid task id")
	}
	var req assignRequest
	if err := decodeBody(c, &req); err != nil {
		return c.String(http.StatusBadRequest, "invalid body")
	}
	assigned, err := h.Backend.AssignMembers(c.Request().Context(), taskID, req.MemberIDs)
	if assigned == nil {
		assigned = []domain.Assignment{}
	}
	switch {
	case errors.Is(err, backend.ErrNoMembers):
		return c.String(http.StatusBadRequest, err.Error())
	case err != nil && len(assigned) == 0:
		return h.backendError(c, err)
	case err != nil:
		h.Logger.WithError(err).WithField("task_id", taskID).Warn("some members were not assigned")
		return c.JSON(http.StatusBadGateway, assignResponse{Assigned: assigned, Error: err.Error()})
	}
	return c.JSON(http.StatusCreated, assignResponse{Assigned: assigned})
}

func (h *handlers) scheduleMeeting(c echo.Context) error {
	var m domain.Meeting
	if err := decodeBody(c, &m); err != nil {
		return c.String(http.StatusBadRequest, "invalid body")
	}
	if err := m.Validate(); err != nil {
		return c.String(http.StatusUnprocessableEntity, err.Error())
	}
	created, err := h.Backend.ScheduleMeeting(c.Request().Context(), m)
	if err != nil {
		return h.backendError(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *handlers) outboxStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Outbox.Stats())
}
