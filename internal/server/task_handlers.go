package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/scoutflow/scoutflow/internal/common/logger"
	"github.com/scoutflow/scoutflow/internal/engine"
	"github.com/scoutflow/scoutflow/internal/task/models"
	"github.com/scoutflow/scoutflow/internal/task/store"
	v1 "github.com/scoutflow/scoutflow/pkg/api/v1"
	ws "github.com/scoutflow/scoutflow/pkg/websocket"
)

// TaskHandlers serves task submission and admin operations over HTTP and
// the WebSocket dispatcher.
type TaskHandlers struct {
	manager *engine.Manager
	loc     *time.Location
	logger  *logger.Logger
}

// NewTaskHandlers builds the handler set. loc interprets naive times in
// query filters the same way the manager interprets payload times.
func NewTaskHandlers(mgr *engine.Manager, loc *time.Location, log *logger.Logger) *TaskHandlers {
	if loc == nil {
		loc = time.UTC
	}
	return &TaskHandlers{
		manager: mgr,
		loc:     loc,
		logger:  log.WithFields(zap.String("component", "task-handlers")),
	}
}

// RegisterTaskRoutes mounts the task endpoints on the router and, when a
// dispatcher is given, the matching WebSocket request actions.
func RegisterTaskRoutes(router *gin.Engine, dispatcher *ws.Dispatcher, mgr *engine.Manager, loc *time.Location, log *logger.Logger) {
	h := NewTaskHandlers(mgr, loc, log)
	h.registerHTTP(router)
	if dispatcher != nil {
		h.registerWS(dispatcher)
	}
}

func (h *TaskHandlers) registerHTTP(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.POST("/tasks", h.httpCreateTask)
	api.GET("/tasks", h.httpListTasks)
	api.GET("/tasks/summary", h.httpTaskSummary)
	api.GET("/tasks/:id", h.httpGetTask)
	api.PATCH("/tasks/:id", h.httpUpdateTask)
	api.POST("/tasks/:id/rename", h.httpRenameTask)
	api.POST("/tasks/:id/run-now", h.httpRunNowTask)
	api.POST("/tasks/:id/cancel", h.httpCancelTask)
	api.POST("/tasks/:id/force-cancel", h.httpForceCancelTask)
}

func (h *TaskHandlers) registerWS(dispatcher *ws.Dispatcher) {
	dispatcher.RegisterFunc(ws.ActionTaskList, h.wsListTasks)
	dispatcher.RegisterFunc(ws.ActionTaskGet, h.wsGetTask)
	dispatcher.RegisterFunc(ws.ActionTaskSummary, h.wsTaskSummary)
}

// HTTP handlers

func (h *TaskHandlers) httpCreateTask(c *gin.Context) {
	var body v1.CreateTaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	createdBy := body.CreatedBy
	if createdBy == "" {
		createdBy = "api"
	}

	id, err := h.manager.Submit(c.Request.Context(), body.Payload, createdBy)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, v1.CreateTaskResponse{TaskID: id})
}

func (h *TaskHandlers) httpGetTask(c *gin.Context) {
	t, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, t.ToAPI(time.Now()))
}

func (h *TaskHandlers) httpListTasks(c *gin.Context) {
	opts, err := h.buildListOptions(listQuery{
		Brand:     c.Query("brand"),
		Name:      c.Query("name"),
		Region:    c.Query("region"),
		Status:    c.Query("status"),
		RunAtFrom: c.Query("run_at_from"),
		RunEndTo:  c.Query("run_end_to"),
		Sort:      c.Query("sort"),
		Order:     c.Query("order"),
		Page:      c.Query("page"),
		PageSize:  c.Query("page_size"),
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tasks, total, err := h.manager.List(c.Request.Context(), opts)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, listResponse(tasks, total, opts))
}

func (h *TaskHandlers) httpTaskSummary(c *gin.Context) {
	s, err := h.manager.Summary(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, summaryToAPI(s))
}

func (h *TaskHandlers) httpUpdateTask(c *gin.Context) {
	var body v1.UpdateTaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	id := c.Param("id")
	if err := h.manager.Update(c.Request.Context(), id, body.Payload); err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.respondSnapshot(c, id)
}

func (h *TaskHandlers) httpRenameTask(c *gin.Context) {
	var body v1.RenameTaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_name is required"})
		return
	}

	id := c.Param("id")
	if err := h.manager.Rename(c.Request.Context(), id, body.TaskName); err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.respondSnapshot(c, id)
}

func (h *TaskHandlers) httpRunNowTask(c *gin.Context) {
	id := c.Param("id")
	if err := h.manager.RunNow(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.respondSnapshot(c, id)
}

func (h *TaskHandlers) httpCancelTask(c *gin.Context) {
	id := c.Param("id")
	ok, err := h.manager.Cancel(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, v1.CancelTaskResponse{Cancelled: ok, TaskID: id})
}

func (h *TaskHandlers) httpForceCancelTask(c *gin.Context) {
	id := c.Param("id")
	ok, err := h.manager.ForceCancel(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, v1.CancelTaskResponse{Cancelled: ok, TaskID: id})
}

// respondSnapshot returns the current record after a mutating operation.
func (h *TaskHandlers) respondSnapshot(c *gin.Context, id string) {
	t, err := h.manager.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, t.ToAPI(time.Now()))
}

// WS handlers

type wsListTasksRequest struct {
	Brand     string `json:"brand,omitempty"`
	Name      string `json:"name,omitempty"`
	Region    string `json:"region,omitempty"`
	Status    string `json:"status,omitempty"`
	RunAtFrom string `json:"run_at_from,omitempty"`
	RunEndTo  string `json:"run_end_to,omitempty"`
	Sort      string `json:"sort,omitempty"`
	Order     string `json:"order,omitempty"`
	Page      int    `json:"page,omitempty"`
	PageSize  int    `json:"page_size,omitempty"`
}

func (h *TaskHandlers) wsListTasks(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req wsListTasksRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}

	q := listQuery{
		Brand:     req.Brand,
		Name:      req.Name,
		Region:    req.Region,
		Status:    req.Status,
		RunAtFrom: req.RunAtFrom,
		RunEndTo:  req.RunEndTo,
		Sort:      req.Sort,
		Order:     req.Order,
	}
	if req.Page > 0 {
		q.Page = strconv.Itoa(req.Page)
	}
	if req.PageSize > 0 {
		q.PageSize = strconv.Itoa(req.PageSize)
	}
	opts, err := h.buildListOptions(q)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, err.Error(), nil)
	}

	tasks, total, err := h.manager.List(ctx, opts)
	if err != nil {
		h.logger.Error("failed to list tasks", zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to list tasks", nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, listResponse(tasks, total, opts))
}

type wsGetTaskRequest struct {
	TaskID string `json:"task_id"`
}

func (h *TaskHandlers) wsGetTask(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req wsGetTaskRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.TaskID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "task_id is required", nil)
	}

	t, err := h.manager.Get(ctx, req.TaskID)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "Task not found", nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, t.ToAPI(time.Now()))
}

func (h *TaskHandlers) wsTaskSummary(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	s, err := h.manager.Summary(ctx)
	if err != nil {
		h.logger.Error("failed to build task summary", zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to build task summary", nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, summaryToAPI(s))
}

// listQuery carries the raw, string-typed listing parameters shared by the
// HTTP query string and the WebSocket payload.
type listQuery struct {
	Brand     string
	Name      string
	Region    string
	Status    string
	RunAtFrom string
	RunEndTo  string
	Sort      string
	Order     string
	Page      string
	PageSize  string
}

func (h *TaskHandlers) buildListOptions(q listQuery) (store.ListOptions, error) {
	opts := store.ListOptions{
		Filter: store.ListFilter{
			Brand:  q.Brand,
			Name:   q.Name,
			Region: q.Region,
		},
	}

	if q.Status != "" {
		status := models.Status(q.Status)
		if !status.Valid() {
			return opts, fmt.Errorf("unknown status %q", q.Status)
		}
		opts.Filter.Status = status
	}
	if q.RunAtFrom != "" {
		at, err := models.ParseCallerTime(q.RunAtFrom, h.loc)
		if err != nil {
			return opts, fmt.Errorf("invalid run_at_from: %v", err)
		}
		opts.Filter.RunAtFrom = &at
	}
	if q.RunEndTo != "" {
		end, err := models.ParseCallerTime(q.RunEndTo, h.loc)
		if err != nil {
			return opts, fmt.Errorf("invalid run_end_to: %v", err)
		}
		opts.Filter.RunEndTo = &end
	}
	if q.Sort != "" {
		key := store.SortKey(q.Sort)
		if !store.ValidSortKey(key) {
			return opts, fmt.Errorf("unknown sort key %q", q.Sort)
		}
		opts.Sort = key
	}
	if q.Order != "" {
		// An explicit order with no sort key still means submission order.
		if opts.Sort == "" {
			opts.Sort = store.SortSubmitted
		}
		switch q.Order {
		case "asc":
			opts.Desc = false
		case "desc":
			opts.Desc = true
		default:
			return opts, fmt.Errorf("order must be asc or desc")
		}
	}
	if q.Page != "" {
		n, err := strconv.Atoi(q.Page)
		if err != nil || n < 1 {
			return opts, fmt.Errorf("invalid page %q", q.Page)
		}
		opts.Page = n
	}
	if q.PageSize != "" {
		n, err := strconv.Atoi(q.PageSize)
		if err != nil || n < 1 {
			return opts, fmt.Errorf("invalid page_size %q", q.PageSize)
		}
		opts.PageSize = n
	}

	opts.Normalize()
	return opts, nil
}

func listResponse(tasks []*models.Task, total int, opts store.ListOptions) v1.ListTasksResponse {
	now := time.Now()
	items := make([]*v1.TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, t.ToAPI(now))
	}
	return v1.ListTasksResponse{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.PageSize,
	}
}

func summaryToAPI(s models.Summary) v1.TaskSummary {
	return v1.TaskSummary{
		Pending:    s.Pending,
		ToBeRun:    s.ToBeRun,
		Running:    s.Running,
		ToBeCancel: s.ToBeCancel,
		Completed:  s.Completed,
		Failed:     s.Failed,
		Cancelled:  s.Cancelled,
		InQueue:    s.InQueue,
		Total:      s.Total,
	}
}
