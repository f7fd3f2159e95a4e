package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"taskd/internal/auth"
	"taskd/internal/config"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

type handler struct {
	sched Scheduler
	susp  Suspender
	log   logx.Logger
}

// taskView is a definition plus its live scheduling state.
type taskView struct {
	*task.Definition
	Status        string     `json:"status"`
	NextExecution *time.Time `json:"next_execution,omitempty"`
}

// taskRequest is the create/update body. RepeatInterval takes a Go
// duration ("90s", "1h") or a plain number of seconds.
type taskRequest struct {
	Name           string            `json:"name" binding:"required"`
	Type           string            `json:"type" binding:"required"`
	Description    string            `json:"description"`
	StartTime      *time.Time        `json:"start_time"`
	RepeatInterval string            `json:"repeat_interval"`
	StartOnStartup bool              `json:"start_on_startup"`
	Properties     map[string]string `json:"properties"`
}

func (r taskRequest) apply(def *task.Definition) error {
	var every time.Duration
	if strings.TrimSpace(r.RepeatInterval) != "" {
		d, err := config.ParseInterval("repeat_interval", r.RepeatInterval)
		if err != nil {
			return errors.Join(task.ErrInvalidDefinition, err)
		}
		every = d
	}
	def.Name = r.Name
	def.Type = r.Type
	def.Description = r.Description
	def.StartTime = r.StartTime
	def.RepeatInterval = every
	def.StartOnStartup = r.StartOnStartup
	def.Properties = r.Properties
	return nil
}

func (h *handler) view(def *task.Definition) taskView {
	v := taskView{Definition: def, Status: h.sched.Status(def.ID)}
	if next, ok := h.sched.NextExecution(def.ID); ok {
		v.NextExecution = &next
	}
	return v
}

func (h *handler) views(defs []*task.Definition) []taskView {
	out := make([]taskView, 0, len(defs))
	for _, d := range defs {
		out = append(out, h.view(d))
	}
	return out
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"scheduled": len(h.sched.ScheduledTasks()),
		"time":      time.Now().UTC(),
	})
}

func (h *handler) listTasks(c *gin.Context) {
	c.JSON(http.StatusOK, h.views(h.sched.RegisteredTasks()))
}

func (h *handler) scheduledTasks(c *gin.Context) {
	c.JSON(http.StatusOK, h.views(h.sched.ScheduledTasks()))
}

func (h *handler) showTask(c *gin.Context) {
	def, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.view(def))
}

func (h *handler) taskStatus(c *gin.Context) {
	def, ok := h.load(c)
	if !ok {
		return
	}
	v := h.view(def)
	c.JSON(http.StatusOK, gin.H{"id": def.ID, "status": v.Status, "next_execution": v.NextExecution})
}

func (h *handler) createTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errors.Join(task.ErrInvalidDefinition, err))
		return
	}
	def := &task.Definition{ChangedBy: auth.Name(c.Request.Context())}
	if err := req.apply(def); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.sched.SaveTaskDefinition(c.Request.Context(), def); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.view(def))
}

func (h *handler) updateTask(c *gin.Context) {
	def, ok := h.load(c)
	if !ok {
		return
	}
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errors.Join(task.ErrInvalidDefinition, err))
		return
	}
	if err := req.apply(def); err != nil {
		h.fail(c, err)
		return
	}
	def.ChangedBy = auth.Name(c.Request.Context())
	if err := h.sched.SaveTaskDefinition(c.Request.Context(), def); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(def))
}

func (h *handler) deleteTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	if err := h.sched.DeleteTask(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) scheduleTask(c *gin.Context) {
	def, ok := h.load(c)
	if !ok {
		return
	}
	if _, err := h.sched.ScheduleTask(c.Request.Context(), def); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(def))
}

func (h *handler) rescheduleTask(c *gin.Context) {
	def, ok := h.load(c)
	if !ok {
		return
	}
	if _, err := h.sched.RescheduleTask(c.Request.Context(), def); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(def))
}

func (h *handler) shutdownTask(c *gin.Context) {
	def, ok := h.load(c)
	if !ok {
		return
	}
	if err := h.sched.ShutdownTask(c.Request.Context(), def); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(def))
}

func (h *handler) taskHistory(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.sched.History(id))
}

func (h *handler) history(c *gin.Context) {
	var id int64
	if raw := c.Query("task_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "task_id must be a positive integer"})
			return
		}
		id = v
	}
	c.JSON(http.StatusOK, h.sched.History(id))
}

func (h *handler) errorTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"task_ids": h.sched.ErrorTaskIDs()})
}

func (h *handler) suspend(c *gin.Context) {
	if err := auth.Require(c.Request.Context(), auth.PrivManageTasks); err != nil {
		h.fail(c, err)
		return
	}
	ids, err := h.susp.Suspend(c.Request.Context())
	if err != nil && !errors.Is(err, scheduler.ErrSuspended) {
		// Shutdown failures do not undo the suspension.
		h.log.Warn("suspend finished with errors", logx.Err(err))
		c.JSON(http.StatusOK, gin.H{"task_ids": ids, "error": err.Error()})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_ids": ids})
}

func (h *handler) resume(c *gin.Context) {
	if err := auth.Require(c.Request.Context(), auth.PrivManageTasks); err != nil {
		h.fail(c, err)
		return
	}
	rep, err := h.susp.Resume(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func taskID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return 0, false
	}
	return id, true
}

func (h *handler) load(c *gin.Context) (*task.Definition, bool) {
	id, ok := taskID(c)
	if !ok {
		return nil, false
	}
	def, err := h.sched.TaskByID(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return def, true
}

func (h *handler) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrInvalidDefinition):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrPrivilegeDenied):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrDuplicateName),
		errors.Is(err, scheduler.ErrTaskStarted),
		errors.Is(err, scheduler.ErrSuspended),
		errors.Is(err, scheduler.ErrNotSuspended),
		errors.Is(err, scheduler.ErrMementoConsumed):
		return http.StatusConflict
	case errors.Is(err, task.ErrUnknownType), errors.Is(err, task.ErrTypeDisabled):
		return http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
