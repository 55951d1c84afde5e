package orchestrator

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ehrsync/internal/domain/syncjob"
	"github.com/ehr/ehrsync/internal/engine/syncerr"
	"github.com/ehr/ehrsync/internal/platform/auth"
	"github.com/ehr/ehrsync/internal/platform/queue"
	"github.com/ehr/ehrsync/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.ReadRoles...))
	readGroup.GET("/sync/jobs", h.ListJobs)
	readGroup.GET("/sync/jobs/:id", h.GetJob)
	readGroup.GET("/sync/jobs/:id/errors", h.ListErrors)
	readGroup.GET("/sync/stats", h.GetStatistics)
	readGroup.GET("/sync/schedules", h.ListSchedules)

	writeGroup := api.Group("", auth.RequireRole(auth.WriteRoles...))
	writeGroup.POST("/sync/jobs", h.CreateJob)
	writeGroup.POST("/sync/jobs/:id/cancel", h.CancelJob)
	writeGroup.POST("/sync/jobs/:id/retry", h.RetryJob)

	adminGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	adminGroup.POST("/sync/schedules", h.CreateSchedule)
	adminGroup.DELETE("/sync/schedules/:id", h.DeleteSchedule)
}

// jobBody is the wire form of a job request. An absent priority is normal.
type jobBody struct {
	Type         syncjob.Type      `json:"type"`
	Direction    syncjob.Direction `json:"direction"`
	Priority     *queue.Priority   `json:"priority"`
	ConnectionID uuid.UUID         `json:"connection_id"`
	Scope        syncjob.Scope     `json:"scope"`
	Cadence      string            `json:"cadence,omitempty"`
}

func (b jobBody) request() JobRequest {
	req := JobRequest{
		Type:         b.Type,
		Direction:    b.Direction,
		Priority:     queue.PriorityNormal,
		ConnectionID: b.ConnectionID,
		Scope:        b.Scope,
	}
	if b.Priority != nil {
		req.Priority = *b.Priority
	}
	return req
}

// httpError maps engine error classes onto status codes.
func httpError(err error) error {
	switch syncerr.ClassOf(err) {
	case syncerr.NotFound:
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case syncerr.InvalidScope:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case syncerr.ConnectionInactive, syncerr.JobNotCancellable, syncerr.JobNotRetryable, syncerr.RetryLimitExceeded:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) CreateJob(c echo.Context) error {
	var body jobBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	job, err := h.svc.CreateJob(c.Request().Context(), body.request())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, job)
}

func (h *Handler) GetJob(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	job, err := h.svc.GetStatus(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, job)
}

func (h *Handler) ListJobs(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := syncjob.Filter{
		Status:   syncjob.Status(c.QueryParam("status")),
		Provider: c.QueryParam("provider"),
		Type:     syncjob.Type(c.QueryParam("type")),
	}
	if v := c.QueryParam("connection_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid connection_id")
		}
		f.ConnectionID = &id
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		if v := c.QueryParam(p.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid "+p.name+": expected RFC 3339")
			}
			*p.dst = &t
		}
	}
	jobs, total, err := h.svc.ListJobs(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(jobs, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListErrors(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListErrors(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) CancelJob(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	job, err := h.svc.CancelJob(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, job)
}

func (h *Handler) RetryJob(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	job, err := h.svc.RetryJob(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, job)
}

func (h *Handler) GetStatistics(c echo.Context) error {
	var window time.Duration
	if v := c.QueryParam("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid window")
		}
		window = d
	}
	stats, err := h.svc.GetStatistics(c.Request().Context(), window)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) CreateSchedule(c echo.Context) error {
	var body jobBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sched, err := h.svc.ScheduleRecurring(c.Request().Context(), ScheduleRequest{JobRequest: body.request(), Cadence: body.Cadence})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sched)
}

func (h *Handler) ListSchedules(c echo.Context) error {
	pg := pagination.FromContext(c)
	var connID *uuid.UUID
	if v := c.QueryParam("connection_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid connection_id")
		}
		connID = &id
	}
	items, total, err := h.svc.ListSchedules(c.Request().Context(), connID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) DeleteSchedule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Unschedule(c.Request().Context(), id); err != nil {
		if errors.Is(err, syncjob.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "schedule not found")
		}
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
