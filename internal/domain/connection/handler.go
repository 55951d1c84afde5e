package connection

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ehrsync/internal/platform/auth"
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
	readGroup.GET("/connections", h.ListConnections)
	readGroup.GET("/connections/:id", h.GetConnection)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	writeGroup.POST("/connections", h.CreateConnection)
	writeGroup.PUT("/connections/:id", h.UpdateConnection)
	writeGroup.POST("/connections/:id/test", h.TestConnection)
}

func (h *Handler) CreateConnection(c echo.Context) error {
	var conn Connection
	if err := c.Bind(&conn); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	conn.ID = uuid.Nil
	if err := h.svc.Create(c.Request().Context(), &conn); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, conn.Redacted())
}

func (h *Handler) GetConnection(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	conn, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}
	return c.JSON(http.StatusOK, conn.Redacted())
}

func (h *Handler) ListConnections(c echo.Context) error {
	pg := pagination.FromContext(c)
	conns, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]*Connection, len(conns))
	for i, conn := range conns {
		out[i] = conn.Redacted()
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(out, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateConnection(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var conn Connection
	if err := c.Bind(&conn); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	conn.ID = id
	if err := h.svc.Update(c.Request().Context(), &conn); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "connection not found")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, conn.Redacted())
}

type testResponse struct {
	Healthy    bool        `json:"healthy"`
	Reason     string      `json:"reason,omitempty"`
	Connection *Connection `json:"connection"`
}

func (h *Handler) TestConnection(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	conn, err := h.svc.Test(c.Request().Context(), id)
	if conn == nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "connection not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := testResponse{Healthy: err == nil, Connection: conn.Redacted()}
	if err != nil {
		resp.Reason = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}
