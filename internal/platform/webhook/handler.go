package webhook

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ehrsync/internal/engine/syncerr"
	"github.com/ehr/ehrsync/internal/platform/auth"
)

const maxInboundBody = 1 << 20

type Handler struct {
	d *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{d: d}
}

// RegisterRoutes mounts the JWT-protected subscription routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.ReadRoles...))
	readGroup.GET("/webhooks", h.ListSubscriptions)
	readGroup.GET("/webhooks/:id", h.GetSubscription)
	readGroup.GET("/webhooks/:id/deliveries", h.ListDeliveries)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	writeGroup.POST("/webhooks", h.CreateSubscription)
	writeGroup.PUT("/webhooks/:id", h.UpdateSubscription)
	writeGroup.DELETE("/webhooks/:id", h.DeleteSubscription)
	writeGroup.POST("/webhooks/:id/rotate-secret", h.RotateSecret)
}

// RegisterInbound mounts the provider-facing endpoint. It carries no JWT;
// the payload signature authenticates the caller.
func (h *Handler) RegisterInbound(g *echo.Group) {
	g.POST("/webhooks/inbound/:subscription_id", h.Receive)
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func httpError(err error) error {
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "webhook subscription not found")
	}
	switch syncerr.ClassOf(err) {
	case syncerr.SignatureInvalid:
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	case syncerr.UnknownEvent:
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case syncerr.InvalidScope:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case syncerr.ConnectionInactive:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) CreateSubscription(c echo.Context) error {
	var s Subscription
	if err := c.Bind(&s); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.ID = uuid.Nil
	if err := h.d.Register(c.Request().Context(), &s); err != nil {
		return httpError(err)
	}
	// The generated secret is returned once, on creation.
	return c.JSON(http.StatusCreated, s)
}

func (h *Handler) ListSubscriptions(c echo.Context) error {
	var connID *uuid.UUID
	if v := c.QueryParam("connection_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid connection_id")
		}
		connID = &id
	}
	subs, err := h.d.List(c.Request().Context(), connID)
	if err != nil {
		return httpError(err)
	}
	out := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Redacted())
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) GetSubscription(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	s, err := h.d.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s.Redacted())
}

func (h *Handler) UpdateSubscription(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var s Subscription
	if err := c.Bind(&s); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.ID = id
	if err := h.d.Update(c.Request().Context(), &s); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s.Redacted())
}

func (h *Handler) DeleteSubscription(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.d.Delete(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RotateSecret(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	s, err := h.d.RotateSecret(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) ListDeliveries(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	out, err := h.d.Deliveries(c.Request().Context(), id, limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// Receive handles POST /webhooks/inbound/:subscription_id.
func (h *Handler) Receive(c echo.Context) error {
	id, err := parseID(c, "subscription_id")
	if err != nil {
		return err
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxInboundBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}
	receipt, err := h.d.Receive(c.Request().Context(), id, raw, c.Request().Header.Get("X-Webhook-Signature"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, receipt)
}
