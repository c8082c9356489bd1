package notification

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/eventpipe/internal/platform/auth"
	"github.com/ehr/eventpipe/pkg/pagination"
)

// Redeliverer re-sends a single notification. *Processor satisfies it.
type Redeliverer interface {
	Redeliver(ctx context.Context, n *Notification) error
}

// Handler serves the read side of the notification store. Patients see
// their own notifications only; staff and admins see all of them.
type Handler struct {
	repo    Repository
	retrier Redeliverer
}

func NewHandler(repo Repository, retrier Redeliverer) *Handler {
	return &Handler{repo: repo, retrier: retrier}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/notifications", h.List)
	api.GET("/notifications/:id", h.Get)
	api.POST("/notifications/:id/read", h.MarkRead)

	staff := api.Group("", auth.RequireRole(auth.RoleStaff))
	staff.GET("/notifications/stats", h.Stats)
	staff.POST("/notifications/:id/retry", h.Retry)
}

func isStaff(ctx context.Context) bool {
	return auth.HasAnyRole(auth.RolesFromContext(ctx), auth.RoleStaff)
}

func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	pg := pagination.FromContext(c)
	f := ListFilter{UserID: c.QueryParam("user_id"), Limit: pg.Limit, Offset: pg.Offset}

	if s := c.QueryParam("status"); s != "" {
		f.Status = Status(s)
		if !f.Status.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
		}
	}
	if !isStaff(ctx) {
		caller := auth.UserIDFromContext(ctx)
		if f.UserID != "" && f.UserID != caller {
			return echo.NewHTTPError(http.StatusForbidden, "cannot list another user's notifications")
		}
		f.UserID = caller
	}

	items, total, err := h.repo.List(ctx, f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*Notification{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

// load fetches the notification named by :id and enforces ownership.
func (h *Handler) load(c echo.Context) (*Notification, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	n, err := h.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "notification not found")
	}
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !isStaff(ctx) && n.UserID != auth.UserIDFromContext(ctx) {
		return nil, echo.NewHTTPError(http.StatusForbidden, "not your notification")
	}
	return n, nil
}

func (h *Handler) Get(c echo.Context) error {
	n, err := h.load(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) MarkRead(c echo.Context) error {
	n, err := h.load(c)
	if err != nil {
		return err
	}
	if err := h.repo.MarkRead(c.Request().Context(), n.ID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	n.IsRead = true
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) Retry(c echo.Context) error {
	n, err := h.load(c)
	if err != nil {
		return err
	}
	if err := h.retrier.Redeliver(c.Request().Context(), n); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) Stats(c echo.Context) error {
	counts, err := h.repo.CountByStatus(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, counts)
}
