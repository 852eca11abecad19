package registry

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kamdental/extref/internal/platform/auth"
	"github.com/kamdental/extref/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RoleOperator, auth.RoleSyncAgent))
	readGroup.GET("/stable-entities", h.List)
	readGroup.GET("/stable-entities/:type/:code", h.Get)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleOperator))
	writeGroup.POST("/stable-entities", h.Assign)
	writeGroup.DELETE("/stable-entities/:type/:code", h.Decommission)
	writeGroup.PUT("/stable-entities/:type/:code/internal-id", h.Rebind)
}

func (h *Handler) Assign(c echo.Context) error {
	var req AssignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if c.Echo().Validator != nil {
		if err := c.Validate(&req); err != nil {
			return err
		}
	}
	e, created, err := h.svc.AssignCode(c.Request().Context(), req)
	if err != nil {
		return HTTPError(err)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, e)
}

func (h *Handler) Get(c echo.Context) error {
	e, err := h.svc.Lookup(c.Request().Context(), EntityType(c.Param("type")), c.Param("code"))
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{
		EntityType:            EntityType(c.QueryParam("entity_type")),
		IncludeDecommissioned: c.QueryParam("include_decommissioned") == "true",
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).
		WithLinks(c.Request().URL.Path, c.QueryParams()))
}

func (h *Handler) Decommission(c echo.Context) error {
	if err := h.svc.Decommission(c.Request().Context(), EntityType(c.Param("type")), c.Param("code")); err != nil {
		return HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type rebindRequest struct {
	InternalID string `json:"internal_id" validate:"required,max=255"`
}

func (h *Handler) Rebind(c echo.Context) error {
	var req rebindRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	previous, err := h.svc.Rebind(ctx, EntityType(c.Param("type")), c.Param("code"), req.InternalID)
	if err != nil {
		return HTTPError(err)
	}
	e, err := h.svc.Lookup(ctx, EntityType(c.Param("type")), c.Param("code"))
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"entity":               e,
		"previous_internal_id": previous,
	})
}

// HTTPError maps registry errors onto HTTP statuses. NotFound carries an
// explicit status field so callers never mistake it for an empty result.
func HTTPError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, map[string]string{
			"status":  "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrUnknownEntityType), errors.Is(err, ErrInvalidCode), errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrCodeTaken), errors.Is(err, ErrAlreadyAssigned):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
