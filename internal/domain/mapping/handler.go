package mapping

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kamdental/extref/internal/domain/registry"
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
	// Sync agents resolve and bind their own references.
	agentGroup := api.Group("", auth.RequireRole(auth.RoleSyncAgent, auth.RoleOperator))
	agentGroup.GET("/resolve/code/:type/:code", h.ResolveByCode)
	agentGroup.GET("/resolve/ref", h.ResolveByExternalRef)
	agentGroup.GET("/mappings", h.List)
	agentGroup.POST("/mappings", h.Bind)

	opsGroup := api.Group("", auth.RequireRole(auth.RoleOperator))
	opsGroup.DELETE("/mappings", h.Decommission)
}

// Resolution is the response body of both resolve endpoints.
type Resolution struct {
	Status     string              `json:"status"`
	EntityType registry.EntityType `json:"entity_type"`
	StableCode string              `json:"stable_code,omitempty"`
	InternalID string              `json:"internal_id"`
	Mapping    *ExternalMapping    `json:"mapping,omitempty"`
}

func (h *Handler) ResolveByCode(c echo.Context) error {
	t, err := registry.ParseEntityType(c.Param("type"))
	if err != nil {
		return HTTPError(err)
	}
	code := registry.NormalizeCode(c.Param("code"))
	id, err := h.svc.ResolveByCode(c.Request().Context(), t, code)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, Resolution{Status: "resolved", EntityType: t, StableCode: code, InternalID: id})
}

func (h *Handler) ResolveByExternalRef(c echo.Context) error {
	k := Key{
		SystemName: c.QueryParam("system"),
		ExternalID: ExternalID(c.QueryParam("external_id")),
		EntityType: registry.EntityType(c.QueryParam("entity_type")),
	}
	if err := auth.RequireSystemScope(k.SystemName, c); err != nil {
		return err
	}
	m, err := h.svc.Lookup(c.Request().Context(), k)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, Resolution{
		Status:     "resolved",
		EntityType: m.EntityType,
		StableCode: m.StableCode,
		InternalID: m.InternalID,
		Mapping:    m,
	})
}

func (h *Handler) Bind(c echo.Context) error {
	var req BindRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if c.Echo().Validator != nil {
		if err := c.Validate(&req); err != nil {
			return err
		}
	}
	if err := auth.RequireSystemScope(req.SystemName, c); err != nil {
		return err
	}
	m, err := h.svc.Bind(c.Request().Context(), req)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) Decommission(c echo.Context) error {
	var k Key
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &k); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Decommission(c.Request().Context(), k); err != nil {
		return HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{
		SystemName:     c.QueryParam("system"),
		EntityType:     registry.EntityType(c.QueryParam("entity_type")),
		StableCode:     registry.NormalizeCode(c.QueryParam("stable_code")),
		UnresolvedOnly: c.QueryParam("unresolved") == "true",
	}
	if f.SystemName != "" {
		if err := auth.RequireSystemScope(f.SystemName, c); err != nil {
			return err
		}
	} else if bound := auth.SystemFromContext(c.Request().Context()); bound != "" {
		f.SystemName = bound
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).
		WithLinks(c.Request().URL.Path, c.QueryParams()))
}

// HTTPError maps mapping and registry errors onto HTTP statuses. Not-found
// and unresolved outcomes carry an explicit status field.
func HTTPError(err error) error {
	switch {
	case errors.Is(err, ErrUnresolved):
		return echo.NewHTTPError(http.StatusNotFound, map[string]string{
			"status":  "unresolved",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotFound), errors.Is(err, registry.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, map[string]string{
			"status":  "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrBindTargetNotFound):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]string{
			"status":  "bind_target_not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidInput), errors.Is(err, registry.ErrUnknownEntityType), errors.Is(err, registry.ErrInvalidCode):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
