package detection

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kamdental/extref/internal/domain/mapping"
	"github.com/kamdental/extref/internal/platform/auth"
)

// maxWorkbookUpload caps multipart uploads to /detect/workbook.
const maxWorkbookUpload = 20 << 20

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	agentGroup := api.Group("", auth.RequireRole(auth.RoleSyncAgent, auth.RoleOperator))
	agentGroup.POST("/detect", h.Detect)
	agentGroup.POST("/detect/workbook", h.DetectWorkbook)

	opsGroup := api.Group("", auth.RequireRole(auth.RoleOperator))
	opsGroup.GET("/patterns", h.Patterns)
	opsGroup.POST("/patterns/reload", h.Reload)
}

func (h *Handler) Detect(c echo.Context) error {
	var req DetectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if c.Echo().Validator != nil {
		if err := c.Validate(&req); err != nil {
			return err
		}
	}
	if req.Bind {
		if err := auth.RequireSystemScope(req.SystemName, c); err != nil {
			return err
		}
	}
	d, err := h.svc.DetectAndResolve(c.Request().Context(), req)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) DetectWorkbook(c echo.Context) error {
	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, maxWorkbookUpload)
	fh, err := c.FormFile("workbook")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "workbook file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()

	match, internalID, err := h.svc.DetectWorkbook(c.Request().Context(), f, fh.Filename)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"detection":   match,
		"internal_id": internalID,
	})
}

func (h *Handler) Patterns(c echo.Context) error {
	set, err := h.svc.Current()
	if err != nil {
		return HTTPError(err)
	}
	versions, err := h.svc.Versions(c.Request().Context())
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"version":  set.Version(),
		"patterns": set.Patterns(),
		"versions": versions,
	})
}

func (h *Handler) Reload(c echo.Context) error {
	set, err := h.svc.Reload(c.Request().Context())
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"version":  set.Version(),
		"patterns": set.Len(),
	})
}

// HTTPError maps detection errors, and the resolution errors detection
// passes through, onto HTTP statuses.
func HTTPError(err error) error {
	var verr *ValidationError
	switch {
	case errors.Is(err, ErrUnresolved):
		return echo.NewHTTPError(http.StatusNotFound, map[string]string{
			"status":  "unresolved",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNoActiveSet):
		return echo.NewHTTPError(http.StatusServiceUnavailable, map[string]string{
			"status":  "no_pattern_set",
			"message": err.Error(),
		})
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"status":    "conflicts",
			"conflicts": verr.Conflicts,
		})
	case errors.Is(err, ErrInvalidPattern), errors.Is(err, ErrVersionUnknown):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrVersionExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return mapping.HTTPError(err)
}
