package reconcile

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/kamdental/extref/internal/platform/auth"
	"github.com/kamdental/extref/pkg/pagination"
)

type Handler struct {
	job  *Job
	runs RunRepository
}

func NewHandler(job *Job, runs RunRepository) *Handler {
	return &Handler{job: job, runs: runs}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	opsGroup := api.Group("", auth.RequireRole(auth.RoleOperator))
	opsGroup.POST("/reconcile", h.Run)
	opsGroup.GET("/reconcile/runs", h.ListRuns)
	opsGroup.GET("/reconcile/runs/:id", h.GetRun)
}

// Run executes a reconciliation synchronously and returns its summary.
// Partial runs are a 200: unresolved rows are reported, not raised.
func (h *Handler) Run(c echo.Context) error {
	var opts Options
	if err := c.Bind(&opts); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if c.Echo().Validator != nil {
		if err := c.Validate(&opts); err != nil {
			return err
		}
	}
	sum, err := h.job.Run(c.Request().Context(), opts)
	if errors.Is(err, ErrAlreadyRunning) {
		return echo.NewHTTPError(http.StatusConflict, map[string]string{
			"status":  "already_running",
			"message": err.Error(),
		})
	}
	if sum == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	status := http.StatusOK
	if sum.Status == StatusFailed || sum.Status == StatusInterrupted {
		status = http.StatusInternalServerError
	}
	return c.JSON(status, sum)
}

func (h *Handler) ListRuns(c echo.Context) error {
	if h.runs == nil {
		return echo.NewHTTPError(http.StatusNotFound, "run history is not recorded")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.runs.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).
		WithLinks(c.Request().URL.Path, c.QueryParams()))
}

func (h *Handler) GetRun(c echo.Context) error {
	if h.runs == nil {
		return echo.NewHTTPError(http.StatusNotFound, "run history is not recorded")
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	s, err := h.runs.Get(c.Request().Context(), id)
	if errors.Is(err, ErrRunNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, s)
}
