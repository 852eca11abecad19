package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const recoveryStackSize = 8 << 10

// Recovery turns a handler panic into a 500 carrying the request id, so a
// sync agent can quote it when reporting the failure. http.ErrAbortHandler
// is re-raised for net/http to drop the connection.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if e, ok := r.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(r)
				}
				err = recovered(logger, c, r)
			}()
			return next(c)
		}
	}
}

func recovered(logger zerolog.Logger, c echo.Context, r interface{}) error {
	perr, ok := r.(error)
	if !ok {
		perr = fmt.Errorf("%v", r)
	}
	stack := make([]byte, recoveryStackSize)
	stack = stack[:runtime.Stack(stack, false)]

	rid, _ := c.Get("request_id").(string)
	logger.Error().
		Err(perr).
		Str("request_id", rid).
		Str("method", c.Request().Method).
		Str("route", c.Path()).
		Bytes("stack", stack).
		Msg("handler panic")

	return echo.NewHTTPError(http.StatusInternalServerError, map[string]string{
		"status":     "internal_error",
		"request_id": rid,
	})
}
