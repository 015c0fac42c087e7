package middleware

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	appctx "github.com/danhnguyen123/data-engineering-outsource/pkg/context"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/tracing"
)

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	RunID     string         `json:"run_id,omitempty"`
	TraceID   string         `json:"trace_id"`
	Meta      map[string]any `json:"meta"`
}

// Error renders httperror and echo errors as ErrorResponse. Anything else is a 500
// whose cause is logged but not returned.
func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		ctx := c.Request().Context()
		code, message, meta := describe(err)

		log := logger.WithContext(ctx).WithError(err)
		if code >= http.StatusInternalServerError {
			log.Errorf("%s %s failed", c.Request().Method, c.Path())
		} else {
			log.Warnf("%s %s rejected: %s", c.Request().Method, c.Path(), message)
		}
		if c.Response().Committed {
			return
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, ErrorResponse{
			Message:   message,
			RequestID: appctx.GetRequestID(ctx),
			RunID:     appctx.GetRunID(ctx),
			TraceID:   tracing.GetTraceID(ctx),
			Meta:      meta,
		})
	}
}

func describe(err error) (int, string, map[string]any) {
	if httperror.IsHTTPError(err) {
		he := httperror.ToHTTPError(err)
		meta := he.Meta
		if meta == nil {
			meta = map[string]any{}
		}
		return httperror.GetStatusCode(err), he.Error(), meta
	}

	var ee *echo.HTTPError
	if errors.As(err, &ee) {
		message := http.StatusText(ee.Code)
		if msg, ok := ee.Message.(string); ok {
			message = msg
		}
		return ee.Code, message, map[string]any{}
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), map[string]any{}
}
