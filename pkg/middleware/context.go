package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	appctx "github.com/danhnguyen123/data-engineering-outsource/pkg/context"
)

// HeaderRunID lets callers correlate an API request with a pipeline run.
const HeaderRunID = "X-Run-ID"

func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			ctx := req.Context()
			ctx = appctx.SetRequestID(ctx, requestID)
			ctx = appctx.SetMethod(ctx, req.Method)
			ctx = appctx.SetRoute(ctx, req.URL.Path)
			ctx = appctx.SetRemoteIP(ctx, c.RealIP())
			if runID := req.Header.Get(HeaderRunID); runID != "" {
				ctx = appctx.SetRunID(ctx, runID)
			}

			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}
