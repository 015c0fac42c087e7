package middleware

import (
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	appctx "github.com/danhnguyen123/data-engineering-outsource/pkg/context"
)

// quietPrefixes are polled by orchestrators and scrapers; they log at debug.
var quietPrefixes = []string{"/health", "/metrics"}

// Logger logs one line per request once the error handler has written the response.
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()
			ctx := req.Context()

			fields := appctx.Fields(ctx)
			fields["method"] = req.Method
			fields["route"] = c.Path()
			fields["uri"] = req.RequestURI
			fields["status"] = res.Status
			fields["remote_ip"] = c.RealIP()
			fields["duration_ms"] = time.Since(start).Milliseconds()
			fields["response_size"] = res.Size

			log := logger.WithContext(ctx).WithFields(fields)
			switch {
			case quiet(req.URL.Path):
				log.Debug("Request")
			case res.Status >= 500:
				log.Error("Request")
			default:
				log.Info("Request")
			}
			return nil
		}
	}
}

func quiet(path string) bool {
	for _, p := range quietPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
