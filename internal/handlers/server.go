package handlers

import (
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/health"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/middleware"
)

// ServerOptions wires the HTTP surface. Verifier, DLQ and Functions are optional.
type ServerOptions struct {
	AppName      string
	AllowOrigins []string
	Verifier     middleware.TokenVerifier
	Health       *health.Checker
	Runs         *RunHandler
	DLQ          *DLQHandler
	Functions    *FunctionHandler
}

// NewServer builds the echo server: probes and metrics at the root, push
// endpoints under /api/v1 and operator endpoints under /api/v1 behind auth.
func NewServer(opts ServerOptions, logger ectologger.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)

	e.Use(echomiddleware.Recover())
	e.Use(otelecho.Middleware(opts.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	if len(opts.AllowOrigins) > 0 {
		e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{AllowOrigins: opts.AllowOrigins}))
	}

	if opts.Health != nil {
		opts.Health.RegisterRoutes(e)
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	public := e.Group("/api/v1")
	if opts.Functions != nil {
		opts.Functions.RegisterRoutes(public)
	}

	api := e.Group("/api/v1")
	if opts.Verifier != nil {
		api.Use(middleware.Authentication(logger, opts.Verifier))
	}
	if opts.Runs != nil {
		opts.Runs.RegisterRoutes(api)
	}
	if opts.DLQ != nil {
		opts.DLQ.RegisterRoutes(api)
	}
	return e
}
