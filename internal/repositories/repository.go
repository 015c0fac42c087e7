// Package repositories persists run history in the Postgres database.
package repositories

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"go.opentelemetry.io/otel/trace"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/database"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/tracing"
)

// NotFound returns a 404 HTTP error with a descriptive message
func NotFound(format string, args ...any) error {
	return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf(format, args...))
}

// Repository carries the connection and logger shared by the repositories
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func (r *Repository) DB() database.DB {
	return r.db
}

// fail records err on span, logs it and hides it behind a 500 that names the action.
func (r *Repository) fail(ctx context.Context, span trace.Span, err error, action string, fields map[string]any) error {
	tracing.RecordError(span, err)
	r.logger.WithContext(ctx).WithFields(fields).WithError(err).Errorf("failed to %s", action)
	return httperror.NewHTTPError(http.StatusInternalServerError, "failed to "+action)
}
