package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/database"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/models"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/tracing"
)

const (
	pipelineRunsTable = "pipeline_runs"

	DefaultListLimit = 50
	MaxListLimit     = 500
)

// pipelineRunRow is the database shape of a PipelineRun
type pipelineRunRow struct {
	models.PipelineRun
	RunWindow database.JSONB[models.RunWindow] `db:"run_window"`
}

func (row *pipelineRunRow) toModel() models.PipelineRun {
	run := row.PipelineRun
	run.Window = row.RunWindow.Data
	return run
}

var pipelineRunColumns = database.NewColumns(new(pipelineRunRow))

// RunFilter narrows List; zero fields match everything
type RunFilter struct {
	RunID     string
	Namespace string
	Table     string
	Stage     string
	Status    models.RunStatus
	Limit     int
}

// PipelineRunRepo defines the interface for run history operations
type PipelineRunRepo interface {
	Create(ctx context.Context, run *models.PipelineRun) error
	Finish(ctx context.Context, run *models.PipelineRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.PipelineRun, error)
	List(ctx context.Context, filter RunFilter) ([]models.PipelineRun, error)
}

// PipelineRunRepository stores stage run history in Postgres
type PipelineRunRepository struct {
	*Repository
}

func NewPipelineRunRepository(db database.DB, logger ectologger.Logger) *PipelineRunRepository {
	return &PipelineRunRepository{Repository: NewRepository(db, logger)}
}

// Create inserts a run as it starts
func (r *PipelineRunRepository) Create(ctx context.Context, run *models.PipelineRun) error {
	ctx, span := tracing.StartSpan(ctx, "PipelineRunRepository.Create")
	defer span.End()

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}

	ib := database.Insert(pipelineRunsTable)
	ib.Cols("id", "run_id", "namespace", "table_name", "stage", "status", "attempt", "records",
		"has_new_data", "skip_reason", "started_at", "completed_at", "duration_ms",
		"error_message", "error_type", "trace_id", "run_window", "created_at", "updated_at")
	ib.Values(run.ID, run.RunID, run.Namespace, run.Table, run.Stage, run.Status, run.Attempt, run.Records,
		run.HasNewData, run.SkipReason, run.StartedAt, run.CompletedAt, run.DurationMs,
		run.ErrorMessage, run.ErrorType, run.TraceID, database.JSONB[models.RunWindow]{Data: run.Window},
		database.Now, database.Now)
	ib.Returning("created_at", "updated_at")

	query, args := ib.Build()
	err := r.DB().QueryRowxContext(ctx, query, args...).Scan(&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return r.fail(ctx, span, err, "create pipeline run", map[string]any{"pipeline_run_id": run.ID})
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"pipeline_run_id": run.ID,
	}).Debugf("Created %s", pipelineRunsTable)
	return nil
}

// Finish records the terminal state of a run
func (r *PipelineRunRepository) Finish(ctx context.Context, run *models.PipelineRun) error {
	ctx, span := tracing.StartSpan(ctx, "PipelineRunRepository.Finish")
	defer span.End()

	ub := database.Update(pipelineRunsTable)
	ub.Set(
		ub.Assign("status", run.Status),
		ub.Assign("records", run.Records),
		ub.Assign("has_new_data", run.HasNewData),
		ub.Assign("skip_reason", run.SkipReason),
		ub.Assign("completed_at", run.CompletedAt),
		ub.Assign("duration_ms", run.DurationMs),
		ub.Assign("error_message", run.ErrorMessage),
		ub.Assign("error_type", run.ErrorType),
		ub.Assign("updated_at", database.Now),
	)
	ub.Where(ub.Equal("id", run.ID))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return r.fail(ctx, span, err, "finish pipeline run", map[string]any{"pipeline_run_id": run.ID})
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return r.fail(ctx, span, err, "finish pipeline run", map[string]any{"pipeline_run_id": run.ID})
	}
	if rows == 0 {
		return NotFound("pipeline run %s does not exist", run.ID)
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *PipelineRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.PipelineRun, error) {
	ctx, span := tracing.StartSpan(ctx, "PipelineRunRepository.GetByID")
	defer span.End()

	sb := pipelineRunColumns.SelectFrom(pipelineRunsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var row pipelineRunRow
	err := r.DB().GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("pipeline run %s does not exist", id)
	}
	if err != nil {
		return nil, r.fail(ctx, span, err, "get pipeline run", map[string]any{"pipeline_run_id": id})
	}

	run := row.toModel()
	return &run, nil
}

// List returns the most recent runs matching filter
func (r *PipelineRunRepository) List(ctx context.Context, filter RunFilter) ([]models.PipelineRun, error) {
	ctx, span := tracing.StartSpan(ctx, "PipelineRunRepository.List")
	defer span.End()

	sb := pipelineRunColumns.SelectFrom(pipelineRunsTable)
	var where []string
	if filter.RunID != "" {
		where = append(where, sb.Equal("run_id", filter.RunID))
	}
	if filter.Namespace != "" {
		where = append(where, sb.Equal("namespace", filter.Namespace))
	}
	if filter.Table != "" {
		where = append(where, sb.Equal("table_name", filter.Table))
	}
	if filter.Stage != "" {
		where = append(where, sb.Equal("stage", filter.Stage))
	}
	if filter.Status != "" {
		where = append(where, sb.Equal("status", filter.Status))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}
	sb.OrderBy("started_at").Desc()
	sb.Limit(listLimit(filter.Limit))

	query, args := sb.Build()
	var rows []pipelineRunRow
	if err := r.DB().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, r.fail(ctx, span, err, "list pipeline runs", map[string]any{"filter": filter})
	}

	runs := make([]models.PipelineRun, len(rows))
	for i := range rows {
		runs[i] = rows[i].toModel()
	}
	r.logger.WithContext(ctx).Debugf("Listed %d %s", len(runs), pipelineRunsTable)
	return runs, nil
}

func listLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}
