package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/danhnguyen123/data-engineering-outsource/internal/repositories"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/models"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/pipeline"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/queue"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/redis"
)

// PipelineRunner executes stages inline; *pipeline.Runner satisfies it
type PipelineRunner interface {
	Registry() *pipeline.Registry
	Run(ctx context.Context, namespace, table string, stage pipeline.Stage, cfg pipeline.RunConfig) (*pipeline.RunOutcome, error)
	RunTable(ctx context.Context, namespace, table string, cfg pipeline.RunConfig) ([]*pipeline.RunOutcome, error)
	RunPipeline(ctx context.Context, namespace string, cfg pipeline.RunConfig) ([]*pipeline.RunOutcome, error)
}

// RunRequest triggers one stage, every stage of a table, or (sync only) a whole namespace
type RunRequest struct {
	Namespace string         `json:"namespace" validate:"required"`
	Table     string         `json:"table"`
	Stage     string         `json:"stage" validate:"omitempty,oneof=extract transform load"`
	Conf      map[string]any `json:"conf"`
}

// EnqueueResponse identifies a queued job
type EnqueueResponse struct {
	JobID     string `json:"job_id"`
	MessageID string `json:"message_id"`
	RunID     string `json:"run_id"`
}

// OutcomeResponse is one stage result
type OutcomeResponse struct {
	Namespace  string  `json:"namespace"`
	Table      string  `json:"table"`
	Stage      string  `json:"stage"`
	Status     string  `json:"status"`
	SkipReason string  `json:"skip_reason,omitempty"`
	Records    int     `json:"records"`
	HasNewData *bool   `json:"has_new_data,omitempty"`
	StartedAt  string  `json:"started_at"`
	Duration   float64 `json:"duration_seconds"`
}

// SyncRunResponse reports an inline run
type SyncRunResponse struct {
	RunID    string            `json:"run_id"`
	Outcomes []OutcomeResponse `json:"outcomes"`
	Error    string            `json:"error,omitempty"`
}

// RunListResponse lists run history
type RunListResponse struct {
	Runs  []models.PipelineRun `json:"runs"`
	Count int                  `json:"count"`
}

// RunHandler triggers stage runs and serves run history
type RunHandler struct {
	runner  PipelineRunner
	streams queue.JobStream
	stream  string
	runs    repositories.PipelineRunRepo
	now     func() time.Time
	logger  ectologger.Logger
}

func NewRunHandler(runner PipelineRunner, streams queue.JobStream, stream string, runs repositories.PipelineRunRepo, logger ectologger.Logger) *RunHandler {
	return &RunHandler{runner: runner, streams: streams, stream: stream, runs: runs, now: time.Now, logger: logger}
}

// Enqueue queues a stage job for the workers
// POST /api/v1/runs
func (h *RunHandler) Enqueue(c echo.Context) error {
	ctx := c.Request().Context()

	var req RunRequest
	if err := Bind(c, &req); err != nil {
		return err
	}
	if req.Table == "" {
		return BadRequest("table is required")
	}
	if _, err := h.runner.Registry().Get(req.Namespace, req.Table); err != nil {
		return NotFound(err.Error())
	}
	if _, err := pipeline.ParseRunConfig(req.Conf, h.now()); err != nil {
		return BadRequest(err.Error())
	}

	job := &redis.StageJob{Namespace: req.Namespace, Table: req.Table, Conf: req.Conf}
	if runID, ok := req.Conf["run_id"].(string); ok {
		job.RunID = runID
	}
	if req.Stage != "" {
		job.Stages = []string{req.Stage}
	}

	msgID, err := queue.Enqueue(ctx, h.streams, h.stream, job)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to enqueue stage job")
		return err
	}
	return AcceptedResponse(c, EnqueueResponse{JobID: job.ID, MessageID: msgID, RunID: job.RunID})
}

// RunSync runs inline and reports every stage outcome
// POST /api/v1/runs/sync
func (h *RunHandler) RunSync(c echo.Context) error {
	ctx := c.Request().Context()

	var req RunRequest
	if err := Bind(c, &req); err != nil {
		return err
	}
	if req.Table == "" && req.Stage != "" {
		return BadRequest("stage requires a table")
	}
	cfg, err := pipeline.ParseRunConfig(req.Conf, h.now())
	if err != nil {
		return BadRequest(err.Error())
	}

	var outcomes []*pipeline.RunOutcome
	var runErr error
	switch {
	case req.Table == "":
		if len(h.runner.Registry().Tables(req.Namespace)) == 0 {
			return NotFound("unknown namespace " + req.Namespace)
		}
		outcomes, runErr = h.runner.RunPipeline(ctx, req.Namespace, cfg)
	case req.Stage == "":
		outcomes, runErr = h.runner.RunTable(ctx, req.Namespace, req.Table, cfg)
	default:
		var outcome *pipeline.RunOutcome
		outcome, runErr = h.runner.Run(ctx, req.Namespace, req.Table, pipeline.Stage(req.Stage), cfg)
		if outcome != nil {
			outcomes = append(outcomes, outcome)
		}
	}
	if errors.Is(runErr, pipeline.ErrStageNotFound) && len(outcomes) == 0 {
		return NotFound(runErr.Error())
	}

	resp := SyncRunResponse{RunID: cfg.RunID, Outcomes: make([]OutcomeResponse, 0, len(outcomes))}
	for _, o := range outcomes {
		resp.Outcomes = append(resp.Outcomes, outcomeResponse(o))
	}
	if runErr != nil {
		resp.Error = runErr.Error()
		return c.JSON(http.StatusInternalServerError, resp)
	}
	return SuccessResponse(c, resp)
}

// List returns recent runs
// GET /api/v1/runs
func (h *RunHandler) List(c echo.Context) error {
	runs, err := h.runs.List(c.Request().Context(), repositories.RunFilter{
		RunID:     c.QueryParam("run_id"),
		Namespace: c.QueryParam("namespace"),
		Table:     c.QueryParam("table"),
		Stage:     c.QueryParam("stage"),
		Status:    models.RunStatus(c.QueryParam("status")),
		Limit:     QueryInt(c, "limit", repositories.DefaultListLimit),
	})
	if err != nil {
		return err
	}
	return SuccessResponse(c, RunListResponse{Runs: runs, Count: len(runs)})
}

// Get returns one run
// GET /api/v1/runs/:id
func (h *RunHandler) Get(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	run, err := h.runs.GetByID(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, run)
}

func (h *RunHandler) RegisterRoutes(g *echo.Group) {
	runs := g.Group("/runs")
	runs.POST("", h.Enqueue)
	runs.POST("/sync", h.RunSync)
	if h.runs != nil {
		runs.GET("", h.List)
		runs.GET("/:id", h.Get)
	}
}

func outcomeResponse(o *pipeline.RunOutcome) OutcomeResponse {
	return OutcomeResponse{
		Namespace:  o.Namespace,
		Table:      o.Table,
		Stage:      string(o.Stage),
		Status:     string(o.Status),
		SkipReason: string(o.SkipReason),
		Records:    o.Records,
		HasNewData: o.HasNewData,
		StartedAt:  o.StartedAt.UTC().Format(time.RFC3339),
		Duration:   o.Duration.Seconds(),
	}
}
