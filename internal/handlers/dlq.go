package handlers

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/redis"
)

// statsScanLimit caps how many entries Stats reads to break the total down
const statsScanLimit = 1000

// DeadLetters is the subset of redis.DeadLetterQueue the API exposes
type DeadLetters interface {
	List(ctx context.Context, count int64) ([]redis.DLQEntry, error)
	Get(ctx context.Context, messageID string) (*redis.DLQEntry, error)
	Delete(ctx context.Context, messageID string) error
	Count(ctx context.Context) (int64, error)
	Retry(ctx context.Context, messageID string, jobQueue redis.JobPublisher, queueName string) error
}

// DLQHandler lets operators inspect and replay dead-lettered stage jobs
type DLQHandler struct {
	dlq      DeadLetters
	streams  redis.JobPublisher
	jobQueue string
	logger   ectologger.Logger
}

func NewDLQHandler(dlq DeadLetters, streams redis.JobPublisher, jobQueue string, logger ectologger.Logger) *DLQHandler {
	return &DLQHandler{dlq: dlq, streams: streams, jobQueue: jobQueue, logger: logger}
}

type DLQListResponse struct {
	Entries []redis.DLQEntry `json:"entries"`
	Count   int              `json:"count"`
	Total   int64            `json:"total"`
}

type DLQStatsResponse struct {
	Total       int64           `json:"total"`
	ByReason    map[string]int  `json:"by_reason"`
	ByNamespace map[string]int  `json:"by_namespace"`
	Oldest      *redis.DLQEntry `json:"oldest,omitempty"`
}

type DLQRetryResponse struct {
	Retried []string          `json:"retried"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// dlqFilter matches entries on the namespace, table and reason query params
type dlqFilter struct {
	namespace, table string
	reason           redis.DeadLetterReason
}

func newDLQFilter(c echo.Context) dlqFilter {
	return dlqFilter{
		namespace: c.QueryParam("namespace"),
		table:     c.QueryParam("table"),
		reason:    redis.DeadLetterReason(c.QueryParam("reason")),
	}
}

func (f dlqFilter) match(e redis.DLQEntry) bool {
	return (f.namespace == "" || e.Namespace == f.namespace) &&
		(f.table == "" || e.Table == f.table) &&
		(f.reason == "" || e.Reason == f.reason)
}

// List returns dead-lettered stage jobs, newest first
// GET /api/v1/dlq?namespace=&table=&reason=&count=
func (h *DLQHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	entries, err := h.dlq.List(ctx, int64(QueryInt(c, "count", 100)))
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list DLQ entries")
		return err
	}
	total, err := h.dlq.Count(ctx)
	if err != nil {
		return err
	}

	matched := ectolinq.Filter(entries, newDLQFilter(c).match)
	return SuccessResponse(c, DLQListResponse{Entries: matched, Count: len(matched), Total: total})
}

// Get returns one entry
// GET /api/v1/dlq/:id
func (h *DLQHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	entry, err := h.dlq.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry == nil {
		return NotFound("DLQ entry " + id + " not found")
	}
	return SuccessResponse(c, entry)
}

// Retry puts one entry's job back on the stage queue with its attempts reset
// POST /api/v1/dlq/:id/retry
func (h *DLQHandler) Retry(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if err := h.dlq.Retry(ctx, id, h.streams, h.jobQueue); err != nil {
		h.logger.WithContext(ctx).WithError(err).Errorf("Failed to retry DLQ entry %s", id)
		return err
	}
	return SuccessResponse(c, DLQRetryResponse{Retried: []string{id}})
}

// RetryAll replays every entry matching the filter
// POST /api/v1/dlq/retry?namespace=&table=&reason=
func (h *DLQHandler) RetryAll(c echo.Context) error {
	ctx := c.Request().Context()

	entries, err := h.dlq.List(ctx, statsScanLimit)
	if err != nil {
		return err
	}

	resp := DLQRetryResponse{Retried: []string{}, Failed: map[string]string{}}
	for _, e := range ectolinq.Filter(entries, newDLQFilter(c).match) {
		if err := h.dlq.Retry(ctx, e.MessageID, h.streams, h.jobQueue); err != nil {
			resp.Failed[e.MessageID] = err.Error()
			continue
		}
		resp.Retried = append(resp.Retried, e.MessageID)
	}
	h.logger.WithContext(ctx).Infof("Retried %d DLQ entries, %d failed", len(resp.Retried), len(resp.Failed))
	return SuccessResponse(c, resp)
}

// Delete drops an entry without replaying it
// DELETE /api/v1/dlq/:id
func (h *DLQHandler) Delete(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.dlq.Delete(ctx, c.Param("id")); err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to delete DLQ entry")
		return err
	}
	return NoContentResponse(c)
}

// Stats breaks the queue down by reason and namespace
// GET /api/v1/dlq/stats
func (h *DLQHandler) Stats(c echo.Context) error {
	ctx := c.Request().Context()

	total, err := h.dlq.Count(ctx)
	if err != nil {
		return err
	}
	entries, err := h.dlq.List(ctx, statsScanLimit)
	if err != nil {
		return err
	}

	resp := DLQStatsResponse{Total: total, ByReason: map[string]int{}, ByNamespace: map[string]int{}}
	for i, e := range entries {
		resp.ByReason[string(e.Reason)]++
		resp.ByNamespace[e.Namespace]++
		if resp.Oldest == nil || e.CreatedAt.Before(resp.Oldest.CreatedAt) {
			resp.Oldest = &entries[i]
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *DLQHandler) RegisterRoutes(g *echo.Group) {
	dlq := g.Group("/dlq")
	dlq.GET("", h.List)
	dlq.GET("/stats", h.Stats)
	dlq.POST("/retry", h.RetryAll)
	dlq.GET("/:id", h.Get)
	dlq.POST("/:id/retry", h.Retry)
	dlq.DELETE("/:id", h.Delete)
}
