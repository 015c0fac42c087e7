package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danhnguyen123/data-engineering-outsource/internal/repositories"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/health"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/models"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/objectstore"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/pipeline"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/redis"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/redis/redistest"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/sources/amis"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/sources/myspa"
)

func noopLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeStream struct {
	published []*redis.StageJob
}

func (s *fakeStream) Publish(_ context.Context, _ string, job *redis.StageJob) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	s.published = append(s.published, job)
	return "1-0", nil
}

func (s *fakeStream) CreateConsumerGroup(context.Context, string, string) error { return nil }

func (s *fakeStream) Consume(context.Context, string, string, string, int64, time.Duration) ([]redis.StreamMessage, error) {
	return nil, nil
}

func (s *fakeStream) Ack(context.Context, string, string, ...string) error { return nil }

func (s *fakeStream) Pending(context.Context, string, string, time.Duration, int64) ([]string, error) {
	return nil, nil
}

func (s *fakeStream) Claim(context.Context, string, string, string, time.Duration, ...string) ([]redis.StreamMessage, error) {
	return nil, nil
}

type fakeRuns struct {
	runs   []models.PipelineRun
	filter repositories.RunFilter
}

func (f *fakeRuns) Create(context.Context, *models.PipelineRun) error { return nil }
func (f *fakeRuns) Finish(context.Context, *models.PipelineRun) error { return nil }

func (f *fakeRuns) GetByID(_ context.Context, id uuid.UUID) (*models.PipelineRun, error) {
	for i := range f.runs {
		if f.runs[i].ID == id {
			return &f.runs[i], nil
		}
	}
	return nil, repositories.NotFound("pipeline run %s does not exist", id)
}

func (f *fakeRuns) List(_ context.Context, filter repositories.RunFilter) ([]models.PipelineRun, error) {
	f.filter = filter
	return f.runs, nil
}

type fakeDLQ struct {
	entries []redis.DLQEntry
	retried string
}

func (d *fakeDLQ) List(context.Context, int64) ([]redis.DLQEntry, error) { return d.entries, nil }

func (d *fakeDLQ) Get(_ context.Context, id string) (*redis.DLQEntry, error) {
	for i := range d.entries {
		if d.entries[i].MessageID == id {
			return &d.entries[i], nil
		}
	}
	return nil, nil
}

func (d *fakeDLQ) Delete(context.Context, string) error { return nil }
func (d *fakeDLQ) Count(context.Context) (int64, error) { return int64(len(d.entries)), nil }

func (d *fakeDLQ) Retry(ctx context.Context, id string, jobs redis.JobPublisher, queue string) error {
	d.retried = id
	_, err := jobs.Publish(ctx, queue, d.entries[0].OriginalJob)
	return err
}

type fakeCallbacks struct {
	stored []*amis.CallbackRequest
}

func (f *fakeCallbacks) Store(_ context.Context, req *amis.CallbackRequest) error {
	f.stored = append(f.stored, req)
	return nil
}

type fakeObjects struct {
	err error
}

func (f *fakeObjects) Handle(_ context.Context, evt myspa.ObjectEvent) (*myspa.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	entity, ok := myspa.Route(evt.Name)
	return &myspa.Result{Entity: entity, Rows: 3, Skipped: !ok}, nil
}

type testServer struct {
	e         *echo.Echo
	stream    *fakeStream
	runs      *fakeRuns
	dlq       *fakeDLQ
	callbacks *fakeCallbacks
	objects   *fakeObjects
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := noopLogger()

	registry := pipeline.NewRegistry()
	extract := func(context.Context, pipeline.RunConfig) (pipeline.StageResult, error) {
		return pipeline.Result(4, true), nil
	}
	failing := func(context.Context, pipeline.RunConfig) (pipeline.StageResult, error) {
		return pipeline.StageResult{}, errors.New("upstream down")
	}
	require.NoError(t, registry.Register(
		&pipeline.Table{Namespace: "eshop", Name: "invoices", Extract: extract, Load: extract, SignalGated: true},
		&pipeline.Table{Namespace: "amis", Name: "stock", Extract: failing},
	))
	runner := pipeline.NewRunner(pipeline.RunnerOptions{
		Registry: registry,
		Signals:  pipeline.NewSignalStore(redistest.NewCache()),
		Locker:   redistest.NewLocker(),
	}, logger)

	s := &testServer{
		stream:    &fakeStream{},
		runs:      &fakeRuns{},
		callbacks: &fakeCallbacks{},
		objects:   &fakeObjects{},
	}
	s.dlq = &fakeDLQ{entries: []redis.DLQEntry{{
		MessageID: "9-0", Namespace: "amis", Table: "stock", Reason: redis.ReasonMaxRetries,
		OriginalJob: &redis.StageJob{ID: "job-9", Namespace: "amis", Table: "stock"},
	}}}

	s.e = NewServer(ServerOptions{
		AppName:   "etl-test",
		Health:    health.NewChecker("test"),
		Runs:      NewRunHandler(runner, s.stream, "etl:stage-runs", s.runs, logger),
		DLQ:       NewDLQHandler(s.dlq, s.stream, "etl:stage-runs", logger),
		Functions: NewFunctionHandler(s.callbacks, s.objects, logger),
	}, logger)
	return s
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestEnqueueRun(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/v1/runs", RunRequest{
		Namespace: "eshop", Table: "invoices", Stage: "extract",
		Conf: map[string]any{"start_date": "2024-06-01", "end_date": "2024-06-02"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decode[EnqueueResponse](t, rec)
	assert.NotEmpty(t, resp.RunID)
	require.Len(t, s.stream.published, 1)
	job := s.stream.published[0]
	assert.Equal(t, []string{"extract"}, job.Stages)
	assert.Equal(t, resp.RunID, job.RunID)
	assert.Equal(t, "2024-06-01", job.Conf["start_date"])
}

func TestEnqueueRejectsBadRequests(t *testing.T) {
	s := newTestServer(t)

	cases := map[string]struct {
		req  RunRequest
		code int
	}{
		"unknown stage": {RunRequest{Namespace: "eshop", Table: "invoices", Stage: "publish"}, http.StatusBadRequest},
		"no table":      {RunRequest{Namespace: "eshop"}, http.StatusBadRequest},
		"unknown table": {RunRequest{Namespace: "eshop", Table: "orders"}, http.StatusNotFound},
		"bad conf":      {RunRequest{Namespace: "eshop", Table: "invoices", Conf: map[string]any{"start_date": "June"}}, http.StatusBadRequest},
	}
	for name, tc := range cases {
		rec := s.do(http.MethodPost, "/api/v1/runs", tc.req)
		assert.Equal(t, tc.code, rec.Code, name)
	}
	assert.Empty(t, s.stream.published)
}

func TestRunSyncTable(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/v1/runs/sync", RunRequest{Namespace: "eshop", Table: "invoices"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[SyncRunResponse](t, rec)
	require.Len(t, resp.Outcomes, 2)
	assert.Equal(t, "extract", resp.Outcomes[0].Stage)
	assert.Equal(t, 4, resp.Outcomes[0].Records)
	assert.Equal(t, "load", resp.Outcomes[1].Stage)
	assert.Equal(t, string(models.RunStatusSuccess), resp.Outcomes[1].Status)
}

func TestRunSyncReportsFailures(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/v1/runs/sync", RunRequest{Namespace: "amis"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	resp := decode[SyncRunResponse](t, rec)
	assert.Contains(t, resp.Error, "upstream down")
	require.Len(t, resp.Outcomes, 1)
	assert.Equal(t, string(models.RunStatusFailed), resp.Outcomes[0].Status)

	rec = s.do(http.MethodPost, "/api/v1/runs/sync", RunRequest{Namespace: "hubspot"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunHistory(t *testing.T) {
	s := newTestServer(t)
	id := uuid.New()
	s.runs.runs = []models.PipelineRun{{ID: id, RunID: "run-1", Namespace: "eshop", Table: "invoices", Stage: "load", Status: models.RunStatusSuccess}}

	rec := s.do(http.MethodGet, "/api/v1/runs?namespace=eshop&status=success&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[RunListResponse](t, rec)
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, repositories.RunFilter{Namespace: "eshop", Status: models.RunStatusSuccess, Limit: 5}, s.runs.filter)

	rec = s.do(http.MethodGet, "/api/v1/runs/"+id.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "run-1", decode[models.PipelineRun](t, rec).RunID)

	rec = s.do(http.MethodGet, "/api/v1/runs/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/runs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDLQ(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/v1/dlq", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[DLQListResponse](t, rec)
	assert.Equal(t, int64(1), list.Total)
	assert.Equal(t, redis.ReasonMaxRetries, list.Entries[0].Reason)

	rec = s.do(http.MethodGet, "/api/v1/dlq/1-0", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/dlq/9-0/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "9-0", s.dlq.retried)
	require.Len(t, s.stream.published, 1)
	assert.Equal(t, "job-9", s.stream.published[0].ID)
}

func TestDLQFiltersAndStats(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/v1/dlq?namespace=eshop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[DLQListResponse](t, rec)
	assert.Empty(t, list.Entries)
	assert.Equal(t, int64(1), list.Total)

	rec = s.do(http.MethodGet, "/api/v1/dlq/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[DLQStatsResponse](t, rec)
	assert.Equal(t, 1, stats.ByReason[string(redis.ReasonMaxRetries)])
	assert.Equal(t, 1, stats.ByNamespace["amis"])

	rec = s.do(http.MethodPost, "/api/v1/dlq/retry?reason=timeout", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[DLQRetryResponse](t, rec).Retried)
	assert.Empty(t, s.stream.published)

	rec = s.do(http.MethodPost, "/api/v1/dlq/retry?namespace=amis", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"9-0"}, decode[DLQRetryResponse](t, rec).Retried)
	assert.Len(t, s.stream.published, 1)
}

func TestAmisCallbackEchoesStatus(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/v1/amis/callback", map[string]any{
		"success": false, "error_code": "DuplicateRefNo", "error_message": "duplicate",
		"signature": "sig", "data_type": 1, "data": "[{\"RefID\":\"a\"}]",
		"org_company_code": "org", "app_id": "app",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[amis.CallbackResponse](t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, "DuplicateRefNo", resp.ErrorCode)
	assert.Equal(t, "duplicate", resp.ErrorMessage)
	assert.Equal(t, "[{\"RefID\":\"a\"}]", resp.Data)
	require.Len(t, s.callbacks.stored, 1)
	assert.Equal(t, "org", s.callbacks.stored[0].OrgCompanyCode)
}

func TestAmisCallbackDecodeFailure(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/v1/amis/callback", "{not json")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	resp := decode[amis.CallbackResponse](t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, "Exception", resp.ErrorCode)
	assert.NotEmpty(t, resp.ErrorMessage)
	assert.Empty(t, s.callbacks.stored)
}

func TestObjectEvents(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/v1/objects/events", myspa.ObjectEvent{Bucket: "uploads", Name: "order/june.xlsx"})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[myspa.Result](t, rec)
	assert.Equal(t, myspa.EntityOrder, res.Entity)

	rec = s.do(http.MethodPost, "/api/v1/objects/events", map[string]string{"bucket": "uploads"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.objects.err = objectstore.ErrObjectNotFound
	rec = s.do(http.MethodPost, "/api/v1/objects/events", myspa.ObjectEvent{Bucket: "uploads", Name: "order/gone.xlsx"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProbesAndMetrics(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health/live", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, s.do(http.MethodGet, "/health/ready", nil).Code)

	rec := s.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
