package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danhnguyen123/data-engineering-outsource/config"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/auth"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/httpclient"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/kafka"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/models"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/redis"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/redis/redistest"
)

var fixedNow = time.Date(2024, 6, 2, 3, 0, 0, 0, time.UTC)

func noopLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type memRecorder struct {
	mu   sync.Mutex
	runs map[string]models.PipelineRun
}

func (m *memRecorder) Create(_ context.Context, run *models.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID.String()] = *run
	return nil
}

func (m *memRecorder) Finish(ctx context.Context, run *models.PipelineRun) error {
	return m.Create(ctx, run)
}

type memEvents struct {
	mu     sync.Mutex
	events []kafka.StageEvent
}

func (m *memEvents) PublishStageEvent(_ context.Context, evt *kafka.StageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *evt)
	return nil
}

type memNotifier struct {
	messages []string
}

func (m *memNotifier) Notify(_ context.Context, msg string) error {
	m.messages = append(m.messages, msg)
	return nil
}

type harness struct {
	runner   *Runner
	registry *Registry
	cache    *redistest.Cache
	locker   *redistest.Locker
	recorder *memRecorder
	events   *memEvents
	notifier *memNotifier
	clock    time.Time
}

func newHarness(t *testing.T, tables ...*Table) *harness {
	t.Helper()
	h := &harness{
		registry: NewRegistry(),
		cache:    redistest.NewCache(),
		locker:   redistest.NewLocker(),
		recorder: &memRecorder{runs: map[string]models.PipelineRun{}},
		events:   &memEvents{},
		notifier: &memNotifier{},
		clock:    fixedNow,
	}
	require.NoError(t, h.registry.Register(tables...))
	h.runner = NewRunner(RunnerOptions{
		Registry: h.registry,
		Signals:  NewSignalStore(h.cache),
		Locker:   h.locker,
		Recorder: h.recorder,
		Events:   h.events,
		Notifier: h.notifier,
		Now:      func() time.Time { return h.clock },
	}, noopLogger())
	return h
}

func counting(calls *[]string, name string, result StageResult, err error) StageFunc {
	return func(_ context.Context, _ RunConfig) (StageResult, error) {
		*calls = append(*calls, name)
		return result, err
	}
}

func TestParseRunConfig(t *testing.T) {
	cfg, err := ParseRunConfigJSON([]byte(`{
		"start_date": "2024-05-01",
		"end_date": "2024-05-02",
		"invoices": {"extract": false},
		"page": {"page_id": "p1"},
		"attempt": 2
	}`), fixedNow)
	require.NoError(t, err)

	assert.Equal(t, "2024-05-01", cfg.StartDate)
	assert.Equal(t, "2024-05-02", cfg.EndDate)
	assert.Equal(t, 2, cfg.Attempt)
	assert.Equal(t, StageFlags{Extract: false, Transform: true, Load: true}, cfg.Tables["invoices"])
	assert.Equal(t, map[string]any{"page_id": "p1"}, cfg.Vars["page"])
	assert.NotEmpty(t, cfg.RunID)
}

func TestParseRunConfigDefaults(t *testing.T) {
	cfg, err := ParseRunConfigJSON(nil, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01", cfg.StartDate)
	assert.Equal(t, "2024-06-02", cfg.EndDate)
	assert.Equal(t, 1, cfg.Attempt)

	_, err = ParseRunConfig(map[string]any{"start_date": "2024-06-03", "end_date": "2024-06-01"}, fixedNow)
	assert.Error(t, err)
	_, err = ParseRunConfig(map[string]any{"start_date": "06/03/2024"}, fixedNow)
	assert.Error(t, err)
}

func TestFlagsUseTableDefaults(t *testing.T) {
	tbl := &Table{Name: "stocks", Disabled: []Stage{StageLoad}}
	cfg := NewRunConfig(fixedNow)
	assert.Equal(t, StageFlags{Extract: true, Transform: true, Load: false}, cfg.Flags(tbl))

	cfg.Tables["stocks"] = AllStages()
	assert.True(t, cfg.Flags(tbl).Load)
}

func TestRunUnknownStage(t *testing.T) {
	h := newHarness(t, &Table{Namespace: "pancake", Name: "customers", Extract: counting(new([]string), "e", StageResult{}, nil)})

	_, err := h.runner.Run(context.Background(), "pancake", "customers", StageTransform, NewRunConfig(fixedNow))
	assert.ErrorIs(t, err, ErrStageNotFound)

	_, err = h.runner.Run(context.Background(), "pancake", "nope", StageExtract, NewRunConfig(fixedNow))
	assert.ErrorIs(t, err, ErrStageNotFound)
}

func TestRunDisabledStageIsSkipped(t *testing.T) {
	var calls []string
	h := newHarness(t, &Table{Namespace: "eshop", Name: "invoices", Extract: counting(&calls, "extract", StageResult{}, nil)})

	cfg := NewRunConfig(fixedNow)
	cfg.Tables["invoices"] = StageFlags{Extract: false, Transform: true, Load: true}

	out, err := h.runner.Run(context.Background(), "eshop", "invoices", StageExtract, cfg)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSkipped, out.Status)
	assert.Equal(t, models.SkipReasonDisabled, out.SkipReason)
	assert.Empty(t, calls)
	assert.Empty(t, h.recorder.runs)
}

func TestSignalGatesTransformAndLoad(t *testing.T) {
	var calls []string
	tbl := &Table{
		Namespace:   "eshop",
		Name:        "invoices",
		SignalGated: true,
		Extract:     counting(&calls, "extract", Result(0, false), nil),
		Transform:   counting(&calls, "transform", StageResult{Records: 3}, nil),
		Load:        counting(&calls, "load", StageResult{}, nil),
	}
	h := newHarness(t, tbl)
	ctx := context.Background()
	cfg := NewRunConfig(fixedNow)

	// no signal yet
	out, err := h.runner.Run(ctx, "eshop", "invoices", StageTransform, cfg)
	require.NoError(t, err)
	assert.Equal(t, models.SkipReasonNoNewData, out.SkipReason)

	outs, err := h.runner.RunTable(ctx, "eshop", "invoices", cfg)
	require.NoError(t, err)
	require.Len(t, outs, 3)
	assert.Equal(t, []string{"extract"}, calls)
	assert.Equal(t, models.RunStatusSkipped, outs[1].Status)
	assert.Equal(t, models.RunStatusSkipped, outs[2].Status)

	tbl.Extract = counting(&calls, "extract", Result(5, true), nil)
	outs, err = h.runner.RunTable(ctx, "eshop", "invoices", cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"extract", "extract", "transform", "load"}, calls)
	assert.Equal(t, 3, outs[1].Records)

	has, found, err := h.runner.signals.Get(ctx, cfg.RunID, "eshop", "invoices")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, has)
	assert.Equal(t, DefaultSignalTTL, h.cache.TTLs[h.runner.signals.Key(cfg.RunID, "eshop", "invoices")])
}

func TestRunRecordsHistoryAndEvents(t *testing.T) {
	h := newHarness(t, &Table{Namespace: "amis", Name: "stocks", Extract: counting(new([]string), "e", Result(7, true), nil)})

	out, err := h.runner.Run(context.Background(), "amis", "stocks", StageExtract, NewRunConfig(fixedNow))
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, out.Status)
	assert.Equal(t, 7, out.Records)

	require.Len(t, h.recorder.runs, 1)
	for _, run := range h.recorder.runs {
		assert.Equal(t, models.RunStatusSuccess, run.Status)
		assert.Equal(t, 7, run.Records)
		require.NotNil(t, run.CompletedAt)
	}

	require.Len(t, h.events.events, 2)
	assert.Equal(t, kafka.EventStageStarted, h.events.events[0].Type)
	assert.Equal(t, kafka.EventStageCompleted, h.events.events[1].Type)
	assert.Equal(t, "success", h.events.events[1].Status)
	assert.False(t, h.locker.Held("amis:stocks:extract"))
	assert.Empty(t, h.notifier.messages)
}

func TestRunFailureAlerts(t *testing.T) {
	boom := errors.New("boom")
	h := newHarness(t, &Table{Namespace: "eshop", Name: "invoices", Extract: counting(new([]string), "e", StageResult{}, boom)})

	cfg := NewRunConfig(fixedNow)
	cfg.Attempt = 2
	out, err := h.runner.Run(context.Background(), "eshop", "invoices", StageExtract, cfg)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, models.RunStatusFailed, out.Status)

	require.Len(t, h.notifier.messages, 2)
	assert.Equal(t, "[ERROR] eshop invoices_extract \n boom", h.notifier.messages[0])
	assert.True(t, strings.HasPrefix(h.notifier.messages[1], "[RETRY] eshop invoices_extract"))

	for _, run := range h.recorder.runs {
		require.NotNil(t, run.ErrorType)
		assert.Equal(t, models.ErrorTypeTransient, *run.ErrorType)
		assert.Equal(t, "boom", *run.ErrorMessage)
	}
}

func TestRunTimeoutAlert(t *testing.T) {
	var h *harness
	slow := func(_ context.Context, _ RunConfig) (StageResult, error) {
		h.clock = h.clock.Add(3 * time.Minute)
		return StageResult{}, nil
	}
	h = newHarness(t, &Table{Namespace: "gsheet", Name: "ttc_survey", Extract: slow})

	_, err := h.runner.Run(context.Background(), "gsheet", "ttc_survey", StageExtract, NewRunConfig(fixedNow))
	require.NoError(t, err)
	require.Len(t, h.notifier.messages, 1)
	assert.Equal(t, "[TIMEOUT] gsheet ttc_survey_extract \n Start time: 2024-06-02T03:00:00Z | End time: 2024-06-02T03:03:00Z", h.notifier.messages[0])
}

func TestRunLockHeld(t *testing.T) {
	var calls []string
	h := newHarness(t, &Table{Namespace: "eshop", Name: "invoices", Extract: counting(&calls, "e", StageResult{}, nil)})

	lock, err := h.locker.Acquire(context.Background(), "eshop:invoices:extract", time.Minute)
	require.NoError(t, err)
	defer lock.Release(context.Background())

	out, err := h.runner.Run(context.Background(), "eshop", "invoices", StageExtract, NewRunConfig(fixedNow))
	assert.ErrorIs(t, err, redis.ErrLockNotAcquired)
	require.NotNil(t, out)
	assert.Equal(t, models.RunStatusFailed, out.Status)
	assert.Empty(t, calls)
}

func TestRunPipelineOrderAndAllDone(t *testing.T) {
	var calls []string
	failing := errors.New("detail api down")
	h := newHarness(t,
		&Table{Namespace: "eshop", Name: "invoice_details", After: []string{"invoices"},
			Extract: counting(&calls, "invoice_details.extract", StageResult{}, failing)},
		&Table{Namespace: "eshop", Name: "invoices",
			Extract: counting(&calls, "invoices.extract", StageResult{}, nil),
			Load:    counting(&calls, "invoices.load", StageResult{}, nil)},
		&Table{Namespace: "eshop", Name: "inventory_items",
			Extract: counting(&calls, "inventory_items.extract", StageResult{}, nil)},
	)

	outs, err := h.runner.RunPipeline(context.Background(), "eshop", NewRunConfig(fixedNow))
	require.ErrorIs(t, err, failing)
	assert.Len(t, outs, 4)
	assert.Equal(t, []string{"invoices.extract", "invoices.load", "inventory_items.extract", "invoice_details.extract"}, calls)
}

func TestRegistryApply(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Table{Namespace: "amis", Name: "stocks"}, &Table{Namespace: "amis", Name: "supply_goods"}))
	assert.ErrorIs(t, r.Register(&Table{Namespace: "amis", Name: "stocks"}), ErrDuplicateTable)

	p, err := config.ParsePipelines([]byte(`
namespaces:
  amis:
    sla: 5m
    tables:
      - name: stocks
        disabled: [load]
      - name: supply_goods
        after: [stocks]
`))
	require.NoError(t, err)
	require.NoError(t, r.Apply(p))

	assert.Equal(t, 5*time.Minute, r.SLA("amis"))
	stocks, err := r.Get("amis", "stocks")
	require.NoError(t, err)
	assert.Equal(t, []Stage{StageLoad}, stocks.Disabled)
	assert.Equal(t, []string{"amis"}, r.Namespaces())

	order, err := r.Order("amis")
	require.NoError(t, err)
	assert.Equal(t, "stocks", order[0].Name)
	assert.Equal(t, "supply_goods", order[1].Name)
}

func TestRegistryCycle(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(
		&Table{Namespace: "x", Name: "a", After: []string{"b"}},
		&Table{Namespace: "x", Name: "b", After: []string{"a"}},
	))
	_, err := r.Order("x")
	assert.ErrorIs(t, err, ErrDependencyCycle)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, models.ErrorTypeAuth, Classify(&httpclient.StatusError{StatusCode: 401}))
	assert.Equal(t, models.ErrorTypePermanent, Classify(&httpclient.StatusError{StatusCode: 400}))
	assert.Equal(t, models.ErrorTypeTransient, Classify(&httpclient.StatusError{StatusCode: 503}))
	assert.Equal(t, models.ErrorTypeAuth, Classify(auth.ErrLoginFailed))
	assert.Equal(t, models.ErrorTypeLocked, Classify(redis.ErrLockNotAcquired))
}
