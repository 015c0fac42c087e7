package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/auth"
	appctx "github.com/danhnguyen123/data-engineering-outsource/pkg/context"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/httpclient"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/kafka"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/metrics"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/models"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/redis"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/tracing"
)

const (
	DefaultLockTTL = 2 * time.Hour
	DefaultSLA     = 2 * time.Minute
)

// Locker serialises runs of the same stage.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (redis.Lock, error)
}

// Notifier delivers alert text to operators.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// RunRecorder persists stage run history.
type RunRecorder interface {
	Create(ctx context.Context, run *models.PipelineRun) error
	Finish(ctx context.Context, run *models.PipelineRun) error
}

// EventPublisher emits stage lifecycle events.
type EventPublisher interface {
	PublishStageEvent(ctx context.Context, evt *kafka.StageEvent) error
}

// RunOutcome describes one stage invocation.
type RunOutcome struct {
	RunID      string
	Namespace  string
	Table      string
	Stage      Stage
	Status     models.RunStatus
	SkipReason models.SkipReason
	Records    int
	HasNewData *bool
	StartedAt  time.Time
	Duration   time.Duration
}

// RunnerOptions wires the runner's collaborators. Recorder, Events and Notifier are optional.
type RunnerOptions struct {
	Registry *Registry
	Signals  *SignalStore
	Locker   Locker
	Recorder RunRecorder
	Events   EventPublisher
	Notifier Notifier
	LockTTL  time.Duration
	Now      func() time.Time
}

// Runner executes stages with flag checks, signal gating, locking, history and alerts.
type Runner struct {
	registry *Registry
	signals  *SignalStore
	locker   Locker
	recorder RunRecorder
	events   EventPublisher
	notifier Notifier
	lockTTL  time.Duration
	now      func() time.Time
	logger   ectologger.Logger
}

func NewRunner(opts RunnerOptions, logger ectologger.Logger) *Runner {
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{
		registry: opts.Registry,
		signals:  opts.Signals,
		locker:   opts.Locker,
		recorder: opts.Recorder,
		events:   opts.Events,
		notifier: opts.Notifier,
		lockTTL:  opts.LockTTL,
		now:      opts.Now,
		logger:   logger,
	}
}

func (r *Runner) Registry() *Registry {
	return r.registry
}

// Run executes one stage of namespace.table.
func (r *Runner) Run(ctx context.Context, namespace, table string, stage Stage, cfg RunConfig) (*RunOutcome, error) {
	t, err := r.registry.Get(namespace, table)
	if err != nil {
		return nil, err
	}
	fn := t.Stage(stage)
	if fn == nil {
		return nil, fmt.Errorf("%w: %s has no %s stage", ErrStageNotFound, t.Key(), stage)
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}
	if cfg.Attempt <= 0 {
		cfg.Attempt = 1
	}

	ctx = appctx.SetRunID(ctx, cfg.RunID)
	ctx = appctx.SetStage(ctx, namespace, table, string(stage))
	ctx, span := tracing.StartSpan(ctx, "Runner.Run", tracing.StageAttributes(cfg.RunID, namespace, table, string(stage))...)
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(appctx.Fields(ctx))
	outcome := &RunOutcome{
		RunID:     cfg.RunID,
		Namespace: namespace,
		Table:     table,
		Stage:     stage,
		StartedAt: r.now(),
	}

	if !cfg.Flags(t).Enabled(stage) {
		log.Debugf("Skip %s job !", stage)
		return r.skip(outcome, models.SkipReasonDisabled), nil
	}

	if stage != StageExtract && t.SignalGated {
		hasNewData, found, err := r.signals.Get(ctx, cfg.RunID, namespace, table)
		if err != nil {
			tracing.RecordError(span, err)
			return r.fail(outcome), fmt.Errorf("failed to read %s signal: %w", SignalHasNewData, err)
		}
		if !found || !hasNewData {
			log.Infof("No new data for %s.%s, skipping %s", namespace, table, stage)
			return r.skip(outcome, models.SkipReasonNoNewData), nil
		}
	}

	lock, err := r.locker.Acquire(ctx, fmt.Sprintf("%s:%s:%s", namespace, table, stage), r.lockTTL)
	if err != nil {
		tracing.RecordError(span, err)
		return r.fail(outcome), fmt.Errorf("%s.%s %s: %w", namespace, table, stage, err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("Failed to release stage lock")
		}
	}()

	run := &models.PipelineRun{
		ID:        uuid.New(),
		RunID:     cfg.RunID,
		Namespace: namespace,
		Table:     table,
		Stage:     string(stage),
		Status:    models.RunStatusRunning,
		Attempt:   cfg.Attempt,
		StartedAt: outcome.StartedAt,
		Window:    models.RunWindow{StartDate: cfg.StartDate, EndDate: cfg.EndDate},
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		run.TraceID = &traceID
	}
	r.record(ctx, run, true)
	r.publish(ctx, &kafka.StageEvent{
		Type: kafka.EventStageStarted, RunID: cfg.RunID, Namespace: namespace, Table: table, Stage: string(stage),
		Status: string(models.RunStatusRunning),
	})

	log.Infof("Start %s %s.%s (%s..%s) attempt %d", stage, namespace, table, cfg.StartDate, cfg.EndDate, cfg.Attempt)
	result, runErr := fn(ctx, cfg)
	outcome.Duration = r.now().Sub(outcome.StartedAt)
	outcome.Records = result.Records
	outcome.HasNewData = result.HasNewData

	if runErr == nil && stage == StageExtract && result.HasNewData != nil {
		if err := r.signals.Set(ctx, cfg.RunID, namespace, table, *result.HasNewData); err != nil {
			runErr = fmt.Errorf("failed to publish %s signal: %w", SignalHasNewData, err)
		}
	}

	completedAt := outcome.StartedAt.Add(outcome.Duration)
	durationMs := outcome.Duration.Milliseconds()
	run.CompletedAt = &completedAt
	run.DurationMs = &durationMs
	run.Records = result.Records
	run.HasNewData = result.HasNewData

	evt := &kafka.StageEvent{
		Type: kafka.EventStageCompleted, RunID: cfg.RunID, Namespace: namespace, Table: table, Stage: string(stage),
		Records: result.Records, HasNewData: result.HasNewData, DurationMs: durationMs,
	}

	if runErr != nil {
		tracing.RecordError(span, runErr)
		outcome.Status = models.RunStatusFailed
		msg := runErr.Error()
		errType := Classify(runErr)
		run.Status = models.RunStatusFailed
		run.ErrorMessage = &msg
		run.ErrorType = &errType
		evt.Error = msg
		log.WithError(runErr).Errorf("%s %s.%s failed after %s", stage, namespace, table, outcome.Duration)
	} else {
		outcome.Status = models.RunStatusSuccess
		run.Status = models.RunStatusSuccess
		log.Infof("%s %s.%s finished: %d records in %s", stage, namespace, table, result.Records, outcome.Duration)
	}
	evt.Status = string(outcome.Status)

	r.record(ctx, run, false)
	r.publish(ctx, evt)
	metrics.RecordStage(namespace, table, string(stage), string(outcome.Status), result.Records, outcome.Duration.Seconds())
	r.alert(ctx, t, stage, cfg, outcome, runErr)

	return outcome, runErr
}

// RunTable runs extract, transform and load of one table. Every stage runs even
// when an earlier one failed; the has_new_data signal gates what follows.
func (r *Runner) RunTable(ctx context.Context, namespace, table string, cfg RunConfig) ([]*RunOutcome, error) {
	t, err := r.registry.Get(namespace, table)
	if err != nil {
		return nil, err
	}

	var outcomes []*RunOutcome
	var errs []error
	for _, stage := range Stages {
		if t.Stage(stage) == nil {
			continue
		}
		outcome, err := r.Run(ctx, namespace, table, stage, cfg)
		if outcome != nil {
			outcomes = append(outcomes, outcome)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return outcomes, errors.Join(errs...)
}

// RunPipeline runs every table of a namespace in dependency order. A failed
// table does not stop the tables after it.
func (r *Runner) RunPipeline(ctx context.Context, namespace string, cfg RunConfig) ([]*RunOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, "Runner.RunPipeline", attribute.String("namespace", namespace))
	defer span.End()

	tables, err := r.registry.Order(namespace)
	if err != nil {
		return nil, err
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}

	var outcomes []*RunOutcome
	var errs []error
	for _, t := range tables {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		out, err := r.RunTable(ctx, namespace, t.Name, cfg)
		outcomes = append(outcomes, out...)
		if err != nil {
			errs = append(errs, err)
		}
	}

	err = errors.Join(errs...)
	if err != nil {
		tracing.RecordError(span, err)
	}
	return outcomes, err
}

func (r *Runner) skip(outcome *RunOutcome, reason models.SkipReason) *RunOutcome {
	outcome.Status = models.RunStatusSkipped
	outcome.SkipReason = reason
	metrics.RecordStage(outcome.Namespace, outcome.Table, string(outcome.Stage), string(models.RunStatusSkipped), 0, 0)
	return outcome
}

// fail marks a stage that could not start
func (r *Runner) fail(outcome *RunOutcome) *RunOutcome {
	outcome.Status = models.RunStatusFailed
	outcome.Duration = r.now().Sub(outcome.StartedAt)
	return outcome
}

func (r *Runner) record(ctx context.Context, run *models.PipelineRun, create bool) {
	if r.recorder == nil {
		return
	}
	var err error
	if create {
		err = r.recorder.Create(ctx, run)
	} else {
		err = r.recorder.Finish(ctx, run)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Warnf("Failed to record run %s", run.ID)
	}
}

func (r *Runner) publish(ctx context.Context, evt *kafka.StageEvent) {
	if r.events == nil {
		return
	}
	if err := r.events.PublishStageEvent(ctx, evt); err != nil {
		r.logger.WithContext(ctx).WithError(err).Warnf("Failed to publish %s", evt.Type)
	}
}

func (r *Runner) alert(ctx context.Context, t *Table, stage Stage, cfg RunConfig, outcome *RunOutcome, runErr error) {
	if r.notifier == nil {
		return
	}
	task := fmt.Sprintf("%s_%s", t.Name, stage)

	var messages []string
	if runErr != nil {
		messages = append(messages, fmt.Sprintf("[ERROR] %s %s \n %s", t.Namespace, task, runErr))
		if cfg.Attempt > 1 {
			messages = append(messages, fmt.Sprintf("[RETRY] %s %s \n %s", t.Namespace, task, runErr))
		}
	}

	sla := r.registry.SLA(t.Namespace)
	if sla <= 0 {
		sla = DefaultSLA
	}
	if outcome.Duration > sla {
		end := outcome.StartedAt.Add(outcome.Duration)
		messages = append(messages, fmt.Sprintf("[TIMEOUT] %s %s \n Start time: %s | End time: %s",
			t.Namespace, task, outcome.StartedAt.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339)))
	}

	for _, msg := range messages {
		if err := r.notifier.Notify(ctx, msg); err != nil {
			r.logger.WithContext(ctx).WithError(err).Warn("Failed to send alert")
		}
	}
}

// Classify maps a stage error to an ErrorType for run history.
func Classify(err error) models.ErrorType {
	var statusErr *httpclient.StatusError
	switch {
	case errors.Is(err, redis.ErrLockNotAcquired):
		return models.ErrorTypeLocked
	case errors.Is(err, auth.ErrLoginFailed), errors.Is(err, auth.ErrTokenExtractionFailed):
		return models.ErrorTypeAuth
	case errors.As(err, &statusErr):
		switch {
		case statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden:
			return models.ErrorTypeAuth
		case statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500:
			return models.ErrorTypeTransient
		default:
			return models.ErrorTypePermanent
		}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return models.ErrorTypeTransient
	}
	return models.ErrorTypeTransient
}
