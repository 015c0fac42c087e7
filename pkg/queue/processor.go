// Package queue runs stage jobs published on a Redis stream.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/danhnguyen123/data-engineering-outsource/pkg/context"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/metrics"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/models"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/pipeline"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/redis"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/tracing"
)

var (
	// ErrInvalidJob is returned for jobs missing a namespace or table
	ErrInvalidJob = errors.New("invalid stage job")
)

const (
	// DefaultBatchSize is the default number of messages to consume at once
	DefaultBatchSize = 10

	// DefaultBlockTimeout is how long to block waiting for messages
	DefaultBlockTimeout = 5 * time.Second

	// DefaultMaxRetries is the default number of attempts for a job
	DefaultMaxRetries = 3

	// DefaultClaimInterval is how often to claim stale pending messages
	DefaultClaimInterval = 30 * time.Second

	// DefaultClaimMinIdle is the minimum idle time before claiming a message
	DefaultClaimMinIdle = 10 * time.Minute
)

// JobStream is the subset of redis.Streams the processor uses
type JobStream interface {
	Publish(ctx context.Context, stream string, job *redis.StageJob) (string, error)
	CreateConsumerGroup(ctx context.Context, stream, group string) error
	Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]redis.StreamMessage, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]string, error)
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]redis.StreamMessage, error)
}

// DeadLetters parks jobs that will not be retried
type DeadLetters interface {
	Add(ctx context.Context, entry *redis.DLQEntry) (string, error)
}

// StageRunner executes stages; *pipeline.Runner satisfies it
type StageRunner interface {
	Run(ctx context.Context, namespace, table string, stage pipeline.Stage, cfg pipeline.RunConfig) (*pipeline.RunOutcome, error)
	RunTable(ctx context.Context, namespace, table string, cfg pipeline.RunConfig) ([]*pipeline.RunOutcome, error)
}

// ProcessorConfig holds configuration for the job processor
type ProcessorConfig struct {
	// Stream name for the job queue
	Stream string

	// Consumer group name
	ConsumerGroup string

	// Consumer name (unique per instance)
	ConsumerName string

	// Number of messages to fetch per batch
	BatchSize int64

	// How long to block waiting for new messages
	BlockTimeout time.Duration

	// Attempts before a job is dead-lettered
	MaxRetries int

	// How often to check for and claim stale pending messages
	ClaimInterval time.Duration

	// Minimum idle time before claiming a pending message
	ClaimMinIdle time.Duration

	// Number of worker goroutines
	WorkerCount int
}

// DefaultProcessorConfig returns the default processor configuration
func DefaultProcessorConfig() ProcessorConfig {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = uuid.New().String()[:8]
	}

	return ProcessorConfig{
		Stream:        "etl:stage-runs",
		ConsumerGroup: "etl-workers",
		ConsumerName:  hostname,
		BatchSize:     DefaultBatchSize,
		BlockTimeout:  DefaultBlockTimeout,
		MaxRetries:    DefaultMaxRetries,
		ClaimInterval: DefaultClaimInterval,
		ClaimMinIdle:  DefaultClaimMinIdle,
		WorkerCount:   1,
	}
}

// JobResult holds the result of processing a job
type JobResult struct {
	JobID     string
	MessageID string
	Outcomes  []*pipeline.RunOutcome
	Error     error
	Duration  time.Duration
}

func (r *JobResult) Success() bool {
	return r.Error == nil
}

// Processor processes stage jobs from a Redis Streams queue
type Processor struct {
	streams JobStream
	dlq     DeadLetters
	runner  StageRunner
	config  ProcessorConfig
	now     func() time.Time
	logger  ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	jobsCh   chan redis.StreamMessage

	running bool
	mu      sync.RWMutex
}

func NewProcessor(streams JobStream, dlq DeadLetters, runner StageRunner, config ProcessorConfig, logger ectologger.Logger) *Processor {
	defaults := DefaultProcessorConfig()
	if config.Stream == "" {
		config.Stream = defaults.Stream
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = defaults.ConsumerGroup
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = DefaultBlockTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.ClaimInterval <= 0 {
		config.ClaimInterval = DefaultClaimInterval
	}
	if config.ClaimMinIdle <= 0 {
		config.ClaimMinIdle = DefaultClaimMinIdle
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}

	return &Processor{
		streams:  streams,
		dlq:      dlq,
		runner:   runner,
		config:   config,
		now:      time.Now,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
		jobsCh:   make(chan redis.StreamMessage, config.BatchSize*2),
	}
}

// Start creates the consumer group and starts the consumer, claimer and workers
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("processor already running")
	}
	p.running = true
	p.mu.Unlock()

	p.logger.WithContext(ctx).Infof("Starting stage job processor: stream=%s group=%s consumer=%s workers=%d",
		p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.WorkerCount)

	if err := p.streams.CreateConsumerGroup(ctx, p.config.Stream, p.config.ConsumerGroup); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to create consumer group")
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	var workers sync.WaitGroup
	for i := 0; i < p.config.WorkerCount; i++ {
		workers.Add(1)
		go p.worker(ctx, &workers, i)
	}

	var producers sync.WaitGroup
	producers.Add(2)
	go p.consumeLoop(ctx, &producers)
	go p.claimLoop(ctx, &producers)

	go func() {
		<-p.stopCh
		producers.Wait()
		close(p.jobsCh)
		workers.Wait()
		close(p.stoppedC)
	}()

	return nil
}

// Stop stops the processor, waiting for in-flight jobs until ctx is done
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.WithContext(ctx).Info("Stopping stage job processor...")
	close(p.stopCh)

	select {
	case <-p.stoppedC:
		p.logger.WithContext(ctx).Info("Stage job processor stopped gracefully")
	case <-ctx.Done():
		p.logger.WithContext(ctx).Warn("Stage job processor shutdown timed out")
		return ctx.Err()
	}
	return nil
}

func (p *Processor) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Processor) consumeLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		messages, err := p.streams.Consume(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName,
			p.config.BatchSize, p.config.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.WithContext(ctx).WithError(err).Warn("Failed to consume messages")
			select {
			case <-time.After(time.Second):
			case <-p.stopCh:
				return
			}
			continue
		}

		for _, msg := range messages {
			select {
			case p.jobsCh <- msg:
			case <-p.stopCh:
				return
			}
		}
	}
}

func (p *Processor) claimLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(p.config.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.claimPending(ctx)
		}
	}
}

// claimPending takes over messages left pending by a consumer that died mid-job
func (p *Processor) claimPending(ctx context.Context) {
	ids, err := p.streams.Pending(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.ClaimMinIdle, p.config.BatchSize)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to get pending messages")
		return
	}
	if len(ids) == 0 {
		return
	}

	claimed, err := p.streams.Claim(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.ClaimMinIdle, ids...)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to claim pending messages")
		return
	}
	p.logger.WithContext(ctx).Infof("Claimed %d stale pending messages", len(claimed))

	for _, msg := range claimed {
		select {
		case p.jobsCh <- msg:
		case <-p.stopCh:
			return
		}
	}
}

func (p *Processor) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()

	p.logger.WithContext(ctx).Debugf("Worker %d started", id)
	for msg := range p.jobsCh {
		p.Handle(ctx, msg)
	}
	p.logger.WithContext(ctx).Debugf("Worker %d stopped", id)
}

// Handle runs one message and settles it: success and dead-lettered jobs are
// acked, retryable failures are republished with one more attempt and acked.
func (p *Processor) Handle(ctx context.Context, msg redis.StreamMessage) *JobResult {
	metrics.QueueJobsInFlight.Inc()
	defer metrics.QueueJobsInFlight.Dec()

	result := &JobResult{MessageID: msg.ID}
	job := msg.Job
	if job == nil || job.Namespace == "" || job.Table == "" {
		result.Error = ErrInvalidJob
		p.deadLetter(ctx, msg, redis.ReasonInvalidJob, result.Error)
		metrics.RecordQueueJob("invalid")
		return result
	}
	result.JobID = job.ID

	start := time.Now()
	result.Outcomes, result.Error = p.process(ctx, job)
	result.Duration = time.Since(start)

	ctx = appctx.SetStage(appctx.SetRunID(ctx, job.RunID), job.Namespace, job.Table, "")
	log := p.logger.WithContext(ctx)

	switch {
	case result.Error == nil:
		log.Infof("Job %s completed in %s", job.ID, result.Duration)
		metrics.RecordQueueJob("success")
	case p.retryable(job, result.Error):
		log.WithError(result.Error).Warnf("Job %s failed on attempt %d, requeueing", job.ID, job.Attempts+1)
		if err := p.requeue(ctx, job, result.Outcomes); err != nil {
			log.WithError(err).Errorf("Failed to requeue job %s", job.ID)
			// left pending so the claim loop picks it up again
			metrics.RecordQueueJob("failed")
			return result
		}
		metrics.RecordQueueJob("retried")
	default:
		reason := redis.ReasonStageFailed
		switch {
		case errors.Is(result.Error, ErrInvalidJob):
			reason = redis.ReasonInvalidJob
		case errors.Is(result.Error, context.DeadlineExceeded):
			reason = redis.ReasonTimeout
		case job.Attempts+1 >= p.config.MaxRetries:
			reason = redis.ReasonMaxRetries
		}
		log.WithError(result.Error).Errorf("Job %s failed, moving to DLQ (%s)", job.ID, reason)
		p.deadLetter(ctx, msg, reason, result.Error)
		metrics.RecordQueueJob("dead_lettered")
		return result
	}

	p.ack(ctx, msg.ID)
	return result
}

// process runs the job's stages, or every stage of the table when none are listed
func (p *Processor) process(ctx context.Context, job *redis.StageJob) ([]*pipeline.RunOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, "Processor.process")
	defer span.End()

	conf := make(map[string]any, len(job.Conf)+1)
	for k, v := range job.Conf {
		conf[k] = v
	}
	delete(conf, "attempt")
	if job.RunID != "" {
		conf["run_id"] = job.RunID
	}
	cfg, err := pipeline.ParseRunConfig(conf, p.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if job.RunID == "" {
		job.RunID = cfg.RunID
	}
	cfg.Attempt = job.Attempts + 1

	if len(job.Stages) == 0 {
		outcomes, err := p.runner.RunTable(ctx, job.Namespace, job.Table, cfg)
		if err != nil {
			tracing.RecordError(span, err)
		}
		return outcomes, err
	}

	stages := make([]pipeline.Stage, 0, len(job.Stages))
	for _, s := range job.Stages {
		stage, err := pipeline.ParseStage(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
		stages = append(stages, stage)
	}

	var outcomes []*pipeline.RunOutcome
	var errs []error
	for _, stage := range stages {
		outcome, err := p.runner.Run(ctx, job.Namespace, job.Table, stage, cfg)
		if outcome != nil {
			outcomes = append(outcomes, outcome)
		}
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

func (p *Processor) retryable(job *redis.StageJob, err error) bool {
	if job.Attempts+1 >= p.config.MaxRetries {
		return false
	}
	if errors.Is(err, ErrInvalidJob) || errors.Is(err, pipeline.ErrStageNotFound) {
		return false
	}
	switch pipeline.Classify(err) {
	case models.ErrorTypeTransient, models.ErrorTypeLocked:
		return true
	}
	return false
}

// requeue republishes the job under the same run id with one more attempt,
// narrowed to the stages that still have to run
func (p *Processor) requeue(ctx context.Context, job *redis.StageJob, outcomes []*pipeline.RunOutcome) error {
	next := *job
	next.Attempts++
	if stages := retryStages(outcomes); len(stages) > 0 {
		next.Stages = stages
	}
	_, err := p.streams.Publish(ctx, p.config.Stream, &next)
	return err
}

// retryStages returns the first stage that did not finish and every stage
// after it. A finished extract is not repeated: running it again could stage
// its rows twice or overwrite the has_new_data signal of the run. Nil means
// no stage could be singled out.
func retryStages(outcomes []*pipeline.RunOutcome) []string {
	for i, o := range outcomes {
		if o.Status == models.RunStatusSuccess || o.SkipReason == models.SkipReasonDisabled {
			continue
		}
		stages := make([]string, 0, len(outcomes)-i)
		for _, rest := range outcomes[i:] {
			stages = append(stages, string(rest.Stage))
		}
		return stages
	}
	return nil
}

func (p *Processor) ack(ctx context.Context, id string) {
	if err := p.streams.Ack(ctx, p.config.Stream, p.config.ConsumerGroup, id); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warnf("Failed to ack message %s", id)
	}
}

// deadLetter parks the job and acks the original message
func (p *Processor) deadLetter(ctx context.Context, msg redis.StreamMessage, reason redis.DeadLetterReason, cause error) {
	ctx, span := tracing.StartSpan(ctx, "Processor.deadLetter")
	defer span.End()

	if p.dlq != nil {
		entry := &redis.DLQEntry{
			MessageID:    msg.ID,
			OriginalJob:  msg.Job,
			Reason:       reason,
			ErrorMessage: cause.Error(),
		}
		if msg.Job != nil {
			entry.RunID = msg.Job.RunID
			entry.Namespace = msg.Job.Namespace
			entry.Table = msg.Job.Table
			entry.RetryCount = msg.Job.Attempts
			if len(msg.Job.Stages) == 1 {
				entry.Stage = msg.Job.Stages[0]
			}
		}
		if _, err := p.dlq.Add(ctx, entry); err != nil {
			p.logger.WithContext(ctx).WithError(err).Errorf("Failed to add message %s to DLQ", msg.ID)
		} else {
			metrics.RecordDLQJob(entry.Namespace, string(reason))
		}
	}

	p.ack(ctx, msg.ID)
}

// Enqueue publishes a stage job; stages may be empty to run the whole table
func Enqueue(ctx context.Context, streams JobStream, stream string, job *redis.StageJob) (string, error) {
	if job.Namespace == "" || job.Table == "" {
		return "", ErrInvalidJob
	}
	for _, s := range job.Stages {
		if _, err := pipeline.ParseStage(s); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
	}
	if job.RunID == "" {
		job.RunID = uuid.New().String()
	}
	return streams.Publish(ctx, stream, job)
}
