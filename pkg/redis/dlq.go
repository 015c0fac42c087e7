package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/tracing"
)

const (
	DefaultDLQStream = "etl:dlq"

	// DLQMaxLen caps the stream; oldest entries are trimmed
	DLQMaxLen = 10000
)

// DeadLetterReason classifies why a job was parked
type DeadLetterReason string

const (
	ReasonMaxRetries  DeadLetterReason = "max_retries_exceeded"
	ReasonStageFailed DeadLetterReason = "stage_failed"
	ReasonInvalidJob  DeadLetterReason = "invalid_job"
	ReasonTimeout     DeadLetterReason = "timeout"
)

// DLQEntry is a parked stage job
type DLQEntry struct {
	ID           string           `json:"id"`
	MessageID    string           `json:"message_id,omitempty"`
	RunID        string           `json:"run_id,omitempty"`
	Namespace    string           `json:"namespace"`
	Table        string           `json:"table"`
	Stage        string           `json:"stage,omitempty"`
	OriginalJob  *StageJob        `json:"original_job"`
	Reason       DeadLetterReason `json:"reason"`
	ErrorMessage string           `json:"error_message"`
	RetryCount   int              `json:"retry_count"`
	CreatedAt    time.Time        `json:"created_at"`
	TraceID      string           `json:"trace_id,omitempty"`
}

// DeadLetterQueue stores failed jobs in a capped stream
type DeadLetterQueue struct {
	client     *Client
	streamName string
	logger     ectologger.Logger
}

func NewDeadLetterQueue(client *Client, streamName string, logger ectologger.Logger) *DeadLetterQueue {
	if streamName == "" {
		streamName = DefaultDLQStream
	}
	return &DeadLetterQueue{client: client, streamName: streamName, logger: logger}
}

// Add parks a job
func (d *DeadLetterQueue) Add(ctx context.Context, entry *DLQEntry) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Add")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.TraceID = tracing.GetTraceID(ctx)

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal DLQ entry: %w", err)
	}

	messageID, err := d.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: d.streamName,
		MaxLen: DLQMaxLen,
		Approx: true,
		Values: map[string]any{
			"data":      string(data),
			"namespace": entry.Namespace,
			"table":     entry.Table,
			"reason":    string(entry.Reason),
		},
	}).Result()
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).Error("Failed to add job to DLQ")
		return "", fmt.Errorf("failed to add to DLQ: %w", err)
	}

	d.logger.WithContext(ctx).Infof("Added job to DLQ: id=%s table=%s.%s reason=%s", entry.ID, entry.Namespace, entry.Table, entry.Reason)
	return messageID, nil
}

// List returns the newest entries first
func (d *DeadLetterQueue) List(ctx context.Context, count int64) ([]DLQEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.List")
	defer span.End()

	if count <= 0 {
		count = 100
	}

	messages, err := d.client.rdb.XRevRangeN(ctx, d.streamName, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ: %w", err)
	}

	entries := make([]DLQEntry, 0, len(messages))
	for _, msg := range messages {
		entry, err := decodeEntry(msg)
		if err != nil {
			d.logger.WithContext(ctx).WithError(err).Warnf("Failed to unmarshal DLQ entry: %s", msg.ID)
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// Get returns the entry with the given stream message id, or nil
func (d *DeadLetterQueue) Get(ctx context.Context, messageID string) (*DLQEntry, error) {
	messages, err := d.client.rdb.XRange(ctx, d.streamName, messageID, messageID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get DLQ entry: %w", err)
	}
	if len(messages) == 0 {
		return nil, nil
	}
	return decodeEntry(messages[0])
}

func (d *DeadLetterQueue) Delete(ctx context.Context, messageID string) error {
	count, err := d.client.rdb.XDel(ctx, d.streamName, messageID).Result()
	if err != nil {
		return fmt.Errorf("failed to delete DLQ entry: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("DLQ entry not found: %s", messageID)
	}
	d.logger.WithContext(ctx).Infof("Deleted DLQ entry: %s", messageID)
	return nil
}

func (d *DeadLetterQueue) Count(ctx context.Context) (int64, error) {
	return d.client.rdb.XLen(ctx, d.streamName).Result()
}

// JobPublisher enqueues stage jobs; *Streams satisfies it
type JobPublisher interface {
	Publish(ctx context.Context, stream string, job *StageJob) (string, error)
}

// Retry re-enqueues the original job and removes the entry
func (d *DeadLetterQueue) Retry(ctx context.Context, messageID string, jobQueue JobPublisher, queueName string) error {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Retry")
	defer span.End()

	entry, err := d.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("DLQ entry not found: %s", messageID)
	}
	if entry.OriginalJob == nil {
		return fmt.Errorf("DLQ entry has no original job: %s", messageID)
	}

	entry.OriginalJob.Attempts = 0
	if _, err := jobQueue.Publish(ctx, queueName, entry.OriginalJob); err != nil {
		return fmt.Errorf("failed to re-enqueue job: %w", err)
	}

	if err := d.Delete(ctx, messageID); err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("Failed to delete DLQ entry after retry")
	}
	return nil
}

func decodeEntry(msg redis.XMessage) (*DLQEntry, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid DLQ entry format")
	}
	var entry DLQEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DLQ entry: %w", err)
	}
	entry.MessageID = msg.ID
	return &entry, nil
}
