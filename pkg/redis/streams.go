package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/tracing"
)

// StageJob is a queued request to run one or more stages of a table.
type StageJob struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id,omitempty"`
	Namespace string         `json:"namespace"`
	Table     string         `json:"table"`
	Stages    []string       `json:"stages,omitempty"`
	Conf      map[string]any `json:"conf,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Attempts  int            `json:"attempts"`
}

// StreamMessage is a decoded entry of a job stream
type StreamMessage struct {
	ID     string
	Stream string
	Job    *StageJob
}

// Streams provides Redis Streams operations for job queues
type Streams struct {
	client *Client
}

func NewStreams(client *Client) *Streams {
	return &Streams{client: client}
}

// Publish adds a job to a stream
func (s *Streams) Publish(ctx context.Context, stream string, job *StageJob) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "Streams.Publish")
	defer span.End()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	result, err := s.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"data": string(payload),
		},
	}).Result()
	if err != nil {
		s.client.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish to stream %s", stream)
		return "", err
	}

	s.client.logger.WithContext(ctx).Infof("Published job %s (%s.%s) to stream %s", job.ID, job.Namespace, job.Table, stream)
	return result, nil
}

// CreateConsumerGroup creates a consumer group, ignoring BUSYGROUP
func (s *Streams) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	err := s.client.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Consume reads new messages for a consumer group
func (s *Streams) Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	results, err := s.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var messages []StreamMessage
	for _, result := range results {
		messages = append(messages, s.decode(ctx, result.Stream, result.Messages)...)
	}
	return messages, nil
}

// Ack acknowledges messages
func (s *Streams) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return s.client.rdb.XAck(ctx, stream, group, ids...).Err()
}

// Pending returns pending message ids idle for at least minIdle
func (s *Streams) Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]string, error) {
	pending, err := s.client.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// Claim takes over pending messages from dead consumers
func (s *Streams) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	results, err := s.client.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}
	return s.decode(ctx, stream, results), nil
}

// Len returns the length of a stream
func (s *Streams) Len(ctx context.Context, stream string) (int64, error) {
	return s.client.rdb.XLen(ctx, stream).Result()
}

func (s *Streams) decode(ctx context.Context, stream string, msgs []redis.XMessage) []StreamMessage {
	messages := make([]StreamMessage, 0, len(msgs))
	for _, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var job StageJob
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			s.client.logger.WithContext(ctx).WithError(err).Warnf("Failed to unmarshal message %s", msg.ID)
			continue
		}
		messages = append(messages, StreamMessage{ID: msg.ID, Stream: stream, Job: &job})
	}
	return messages
}
