package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/metrics"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/tracing"
)

const (
	EventStageStarted   = "stage.started"
	EventStageCompleted = "stage.completed"
)

// Config holds Kafka configuration
type Config struct {
	Brokers []string
	Topic   string
}

// ParseConfig parses a comma-separated broker string
func ParseConfig(brokers string, topic string) Config {
	var brokerList []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokerList = append(brokerList, b)
		}
	}
	return Config{
		Brokers: brokerList,
		Topic:   topic,
	}
}

// Enabled reports whether any broker is configured
func (c Config) Enabled() bool {
	return len(c.Brokers) > 0
}

// MessageWriter is the part of kafka.Writer the producer needs
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes stage lifecycle events
type Producer struct {
	writer MessageWriter
	logger ectologger.Logger
	topic  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg Config, logger ectologger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		// dev brokers may not have the topic yet
		AllowAutoTopicCreation: true,
	}
	return NewProducerWithWriter(writer, cfg.Topic, logger)
}

func NewProducerWithWriter(writer MessageWriter, topic string, logger ectologger.Logger) *Producer {
	return &Producer{
		writer: writer,
		logger: logger,
		topic:  topic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// StageEvent is a lifecycle event of one stage run.
type StageEvent struct {
	Type       string    `json:"type"` // "stage.started" | "stage.completed"
	RunID      string    `json:"run_id"`
	Namespace  string    `json:"namespace"`
	Table      string    `json:"table"`
	Stage      string    `json:"stage"`
	Status     string    `json:"status,omitempty"`
	Records    int       `json:"records,omitempty"`
	HasNewData *bool     `json:"has_new_data,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// PublishStageEvent writes evt keyed by namespace.table so one table's events stay ordered.
func (p *Producer) PublishStageEvent(ctx context.Context, evt *StageEvent) error {
	if evt == nil {
		return fmt.Errorf("stage event is nil")
	}

	ctx, span := tracing.StartSpan(ctx, "Kafka.PublishStageEvent")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.topic),
		attribute.String("messaging.operation", "publish"),
	)
	span.SetAttributes(tracing.StageAttributes(evt.RunID, evt.Namespace, evt.Table, evt.Stage)...)

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.TraceID = tracing.GetTraceID(ctx)
	evt.SpanID = tracing.GetSpanID(ctx)

	data, err := json.Marshal(evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal message")
		return fmt.Errorf("failed to marshal stage event: %w", err)
	}

	headers := []kafka.Header{
		{Key: "run_id", Value: []byte(evt.RunID)},
		{Key: "namespace", Value: []byte(evt.Namespace)},
		{Key: "table", Value: []byte(evt.Table)},
		{Key: "stage", Value: []byte(evt.Stage)},
		{Key: "type", Value: []byte(evt.Type)},
	}
	for key, value := range tracing.Carrier(ctx) {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(evt.Namespace + "." + evt.Table),
		Value:   data,
		Headers: headers,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		metrics.RecordKafkaPublish(p.topic, "error")
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish stage event to Kafka topic %s", p.topic)
		return err
	}

	span.SetStatus(codes.Ok, "message published")
	metrics.RecordKafkaPublish(p.topic, "success")
	p.logger.WithContext(ctx).Debugf("Published %s for %s.%s/%s run=%s", evt.Type, evt.Namespace, evt.Table, evt.Stage, evt.RunID)
	return nil
}
