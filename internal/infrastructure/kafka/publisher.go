// Package kafka publishes lifecycle events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"banklink/internal/domain/events"
	"banklink/internal/shared/logger"
)

var (
	kafkaMeter        = otel.Meter("banklink/kafka")
	publishTotal, _   = kafkaMeter.Int64Counter("kafka.publish.total", metric.WithDescription("Kafka publish attempts"))
	publishLatency, _ = kafkaMeter.Float64Histogram("kafka.publish.duration",
		metric.WithDescription("Kafka publish latency in seconds"),
		metric.WithUnit("s"),
	)
)

// Envelope is the JSON value written for every event
type Envelope struct {
	Type       events.Type `json:"type"`
	Key        string      `json:"key"`
	UserID     int64       `json:"userId"`
	OccurredAt time.Time   `json:"occurredAt"`
	Payload    any         `json:"payload"`
}

// Publisher implements events.Publisher on a sarama SyncProducer
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// NewPublisher connects an idempotent producer to brokers.
func NewPublisher(brokers []string, topic string, log *zap.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewPublisherWithProducer(producer, topic, log), nil
}

// NewPublisherWithProducer wraps an existing producer
func NewPublisherWithProducer(producer sarama.SyncProducer, topic string, log *zap.Logger) *Publisher {
	return &Publisher{producer: producer, topic: topic, logger: logger.OrNop(log).Named("kafka")}
}

// Publish writes the event keyed by its consent id so events of one consent
// stay ordered within a partition.
func (p *Publisher) Publish(ctx context.Context, event events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(Envelope{
		Type:       event.Type,
		Key:        event.Key,
		UserID:     event.UserID,
		OccurredAt: event.OccurredAt,
		Payload:    event.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.Key),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte(event.Type)},
		},
	}

	start := time.Now()
	partition, offset, err := p.producer.SendMessage(msg)

	status := "success"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(attribute.String("topic", p.topic), attribute.String("status", status))
	publishTotal.Add(ctx, 1, attrs)
	publishLatency.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		return fmt.Errorf("kafka publish failed: %w", err)
	}
	p.logger.Debug("event published",
		zap.String("type", string(event.Type)),
		zap.String("key", event.Key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func (p *Publisher) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
