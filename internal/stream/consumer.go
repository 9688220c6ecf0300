// Package stream connects the fraud engine to Kafka: it consumes audit
// events into the live activity analyzer and publishes monitoring
// notifications.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/riskwatch/internal/fraud"
	"github.com/mbd888/riskwatch/internal/metrics"
	"github.com/mbd888/riskwatch/internal/retry"
)

// Submitter accepts events for asynchronous analysis. *fraud.Analyzer
// satisfies it.
type Submitter interface {
	Submit(event *fraud.ActivityEvent) bool
}

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig configures the audit-event consumer.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

var errQueueFull = errors.New("stream: analyzer queue full")

// submitPolicy gives a full analyzer partition a short window to drain
// before the event is dropped.
var submitPolicy = retry.Policy{MaxAttempts: 4, BaseDelay: 25 * time.Millisecond, MaxDelay: 200 * time.Millisecond}

// Consumer reads JSON ActivityEvents from a Kafka topic and hands them to
// the analyzer. Offsets are committed after the hand-off, so a restart
// replays at most the in-flight messages.
type Consumer struct {
	reader MessageReader
	sink   Submitter
	topic  string
	logger *slog.Logger
}

// NewConsumer builds a consumer-group reader for cfg.Topic.
func NewConsumer(cfg ConsumerConfig, sink Submitter, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "stream.consumer")
		}),
	})
	return newConsumer(reader, cfg.Topic, sink, logger)
}

func newConsumer(reader MessageReader, topic string, sink Submitter, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{reader: reader, sink: sink, topic: topic, logger: logger}
}

// Run consumes until ctx is cancelled. It returns nil on cancellation and
// the reader's error otherwise.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("audit stream consumer started", "topic", c.topic)
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("audit stream consumer stopped", "topic", c.topic)
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Warn("failed to commit offset",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	var event fraud.ActivityEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		metrics.StreamMessagesTotal.WithLabelValues(c.topic, "malformed").Inc()
		c.logger.Warn("skipping malformed audit event",
			"partition", msg.Partition, "offset", msg.Offset, "error", err)
		return
	}
	if event.UserID == "" && len(msg.Key) > 0 {
		event.UserID = string(msg.Key)
	}
	if err := fraud.ValidateEvent(&event); err != nil {
		metrics.StreamMessagesTotal.WithLabelValues(c.topic, "malformed").Inc()
		c.logger.Warn("skipping invalid audit event", "offset", msg.Offset, "error", err)
		return
	}

	err := retry.Do(ctx, submitPolicy, func(context.Context) error {
		if c.sink.Submit(&event) {
			return nil
		}
		return errQueueFull
	})
	if err != nil {
		metrics.StreamMessagesTotal.WithLabelValues(c.topic, "dropped").Inc()
		c.logger.Warn("dropped audit event", "userId", event.UserID, "offset", msg.Offset, "error", err)
		return
	}
	metrics.StreamMessagesTotal.WithLabelValues(c.topic, "submitted").Inc()
}

// Close releases the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
