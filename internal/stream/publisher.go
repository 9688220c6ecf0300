package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/riskwatch/internal/fraud"
	"github.com/mbd888/riskwatch/internal/metrics"
)

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes monitoring notifications to a Kafka topic, keyed by
// user id so a user's notifications stay ordered within a partition.
type Publisher struct {
	writer MessageWriter
	topic  string
	logger *slog.Logger
}

var _ fraud.Notifier = (*Publisher)(nil)

// NewPublisher creates an asynchronous publisher for topic. Notify never
// waits on the broker; delivery failures are logged from the completion
// callback.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				metrics.StreamMessagesTotal.WithLabelValues(topic, "publish_failed").Add(float64(len(messages)))
				logger.Error("failed to publish notifications", "topic", topic, "count", len(messages), "error", err)
			}
		},
	}
	return newPublisher(writer, topic, logger)
}

func newPublisher(writer MessageWriter, topic string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{writer: writer, topic: topic, logger: logger}
}

// Notify implements fraud.Notifier.
func (p *Publisher) Notify(ctx context.Context, n *fraud.Notification) {
	if n == nil {
		return
	}
	value, err := json.Marshal(n)
	if err != nil {
		p.logger.Error("failed to encode notification", "kind", n.Kind, "error", err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(n.UserID),
		Value: value,
		Time:  n.Timestamp,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(n.Kind)},
		},
	}
	// The request context may already be done by the time an async batch
	// flushes, so the write is detached from it.
	if err := p.writer.WriteMessages(context.WithoutCancel(ctx), msg); err != nil {
		metrics.StreamMessagesTotal.WithLabelValues(p.topic, "publish_failed").Inc()
		p.logger.Warn("failed to enqueue notification", "kind", n.Kind, "userId", n.UserID, "error", err)
		return
	}
	metrics.StreamMessagesTotal.WithLabelValues(p.topic, "published").Inc()
}

// Close flushes pending messages and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
