// Package notify delivers anomaly notices raised by the channel resolver.
//
// Purpose:
//   Publish "invalid channel" notices to a Kafka topic consumed by the
//   messaging center, or log them when no broker is configured.
//
// Dependencies:
//   - github.com/segmentio/kafka-go: notice publishing
//   - go.uber.org/zap: logging
//
// Key Responsibilities:
//   - Serialize channel.Notice as JSON with routing headers
//   - Synchronous writes so the reporter can count failures
//   - Safe Close from shutdown paths
//
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/channel"
)

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("notify: kafka writer is closed")

// messageWriter is the subset of *kafka.Writer the notifier uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka notifier.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	ClientID     string
	WriteTimeout time.Duration
}

// KafkaNotifier publishes notices to Kafka.
type KafkaNotifier struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewKafkaNotifier creates a notifier writing to cfg.Topic.
func NewKafkaNotifier(cfg KafkaConfig, logger *zap.Logger) *KafkaNotifier {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    1,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  5 * time.Second,
	}
	if cfg.ClientID != "" {
		writer.Transport = &kafka.Transport{ClientID: cfg.ClientID}
	}
	return newKafkaNotifier(writer, cfg.Topic, logger)
}

func newKafkaNotifier(writer messageWriter, topic string, logger *zap.Logger) *KafkaNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaNotifier{
		writer: writer,
		topic:  topic,
		logger: logger.With(zap.String("component", "anomaly-notifier")),
	}
}

// Notify publishes one notice keyed by its URL so notices for the same page
// land on the same partition.
func (n *KafkaNotifier) Notify(ctx context.Context, notice channel.Notice) error {
	n.mu.RLock()
	writer := n.writer
	n.mu.RUnlock()
	if writer == nil {
		return ErrClosed
	}

	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("serialize notice: %w", err)
	}

	noticeID := uuid.NewString()
	msg := kafka.Message{
		Key:   []byte(notice.URL),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "notice_id", Value: []byte(noticeID)},
			{Key: "category", Value: []byte(notice.Category)},
			{Key: "recipient", Value: []byte(notice.Recipient)},
		},
		Time: notice.Timestamp,
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		n.logger.Error("failed to publish anomaly notice",
			zap.String("notice_id", noticeID),
			zap.String("url", notice.URL),
			zap.Error(err),
		)
		return fmt.Errorf("publish notice to Kafka: %w", err)
	}

	n.logger.Debug("anomaly notice published",
		zap.String("notice_id", noticeID),
		zap.String("topic", n.topic),
	)
	return nil
}

// Close closes the Kafka writer. Safe to call multiple times.
func (n *KafkaNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.writer == nil {
		return nil
	}
	err := n.writer.Close()
	n.writer = nil
	return err
}

// LogNotifier writes notices to the log only.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, notice channel.Notice) error {
	n.logger.Warn("anomaly notice",
		zap.String("title", notice.Title),
		zap.String("recipient", notice.Recipient),
		zap.String("nickname", notice.Nickname),
		zap.String("url", notice.URL),
		zap.String("category", notice.Category),
		zap.String("remark", notice.Remark),
		zap.Time("timestamp", notice.Timestamp),
	)
	return nil
}
