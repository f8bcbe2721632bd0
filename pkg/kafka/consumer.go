package kafka

import (
	"fmt"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"iter"
	"time"
)

// Message is a record taken from the inbound topic
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

func (m Message) String() string {
	return fmt.Sprintf("%s[%d]@%d", m.Topic, m.Partition, m.Offset)
}

func (m Message) topicPartition(offset int64) kafka.TopicPartition {
	topic := m.Topic
	return kafka.TopicPartition{
		Topic:     &topic,
		Partition: m.Partition,
		Offset:    kafka.Offset(offset),
	}
}

// Consumer is a consumer group member with manual offset commits
type Consumer struct {
	consumer *kafka.Consumer
	config   Config
	logger   *zap.SugaredLogger
	fatal    *atomic.Error
}

// NewConsumer joins the consumer group and subscribes to the configured topic
func NewConsumer(cfg Config, logger *zap.SugaredLogger) (*Consumer, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"group.id":           cfg.GroupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	if err := consumer.SubscribeTopics([]string{cfg.Topic}, nil); err != nil {
		consumer.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", cfg.Topic, err)
	}

	return &Consumer{
		consumer: consumer,
		config:   cfg,
		logger:   logger,
		fatal:    atomic.NewError(nil),
	}, nil
}

// Poll returns a sequence of messages that ends when timeout has elapsed, no message
// arrived before it, or the client hit a fatal error (see Err). Each iteration polls the broker again.
func (c *Consumer) Poll(timeout time.Duration) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		deadline := time.Now().Add(timeout)
		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return
			}

			ev := c.consumer.Poll(int(remaining.Milliseconds()))
			if ev == nil {
				return
			}

			switch e := ev.(type) {
			case *kafka.Message:
				if e.TopicPartition.Error != nil {
					c.logger.Warnw("Consume error", "partition", e.TopicPartition.Partition, "error", e.TopicPartition.Error)
					continue
				}
				if !yield(toMessage(e)) {
					return
				}
			case kafka.Error:
				if e.IsFatal() {
					c.logger.Errorw("Fatal consumer error", "error", e)
					c.fatal.Store(fmt.Errorf("fatal consumer error: %w", e))
					return
				}
				c.logger.Warnw("Consumer error", "code", e.Code(), "error", e)
			default:
				c.logger.Debugw("Ignored consumer event", "event", e.String())
			}
		}
	}
}

// Err returns the fatal error that stopped polling, if any
func (c *Consumer) Err() error {
	return c.fatal.Load()
}

// Commit acknowledges msg by committing the offset after it
func (c *Consumer) Commit(msg Message) error {
	if _, err := c.consumer.CommitOffsets([]kafka.TopicPartition{msg.topicPartition(msg.Offset + 1)}); err != nil {
		return fmt.Errorf("failed to commit %s: %w", msg, err)
	}
	return nil
}

// Rewind seeks the partition back to msg so it is delivered again
func (c *Consumer) Rewind(msg Message) error {
	if err := c.consumer.Seek(msg.topicPartition(msg.Offset), 0); err != nil {
		return fmt.Errorf("failed to seek to %s: %w", msg, err)
	}
	return nil
}

// Close leaves the consumer group
func (c *Consumer) Close() error {
	return c.consumer.Close()
}

func toMessage(m *kafka.Message) Message {
	msg := Message{
		Partition: m.TopicPartition.Partition,
		Offset:    int64(m.TopicPartition.Offset),
		Key:       m.Key,
		Value:     m.Value,
		Timestamp: m.Timestamp,
	}
	if m.TopicPartition.Topic != nil {
		msg.Topic = *m.TopicPartition.Topic
	}
	return msg
}
