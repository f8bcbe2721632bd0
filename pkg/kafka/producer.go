package kafka

import (
	"context"
	"fmt"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// Producer writes keyed records to the inbound topic
type Producer struct {
	producer *kafka.Producer
	topic    string
	logger   *zap.SugaredLogger
	done     chan struct{}
}

func NewProducer(cfg Config, logger *zap.SugaredLogger) (*Producer, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"acks":               "all",
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	p := &Producer{
		producer: producer,
		topic:    cfg.Topic,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go p.watchEvents()
	return p, nil
}

// watchEvents drains client-level events; delivery reports go to per-call channels
func (p *Producer) watchEvents() {
	defer close(p.done)
	for ev := range p.producer.Events() {
		if e, ok := ev.(kafka.Error); ok {
			p.logger.Warnw("Producer error", "code", e.Code(), "error", e)
		}
	}
}

// Produce sends value keyed by key and waits for the delivery report
func (p *Producer) Produce(ctx context.Context, key string, value []byte) error {
	delivery := make(chan kafka.Event, 1)
	err := p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          value,
	}, delivery)
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-delivery:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery report: %v", ev)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("failed to deliver message: %w", m.TopicPartition.Error)
		}
		return nil
	}
}

// Close flushes outstanding messages for up to timeoutMs and closes the producer
func (p *Producer) Close(timeoutMs int) {
	if remaining := p.producer.Flush(timeoutMs); remaining > 0 {
		p.logger.Warnw("Closing producer with undelivered messages", "remaining", remaining)
	}
	p.producer.Close()
	<-p.done
}
