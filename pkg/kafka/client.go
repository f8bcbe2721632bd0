package kafka

import (
	"context"
	"fmt"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"time"
)

// Config holds Kafka client configuration
type Config struct {
	Brokers        string        `yaml:"brokers"`
	Topic          string        `yaml:"topic"`
	GroupID        string        `yaml:"group_id"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

func (c *Config) applyDefaults() {
	if c.Topic == "" {
		c.Topic = "events"
	}
	if c.GroupID == "" {
		c.GroupID = "pipeline-consumer"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
}

// Client wraps the Kafka admin client and a non-joining consumer used for watermark queries
type Client struct {
	admin    *kafka.AdminClient
	consumer *kafka.Consumer
	config   Config
}

// NewClient creates an admin client for lag queries
func NewClient(cfg Config) (*Client, error) {
	cfg.applyDefaults()

	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"request.timeout.ms": int(cfg.RequestTimeout.Milliseconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create admin client: %w", err)
	}

	// never subscribes, so it does not join the ingestion group
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"group.id":           cfg.GroupID + "-lag",
		"enable.auto.commit": false,
	})
	if err != nil {
		admin.Close()
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	return &Client{
		admin:    admin,
		consumer: consumer,
		config:   cfg,
	}, nil
}

// Close closes all Kafka clients
func (c *Client) Close() {
	if c.admin != nil {
		c.admin.Close()
	}
	if c.consumer != nil {
		c.consumer.Close()
	}
}

// GetConsumerGroupOffsets returns committed offsets for a consumer group
func (c *Client) GetConsumerGroupOffsets(ctx context.Context, groupID string) ([]TopicPartitionOffset, error) {
	offsetsResult, err := c.admin.ListConsumerGroupOffsets(ctx, []kafka.ConsumerGroupTopicPartitions{
		{
			Group: groupID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list offsets: %w", err)
	}

	if len(offsetsResult.ConsumerGroupsTopicPartitions) == 0 {
		return nil, nil
	}

	var results []TopicPartitionOffset
	for _, tp := range offsetsResult.ConsumerGroupsTopicPartitions[0].Partitions {
		if tp.Topic == nil {
			continue
		}
		results = append(results, TopicPartitionOffset{
			Topic:     *tp.Topic,
			Partition: tp.Partition,
			Offset:    int64(tp.Offset),
		})
	}
	return results, nil
}

// GetHighWatermark returns the high watermark for a topic partition
func (c *Client) GetHighWatermark(topic string, partition int32) (int64, error) {
	_, high, err := c.consumer.QueryWatermarkOffsets(topic, partition, int(c.config.RequestTimeout.Milliseconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to query watermark: %w", err)
	}
	return high, nil
}

// OffsetInvalid marks a partition without a committed offset
const OffsetInvalid = int64(kafka.OffsetInvalid)

// TopicPartitionOffset represents topic partition offset information
type TopicPartitionOffset struct {
	Topic     string
	Partition int32
	Offset    int64
}
