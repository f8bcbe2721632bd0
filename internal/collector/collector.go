package collector

import (
	"EventPulse/internal/metrics"
	kafkaclient "EventPulse/pkg/kafka"
	"context"
	"fmt"
	"go.uber.org/zap"
	"strconv"
	"sync"
	"time"
)

// KafkaClient defines the interface for Kafka operations
type KafkaClient interface {
	GetConsumerGroupOffsets(ctx context.Context, groupID string) ([]kafkaclient.TopicPartitionOffset, error)
	GetHighWatermark(topic string, partition int32) (int64, error)
}

// PartitionLag is the ingestion progress of one partition
type PartitionLag struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	LogEnd    int64  `json:"log_end_offset"`
	Committed int64  `json:"committed_offset"` // -1 when nothing has been committed
	Lag       int64  `json:"lag"`
}

// Collector tracks how far the ingestion consumer group trails the log end
type Collector struct {
	client  KafkaClient
	groupID string
	logger  *zap.SugaredLogger

	mu   sync.RWMutex
	last []PartitionLag
}

func New(client KafkaClient, groupID string, logger *zap.SugaredLogger) *Collector {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Collector{
		client:  client,
		groupID: groupID,
		logger:  logger,
	}
}

// GroupID returns the consumer group the collector watches
func (c *Collector) GroupID() string {
	return c.groupID
}

// Collect queries committed offsets and watermarks and updates the lag gauges
func (c *Collector) Collect(ctx context.Context) ([]PartitionLag, error) {
	start := time.Now()
	defer func() {
		metrics.ScrapeDuration.Set(time.Since(start).Seconds())
	}()

	offsets, err := c.client.GetConsumerGroupOffsets(ctx, c.groupID)
	if err != nil {
		metrics.ScrapeErrors.Inc()
		return nil, fmt.Errorf("failed to get group offsets: %w", err)
	}

	lags := make([]PartitionLag, 0, len(offsets))
	for _, tpo := range offsets {
		partitionStr := strconv.Itoa(int(tpo.Partition))

		highWatermark, err := c.client.GetHighWatermark(tpo.Topic, tpo.Partition)
		if err != nil {
			metrics.ScrapeErrors.Inc()
			c.logger.Warnw("Failed to get high watermark", "topic", tpo.Topic, "partition", tpo.Partition, "error", err)
			continue
		}
		metrics.LogEndOffset.WithLabelValues(tpo.Topic, partitionStr).Set(float64(highWatermark))

		pl := PartitionLag{
			Topic:     tpo.Topic,
			Partition: tpo.Partition,
			LogEnd:    highWatermark,
			Committed: -1,
			Lag:       highWatermark,
		}

		// without a commit the whole partition is outstanding
		if tpo.Offset != kafkaclient.OffsetInvalid {
			pl.Committed = tpo.Offset
			pl.Lag = highWatermark - tpo.Offset
			if pl.Lag < 0 {
				pl.Lag = 0
			}
			metrics.ConsumerCurrentOffset.WithLabelValues(tpo.Topic, partitionStr).Set(float64(tpo.Offset))
		}

		metrics.ConsumerLag.WithLabelValues(tpo.Topic, partitionStr).Set(float64(pl.Lag))
		lags = append(lags, pl)
	}

	c.mu.Lock()
	c.last = lags
	c.mu.Unlock()
	return lags, nil
}

// Last returns the result of the most recent successful collection
func (c *Collector) Last() []PartitionLag {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *Collector) StartPeriodicCollection(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := c.Collect(ctx); err != nil {
		c.logger.Warnw("Initial lag collection error", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Stopping periodic lag collection")
			return
		case <-ticker.C:
			if _, err := c.Collect(ctx); err != nil {
				c.logger.Warnw("Lag collection error", "error", err)
			}
		}
	}
}
