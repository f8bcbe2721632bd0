package ingest

import (
	"EventPulse/internal/breaker"
	"EventPulse/internal/event"
	"EventPulse/internal/metrics"
	"EventPulse/pkg/kafka"
	"context"
	"errors"
	"fmt"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"iter"
	"time"
)

// Source is the partitioned log the consumer reads from
type Source interface {
	Poll(timeout time.Duration) iter.Seq[kafka.Message]
	Commit(msg kafka.Message) error
	Rewind(msg kafka.Message) error
	// Err reports a fatal error that ended the last poll sequence
	Err() error
}

// Handler applies all side effects of one event
type Handler interface {
	Handle(ctx context.Context, e event.Event) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, e event.Event) error

func (f HandlerFunc) Handle(ctx context.Context, e event.Event) error {
	return f(ctx, e)
}

// Config holds ingestion settings
type Config struct {
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// RetryBackoff is waited before a failed message is re-delivered
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// DedupeSize bounds the set of recently processed event ids
	DedupeSize int `yaml:"dedupe_size"`
}

func DefaultConfig() Config {
	return Config{
		PollTimeout:  time.Second,
		RetryBackoff: 500 * time.Millisecond,
		DedupeSize:   10000,
	}
}

// Consumer polls the source, runs each event through the handler behind a circuit breaker
// and commits its offset once handling is complete
type Consumer struct {
	source  Source
	handler Handler
	breaker *breaker.Breaker
	config  Config
	seen    *lru.Cache[string, struct{}]
	logger  *zap.SugaredLogger
	sleep   func(ctx context.Context, d time.Duration)
}

type Option func(*Consumer)

// WithBreaker replaces the breaker built from the default configuration
func WithBreaker(b *breaker.Breaker) Option {
	return func(c *Consumer) {
		c.breaker = b
	}
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

func NewConsumer(source Source, handler Handler, config Config, opts ...Option) (*Consumer, error) {
	def := DefaultConfig()
	if config.PollTimeout <= 0 {
		config.PollTimeout = def.PollTimeout
	}
	if config.RetryBackoff < 0 {
		config.RetryBackoff = 0
	}
	if config.DedupeSize <= 0 {
		config.DedupeSize = def.DedupeSize
	}

	seen, err := lru.New[string, struct{}](config.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
	}

	c := &Consumer{
		source:  source,
		handler: handler,
		config:  config,
		seen:    seen,
		logger:  zap.NewNop().Sugar(),
		sleep:   sleepContext,
	}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = breaker.New("ingest", breaker.DefaultConfig(), breaker.WithTransitionFunc(ObserveTransitions(c.logger)))
	}
	return c, nil
}

// ObserveTransitions exports breaker state changes as metrics and logs
func ObserveTransitions(logger *zap.SugaredLogger) breaker.TransitionFunc {
	return func(name string, from, to breaker.State) {
		metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		metrics.BreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		if to == breaker.StateOpen {
			logger.Warnw("Circuit breaker opened, acknowledging events without processing", "breaker", name, "from", from.String())
			return
		}
		logger.Infow("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	}
}

// Run polls until ctx is cancelled or the source fails. Once cancelled no further message
// is handled and no offset is committed.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Infow("Starting ingestion", "poll_timeout", c.config.PollTimeout)
	for {
		if ctx.Err() != nil {
			c.logger.Info("Stopping ingestion")
			return nil
		}
		for msg := range c.source.Poll(c.config.PollTimeout) {
			if ctx.Err() != nil {
				break
			}
			c.Handle(ctx, msg)
		}
		if err := c.source.Err(); err != nil {
			c.logger.Errorw("Ingestion source failed", "error", err)
			return fmt.Errorf("ingestion source failed: %w", err)
		}
	}
}

// Handle decodes, processes and acknowledges a single message.
// The handler runs to completion even if ctx is cancelled meanwhile, but its offset is then
// left uncommitted and the message is re-delivered after restart.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) {
	ev, err := event.Decode(msg.Value)
	if err != nil {
		metrics.EventsConsumed.WithLabelValues(metrics.OutcomeMalformed).Inc()
		c.logger.Warnw("Skipping malformed message", "message", msg.String(), "error", err)
		c.ack(ctx, msg)
		return
	}

	if c.seen.Contains(ev.EventID) {
		metrics.EventsConsumed.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		c.logger.Debugw("Skipping already processed event", "event_id", ev.EventID, "message", msg.String())
		c.ack(ctx, msg)
		return
	}

	handleCtx := context.WithoutCancel(ctx)
	start := time.Now()
	err = c.breaker.Execute(func() error {
		return c.handler.Handle(handleCtx, ev)
	})

	switch {
	case err == nil:
		metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
		metrics.EventsConsumed.WithLabelValues(metrics.OutcomeProcessed).Inc()
		c.seen.Add(ev.EventID, struct{}{})
		c.ack(ctx, msg)
	case errors.Is(err, breaker.ErrOpen):
		c.fallback(ctx, msg, ev)
	default:
		metrics.EventsConsumed.WithLabelValues(metrics.OutcomeFailed).Inc()
		c.logger.Errorw("Failed to process event", "event_id", ev.EventID, "event_type", ev.EventType,
			"message", msg.String(), "breaker", c.breaker.State().String(), "error", err)
		c.sleep(ctx, c.config.RetryBackoff)
		if err := c.source.Rewind(msg); err != nil {
			c.logger.Errorw("Failed to rewind for re-delivery", "message", msg.String(), "error", err)
		}
	}
}

// fallback acknowledges without side effects while the breaker is open
func (c *Consumer) fallback(ctx context.Context, msg kafka.Message, ev event.Event) {
	metrics.EventsConsumed.WithLabelValues(metrics.OutcomeFallback).Inc()
	metrics.DegradedAcks.Inc()
	c.logger.Warnw("Degraded mode: acknowledging event without processing",
		"event_id", ev.EventID, "event_type", ev.EventType, "user_id", ev.UserID, "message", msg.String())
	c.ack(ctx, msg)
}

func (c *Consumer) ack(ctx context.Context, msg kafka.Message) {
	if ctx.Err() != nil {
		c.logger.Infow("Shutdown in progress, leaving offset uncommitted", "message", msg.String())
		return
	}
	if err := c.source.Commit(msg); err != nil {
		metrics.AckErrors.Inc()
		c.logger.Warnw("Failed to acknowledge message", "message", msg.String(), "error", err)
		return
	}
	metrics.EventsAcked.Inc()
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
