package pipeline

import (
	"EventPulse/internal/collector"
	"EventPulse/internal/window"
	"context"
	"fmt"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"time"
)

// Ingestor is the blocking poll loop; it returns once ctx is cancelled
type Ingestor interface {
	Run(ctx context.Context) error
}

type closer struct {
	name string
	fn   func() error
}

// Pipeline runs ingestion and window sweeping side by side and shuts them down in order:
// ingestion stops first, then the sweeper, then every remaining window is flushed,
// and only then are the registered resources closed
type Pipeline struct {
	ingestor     Ingestor
	sweeper      *window.Sweeper
	drainTimeout time.Duration
	logger       *zap.SugaredLogger

	lag         *collector.Collector
	lagInterval time.Duration

	closers []closer
}

type Option func(*Pipeline)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithLagCollector refreshes the ingestion lag gauges every interval while running
func WithLagCollector(c *collector.Collector, interval time.Duration) Option {
	return func(p *Pipeline) {
		p.lag = c
		p.lagInterval = interval
	}
}

// WithCloser registers a resource released after the final flush, in registration order
func WithCloser(name string, fn func() error) Option {
	return func(p *Pipeline) {
		p.closers = append(p.closers, closer{name: name, fn: fn})
	}
}

func New(ingestor Ingestor, sweeper *window.Sweeper, drainTimeout time.Duration, opts ...Option) *Pipeline {
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	p := &Pipeline{
		ingestor:     ingestor,
		sweeper:      sweeper,
		drainTimeout: drainTimeout,
		logger:       zap.NewNop().Sugar(),
		lagInterval:  30 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run blocks until ctx is cancelled or ingestion fails, then drains and closes everything
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// the sweeper outlives ingestion so windows keep closing until no more events arrive
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()

	g.Go(func() error {
		defer stopSweep()
		if err := p.ingestor.Run(gctx); err != nil {
			return fmt.Errorf("ingestion failed: %w", err)
		}
		p.logger.Info("Ingestion stopped")
		return nil
	})

	g.Go(func() error {
		p.sweeper.Run(sweepCtx)
		return nil
	})

	if p.lag != nil {
		g.Go(func() error {
			p.lag.StartPeriodicCollection(gctx, p.lagInterval)
			return nil
		})
	}

	runErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), p.drainTimeout)
	flushed := p.sweeper.Flush(drainCtx)
	cancel()
	p.logger.Infow("Final flush complete", "windows", flushed)

	var closeErr error
	for _, c := range p.closers {
		if err := c.fn(); err != nil {
			p.logger.Warnw("Failed to close resource", "resource", c.name, "error", err)
			closeErr = multierr.Append(closeErr, fmt.Errorf("failed to close %s: %w", c.name, err))
		}
	}

	return multierr.Append(runErr, closeErr)
}
