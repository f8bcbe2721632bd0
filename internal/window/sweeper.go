package window

import (
	"context"
	"go.uber.org/zap"
	"time"
)

// Sweeper periodically closes expired windows of a set of aggregators
type Sweeper struct {
	aggregators []*Aggregator
	interval    time.Duration
	now         func() time.Time
	logger      *zap.SugaredLogger
}

func NewSweeper(interval time.Duration, logger *zap.SugaredLogger, aggregators ...*Aggregator) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Sweeper{
		aggregators: aggregators,
		interval:    interval,
		now:         time.Now,
		logger:      logger,
	}
}

// SweepAll runs one sweep over every aggregator and returns the number of closed windows
func (s *Sweeper) SweepAll(ctx context.Context) int {
	now := s.now()
	closed := 0
	for _, a := range s.aggregators {
		closed += len(a.Sweep(ctx, now))
	}
	return closed
}

// Run sweeps on every tick until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	names := make([]string, 0, len(s.aggregators))
	for _, a := range s.aggregators {
		names = append(names, a.Name())
	}
	s.logger.Infow("Starting window sweeper", "interval", s.interval, "aggregations", names)
	for {
		select {
		case <-ctx.Done():
			var active int64
			for _, a := range s.aggregators {
				active += a.ActiveWindows()
			}
			s.logger.Infow("Stopping window sweeper", "active_windows", active)
			return
		case <-ticker.C:
			s.SweepAll(ctx)
		}
	}
}

// Flush closes and emits every remaining window. Writes attempted after ctx is done
// fail and are counted as lost.
func (s *Sweeper) Flush(ctx context.Context) int {
	closed := 0
	for _, a := range s.aggregators {
		n := len(a.Flush(ctx))
		s.logger.Debugw("Flushed aggregation", "aggregation", a.Name(), "windows", n)
		closed += n
	}
	s.logger.Infow("Flushed remaining windows", "closed", closed)
	return closed
}
