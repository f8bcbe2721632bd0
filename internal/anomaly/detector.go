package anomaly

import (
	"EventPulse/internal/event"
	"EventPulse/internal/metrics"
	"EventPulse/internal/sink"
	"EventPulse/internal/window"
	"context"
	"fmt"
	"go.uber.org/zap"
	"time"
)

// Config holds the purchase anomaly rules
type Config struct {
	// Window is the tumbling window purchases are counted over
	Window time.Duration `yaml:"window"`
	// Threshold: an alert fires when the count in one window first exceeds it
	Threshold int64 `yaml:"threshold"`
	// HighValueAmount: single purchases above it are recorded regardless of windowing
	HighValueAmount float64 `yaml:"high_value_amount"`
	// HighValueListMax bounds the high value purchase list
	HighValueListMax int64 `yaml:"high_value_list_max"`
}

// DefaultConfig returns the reference configuration
func DefaultConfig() Config {
	return Config{
		Window:           10 * time.Minute,
		Threshold:        5,
		HighValueAmount:  500,
		HighValueListMax: 1000,
	}
}

// Alert is raised once per user and window when purchases exceed the threshold
type Alert struct {
	UserID      string    `json:"userId"`
	WindowStart int64     `json:"windowStart"`
	Count       int64     `json:"count"`
	TriggeredAt time.Time `json:"triggeredAt"`
}

// Detector counts purchases per user in tumbling windows and flags high value purchases
type Detector struct {
	config     Config
	aggregator *window.Aggregator
	sink       sink.Sink
	now        func() time.Time
	logger     *zap.SugaredLogger
}

// New creates a detector. grace, origin and stripes apply to its purchase window.
func New(config Config, grace time.Duration, origin int64, stripes int, s sink.Sink, logger *zap.SugaredLogger) (*Detector, error) {
	def := DefaultConfig()
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.HighValueAmount <= 0 {
		config.HighValueAmount = def.HighValueAmount
	}
	if config.HighValueListMax <= 0 {
		config.HighValueListMax = def.HighValueListMax
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	threshold := config.Threshold
	aggregator, err := window.NewAggregator(window.Config{
		Name:    "purchase_burst",
		Size:    config.Window,
		Grace:   grace,
		Origin:  origin,
		Stripes: stripes,
	},
		window.WithKeyFunc(window.OnlyType(event.TypePurchase, window.ByUser)),
		window.WithTrigger(func(count int64) bool { return count > threshold }),
		window.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create purchase window: %w", err)
	}

	return &Detector{
		config:     config,
		aggregator: aggregator,
		sink:       s,
		now:        time.Now,
		logger:     logger,
	}, nil
}

// Aggregator exposes the purchase window so it can be swept with the others
func (d *Detector) Aggregator() *window.Aggregator {
	return d.aggregator
}

// Process applies both purchase rules to the event; other event types are ignored.
// The high value check runs first so a store failure leaves the window counts untouched
// and the event can be re-delivered. A failed alert write is logged and not retried.
func (d *Detector) Process(ctx context.Context, e event.Event) ([]Alert, error) {
	if !e.IsPurchase() {
		return nil, nil
	}

	if err := d.checkHighValue(ctx, e); err != nil {
		return nil, err
	}

	var alerts []Alert
	for _, r := range d.aggregator.Add(e) {
		if !r.Triggered {
			continue
		}
		alert := Alert{
			UserID:      r.GroupKey,
			WindowStart: r.Start,
			Count:       r.Count,
			TriggeredAt: d.now(),
		}
		d.raise(ctx, alert)
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

func (d *Detector) checkHighValue(ctx context.Context, e event.Event) error {
	raw, amount, ok := e.Amount()
	if !ok {
		if raw != "" {
			d.logger.Debugw("Ignoring unparsable purchase amount", "event_id", e.EventID, "amount", raw)
		}
		return nil
	}
	if amount <= d.config.HighValueAmount {
		return nil
	}

	if err := d.sink.PushBounded(ctx, sink.KeyHighValuePurchases, sink.HighValueEntry(e.UserID, raw), d.config.HighValueListMax); err != nil {
		return fmt.Errorf("failed to record high value purchase for user %s: %w", e.UserID, err)
	}
	metrics.HighValuePurchases.Inc()
	d.logger.Infow("High value purchase", "user_id", e.UserID, "amount", raw, "event_id", e.EventID)
	return nil
}

func (d *Detector) raise(ctx context.Context, alert Alert) {
	metrics.FraudAlerts.Inc()
	d.logger.Warnw("Purchase burst detected",
		"user_id", alert.UserID,
		"window_start", alert.WindowStart,
		"count", alert.Count,
		"threshold", d.config.Threshold)

	if err := d.sink.SetWithExpiry(ctx, sink.FraudAlertKey(alert.UserID), alert.Count, sink.FraudAlertTTL); err != nil {
		metrics.AlertErrors.Inc()
		d.logger.Errorw("Lost fraud alert", "user_id", alert.UserID, "count", alert.Count, "error", err)
	}
}
