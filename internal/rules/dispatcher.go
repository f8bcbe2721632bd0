package rules

import (
	"EventPulse/internal/event"
	"EventPulse/internal/metrics"
	"EventPulse/internal/sink"
	"context"
	"fmt"
	"go.uber.org/zap"
)

// Rule applies the side effect of one event type
type Rule func(ctx context.Context, s sink.Sink, e event.Event) error

// Dispatcher maps event types to their store side effects
type Dispatcher struct {
	sink   sink.Sink
	rules  map[string]Rule
	logger *zap.SugaredLogger
}

// DefaultRules is the rule table for the recognized event types
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		event.TypeUserSignup: markNewUser,
		event.TypePurchase:   countPurchase,
		event.TypePageView:   countPageView,
	}
}

func markNewUser(ctx context.Context, s sink.Sink, e event.Event) error {
	return s.SetWithExpiry(ctx, sink.NewUserKey(e.UserID), true, sink.NewUserTTL)
}

func countPurchase(ctx context.Context, s sink.Sink, e event.Event) error {
	_, err := s.Increment(ctx, sink.UserPurchasesKey(e.UserID), 0)
	return err
}

func countPageView(ctx context.Context, s sink.Sink, e event.Event) error {
	_, err := s.Increment(ctx, sink.UserPageViewsKey(e.UserID), 0)
	return err
}

func NewDispatcher(s sink.Sink, logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		sink:   s,
		rules:  DefaultRules(),
		logger: logger,
	}
}

// Register adds or replaces the rule for an event type
func (d *Dispatcher) Register(eventType string, rule Rule) {
	d.rules[eventType] = rule
}

// Dispatch applies the event type's rule, then the counters every event updates.
// Unknown types only get the common counters. Store errors are returned unchanged in kind.
func (d *Dispatcher) Dispatch(ctx context.Context, e event.Event) error {
	if rule, ok := d.rules[e.EventType]; ok {
		if err := rule(ctx, d.sink, e); err != nil {
			return fmt.Errorf("failed to apply %s rule for user %s: %w", e.EventType, e.UserID, err)
		}
	} else {
		metrics.UnknownEventTypes.WithLabelValues(e.EventType).Inc()
		d.logger.Debugw("No rule for event type", "event_type", e.EventType, "event_id", e.EventID)
	}

	return d.updateCounters(ctx, e)
}

func (d *Dispatcher) updateCounters(ctx context.Context, e event.Event) error {
	if _, err := d.sink.Increment(ctx, sink.EventTypeCountKey(e.EventType), 0); err != nil {
		return fmt.Errorf("failed to update event counters: %w", err)
	}
	if _, err := d.sink.Increment(ctx, sink.KeyEventsTotal, 0); err != nil {
		return fmt.Errorf("failed to update event counters: %w", err)
	}
	if _, err := d.sink.HashIncrement(ctx, sink.UserActivityKey(e.UserID), e.EventType, sink.UserActivityTTL); err != nil {
		return fmt.Errorf("failed to update activity of user %s: %w", e.UserID, err)
	}
	return nil
}
