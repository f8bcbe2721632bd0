package pipeline

import (
	"EventPulse/internal/anomaly"
	"EventPulse/internal/event"
	"EventPulse/internal/rules"
	"EventPulse/internal/sink"
	"EventPulse/internal/window"
	"context"
)

// Processor applies every side effect of one event: the business rules, the purchase
// rules and the window counts. Store writes happen before any window is touched, so a
// failed event can be re-delivered without double counting.
type Processor struct {
	dispatcher  *rules.Dispatcher
	detector    *anomaly.Detector
	aggregators []*window.Aggregator
}

func NewProcessor(dispatcher *rules.Dispatcher, detector *anomaly.Detector, aggregators ...*window.Aggregator) *Processor {
	return &Processor{
		dispatcher:  dispatcher,
		detector:    detector,
		aggregators: aggregators,
	}
}

func (p *Processor) Handle(ctx context.Context, e event.Event) error {
	if err := p.dispatcher.Dispatch(ctx, e); err != nil {
		return err
	}
	if p.detector != nil {
		if _, err := p.detector.Process(ctx, e); err != nil {
			return err
		}
	}
	for _, a := range p.aggregators {
		a.Add(e)
	}
	return nil
}

// UserActivityEmitter stores closed per-user windows under their start time
func UserActivityEmitter(s sink.Sink) window.EmitFunc {
	return func(ctx context.Context, w window.Window) error {
		return s.SetWithExpiry(ctx, sink.UserActivityWindowKey(w.GroupKey, w.Start), w.Count, sink.UserActivityWindowTTL)
	}
}

// StreamMetricEmitter stores the latest closed count per event type
func StreamMetricEmitter(s sink.Sink) window.EmitFunc {
	return func(ctx context.Context, w window.Window) error {
		return s.SetWithExpiry(ctx, sink.StreamMetricKey(w.GroupKey), w.Count, sink.StreamMetricTTL)
	}
}
