package window

import (
	"EventPulse/internal/event"
	"EventPulse/internal/metrics"
	"context"
	"fmt"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"math"
	"sort"
	"sync"
	"time"
)

// Config describes one windowed aggregation
type Config struct {
	Name    string
	Size    time.Duration
	Advance time.Duration // zero means tumbling
	Grace   time.Duration
	Origin  int64 // epoch millis that window starts are aligned to
	Stripes int
	Ring    RingConfig
}

// Window is a closed or in-progress window count
type Window struct {
	GroupKey string `json:"group_key"`
	Start    int64  `json:"window_start"`
	End      int64  `json:"window_end"`
	Count    int64  `json:"count"`
}

func (w Window) Bounds() Bounds {
	return Bounds{Start: w.Start, End: w.End}
}

// Result is the state of a window right after a record
type Result struct {
	Window
	// Triggered is true only for the record on which the trigger latched
	Triggered bool
}

// KeyFunc extracts the group key of an event; ok=false skips the event
type KeyFunc func(e event.Event) (key string, ok bool)

// EmitFunc receives every closed window exactly once
type EmitFunc func(ctx context.Context, w Window) error

// TriggerFunc is evaluated against the post-increment count while the window's latch is unset.
// Returning true latches the window until it is swept.
type TriggerFunc func(count int64) bool

// ByUser groups events by user id
func ByUser(e event.Event) (string, bool) {
	return e.UserID, e.UserID != ""
}

// ByEventType groups events by event type
func ByEventType(e event.Event) (string, bool) {
	return e.EventType, e.EventType != ""
}

// OnlyType restricts a key function to a single event type
func OnlyType(eventType string, key KeyFunc) KeyFunc {
	return func(e event.Event) (string, bool) {
		if e.EventType != eventType {
			return "", false
		}
		return key(e)
	}
}

type windowKey struct {
	groupKey string
	start    int64
}

type entry struct {
	end     int64
	count   int64
	latched bool
}

type stripe struct {
	mu      sync.Mutex
	windows map[windowKey]*entry
}

// Aggregator maintains per-key counts over hopping or tumbling event-time windows.
// Window state is spread over lock stripes so records for different keys rarely contend,
// and a sweep never closes a window while a record for it holds the stripe.
type Aggregator struct {
	name     string
	assigner Assigner
	grace    int64

	key     KeyFunc
	emit    EmitFunc
	trigger TriggerFunc
	logger  *zap.SugaredLogger

	ring    *stripeRing
	stripes []*stripe

	// closedEnd: every window with End <= closedEnd has been swept
	closedEnd *atomic.Int64
	active    *atomic.Int64
}

type Option func(*Aggregator)

func WithKeyFunc(fn KeyFunc) Option {
	return func(a *Aggregator) {
		a.key = fn
	}
}

func WithEmitFunc(fn EmitFunc) Option {
	return func(a *Aggregator) {
		a.emit = fn
	}
}

func WithTrigger(fn TriggerFunc) Option {
	return func(a *Aggregator) {
		a.trigger = fn
	}
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// NewAggregator creates an aggregator. Without a key function events are grouped by user.
func NewAggregator(config Config, opts ...Option) (*Aggregator, error) {
	if err := CheckGeometry(config.Size, config.Advance); err != nil {
		return nil, fmt.Errorf("aggregation %s: %w", config.Name, err)
	}
	if config.Grace < 0 {
		return nil, fmt.Errorf("aggregation %s: negative grace", config.Name)
	}
	if config.Stripes <= 0 {
		config.Stripes = 1
	}

	a := &Aggregator{
		name:      config.Name,
		assigner:  NewAssigner(config.Size, config.Advance, config.Origin),
		grace:     config.Grace.Milliseconds(),
		key:       ByUser,
		logger:    zap.NewNop().Sugar(),
		ring:      newStripeRing(config.Stripes, config.Ring),
		stripes:   make([]*stripe, config.Stripes),
		closedEnd: atomic.NewInt64(math.MinInt64),
		active:    atomic.NewInt64(0),
	}
	for i := range a.stripes {
		a.stripes[i] = &stripe{windows: make(map[windowKey]*entry)}
	}
	for _, o := range opts {
		o(a)
	}
	a.logger = a.logger.With("aggregation", a.name)
	a.logger.Debugw("Created aggregation", "size", a.assigner.Size(), "advance", a.assigner.Advance(),
		"tumbling", a.assigner.Tumbling(), "grace", config.Grace, "stripes", config.Stripes)
	return a, nil
}

func (a *Aggregator) Name() string {
	return a.name
}

// ActiveWindows returns the number of open windows
func (a *Aggregator) ActiveWindows() int64 {
	return a.active.Load()
}

// Add records the event in every window it belongs to.
// Only accepted records are returned; events skipped by the key function return nil.
func (a *Aggregator) Add(e event.Event) []Result {
	key, ok := a.key(e)
	if !ok {
		return nil
	}

	bounds := a.assigner.Assign(e.Timestamp)
	results := make([]Result, 0, len(bounds))
	for _, b := range bounds {
		if r, ok := a.Record(key, b); ok {
			results = append(results, r)
		}
	}
	return results
}

// Record increments the count of (groupKey, window), creating the window if absent.
// ok is false when the window has already been swept; the record is dropped and counted as late.
func (a *Aggregator) Record(groupKey string, b Bounds) (Result, bool) {
	s := a.stripes[a.ring.locate(groupKey)]

	s.mu.Lock()
	defer s.mu.Unlock()

	// checked under the stripe lock so a concurrent sweep cannot reopen a window it just closed
	if b.End <= a.closedEnd.Load() {
		metrics.LateEvents.WithLabelValues(a.name).Inc()
		a.logger.Debugw("Dropping late record", "group_key", groupKey, "window_start", b.Start)
		return Result{}, false
	}

	k := windowKey{groupKey: groupKey, start: b.Start}
	e, exists := s.windows[k]
	if !exists {
		e = &entry{end: b.End}
		s.windows[k] = e
		metrics.ActiveWindows.WithLabelValues(a.name).Set(float64(a.active.Inc()))
	}
	e.count++

	r := Result{
		Window: Window{GroupKey: groupKey, Start: b.Start, End: b.End, Count: e.count},
	}
	if a.trigger != nil && !e.latched && a.trigger(e.count) {
		e.latched = true
		r.Triggered = true
	}
	return r, true
}

// Sweep closes every window whose end plus grace is not after now, emits each once
// and discards it. The closed windows are returned in (start, key) order.
func (a *Aggregator) Sweep(ctx context.Context, now time.Time) []Window {
	return a.sweep(ctx, now.UnixMilli()-a.grace)
}

// Flush is the final sweep with zero grace: it closes every remaining window
func (a *Aggregator) Flush(ctx context.Context) []Window {
	return a.sweep(ctx, math.MaxInt64)
}

func (a *Aggregator) sweep(ctx context.Context, closeThrough int64) []Window {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues(a.name).Observe(time.Since(start).Seconds())
	}()

	// the watermark never moves backwards, even if the clock does
	for {
		current := a.closedEnd.Load()
		if closeThrough <= current {
			closeThrough = current
			break
		}
		if a.closedEnd.CompareAndSwap(current, closeThrough) {
			break
		}
	}

	var closed []Window
	for _, s := range a.stripes {
		s.mu.Lock()
		for k, e := range s.windows {
			if e.end <= closeThrough {
				closed = append(closed, Window{GroupKey: k.groupKey, Start: k.start, End: e.end, Count: e.count})
				delete(s.windows, k)
			}
		}
		s.mu.Unlock()
	}

	if len(closed) == 0 {
		return nil
	}
	metrics.ActiveWindows.WithLabelValues(a.name).Set(float64(a.active.Sub(int64(len(closed)))))

	sort.Slice(closed, func(i, j int) bool {
		if closed[i].Start != closed[j].Start {
			return closed[i].Start < closed[j].Start
		}
		return closed[i].GroupKey < closed[j].GroupKey
	})

	if a.emit != nil {
		for _, w := range closed {
			// the window is already gone from active state; a failed write is not retried
			if err := a.emit(ctx, w); err != nil {
				metrics.WindowsLost.WithLabelValues(a.name).Inc()
				b := w.Bounds()
				a.logger.Errorw("Lost window metric", "group_key", w.GroupKey,
					"window_start", b.StartTime(), "window_end", b.EndTime(), "count", w.Count, "error", err)
				continue
			}
			metrics.WindowsEmitted.WithLabelValues(a.name).Inc()
		}
	}

	a.logger.Debugw("Swept windows", "closed", len(closed), "active", a.active.Load())
	return closed
}
