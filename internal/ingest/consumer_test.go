package ingest

import (
	"EventPulse/internal/breaker"
	"EventPulse/internal/event"
	"EventPulse/internal/metrics"
	"EventPulse/pkg/kafka"
	"context"
	"errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"iter"
	"sync"
	"testing"
	"time"
)

// fakeSource is an in-memory single partition log
type fakeSource struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
	rewound   []int64
	commitErr error
	fatal     error
	next      int64
}

func (s *fakeSource) push(values ...[]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range values {
		s.pending = append(s.pending, kafka.Message{Topic: "events", Offset: s.next, Value: v})
		s.next++
	}
}

func (s *fakeSource) Poll(timeout time.Duration) iter.Seq[kafka.Message] {
	return func(yield func(kafka.Message) bool) {
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				time.Sleep(time.Millisecond)
				return
			}
			msg := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			if !yield(msg) {
				return
			}
		}
	}
}

func (s *fakeSource) Commit(msg kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	s.committed = append(s.committed, msg.Offset)
	return nil
}

func (s *fakeSource) Rewind(msg kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewound = append(s.rewound, msg.Offset)
	s.pending = append([]kafka.Message{msg}, s.pending...)
	return nil
}

func (s *fakeSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

func (s *fakeSource) commits() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.committed...)
}

type recordingHandler struct {
	mu      sync.Mutex
	handled []string
	err     error
}

func (h *recordingHandler) Handle(ctx context.Context, e event.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.handled = append(h.handled, e.EventID)
	return nil
}

func (h *recordingHandler) events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.handled...)
}

func encoded(t *testing.T, id, eventType, user string) []byte {
	t.Helper()
	data, err := event.Encode(event.Event{
		EventID:   id,
		EventType: eventType,
		UserID:    user,
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
		Payload:   map[string]string{},
	})
	require.NoError(t, err)
	return data
}

func newTestConsumer(t *testing.T, source Source, handler Handler, opts ...Option) *Consumer {
	t.Helper()
	c, err := NewConsumer(source, handler, Config{PollTimeout: 10 * time.Millisecond}, opts...)
	require.NoError(t, err)
	c.sleep = func(ctx context.Context, d time.Duration) {}
	return c
}

func TestHandle_ProcessesAndAcks(t *testing.T) {
	source := &fakeSource{}
	handler := &recordingHandler{}
	c := newTestConsumer(t, source, handler)
	before := testutil.ToFloat64(metrics.EventsConsumed.WithLabelValues(metrics.OutcomeProcessed))

	c.Handle(context.Background(), kafka.Message{Offset: 7, Value: encoded(t, "e1", event.TypePurchase, "U1")})

	assert.Equal(t, []string{"e1"}, handler.events())
	assert.Equal(t, []int64{7}, source.commits())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.EventsConsumed.WithLabelValues(metrics.OutcomeProcessed)))
}

func TestHandle_MalformedIsAckedAndSkipped(t *testing.T) {
	source := &fakeSource{}
	handler := &recordingHandler{}
	c := newTestConsumer(t, source, handler)
	before := testutil.ToFloat64(metrics.EventsConsumed.WithLabelValues(metrics.OutcomeMalformed))

	c.Handle(context.Background(), kafka.Message{Offset: 1, Value: []byte("{not json")})
	c.Handle(context.Background(), kafka.Message{Offset: 2, Value: []byte(`{"eventId":"e2","eventType":"purchase"}`)})

	assert.Empty(t, handler.events())
	assert.Equal(t, []int64{1, 2}, source.commits())
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.EventsConsumed.WithLabelValues(metrics.OutcomeMalformed)))
}

func TestHandle_DuplicateIsAckedWithoutSideEffects(t *testing.T) {
	source := &fakeSource{}
	handler := &recordingHandler{}
	c := newTestConsumer(t, source, handler)

	data := encoded(t, "dup", event.TypePageView, "U1")
	c.Handle(context.Background(), kafka.Message{Offset: 1, Value: data})
	c.Handle(context.Background(), kafka.Message{Offset: 2, Value: data})

	assert.Equal(t, []string{"dup"}, handler.events())
	assert.Equal(t, []int64{1, 2}, source.commits())
}

func TestHandle_FailureRewindsWithoutAck(t *testing.T) {
	source := &fakeSource{}
	handler := &recordingHandler{err: errors.New("store unavailable")}
	c := newTestConsumer(t, source, handler)

	msg := kafka.Message{Offset: 3, Value: encoded(t, "e3", event.TypePurchase, "U1")}
	c.Handle(context.Background(), msg)

	assert.Empty(t, source.commits())
	assert.Equal(t, []int64{3}, source.rewound)

	// the re-delivered message is processed once the store recovers
	handler.err = nil
	c.Handle(context.Background(), msg)
	assert.Equal(t, []int64{3}, source.commits())
	assert.Equal(t, []string{"e3"}, handler.events())
}

func TestHandle_OpenBreakerFallsBackToAck(t *testing.T) {
	source := &fakeSource{}
	handler := &recordingHandler{err: errors.New("store unavailable")}
	b := breaker.New("test_ingest", breaker.Config{FailureRateThreshold: 50, WindowSize: 10, Cooldown: time.Hour})
	c := newTestConsumer(t, source, handler, WithBreaker(b))
	before := testutil.ToFloat64(metrics.DegradedAcks)

	for i := 0; i < 6; i++ {
		c.Handle(context.Background(), kafka.Message{Offset: int64(i), Value: encoded(t, "f", event.TypePurchase, "U1")})
	}
	require.Equal(t, breaker.StateOpen, b.State())
	assert.Empty(t, source.commits())
	assert.Len(t, source.rewound, 6)

	handler.err = nil
	c.Handle(context.Background(), kafka.Message{Offset: 6, Value: encoded(t, "g", event.TypePurchase, "U1")})

	assert.Empty(t, handler.events(), "no side effects while degraded")
	assert.Equal(t, []int64{6}, source.commits())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.DegradedAcks))
}

func TestHandle_AckFailureIsCounted(t *testing.T) {
	source := &fakeSource{commitErr: errors.New("rebalance in progress")}
	c := newTestConsumer(t, source, &recordingHandler{})
	before := testutil.ToFloat64(metrics.AckErrors)

	c.Handle(context.Background(), kafka.Message{Offset: 1, Value: encoded(t, "e1", event.TypePageView, "U1")})
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AckErrors))
}

func TestRun_ConsumesUntilCancelled(t *testing.T) {
	source := &fakeSource{}
	handler := &recordingHandler{}
	c := newTestConsumer(t, source, handler)

	source.push(
		encoded(t, "a", event.TypeUserSignup, "U1"),
		[]byte("garbage"),
		encoded(t, "b", event.TypePurchase, "U1"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()

	require.Eventually(t, func() bool { return len(source.commits()) == 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, []string{"a", "b"}, handler.events())

	// nothing is handled or committed after shutdown
	source.push(encoded(t, "c", event.TypePurchase, "U1"))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, source.commits(), 3)
}

func TestHandle_NoCommitOnceShutdownStarts(t *testing.T) {
	source := &fakeSource{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled []string
	c := newTestConsumer(t, source, HandlerFunc(func(hctx context.Context, e event.Event) error {
		cancel()
		// the handler itself is not interrupted by shutdown
		require.NoError(t, hctx.Err())
		handled = append(handled, e.EventID)
		return nil
	}))

	c.Handle(ctx, kafka.Message{Offset: 4, Value: encoded(t, "late", event.TypePurchase, "U1")})

	assert.Equal(t, []string{"late"}, handled)
	assert.Empty(t, source.commits())
}

func TestRun_ReturnsFatalSourceError(t *testing.T) {
	source := &fakeSource{fatal: errors.New("broker transport failure")}
	c := newTestConsumer(t, source, &recordingHandler{})

	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background())
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorContains(t, err, "ingestion source failed")
		assert.ErrorContains(t, err, "broker transport failure")
	case <-time.After(time.Second):
		t.Fatal("consumer kept polling after a fatal error")
	}
}

func TestObserveTransitions(t *testing.T) {
	observe := ObserveTransitions(zap.NewNop().Sugar())
	observe("test_observer", breaker.StateClosed, breaker.StateOpen)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.BreakerState.WithLabelValues("test_observer")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.BreakerTransitions.WithLabelValues("test_observer", "closed", "open")))
}
