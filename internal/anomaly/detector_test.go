package anomaly

import (
	"EventPulse/internal/event"
	"EventPulse/internal/metrics"
	"EventPulse/internal/sink"
	"context"
	"errors"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

var noon = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setupDetector(t *testing.T) (*Detector, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	s := sink.NewRedisSinkWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() {
		s.Close()
		mr.Close()
	})

	d, err := New(DefaultConfig(), 0, 0, 4, s, nil)
	require.NoError(t, err)
	d.now = func() time.Time { return noon.Add(time.Hour) }
	return d, mr
}

func purchase(user string, at time.Time, amount string) event.Event {
	payload := map[string]string{}
	if amount != "" {
		payload[event.PayloadAmount] = amount
	}
	return event.Event{
		EventID:   at.String(),
		EventType: event.TypePurchase,
		UserID:    user,
		Timestamp: at.UnixMilli(),
		Payload:   payload,
	}
}

func TestDetector_SixPurchasesRaiseOneAlert(t *testing.T) {
	d, mr := setupDetector(t)
	ctx := context.Background()
	before := testutil.ToFloat64(metrics.FraudAlerts)

	var alerts []Alert
	for i := 0; i < 8; i++ {
		got, err := d.Process(ctx, purchase("U1", noon.Add(time.Duration(i)*time.Minute), "10"))
		require.NoError(t, err)
		if i == 5 {
			require.Len(t, got, 1, "alert fires on the sixth purchase")
		}
		alerts = append(alerts, got...)
	}

	require.Len(t, alerts, 1)
	assert.Equal(t, Alert{
		UserID:      "U1",
		WindowStart: noon.UnixMilli(),
		Count:       6,
		TriggeredAt: noon.Add(time.Hour),
	}, alerts[0])
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.FraudAlerts))

	val, err := mr.Get(sink.FraudAlertKey("U1"))
	require.NoError(t, err)
	assert.Equal(t, "6", val)
	assert.Equal(t, time.Hour, mr.TTL(sink.FraudAlertKey("U1")))
}

func TestDetector_ThresholdIsStrict(t *testing.T) {
	d, mr := setupDetector(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		alerts, err := d.Process(ctx, purchase("U2", noon.Add(time.Duration(i)*time.Minute), ""))
		require.NoError(t, err)
		assert.Empty(t, alerts)
	}
	assert.False(t, mr.Exists(sink.FraudAlertKey("U2")))
}

func TestDetector_NewWindowCanAlertAgain(t *testing.T) {
	d, _ := setupDetector(t)
	ctx := context.Background()

	burst := func(start time.Time) []Alert {
		var alerts []Alert
		for i := 0; i < 6; i++ {
			got, err := d.Process(ctx, purchase("U3", start.Add(time.Duration(i)*time.Second), ""))
			require.NoError(t, err)
			alerts = append(alerts, got...)
		}
		return alerts
	}

	assert.Len(t, burst(noon), 1)
	d.Aggregator().Sweep(ctx, noon.Add(10*time.Minute))

	alerts := burst(noon.Add(10 * time.Minute))
	require.Len(t, alerts, 1)
	assert.Equal(t, noon.Add(10*time.Minute).UnixMilli(), alerts[0].WindowStart)
}

func TestDetector_IgnoresOtherEventTypes(t *testing.T) {
	d, mr := setupDetector(t)

	for i := 0; i < 10; i++ {
		alerts, err := d.Process(context.Background(), event.Event{
			EventType: event.TypePageView,
			UserID:    "U4",
			Timestamp: noon.UnixMilli(),
			Payload:   map[string]string{event.PayloadAmount: "900"},
		})
		require.NoError(t, err)
		assert.Empty(t, alerts)
	}
	assert.False(t, mr.Exists(sink.KeyHighValuePurchases))
	assert.Equal(t, int64(0), d.Aggregator().ActiveWindows())
}

func TestDetector_HighValuePurchase(t *testing.T) {
	d, mr := setupDetector(t)
	ctx := context.Background()

	_, err := d.Process(ctx, purchase("U1", noon, "600"))
	require.NoError(t, err)
	_, err = d.Process(ctx, purchase("U5", noon, "500"))
	require.NoError(t, err)
	_, err = d.Process(ctx, purchase("U6", noon, "not-a-number"))
	require.NoError(t, err)
	_, err = d.Process(ctx, purchase("U7", noon, "750.25"))
	require.NoError(t, err)

	list, err := mr.List(sink.KeyHighValuePurchases)
	require.NoError(t, err)
	assert.Equal(t, []string{"U7:750.25", "U1:600"}, list)
}

func TestDetector_HighValueListIsBounded(t *testing.T) {
	d, mr := setupDetector(t)
	d.config.HighValueListMax = 3

	for i := 0; i < 5; i++ {
		_, err := d.Process(context.Background(), purchase("U1", noon.Add(time.Duration(i)*time.Second), "1000"))
		require.NoError(t, err)
	}

	list, err := mr.List(sink.KeyHighValuePurchases)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	args := m.Called(ctx, key, ttl)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockSink) SetWithExpiry(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}

func (m *mockSink) HashIncrement(ctx context.Context, key, field string, ttl time.Duration) (int64, error) {
	args := m.Called(ctx, key, field, ttl)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockSink) PushBounded(ctx context.Context, key, value string, maxLen int64) error {
	return m.Called(ctx, key, value, maxLen).Error(0)
}

func TestDetector_HighValueStoreFailureLeavesWindowUntouched(t *testing.T) {
	s := new(mockSink)
	d, err := New(DefaultConfig(), 0, 0, 1, s, nil)
	require.NoError(t, err)

	ctx := context.Background()
	s.On("PushBounded", ctx, sink.KeyHighValuePurchases, "U1:900", int64(1000)).Return(errors.New("connection refused")).Once()

	_, err = d.Process(ctx, purchase("U1", noon, "900"))
	assert.ErrorContains(t, err, "failed to record high value purchase")
	assert.Equal(t, int64(0), d.Aggregator().ActiveWindows())
	s.AssertExpectations(t)
}

func TestDetector_AlertStoreFailureIsNotFatal(t *testing.T) {
	s := new(mockSink)
	d, err := New(Config{Threshold: 1}, 0, 0, 1, s, nil)
	require.NoError(t, err)

	ctx := context.Background()
	before := testutil.ToFloat64(metrics.AlertErrors)
	s.On("SetWithExpiry", ctx, sink.FraudAlertKey("U1"), int64(2), sink.FraudAlertTTL).Return(errors.New("timeout")).Once()

	_, err = d.Process(ctx, purchase("U1", noon, ""))
	require.NoError(t, err)
	alerts, err := d.Process(ctx, purchase("U1", noon.Add(time.Second), ""))
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AlertErrors))
	s.AssertExpectations(t)
}
