package api

import (
	"EventPulse/internal/collector"
	"EventPulse/internal/event"
	"EventPulse/internal/metrics"
	"EventPulse/internal/sink"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go.uber.org/zap"
	"io"
	"net/http"
	"time"
)

// EventSource is the metadata source stamped on events created over HTTP
const EventSource = "eventpulse"

// Producer enqueues a serialized event on the inbound stream
type Producer interface {
	Produce(ctx context.Context, key string, value []byte) error
}

// LagReporter reports ingestion progress per partition
type LagReporter interface {
	GroupID() string
	Collect(ctx context.Context) ([]collector.PartitionLag, error)
	// Last is the result of the latest periodic collection, nil before the first one
	Last() []collector.PartitionLag
}

type Handlers struct {
	producer Producer
	reader   sink.Reader
	lag      LagReporter
	logger   *zap.SugaredLogger
	now      func() time.Time
}

func NewHandlers(producer Producer, reader sink.Reader, lag LagReporter, logger *zap.SugaredLogger) *Handlers {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handlers{
		producer: producer,
		reader:   reader,
		lag:      lag,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateEvent POST /api/events?eventType=&userId=
func (h *Handlers) CreateEvent(w http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("eventType")
	userID := r.URL.Query().Get("userId")
	if eventType == "" || userID == "" {
		http.Error(w, "eventType and userId are required", http.StatusBadRequest)
		return
	}

	payload, err := decodePayload(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid payload: %v", err), http.StatusBadRequest)
		return
	}

	ev := event.New(eventType, userID, payload, EventSource, h.now())
	data, err := event.Encode(ev)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := h.producer.Produce(r.Context(), userID, data); err != nil {
		h.logger.Errorw("Failed to produce event", "event_id", ev.EventID, "event_type", eventType, "error", err)
		http.Error(w, "Failed to produce event", http.StatusServiceUnavailable)
		return
	}
	metrics.EventsProduced.WithLabelValues(eventType).Inc()

	writeJSON(w, map[string]string{
		"status":  "success",
		"message": "Event produced successfully",
		"eventId": ev.EventID,
	})
}

// decodePayload reads an optional JSON object of scalars. Numbers and booleans are kept
// in their JSON text form, nulls are dropped.
func decodePayload(body io.Reader) (map[string]string, error) {
	raw := map[string]interface{}{}
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	payload := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case string:
			payload[k] = val
		case json.Number, bool:
			payload[k] = fmt.Sprint(val)
		default:
			return nil, fmt.Errorf("field %q must be a string, number or boolean", k)
		}
	}
	return payload, nil
}

// RealtimeMetrics GET /api/metrics/realtime
func (h *Handlers) RealtimeMetrics(w http.ResponseWriter, r *http.Request) {
	fields := []struct {
		name string
		key  string
	}{
		{"totalEvents", sink.KeyEventsTotal},
		{"userSignups", sink.EventTypeCountKey(event.TypeUserSignup)},
		{"purchases", sink.EventTypeCountKey(event.TypePurchase)},
		{"pageViews", sink.EventTypeCountKey(event.TypePageView)},
	}

	result := make(map[string]int64, len(fields))
	for _, f := range fields {
		n, err := h.reader.GetInt(r.Context(), f.key)
		if err != nil {
			h.logger.Warnw("Failed to read metric", "key", f.key, "error", err)
			http.Error(w, "Metrics store unavailable", http.StatusServiceUnavailable)
			return
		}
		result[f.name] = n
	}
	writeJSON(w, result)
}

// UserActivity GET /api/user/{userId}/activity
func (h *Handlers) UserActivity(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if userID == "" {
		http.Error(w, "User ID required", http.StatusBadRequest)
		return
	}

	activity, err := h.reader.HashGetAll(r.Context(), sink.UserActivityKey(userID))
	if err != nil {
		h.logger.Warnw("Failed to read user activity", "user_id", userID, "error", err)
		http.Error(w, "Metrics store unavailable", http.StatusServiceUnavailable)
		return
	}
	purchases, err := h.reader.GetInt(r.Context(), sink.UserPurchasesKey(userID))
	if err != nil {
		http.Error(w, "Metrics store unavailable", http.StatusServiceUnavailable)
		return
	}
	pageViews, err := h.reader.GetInt(r.Context(), sink.UserPageViewsKey(userID))
	if err != nil {
		http.Error(w, "Metrics store unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, map[string]interface{}{
		"userId":    userID,
		"activity":  activity,
		"purchases": purchases,
		"pageViews": pageViews,
	})
}

// HighValuePurchases GET /api/purchases/high-value
func (h *Handlers) HighValuePurchases(w http.ResponseWriter, r *http.Request) {
	entries, err := h.reader.ListRange(r.Context(), sink.KeyHighValuePurchases, 0, 99)
	if err != nil {
		http.Error(w, "Metrics store unavailable", http.StatusServiceUnavailable)
		return
	}
	if entries == nil {
		entries = []string{}
	}
	writeJSON(w, map[string]interface{}{"purchases": entries})
}

// IngestLag GET /api/ingest/lag[?refresh=true]
func (h *Handlers) IngestLag(w http.ResponseWriter, r *http.Request) {
	if h.lag == nil {
		http.Error(w, "Lag reporting disabled", http.StatusNotFound)
		return
	}

	// the periodic snapshot is served unless a fresh broker query is asked for
	lags := h.lag.Last()
	if lags == nil || r.URL.Query().Get("refresh") == "true" {
		var err error
		lags, err = h.lag.Collect(r.Context())
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to collect lag: %v", err), http.StatusBadGateway)
			return
		}
	}

	var total int64
	for _, l := range lags {
		total += l.Lag
	}
	writeJSON(w, map[string]interface{}{
		"group":      h.lag.GroupID(),
		"total_lag":  total,
		"partitions": lags,
	})
}

// Register adds every route to mux
func (h *Handlers) Register(mux *http.ServeMux, health http.HandlerFunc) {
	mux.HandleFunc("POST /api/events", h.CreateEvent)
	mux.HandleFunc("GET /api/metrics/realtime", h.RealtimeMetrics)
	mux.HandleFunc("GET /api/user/{userId}/activity", h.UserActivity)
	mux.HandleFunc("GET /api/purchases/high-value", h.HighValuePurchases)
	mux.HandleFunc("GET /api/ingest/lag", h.IngestLag)
	mux.HandleFunc("GET /api/health", health)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
