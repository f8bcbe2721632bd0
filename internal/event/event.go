package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"strconv"
	"time"
)

// Recognized event types. Any other value is valid but triggers no business rule.
const (
	TypeUserSignup = "user_signup"
	TypePurchase   = "purchase"
	TypePageView   = "page_view"
)

// PayloadAmount is the purchase payload field holding the purchase amount
const PayloadAmount = "amount"

// ErrMalformed marks a message that cannot be turned into an Event
var ErrMalformed = errors.New("malformed event")

// Metadata is propagated untouched through processing
type Metadata struct {
	Source        string `json:"source"`
	Version       string `json:"version"`
	CorrelationID string `json:"correlationId"`
}

// Event is the immutable unit flowing through the pipeline
type Event struct {
	EventID   string            `json:"eventId"`
	EventType string            `json:"eventType"`
	UserID    string            `json:"userId"`
	Timestamp int64             `json:"timestamp"` // event time, epoch millis
	Payload   map[string]string `json:"payload"`
	Metadata  Metadata          `json:"metadata"`
}

// New builds an event stamped with a fresh id and the given event time
func New(eventType, userID string, payload map[string]string, source string, at time.Time) Event {
	if payload == nil {
		payload = map[string]string{}
	}
	return Event{
		EventID:   uuid.New().String(),
		EventType: eventType,
		UserID:    userID,
		Timestamp: at.UnixMilli(),
		Payload:   payload,
		Metadata: Metadata{
			Source:        source,
			Version:       "1.0",
			CorrelationID: uuid.New().String(),
		},
	}
}

// Time returns the event time
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// IsPurchase reports whether the event is a purchase
func (e Event) IsPurchase() bool {
	return e.EventType == TypePurchase
}

// Amount parses the purchase amount from the payload.
// ok is false when the field is absent or not a number.
func (e Event) Amount() (raw string, amount float64, ok bool) {
	raw, exists := e.Payload[PayloadAmount]
	if !exists || raw == "" {
		return "", 0, false
	}
	amount, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return raw, 0, false
	}
	return raw, amount, true
}

// Validate checks the fields processing depends on
func (e Event) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("%w: missing eventType", ErrMalformed)
	}
	if e.UserID == "" {
		return fmt.Errorf("%w: missing userId", ErrMalformed)
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("%w: invalid timestamp %d", ErrMalformed, e.Timestamp)
	}
	return nil
}

// Decode deserializes and validates a message value.
// Events arriving without an id get one so downstream dedupe has a key.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}
	if e.Payload == nil {
		e.Payload = map[string]string{}
	}
	return e, nil
}

// Encode serializes the event for the broker
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}
