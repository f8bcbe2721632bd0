package sink

import (
	"context"
	"fmt"
	"time"
)

// Sink is the write side of the low-latency key/value store.
// Each call is self-contained; nothing spans more than one key.
type Sink interface {
	// Increment atomically adds one to a counter. A positive ttl (re)sets its expiry.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// SetWithExpiry stores a scalar, or a JSON-encoded structured value
	SetWithExpiry(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// HashIncrement adds one to a hash field and (re)sets the expiry of the whole hash
	HashIncrement(ctx context.Context, key, field string, ttl time.Duration) (int64, error)
	// PushBounded pushes to the head of a list and trims it to maxLen entries
	PushBounded(ctx context.Context, key, value string, maxLen int64) error
}

// Reader is the read side used by the request surface
type Reader interface {
	// GetInt returns 0 for a missing key
	GetInt(ctx context.Context, key string) (int64, error)
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
}

// Key schema
const (
	KeyEventsTotal        = "metrics:events:total"
	KeyHighValuePurchases = "high_value_purchases"
)

// Expiries
const (
	UserActivityTTL       = time.Hour
	NewUserTTL            = 24 * time.Hour
	FraudAlertTTL         = time.Hour
	UserActivityWindowTTL = time.Hour
	StreamMetricTTL       = 5 * time.Minute
)

func EventTypeCountKey(eventType string) string {
	return fmt.Sprintf("metrics:events:%s", eventType)
}

func UserActivityKey(userID string) string {
	return fmt.Sprintf("user:activity:%s", userID)
}

func NewUserKey(userID string) string {
	return fmt.Sprintf("user:new:%s", userID)
}

func UserPurchasesKey(userID string) string {
	return fmt.Sprintf("user:purchases:%s", userID)
}

func UserPageViewsKey(userID string) string {
	return fmt.Sprintf("user:pageviews:%s", userID)
}

func FraudAlertKey(userID string) string {
	return fmt.Sprintf("fraud:alert:%s", userID)
}

// UserActivityWindowKey uses the window start in epoch millis
func UserActivityWindowKey(userID string, windowStart int64) string {
	return fmt.Sprintf("user:activity:window:%s:%d", userID, windowStart)
}

func StreamMetricKey(eventType string) string {
	return fmt.Sprintf("metrics:stream:%s", eventType)
}

// HighValueEntry formats a high value purchase list entry as userId:amount
func HighValueEntry(userID, amount string) string {
	return fmt.Sprintf("%s:%s", userID, amount)
}
