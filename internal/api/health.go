package api

import (
	"EventPulse/internal/breaker"
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

// Pinger checks that a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler - liveness. The service stays UP while degraded; the breaker state and
// store reachability tell why.
func HealthHandler(b *breaker.Breaker, store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		status := "UP"
		health := map[string]interface{}{
			"service":   "eventpulse",
			"timestamp": time.Now().UTC(),
			"runtime": map[string]interface{}{
				"goroutines":      runtime.NumGoroutine(),
				"memory_alloc_mb": float64(getMemStats().Alloc) / 1024 / 1024,
			},
		}
		if b != nil {
			state := b.State()
			health["circuit_breaker"] = state.String()
			if state != breaker.StateClosed {
				status = "DEGRADED"
			}
		}
		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), time.Second)
			err := store.Ping(ctx)
			cancel()
			health["store"] = "UP"
			if err != nil {
				health["store"] = "DOWN"
				health["store_error"] = err.Error()
				status = "DEGRADED"
			}
		}
		health["status"] = status

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(health)
	}
}

func getMemStats() runtime.MemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m
}
