package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/masshaul/masshaul/internal/logger"
)

// slowRequestThreshold flags requests worth a warning in the log
const slowRequestThreshold = 500 * time.Millisecond

// Timing returns a middleware that adds Server-Timing headers and warns
// about slow requests.
func Timing(next http.Handler) http.Handler {
	log := logger.Default().WithComponent("http")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		w.Header().Set("Server-Timing", formatServerTiming(duration))

		if duration > slowRequestThreshold {
			log.Warn(r.Context(), "slow request", map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.statusCode,
				"duration_ms": duration.Milliseconds(),
			})
		}
	})
}

func formatServerTiming(d time.Duration) string {
	ms := float64(d.Nanoseconds()) / 1e6
	return "total;dur=" + strconv.FormatFloat(ms, 'f', 2, 64)
}
