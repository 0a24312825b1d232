package metrics

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds every instrument the engine exposes: HTTP request
// metrics, job pipeline gauges and counters, breaker and resource
// state, plus free-form named gauges and counters.
type Metrics struct {
	mu sync.RWMutex

	// Request metrics
	requestCount    map[string]*uint64    // endpoint:method -> count
	requestDuration map[string]*Histogram // endpoint:method -> duration histogram
	requestErrors   map[string]*uint64    // endpoint:status_class -> count

	// Pipeline gauges
	jobsActive          int64
	channelsInflight    int64
	itemsInflight       int64
	activeWSConnections int64

	// Pipeline counters
	itemsCompleted   uint64
	itemsFailed      uint64
	itemsSkipped     uint64
	bytesTransferred uint64
	deadLetters      uint64

	// Breaker state per failure domain and host resource usage
	breakerState map[string]float64
	resourceCPU  float64
	resourceMem  float64

	// Custom gauges and counters
	gauges   map[string]float64
	counters map[string]*uint64

	startTime time.Time
}

// Histogram tracks value distributions
type Histogram struct {
	mu    sync.Mutex
	count uint64
	sum   float64
	// Buckets: 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, 2.5s, 5s, 10s
	buckets    []float64
	bucketVals []uint64
}

// NewHistogram creates a new histogram with default buckets
func NewHistogram() *Histogram {
	return &Histogram{
		buckets:    []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		bucketVals: make([]uint64, 11),
	}
}

// Observe records a value
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, b := range h.buckets {
		if v <= b {
			h.bucketVals[i]++
		}
	}
}

// New creates a new Metrics instance
func New() *Metrics {
	return &Metrics{
		requestCount:    make(map[string]*uint64),
		requestDuration: make(map[string]*Histogram),
		requestErrors:   make(map[string]*uint64),
		breakerState:    make(map[string]float64),
		gauges:          make(map[string]float64),
		counters:        make(map[string]*uint64),
		startTime:       time.Now(),
	}
}

// global metrics instance
var defaultMetrics = New()

// Default returns the default metrics instance
func Default() *Metrics {
	return defaultMetrics
}

// RecordRequest records a request
func (m *Metrics) RecordRequest(method, path string, statusCode int, duration time.Duration) {
	key := fmt.Sprintf("%s:%s", normalizeEndpoint(path), method)

	m.mu.Lock()
	if m.requestCount[key] == nil {
		var zero uint64
		m.requestCount[key] = &zero
	}
	if m.requestDuration[key] == nil {
		m.requestDuration[key] = NewHistogram()
	}
	m.mu.Unlock()

	atomic.AddUint64(m.requestCount[key], 1)

	m.mu.RLock()
	m.requestDuration[key].Observe(duration.Seconds())
	m.mu.RUnlock()

	// Track errors by status class
	if statusCode >= 400 {
		errorKey := fmt.Sprintf("%s:%d", key, statusCode/100*100)
		m.mu.Lock()
		if m.requestErrors[errorKey] == nil {
			var zero uint64
			m.requestErrors[errorKey] = &zero
		}
		m.mu.Unlock()
		atomic.AddUint64(m.requestErrors[errorKey], 1)
	}
}

// normalizeEndpoint collapses per-job and per-id path segments so every
// job hits the same metric series.
func normalizeEndpoint(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		switch {
		case strings.HasPrefix(part, "job_"):
			parts[i] = "{job_id}"
		case len(part) == 36 && strings.Count(part, "-") == 4:
			parts[i] = "{id}"
		case len(part) > 0 && isNumeric(part):
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// IncJobsActive increments the running-jobs gauge
func (m *Metrics) IncJobsActive() {
	atomic.AddInt64(&m.jobsActive, 1)
}

// DecJobsActive decrements the running-jobs gauge
func (m *Metrics) DecJobsActive() {
	atomic.AddInt64(&m.jobsActive, -1)
}

// IncChannelsInflight increments the channels-being-processed gauge
func (m *Metrics) IncChannelsInflight() {
	atomic.AddInt64(&m.channelsInflight, 1)
}

// DecChannelsInflight decrements the channels-being-processed gauge
func (m *Metrics) DecChannelsInflight() {
	atomic.AddInt64(&m.channelsInflight, -1)
}

// IncItemsInflight increments the transfers-in-flight gauge
func (m *Metrics) IncItemsInflight() {
	atomic.AddInt64(&m.itemsInflight, 1)
}

// DecItemsInflight decrements the transfers-in-flight gauge
func (m *Metrics) DecItemsInflight() {
	atomic.AddInt64(&m.itemsInflight, -1)
}

// IncItemsCompleted counts one finished transfer
func (m *Metrics) IncItemsCompleted() {
	atomic.AddUint64(&m.itemsCompleted, 1)
}

// IncItemsFailed counts one permanently failed item
func (m *Metrics) IncItemsFailed() {
	atomic.AddUint64(&m.itemsFailed, 1)
}

// IncItemsSkipped counts one deliberately skipped item
func (m *Metrics) IncItemsSkipped() {
	atomic.AddUint64(&m.itemsSkipped, 1)
}

// AddBytesTransferred adds to the cumulative transferred byte count
func (m *Metrics) AddBytesTransferred(n int64) {
	if n > 0 {
		atomic.AddUint64(&m.bytesTransferred, uint64(n))
	}
}

// IncDeadLetters counts one entry pushed to the dead-letter queue
func (m *Metrics) IncDeadLetters() {
	atomic.AddUint64(&m.deadLetters, 1)
}

// SetBreakerState records a circuit breaker's state for its failure
// domain. Exposed as 0 closed, 1 half_open, 2 open.
func (m *Metrics) SetBreakerState(domain, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}

	m.mu.Lock()
	m.breakerState[domain] = v
	m.mu.Unlock()
}

// SetResourceUsage records the latest host resource sample
func (m *Metrics) SetResourceUsage(cpuPercent, memPercent float64) {
	m.mu.Lock()
	m.resourceCPU = cpuPercent
	m.resourceMem = memPercent
	m.mu.Unlock()
}

// SetWSConnections sets the active WebSocket connections count
func (m *Metrics) SetWSConnections(count int64) {
	atomic.StoreInt64(&m.activeWSConnections, count)
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	atomic.AddInt64(&m.activeWSConnections, 1)
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	atomic.AddInt64(&m.activeWSConnections, -1)
}

// SetGauge sets a gauge value
func (m *Metrics) SetGauge(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

// IncCounter increments a counter
func (m *Metrics) IncCounter(name string) {
	m.mu.Lock()
	if m.counters[name] == nil {
		var zero uint64
		m.counters[name] = &zero
	}
	m.mu.Unlock()
	atomic.AddUint64(m.counters[name], 1)
}

// writeSimple emits one un-labeled metric with HELP and TYPE lines
func writeSimple(sb *strings.Builder, name, kind, help, value string) {
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(sb, "%s %s\n\n", name, value)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder

		uptime := time.Since(m.startTime).Seconds()
		writeSimple(&sb, "masshaul_uptime_seconds", "gauge", "Time since the server started", fmt.Sprintf("%f", uptime))

		writeSimple(&sb, "masshaul_jobs_active", "gauge", "Jobs currently running",
			fmt.Sprintf("%d", atomic.LoadInt64(&m.jobsActive)))
		writeSimple(&sb, "masshaul_channels_inflight", "gauge", "Channels currently being processed",
			fmt.Sprintf("%d", atomic.LoadInt64(&m.channelsInflight)))
		writeSimple(&sb, "masshaul_items_inflight", "gauge", "Item transfers currently in flight",
			fmt.Sprintf("%d", atomic.LoadInt64(&m.itemsInflight)))
		writeSimple(&sb, "masshaul_items_completed_total", "counter", "Items transferred successfully",
			fmt.Sprintf("%d", atomic.LoadUint64(&m.itemsCompleted)))
		writeSimple(&sb, "masshaul_items_failed_total", "counter", "Items that failed permanently",
			fmt.Sprintf("%d", atomic.LoadUint64(&m.itemsFailed)))
		writeSimple(&sb, "masshaul_items_skipped_total", "counter", "Items skipped as duplicates",
			fmt.Sprintf("%d", atomic.LoadUint64(&m.itemsSkipped)))
		writeSimple(&sb, "masshaul_bytes_transferred_total", "counter", "Bytes moved into storage",
			fmt.Sprintf("%d", atomic.LoadUint64(&m.bytesTransferred)))
		writeSimple(&sb, "masshaul_deadletter_total", "counter", "Entries pushed to the dead-letter queue",
			fmt.Sprintf("%d", atomic.LoadUint64(&m.deadLetters)))
		writeSimple(&sb, "masshaul_ws_connections_active", "gauge", "Active WebSocket connections",
			fmt.Sprintf("%d", atomic.LoadInt64(&m.activeWSConnections)))

		m.mu.RLock()

		if len(m.breakerState) > 0 {
			sb.WriteString("# HELP masshaul_breaker_state Circuit breaker state (0 closed, 1 half_open, 2 open)\n")
			sb.WriteString("# TYPE masshaul_breaker_state gauge\n")
			keys := make([]string, 0, len(m.breakerState))
			for k := range m.breakerState {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, domain := range keys {
				fmt.Fprintf(&sb, "masshaul_breaker_state{domain=\"%s\"} %g\n", domain, m.breakerState[domain])
			}
			sb.WriteString("\n")
		}

		sb.WriteString("# HELP masshaul_resource_cpu_percent Host CPU usage from the resource monitor\n")
		sb.WriteString("# TYPE masshaul_resource_cpu_percent gauge\n")
		fmt.Fprintf(&sb, "masshaul_resource_cpu_percent %f\n\n", m.resourceCPU)
		sb.WriteString("# HELP masshaul_resource_memory_percent Host memory usage from the resource monitor\n")
		sb.WriteString("# TYPE masshaul_resource_memory_percent gauge\n")
		fmt.Fprintf(&sb, "masshaul_resource_memory_percent %f\n\n", m.resourceMem)

		// Request counts
		if len(m.requestCount) > 0 {
			sb.WriteString("# HELP masshaul_http_requests_total Total HTTP requests\n")
			sb.WriteString("# TYPE masshaul_http_requests_total counter\n")
			keys := make([]string, 0, len(m.requestCount))
			for k := range m.requestCount {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				parts := strings.SplitN(key, ":", 2)
				if len(parts) == 2 {
					count := atomic.LoadUint64(m.requestCount[key])
					fmt.Fprintf(&sb, "masshaul_http_requests_total{endpoint=\"%s\",method=\"%s\"} %d\n", parts[0], parts[1], count)
				}
			}
			sb.WriteString("\n")
		}

		// Request duration histograms
		if len(m.requestDuration) > 0 {
			sb.WriteString("# HELP masshaul_http_request_duration_seconds HTTP request latency\n")
			sb.WriteString("# TYPE masshaul_http_request_duration_seconds histogram\n")
			keys := make([]string, 0, len(m.requestDuration))
			for k := range m.requestDuration {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				parts := strings.SplitN(key, ":", 2)
				if len(parts) == 2 {
					h := m.requestDuration[key]
					h.mu.Lock()
					for i, bucket := range h.buckets {
						fmt.Fprintf(&sb, "masshaul_http_request_duration_seconds_bucket{endpoint=\"%s\",method=\"%s\",le=\"%g\"} %d\n", parts[0], parts[1], bucket, h.bucketVals[i])
					}
					fmt.Fprintf(&sb, "masshaul_http_request_duration_seconds_bucket{endpoint=\"%s\",method=\"%s\",le=\"+Inf\"} %d\n", parts[0], parts[1], h.count)
					fmt.Fprintf(&sb, "masshaul_http_request_duration_seconds_sum{endpoint=\"%s\",method=\"%s\"} %f\n", parts[0], parts[1], h.sum)
					fmt.Fprintf(&sb, "masshaul_http_request_duration_seconds_count{endpoint=\"%s\",method=\"%s\"} %d\n", parts[0], parts[1], h.count)
					h.mu.Unlock()
				}
			}
			sb.WriteString("\n")
		}

		// Error counts
		if len(m.requestErrors) > 0 {
			sb.WriteString("# HELP masshaul_http_errors_total Total HTTP errors by status class\n")
			sb.WriteString("# TYPE masshaul_http_errors_total counter\n")
			keys := make([]string, 0, len(m.requestErrors))
			for k := range m.requestErrors {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				// key format: endpoint:method:statusClass
				parts := strings.Split(key, ":")
				if len(parts) >= 3 {
					count := atomic.LoadUint64(m.requestErrors[key])
					fmt.Fprintf(&sb, "masshaul_http_errors_total{endpoint=\"%s\",method=\"%s\",status_class=\"%sxx\"} %d\n", parts[0], parts[1], parts[2][:1], count)
				}
			}
			sb.WriteString("\n")
		}

		// Custom gauges
		if len(m.gauges) > 0 {
			sb.WriteString("# HELP masshaul_gauge Custom gauge metrics\n")
			sb.WriteString("# TYPE masshaul_gauge gauge\n")
			keys := make([]string, 0, len(m.gauges))
			for k := range m.gauges {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, name := range keys {
				fmt.Fprintf(&sb, "masshaul_gauge{name=\"%s\"} %f\n", name, m.gauges[name])
			}
			sb.WriteString("\n")
		}

		// Custom counters
		if len(m.counters) > 0 {
			sb.WriteString("# HELP masshaul_counter Custom counter metrics\n")
			sb.WriteString("# TYPE masshaul_counter counter\n")
			keys := make([]string, 0, len(m.counters))
			for k := range m.counters {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, name := range keys {
				count := atomic.LoadUint64(m.counters[name])
				fmt.Fprintf(&sb, "masshaul_counter{name=\"%s\"} %d\n", name, count)
			}
		}
		m.mu.RUnlock()

		w.Write([]byte(sb.String()))
	}
}

// MetricsMiddleware creates middleware that records request metrics
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status
			wrapped := &statusResponseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			m.RecordRequest(r.Method, r.URL.Path, wrapped.statusCode, duration)
		})
	}
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack forwards to the underlying writer so the WebSocket upgrade
// still works behind the request metrics wrapper.
func (w *statusResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}
