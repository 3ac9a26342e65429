// Package admin implements small HTTP admin endpoints used by binaries.
// It includes counters, inflight gauges and a simple histogram facility for request durations.
package admin

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// HistogramBuckets defines the latency buckets (seconds) used when observing request durations.
var HistogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics is a minimal metrics container consumed by /metrics handler.
type Metrics struct {
	sync.Mutex

	TotalRequests uint64 `json:"total_requests"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Forwarded     uint64 `json:"forwarded"`
	ParseErrors   uint64 `json:"parse_errors"`
	OriginErrors  uint64 `json:"origin_errors"`
	DecodeErrors  uint64 `json:"decode_errors"`
	CacheErrors   uint64 `json:"cache_errors"`

	// In-flight gauge + map of id->start time for /statusz
	Inflight     int                  `json:"inflight"`
	InflightList map[string]time.Time `json:"inflight_list"`

	// Histograms: map outcome -> counts per bucket
	HistCounts map[string][]uint64 `json:"hist_counts"`
	HistSum    map[string]float64  `json:"hist_sum"`
	HistTotal  map[string]uint64   `json:"hist_total"`
}

// NewMetrics constructs a Metrics instance with initialized histogram maps.
func NewMetrics() *Metrics {
	return &Metrics{
		InflightList: make(map[string]time.Time),
		HistCounts:   make(map[string][]uint64),
		HistSum:      make(map[string]float64),
		HistTotal:    make(map[string]uint64),
	}
}

// InflightAdd records an inflight request with id.
func (m *Metrics) InflightAdd(id string) {
	m.Lock()
	defer m.Unlock()
	m.Inflight++
	m.InflightList[id] = time.Now()
}

// InflightRemove removes an inflight request id.
func (m *Metrics) InflightRemove(id string) {
	m.Lock()
	defer m.Unlock()
	if m.Inflight > 0 {
		m.Inflight--
	}
	delete(m.InflightList, id)
}

// Increment helpers
func (m *Metrics) IncTotalRequests() { m.Lock(); m.TotalRequests++; m.Unlock() }
func (m *Metrics) IncHit()           { m.Lock(); m.Hits++; m.Unlock() }
func (m *Metrics) IncMiss()          { m.Lock(); m.Misses++; m.Unlock() }
func (m *Metrics) IncForwarded()     { m.Lock(); m.Forwarded++; m.Unlock() }
func (m *Metrics) IncParseErrors()   { m.Lock(); m.ParseErrors++; m.Unlock() }
func (m *Metrics) IncOriginErrors()  { m.Lock(); m.OriginErrors++; m.Unlock() }
func (m *Metrics) IncDecodeErrors()  { m.Lock(); m.DecodeErrors++; m.Unlock() }
func (m *Metrics) IncCacheErrors()   { m.Lock(); m.CacheErrors++; m.Unlock() }

// ObserveDuration records a request duration (in seconds) under a named outcome.
func (m *Metrics) ObserveDuration(outcome string, seconds float64) {
	m.Lock()
	defer m.Unlock()
	// ensure buckets exist for this outcome
	if _, ok := m.HistCounts[outcome]; !ok {
		m.HistCounts[outcome] = make([]uint64, len(HistogramBuckets))
		m.HistSum[outcome] = 0
		m.HistTotal[outcome] = 0
	}
	m.HistSum[outcome] += seconds
	m.HistTotal[outcome]++
	for i, b := range HistogramBuckets {
		if seconds <= b {
			m.HistCounts[outcome][i]++
			return
		}
	}
	// beyond the last bucket only the +Inf total counts it
}

// Admin handlers

// NewRouter mounts the admin endpoints. varz is rendered as JSON at /varz;
// requests, when non-nil, supplies the recent request records for /requestz.
func NewRouter(m *Metrics, varz interface{}, requests func() interface{}) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", HandleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) { HandleMetrics(w, m) })
	r.Get("/statusz", func(w http.ResponseWriter, _ *http.Request) { HandleStatusz(w, m) })
	r.Get("/varz", func(w http.ResponseWriter, _ *http.Request) { HandleVarz(w, varz) })
	r.Get("/requestz", func(w http.ResponseWriter, _ *http.Request) {
		if requests == nil {
			HandleVarz(w, []struct{}{})
			return
		}
		HandleVarz(w, requests())
	})
	return r
}

// HandleHealth is a simple healthz handler.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// HandleVarz writes config (provided) as JSON.
func HandleVarz(w http.ResponseWriter, cfg interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cfg)
}

// HandleStatusz renders a small HTML page showing inflight requests.
func HandleStatusz(w http.ResponseWriter, m *Metrics) {
	m.Lock()
	defer m.Unlock()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body><h1>Status</h1>"))
	_, _ = w.Write([]byte("<p>Inflight: " + strconv.Itoa(m.Inflight) + "</p>"))
	_, _ = w.Write([]byte("<table border='1'><tr><th>Connection</th><th>Start</th><th>Age(s)</th></tr>"))
	now := time.Now()
	for k, t := range m.InflightList {
		age := now.Sub(t).Seconds()
		_, _ = w.Write([]byte("<tr><td>" + html.EscapeString(k) + "</td><td>" + t.Format(time.RFC3339) + "</td><td>" + strconv.FormatFloat(age, 'f', 3, 64) + "</td></tr>"))
	}
	_, _ = w.Write([]byte("</table></body></html>"))
}

// HandleMetrics writes Prometheus-compatible output including histograms and counters.
func HandleMetrics(w http.ResponseWriter, m *Metrics) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	m.Lock()
	// counters
	write := func(name, help string, v uint64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", name)
		_, _ = fmt.Fprintf(w, "%s %d\n\n", name, v)
	}
	write("txtcache_connections_total", "Client connections handled", m.TotalRequests)
	write("txtcache_hits_total", "Served from the cache store", m.Hits)
	write("txtcache_misses_total", "Fetched from origin and stored", m.Misses)
	write("txtcache_forwarded_total", "Relayed without caching", m.Forwarded)
	write("txtcache_parse_errors_total", "Malformed client requests", m.ParseErrors)
	write("txtcache_origin_errors_total", "Errors contacting origin", m.OriginErrors)
	write("txtcache_decode_errors_total", "Gzip bodies that failed to decode", m.DecodeErrors)
	write("txtcache_store_errors_total", "Cache store failures", m.CacheErrors)

	// inflight gauge
	_, _ = fmt.Fprintf(w, "# HELP txtcache_inflight_connections In-flight connections\n")
	_, _ = fmt.Fprintf(w, "# TYPE txtcache_inflight_connections gauge\n")
	_, _ = fmt.Fprintf(w, "txtcache_inflight_connections %d\n\n", m.Inflight)

	// histograms
	_, _ = fmt.Fprintf(w, "# HELP txtcache_request_duration_seconds Request duration by outcome\n")
	_, _ = fmt.Fprintf(w, "# TYPE txtcache_request_duration_seconds histogram\n")
	outcomes := make([]string, 0, len(m.HistCounts))
	for outcome := range m.HistCounts {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)
	for _, outcome := range outcomes {
		counts := m.HistCounts[outcome]
		cum := uint64(0)
		for i, b := range HistogramBuckets {
			if i < len(counts) {
				cum += counts[i]
			}
			_, _ = fmt.Fprintf(w, "txtcache_request_duration_seconds_bucket{outcome=\"%s\",le=\"%g\"} %d\n", outcome, b, cum)
		}
		// +Inf bucket
		total := m.HistTotal[outcome]
		_, _ = fmt.Fprintf(w, "txtcache_request_duration_seconds_bucket{outcome=\"%s\",le=\"+Inf\"} %d\n", outcome, total)
		_, _ = fmt.Fprintf(w, "txtcache_request_duration_seconds_sum{outcome=\"%s\"} %g\n", outcome, m.HistSum[outcome])
		_, _ = fmt.Fprintf(w, "txtcache_request_duration_seconds_count{outcome=\"%s\"} %d\n\n", outcome, total)
	}
	m.Unlock()
}
