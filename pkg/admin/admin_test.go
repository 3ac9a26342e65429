package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleHealth(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)

	HandleHealth(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, "should return 200 OK")
}

func TestHandleMetricsAndStatusz(t *testing.T) {
	m := NewMetrics()

	// Seed some counters.
	m.TotalRequests = 7
	m.Hits = 4
	m.Misses = 2
	m.Inflight = 2

	// Populate in-flight list to render in /statusz.
	m.InflightList["conn1"] = time.Now().Add(-2 * time.Second)
	m.InflightList["conn2"] = time.Now().Add(-1 * time.Second)

	// /metrics
	rr := httptest.NewRecorder()
	HandleMetrics(rr, m)
	require.Equal(t, http.StatusOK, rr.Code, "metrics should return 200")

	body := rr.Body.String()
	assert.Contains(t, body, "txtcache_connections_total 7", "should include total connections metric")
	assert.Contains(t, body, "txtcache_hits_total 4", "should include hits metric")
	assert.Contains(t, body, "txtcache_misses_total 2", "should include misses metric")
	assert.Contains(t, body, "txtcache_inflight_connections 2", "should include inflight gauge")
	// Basic formatting sanity
	assert.True(t, strings.Contains(body, "\n"), "prometheus format should be multiline")

	// /statusz
	rr2 := httptest.NewRecorder()
	HandleStatusz(rr2, m)
	require.Equal(t, http.StatusOK, rr2.Code, "statusz should return 200")

	html := rr2.Body.String()
	assert.Contains(t, html, "conn1", "statusz should list inflight connection ids")
	assert.Contains(t, html, "conn2", "statusz should list inflight connection ids")
	assert.Contains(t, html, "<table", "statusz should render an HTML table")
}

func TestCountersAndInflight(t *testing.T) {
	m := NewMetrics()
	m.IncTotalRequests()
	m.IncHit()
	m.IncMiss()
	m.IncForwarded()
	m.IncParseErrors()
	m.IncOriginErrors()
	m.IncDecodeErrors()
	m.IncCacheErrors()
	m.InflightAdd("a")
	m.InflightAdd("b")
	m.InflightRemove("a")
	m.InflightRemove("missing")

	assert.EqualValues(t, 1, m.TotalRequests)
	assert.EqualValues(t, 1, m.Forwarded)
	assert.EqualValues(t, 1, m.DecodeErrors)
	assert.EqualValues(t, 1, m.CacheErrors)
	assert.Equal(t, 0, m.Inflight)
	assert.Len(t, m.InflightList, 1)
}

func TestObserveDurationBuckets(t *testing.T) {
	m := NewMetrics()
	m.ObserveDuration("HIT", 0.001)
	m.ObserveDuration("HIT", 0.3)
	m.ObserveDuration("HIT", 60)

	rr := httptest.NewRecorder()
	HandleMetrics(rr, m)
	body := rr.Body.String()
	assert.Contains(t, body, `txtcache_request_duration_seconds_bucket{outcome="HIT",le="0.005"} 1`)
	assert.Contains(t, body, `txtcache_request_duration_seconds_bucket{outcome="HIT",le="0.5"} 2`)
	assert.Contains(t, body, `txtcache_request_duration_seconds_bucket{outcome="HIT",le="10"} 2`)
	assert.Contains(t, body, `txtcache_request_duration_seconds_bucket{outcome="HIT",le="+Inf"} 3`)
	assert.Contains(t, body, `txtcache_request_duration_seconds_count{outcome="HIT"} 3`)
}

func TestRouter(t *testing.T) {
	m := NewMetrics()
	m.IncHit()
	varz := map[string]string{"store": "file"}
	records := []map[string]string{{"outcome": "HIT"}}
	srv := httptest.NewServer(NewRouter(m, varz, func() interface{} { return records }))
	defer srv.Close()

	get := func(path string) (*http.Response, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(b)
	}

	resp, body := get("/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", body)

	_, body = get("/metrics")
	assert.Contains(t, body, "txtcache_hits_total 1")

	resp, body = get("/varz")
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var gotVarz map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &gotVarz))
	assert.Equal(t, "file", gotVarz["store"])

	_, body = get("/requestz")
	assert.Contains(t, body, `"outcome":"HIT"`)

	_, body = get("/statusz")
	assert.Contains(t, body, "Inflight: 0")

	resp, _ = get("/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouterWithoutRequests(t *testing.T) {
	rr := httptest.NewRecorder()
	NewRouter(NewMetrics(), nil, nil).ServeHTTP(rr, httptest.NewRequest("GET", "/requestz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}
