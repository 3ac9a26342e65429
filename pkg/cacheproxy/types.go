// pkg/cacheproxy/types.go
package cacheproxy

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jnovack/txtcache/pkg/httpmsg"
	"github.com/jnovack/txtcache/pkg/store"
)

// Outcome tags recorded for every handled connection.
const (
	OutcomeHit         = "HIT"          // served from the store
	OutcomeMiss        = "MISS"         // fetched and stored
	OutcomeForwarded   = "FORWARDED"    // not eligible for caching
	OutcomeNoStore     = "NOSTORE"      // eligible, but the response could not be stored
	OutcomeStoreError  = "STORE-ERROR"  // relayed, but the put failed
	OutcomeOriginError = "ORIGIN-ERROR" // upstream failed
	OutcomeBadRequest  = "BAD-REQUEST"  // no origin could be resolved
	OutcomeParseError  = "PARSE-ERROR"  // malformed client request
	OutcomeClientError = "CLIENT-ERROR" // client read or write failed
	OutcomeRefused     = "REFUSED"      // CONNECT tunnels are not supported
)

// RequestRecord represents one handled exchange, for the request log and
// in-memory inspection.
type RequestRecord struct {
	Time         time.Time `json:"time"`
	ConnectionID string    `json:"connection_id"`
	Method       string    `json:"method"`
	Target       string    `json:"target"`
	Version      string    `json:"version"`
	Key          string    `json:"key,omitempty"`
	Outcome      string    `json:"outcome"`
	Status       int       `json:"status"`
	Size         int64     `json:"size_bytes"`
	LatencySecs  float64   `json:"latency_secs"`
	Error        string    `json:"error,omitempty"`
}

type ConnectionIDKey struct{}

// RequestObserver receives RequestRecords. NotifyObserver invokes them
// asynchronously.
type RequestObserver func(RequestRecord)

// RequestLogger persists one record per exchange. Record must not block for
// long and never fails the exchange.
type RequestLogger interface {
	Record(RequestRecord)
}

// Upstream performs the origin exchange. *origin.Forwarder implements it.
type Upstream interface {
	Forward(ctx context.Context, req *httpmsg.Request) (*httpmsg.Response, error)
}

// Metrics is a minimal interface of counters/histograms used by cacheproxy.
// *admin.Metrics implements it.
type Metrics interface {
	IncTotalRequests()
	IncHit()
	IncMiss()
	IncForwarded()
	IncParseErrors()
	IncOriginErrors()
	IncDecodeErrors()
	IncCacheErrors()
	ObserveDuration(string, float64)
	InflightAdd(string)
	InflightRemove(string)
}

// Config holds the behavior/configuration for the connection handler.
type Config struct {
	Store    store.Store
	Upstream Upstream
	Policy   Policy

	// Timeout bounds every client read and write, and each store call.
	Timeout        time.Duration
	MaxHeaderBytes int
	MaxBodyBytes   int64

	Metrics         Metrics
	RequestLog      RequestLogger
	RequestObserver RequestObserver
}

// NotifyObserver invokes an observer asynchronously, recovering any panic.
func NotifyObserver(obs RequestObserver, rec RequestRecord) {
	if obs == nil {
		return
	}
	go func(r RequestRecord) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("panic", err).
					Str("record_target", r.Target).
					Str("record_method", r.Method).
					Str("record_outcome", r.Outcome).
					Msg("observer panicked")
			}
		}()
		obs(r)
	}(rec)
}
