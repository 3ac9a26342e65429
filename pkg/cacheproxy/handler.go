package cacheproxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/txtcache/pkg/decoder"
	"github.com/jnovack/txtcache/pkg/httpmsg"
	"github.com/jnovack/txtcache/pkg/origin"
	"github.com/jnovack/txtcache/pkg/store"
)

// DefaultTimeout applies when Config.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// Handler serves one proxied exchange per client connection.
type Handler struct {
	cfg Config
}

// NewHandler fills in defaults for any unset Config field except Store,
// which may be nil to disable caching.
func NewHandler(cfg Config) *Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy
	}
	if cfg.Upstream == nil {
		cfg.Upstream = &origin.Forwarder{
			Timeout:        cfg.Timeout,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
			MaxBodyBytes:   cfg.MaxBodyBytes,
		}
	}
	return &Handler{cfg: cfg}
}

// exchange carries the state of one connection through the pipeline.
type exchange struct {
	ctx   context.Context
	conn  net.Conn
	start time.Time
	rec   RequestRecord
	err   error
}

// ServeConn reads one request from conn, answers it and closes conn.
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connID := uuid.Must(uuid.NewV7()).String()
	logger := log.With().Str("connection_id", connID).Logger()
	ctx = logger.WithContext(context.WithValue(ctx, ConnectionIDKey{}, connID))

	if m := h.cfg.Metrics; m != nil {
		m.IncTotalRequests()
		m.InflightAdd(connID)
		defer m.InflightRemove(connID)
	}

	x := &exchange{
		ctx:   ctx,
		conn:  conn,
		start: time.Now(),
		rec:   RequestRecord{ConnectionID: connID},
	}

	rd := httpmsg.NewReader(conn, h.cfg.Timeout)
	if h.cfg.MaxHeaderBytes > 0 {
		rd.MaxHeaderBytes = h.cfg.MaxHeaderBytes
	}
	if h.cfg.MaxBodyBytes > 0 {
		rd.MaxBodyBytes = h.cfg.MaxBodyBytes
	}
	req, err := rd.ReadRequest()
	if err != nil {
		h.readFailed(x, rd, err)
		return
	}
	x.rec.Method = req.Method
	x.rec.Target = req.Target
	x.rec.Version = req.Version

	log.Ctx(ctx).Debug().
		Str("method", req.Method).
		Str("target", req.Target).
		Str("remote", remoteAddr(conn)).
		Msg("request received")

	if req.Method == http.MethodConnect {
		h.sendError(x, req.Version, http.StatusNotImplemented)
		h.finish(x, OutcomeRefused)
		return
	}

	cacheable := h.cfg.Store != nil && h.cfg.Policy.Cacheable(req)
	if cacheable {
		key, err := CacheKey(req.Target)
		if err != nil {
			cacheable = false
		} else {
			x.rec.Key = key
		}
	}

	if cacheable {
		if entry := h.lookup(x); entry != nil {
			h.serveHit(x, req, entry)
			return
		}
	}

	h.forward(x, req, cacheable)
}

// readFailed handles a request that never fully arrived.
func (h *Handler) readFailed(x *exchange, rd *httpmsg.Reader, err error) {
	if errors.Is(err, io.EOF) {
		// connected and closed without sending anything
		log.Ctx(x.ctx).Debug().Msg("client closed before sending a request")
		return
	}
	x.err = err
	var pe *httpmsg.ParseError
	if errors.As(err, &pe) && !errors.Is(err, io.ErrUnexpectedEOF) {
		if m := h.cfg.Metrics; m != nil {
			m.IncParseErrors()
		}
		h.finish(x, OutcomeParseError)
		return
	}
	log.Ctx(x.ctx).Debug().Err(err).Stringer("state", rd.State()).Msg("client read failed")
	h.finish(x, OutcomeClientError)
}

// lookup returns the stored entry for the exchange key, or nil on a miss.
// Store failures degrade to a miss.
func (h *Handler) lookup(x *exchange) *store.Entry {
	ctx, cancel := context.WithTimeout(x.ctx, h.cfg.Timeout)
	defer cancel()

	ok, err := h.cfg.Store.Has(ctx, x.rec.Key)
	if err != nil {
		h.storeFailed(x, err)
		return nil
	}
	if !ok {
		return nil
	}
	entry, err := h.cfg.Store.Get(ctx, x.rec.Key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.storeFailed(x, err)
		}
		return nil
	}
	return entry
}

func (h *Handler) storeFailed(x *exchange, err error) {
	if m := h.cfg.Metrics; m != nil {
		m.IncCacheErrors()
	}
	log.Ctx(x.ctx).Warn().Err(err).Str("key", x.rec.Key).Msg("cache lookup failed, treating as miss")
}

func (h *Handler) serveHit(x *exchange, req *httpmsg.Request, entry *store.Entry) {
	resp := httpmsg.NewResponse(req.Version, http.StatusOK, entry.Content)
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Header.Set("X-Cache", OutcomeHit)
	resp.Header.Set("Connection", "close")

	if err := h.write(x, resp); err != nil {
		h.finish(x, OutcomeClientError)
		return
	}
	if m := h.cfg.Metrics; m != nil {
		m.IncHit()
	}
	h.finish(x, OutcomeHit)
}

func (h *Handler) forward(x *exchange, req *httpmsg.Request, cacheable bool) {
	out := req
	if cacheable {
		// keep the body in a coding the decoder understands
		out = req.Clone()
		out.Header.Set("Accept-Encoding", "gzip")
	}

	resp, err := h.cfg.Upstream.Forward(x.ctx, out)
	if err != nil {
		h.originFailed(x, req, err)
		return
	}

	decodeFailed := false
	if decoder.IsGzip(resp.Header) {
		if _, err := decoder.DecodeResponse(resp); err != nil {
			decodeFailed = true
			if m := h.cfg.Metrics; m != nil {
				m.IncDecodeErrors()
			}
			log.Ctx(x.ctx).Warn().Err(err).Str("target", req.Target).Msg("gzip decode failed, relaying raw body")
		}
	}
	if resp.Header.HasToken("Transfer-Encoding", "chunked") {
		// the body is held de-chunked
		resp.SetBody(resp.Body)
	}

	outcome := OutcomeForwarded
	xcache := "BYPASS"
	if cacheable {
		xcache = OutcomeMiss
		outcome = h.storeResponse(x, resp, decodeFailed)
	}

	for _, name := range []string{"Connection", "Keep-Alive", "Proxy-Connection"} {
		resp.Header.Del(name)
	}
	resp.Header.Set("X-Cache", xcache)
	resp.Header.Set("Connection", "close")

	if err := h.write(x, resp); err != nil {
		h.finish(x, OutcomeClientError)
		return
	}
	if m := h.cfg.Metrics; m != nil {
		switch outcome {
		case OutcomeMiss:
			m.IncMiss()
		case OutcomeForwarded:
			m.IncForwarded()
		}
	}
	h.finish(x, outcome)
}

// storeResponse persists an eligible response and reports the resulting outcome.
// Only complete 200 responses with an identity body are stored.
func (h *Handler) storeResponse(x *exchange, resp *httpmsg.Response, decodeFailed bool) string {
	if resp.StatusCode != http.StatusOK || decodeFailed || !decoder.IsIdentity(resp.Header) {
		log.Ctx(x.ctx).Debug().
			Int("status", resp.StatusCode).
			Str("content_encoding", resp.Header.Get("Content-Encoding")).
			Msg("response not stored")
		return OutcomeNoStore
	}

	ctx, cancel := context.WithTimeout(x.ctx, h.cfg.Timeout)
	defer cancel()
	if err := h.cfg.Store.Put(ctx, x.rec.Key, resp.Body); err != nil {
		x.err = err
		if m := h.cfg.Metrics; m != nil {
			m.IncCacheErrors()
		}
		log.Ctx(x.ctx).Error().Err(err).Str("key", x.rec.Key).Msg("cache write failed")
		return OutcomeStoreError
	}
	return OutcomeMiss
}

func (h *Handler) originFailed(x *exchange, req *httpmsg.Request, err error) {
	x.err = err

	var fe *origin.ForwardError
	if errors.As(err, &fe) && fe.Op == "resolve" {
		log.Ctx(x.ctx).Info().Err(err).Str("target", req.Target).Msg("no origin for request")
		h.sendError(x, req.Version, http.StatusBadRequest)
		h.finish(x, OutcomeBadRequest)
		return
	}

	status := http.StatusBadGateway
	if fe != nil && fe.Timeout() {
		status = http.StatusGatewayTimeout
	}
	if m := h.cfg.Metrics; m != nil {
		m.IncOriginErrors()
	}
	log.Ctx(x.ctx).Error().Err(err).Str("target", req.Target).Int("status", status).Msg("origin fetch failed")
	h.sendError(x, req.Version, status)
	h.finish(x, OutcomeOriginError)
}

func (h *Handler) write(x *exchange, resp *httpmsg.Response) error {
	x.rec.Status = resp.StatusCode
	x.rec.Size = int64(len(resp.Body))

	_ = x.conn.SetWriteDeadline(time.Now().Add(h.cfg.Timeout))
	if _, err := x.conn.Write(resp.Serialize()); err != nil {
		if x.err == nil {
			x.err = err
		}
		log.Ctx(x.ctx).Debug().Err(err).Msg("write to client failed")
		return err
	}
	return nil
}

// finish records the exchange in metrics, the observer and the request log.
func (h *Handler) finish(x *exchange, outcome string) {
	latency := time.Since(x.start)
	x.rec.Time = time.Now()
	x.rec.Outcome = outcome
	x.rec.LatencySecs = latency.Seconds()
	if x.err != nil {
		x.rec.Error = x.err.Error()
	}

	if m := h.cfg.Metrics; m != nil {
		m.ObserveDuration(outcome, latency.Seconds())
	}
	NotifyObserver(h.cfg.RequestObserver, x.rec)
	if h.cfg.RequestLog != nil {
		h.cfg.RequestLog.Record(x.rec)
	}

	level := zerolog.InfoLevel
	if x.err != nil {
		level = zerolog.WarnLevel
	}
	log.Ctx(x.ctx).WithLevel(level).
		Str("method", x.rec.Method).
		Str("target", x.rec.Target).
		Str("key", x.rec.Key).
		Str("outcome", outcome).
		Int("status", x.rec.Status).
		Int64("size", x.rec.Size).
		Dur("latency", latency).
		Msg("served")
}

func remoteAddr(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
