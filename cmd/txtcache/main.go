// Command txtcache is a forwarding HTTP proxy that caches plain-text
// resources, storing gzip responses decoded.
package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	flag "github.com/jnovack/flag"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/txtcache/pkg/admin"
	"github.com/jnovack/txtcache/pkg/cacheproxy"
	"github.com/jnovack/txtcache/pkg/logging"
	"github.com/jnovack/txtcache/pkg/reqlog"
	"github.com/jnovack/txtcache/pkg/server"
	"github.com/jnovack/txtcache/pkg/signals"
	"github.com/jnovack/txtcache/pkg/store"
)

// Config is the runtime configuration. Every flag can also be set through
// the environment variable of the same name, upper-cased with dashes as
// underscores (for example STORE=sqlite).
type Config struct {
	Addr        string        `json:"addr"`
	AdminAddr   string        `json:"admin_addr"`
	Timeout     time.Duration `json:"timeout"`
	Store       string        `json:"store"`
	CacheDir    string        `json:"cache"`
	SQLitePath  string        `json:"sqlite_path"`
	S3Bucket    string        `json:"s3_bucket"`
	S3Region    string        `json:"s3_region"`
	S3Endpoint  string        `json:"s3_endpoint"`
	S3Prefix    string        `json:"s3_prefix"`
	PostgresDSN string        `json:"-"`
	RequestLog  string        `json:"request_log"`
	LogLevel    string        `json:"log_level"`
	LogFormat   string        `json:"log_format"`
	AcceptRate  float64       `json:"accept_rate"`
	AcceptBurst int           `json:"accept_burst"`
	MaxBody     int64         `json:"max_body"`
	Captures    int           `json:"captures"`
}

var config = Config{
	Addr:        ":8080",
	AdminAddr:   ":8081",
	Timeout:     10 * time.Second,
	Store:       store.BackendFile,
	CacheDir:    "./cache",
	S3Region:    "us-east-1",
	RequestLog:  "log.txt",
	LogLevel:    "info",
	LogFormat:   "console",
	AcceptBurst: 10,
	MaxBody:     64 << 20,
	Captures:    1000,
}

func main() {
	flag.StringVar(&config.Addr, "addr", config.Addr, "proxy listen address")
	flag.StringVar(&config.AdminAddr, "admin-addr", config.AdminAddr, "admin HTTP listen address (empty disables)")
	flag.DurationVar(&config.Timeout, "timeout", config.Timeout, "per-read, per-write and dial timeout")
	flag.StringVar(&config.Store, "store", config.Store, "cache backend: file|sqlite|s3|postgres")
	flag.StringVar(&config.CacheDir, "cache", config.CacheDir, "cache directory (file backend, default sqlite location)")
	flag.StringVar(&config.SQLitePath, "sqlite-path", config.SQLitePath, "sqlite database path")
	flag.StringVar(&config.S3Bucket, "s3-bucket", config.S3Bucket, "S3 bucket")
	flag.StringVar(&config.S3Region, "s3-region", config.S3Region, "S3 region")
	flag.StringVar(&config.S3Endpoint, "s3-endpoint", config.S3Endpoint, "S3-compatible endpoint URL")
	flag.StringVar(&config.S3Prefix, "s3-prefix", config.S3Prefix, "S3 object key prefix")
	flag.StringVar(&config.PostgresDSN, "postgres-dsn", config.PostgresDSN, "PostgreSQL DSN")
	flag.StringVar(&config.RequestLog, "request-log", config.RequestLog, "request log file, - for stdout")
	flag.StringVar(&config.LogLevel, "log-level", config.LogLevel, "log level: trace|debug|info|warn|error")
	flag.StringVar(&config.LogFormat, "log-format", config.LogFormat, "log format: console|json")
	flag.Float64Var(&config.AcceptRate, "accept-rate", config.AcceptRate, "max accepted connections per second, 0 for unlimited")
	flag.IntVar(&config.AcceptBurst, "accept-burst", config.AcceptBurst, "accept rate burst")
	flag.Int64Var(&config.MaxBody, "max-body", config.MaxBody, "largest request or response body held in memory, in bytes")
	flag.IntVar(&config.Captures, "captures", config.Captures, "recent requests kept for /requestz")
	flag.Parse()

	logging.Setup(config.LogLevel, config.LogFormat)
	log.Info().Str("addr", config.Addr).Str("store", config.Store).Msg("starting txtcache")

	st, err := store.Open(store.Options{
		Backend:    config.Store,
		Dir:        config.CacheDir,
		SQLitePath: config.SQLitePath,
		S3: store.S3Options{
			Bucket:   config.S3Bucket,
			Region:   config.S3Region,
			Endpoint: config.S3Endpoint,
			Prefix:   config.S3Prefix,
		},
		PostgresDSN: config.PostgresDSN,
	})
	if err != nil {
		log.Fatal().Err(err).Str("store", config.Store).Msg("failed to open cache store")
	}
	defer st.Close()

	requests, err := reqlog.Open(config.RequestLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open request log")
	}
	defer requests.Close()

	metrics := admin.NewMetrics()
	capture := server.NewCaptureStore(config.Captures)

	handler := cacheproxy.NewHandler(cacheproxy.Config{
		Store:           st,
		Timeout:         config.Timeout,
		MaxBodyBytes:    config.MaxBody,
		Metrics:         metrics,
		RequestLog:      requests,
		RequestObserver: capture.Observer(nil),
	})

	srv := &server.Server{
		Addr:        config.Addr,
		Handler:     handler,
		AcceptRate:  config.AcceptRate,
		AcceptBurst: config.AcceptBurst,
	}
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Str("addr", config.Addr).Msg("failed to listen")
	}

	var adminSrv *http.Server
	if config.AdminAddr != "" {
		router := admin.NewRouter(metrics, config, func() interface{} { return capture.List() })
		adminSrv = &http.Server{Addr: config.AdminAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info().Str("addr", config.AdminAddr).Msg("admin HTTP starting")
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("admin HTTP failed")
			}
		}()
	}

	ctx := signals.Setup(nil)
	<-ctx.Done()
	log.Info().Msg("shutdown requested")

	ctxShut, cancel := context.WithTimeout(context.Background(), config.Timeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctxShut); err != nil {
		log.Warn().Err(err).Msg("connections still in flight at shutdown")
	}
	if adminSrv != nil {
		_ = adminSrv.Shutdown(ctxShut)
	}
	log.Info().Msg("txtcache stopped")
}
