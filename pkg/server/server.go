// Package server accepts client connections and hands each one to a
// connection handler on its own goroutine.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ConnHandler serves a single client connection and closes it.
// *cacheproxy.Handler implements it.
type ConnHandler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// Server is a TCP listener with an optional accept rate limit.
type Server struct {
	Addr    string
	Handler ConnHandler

	// AcceptRate limits accepted connections per second; 0 means unlimited.
	AcceptRate  float64
	AcceptBurst int

	ln           net.Listener
	limiter      *rate.Limiter
	acceptCtx    context.Context
	stopAccept   context.CancelFunc
	connCtx      context.Context
	cancelConns  context.CancelFunc
	wg           sync.WaitGroup
	loopDone     chan struct{}
	shutdownOnce sync.Once
}

// Start begins listening and serving until Close or Shutdown is called.
func (s *Server) Start() error {
	if s.Handler == nil {
		return errors.New("server: no handler")
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.loopDone = make(chan struct{})
	s.acceptCtx, s.stopAccept = context.WithCancel(context.Background())
	s.connCtx, s.cancelConns = context.WithCancel(context.Background())

	if s.AcceptRate > 0 {
		burst := s.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(s.AcceptRate), burst)
	}

	go s.acceptLoop()
	log.Info().
		Str("addr", ln.Addr().String()).
		Float64("accept_rate", s.AcceptRate).
		Msg("proxy server started")
	return nil
}

// ListenAddr returns the bound listener address, useful with port 0.
func (s *Server) ListenAddr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops accepting and cancels every in-flight connection.
func (s *Server) Close() error {
	s.stop()
	if s.cancelConns != nil {
		s.cancelConns()
	}
	return nil
}

// Shutdown stops accepting and waits for in-flight connections to finish.
// When ctx ends first the remaining connections are cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	idle := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		if s.cancelConns != nil {
			s.cancelConns()
		}
		return ctx.Err()
	}
}

func (s *Server) stop() {
	s.shutdownOnce.Do(func() {
		if s.stopAccept != nil {
			s.stopAccept()
		}
		if s.ln != nil {
			_ = s.ln.Close()
		}
		if s.loopDone != nil {
			<-s.loopDone
		}
	})
}

func (s *Server) acceptLoop() {
	defer close(s.loopDone)
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(s.acceptCtx); err != nil {
				log.Debug().Err(err).Msg("accept loop stopped while throttled")
				return
			}
		}
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.acceptCtx.Err() != nil {
				log.Debug().Err(err).Msg("listener closed, exiting accept loop")
				return
			}
			log.Warn().Err(err).Msg("accept error")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		if err := recover(); err != nil {
			_ = conn.Close()
			log.Error().
				Interface("panic", err).
				Str("remote", conn.RemoteAddr().String()).
				Msg("connection handler panicked")
		}
	}()
	s.Handler.ServeConn(s.connCtx, conn)
}
