package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/redditagent/bridge/internal/errors"
	"github.com/redditagent/bridge/internal/metrics"
	bridgetls "github.com/redditagent/bridge/internal/tls"
)

// Start listens and serves in the background. It returns once the listener
// is bound, so port conflicts surface here. The idle timer starts armed.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("server: already started")
	}
	s.started = true
	s.mu.Unlock()

	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))

	// Create the listener first to detect port conflicts immediately.
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if s.opts.TLS != nil {
		tlsConfig, err := bridgetls.LoadTLSConfig(s.opts.TLS.CertPath, s.opts.TLS.KeyPath)
		if err != nil {
			ln.Close()
			return err
		}
		ln = tls.NewListener(ln, tlsConfig)
	}

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = httpServer
	s.startedAt = time.Now()
	s.mu.Unlock()

	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("bridge: server error: %v", err)
		}
	}()

	s.idle.Touch()
	s.log.Infof("bridge: listening on %s (network policy %s)", s.URL(), s.opts.Policy)
	s.notifyStatus()
	return nil
}

// Stop shuts the bridge down: outstanding calls fail with bridge.shutdown,
// every socket is closed, and the listener is released. Safe to call more
// than once; later calls return the first result.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.shutdown()
	})
	return s.stopErr
}

func (s *Server) shutdown() error {
	s.idle.Stop()
	s.pairing.Close()

	s.mu.Lock()
	s.stopped = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.authoritative = nil
	httpServer := s.httpServer
	s.mu.Unlock()

	rejected := s.calls.Close(apperrors.Shutdown())
	s.obs.Outstanding(0)

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "bridge shutting down", metrics.CloseReasonShutdown)
	}

	var err error
	if httpServer != nil {
		err = httpServer.Close()
	}

	close(s.done)
	s.log.Infof("bridge: stopped (%d connections closed, %d pending requests rejected)", len(conns), rejected)
	s.updateState()
	return err
}

func (s *Server) idleExpired() {
	s.log.Warnf("bridge: no activity for %s, shutting down", s.opts.IdleTimeout)
	if err := s.Stop(); err != nil {
		s.log.Warnf("bridge: idle shutdown: %v", err)
	}
	if s.opts.OnIdleShutdown != nil {
		s.opts.OnIdleShutdown()
	}
}
