// Package metrics serves the Prometheus scrape endpoint for the ETL service.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds the listen address and HTTP timeouts for the metrics server.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server exposes the gathered metrics over HTTP on /metrics.
type Server struct {
	httpServer *http.Server

	mu   sync.RWMutex
	addr net.Addr
}

// New creates a metrics server scraping from reg.
func New(cfg Config, reg prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: promLogger{},
	}))

	return &Server{
		httpServer: &http.Server{
			Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// ListenAndServe starts serving the metrics endpoint and blocks until the
// server stops. The bound address is captured for Addr, so a port of 0 can
// be used in tests.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	slog.Info("Metrics server listening", "addr", listener.Addr())
	return s.httpServer.Serve(listener)
}

// Shutdown drains in-flight scrapes and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Close stops the server immediately.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

// Addr returns the address the server is listening on, or the empty string
// before ListenAndServe has bound one.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// promLogger routes promhttp's internal errors onto the default logger.
type promLogger struct{}

func (promLogger) Println(v ...any) {
	slog.Error(fmt.Sprint(v...))
}
