package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pulsemon/pulse/internal/logging"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Server exposes the metrics registry over HTTP.
type Server struct {
	srv     *http.Server
	metrics *Metrics
}

// NewServer creates a metrics HTTP server listening on addr:port.
func NewServer(addr string, port int, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	return &Server{
		srv: &http.Server{
			Addr:              net.JoinHostPort(addr, strconv.Itoa(port)),
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		metrics: m,
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	logging.InfoDaemon("metrics server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
