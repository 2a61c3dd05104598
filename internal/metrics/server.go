package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const gracefulShutdownTimeout = 5 * time.Second

// Server exposes a prometheus.Gatherer over HTTP, shutting down cleanly
// when its Run context is cancelled — the same graceful-shutdown shape
// internal/api.Server.Run uses for the main REST listener.
type Server struct {
	log      logrus.FieldLogger
	gatherer prometheus.Gatherer
	addr     string
	wrapper  func(http.Handler) http.Handler
}

// Option configures a Server before it starts listening.
type Option func(*Server)

// WithListenAddr overrides the default listen address (":9090").
func WithListenAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithHandlerWrapper wraps the /metrics handler, e.g. to add request
// logging or auth in front of the scrape endpoint.
func WithHandlerWrapper(wrap func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.wrapper = wrap }
}

// NewMetricsServer constructs a Server scraping gatherer. gatherer is
// typically prometheus.DefaultGatherer, but a narrower collector (or the
// registry used in tests) works equally well.
func NewMetricsServer(log logrus.FieldLogger, gatherer prometheus.Gatherer) *Server {
	return &Server{log: log, gatherer: gatherer, addr: ":9090"}
}

// Run listens and serves /metrics until ctx is done, then shuts down
// gracefully. It blocks until the server has stopped.
func (s *Server) Run(ctx context.Context, opts ...Option) error {
	for _, opt := range opts {
		opt(s)
	}

	var handler http.Handler = promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	if s.wrapper != nil {
		handler = s.wrapper(handler)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		s.log.Info("metrics server: shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()
		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Infof("metrics server: listening on %s", listener.Addr().String())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
