// Package server exposes the resolver over HTTP and serves the static UI.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/nmxmxh/inhalteselektor/internal/resolver"
	"github.com/nmxmxh/inhalteselektor/pkg/metrics"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Resolver answers content requests.
type Resolver interface {
	Resolve(ctx context.Context, req resolver.Request) resolver.Answer
}

// Options configures the HTTP surface.
type Options struct {
	Addr     string
	BasePath string
	Statics  string
	// Health is mounted at <BasePath>/health when set.
	Health http.Handler
	// Metrics is mounted at <BasePath>/metrics when set.
	Metrics *metrics.Metrics
}

type Server struct {
	opts     Options
	resolver Resolver
	log      *zap.Logger
	http     *http.Server
}

func New(opts Options, r Resolver, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		opts:     opts,
		resolver: r,
		log:      log.With(zap.String("module", "http")),
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second, // Mitigate Slowloris
	}
	return s
}

// Handler returns the full middleware-wrapped route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	var h http.Handler = mux
	h = s.accessLog(h)
	h = s.recovery(h)
	h = ContextInjectionMiddleware(s.log)(h)
	h = s.track(h)
	return otelhttp.NewHandler(h, "ihs.http")
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting HTTP server", zap.String("address", ln.Addr().String()), zap.String("base_path", s.opts.BasePath))
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("HTTP server stopped")
	return nil
}

func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer s.opts.Metrics.TrackRequest()()
		next.ServeHTTP(w, r)
	})
}
