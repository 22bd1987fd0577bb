package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/nmxmxh/inhalteselektor/internal/server/httputil"
	"github.com/nmxmxh/inhalteselektor/pkg/contextx"
	"go.uber.org/zap"
)

// ContextInjectionMiddleware puts a request id and a request-scoped logger
// into the context. An incoming X-Request-ID is kept.
func ContextInjectionMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", reqID)
			ctx := contextx.WithRequestID(r.Context(), reqID)
			ctx = contextx.WithLogger(ctx, log.With(zap.String("request_id", reqID)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wrote {
		s.status = code
		s.wrote = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wrote {
		s.status = http.StatusOK
		s.wrote = true
	}
	return s.ResponseWriter.Write(b)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec, ok := w.(*statusRecorder)
		if !ok {
			rec = &statusRecorder{ResponseWriter: w}
		}
		next.ServeHTTP(rec, r)
		contextx.Logger(r.Context(), s.log).Debug("request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// recovery turns a panicking handler into the empty answer.
func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				log := contextx.Logger(r.Context(), s.log)
				log.Error("handler panicked", zap.Any("panic", p), zap.String("path", r.URL.Path), zap.Stack("stack"))
				if !rec.wrote {
					httputil.WriteEmpty(rec, log)
				}
			}
		}()
		next.ServeHTTP(rec, r)
	})
}
