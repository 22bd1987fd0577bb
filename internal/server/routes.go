package server

import (
	"net/http"

	"github.com/nmxmxh/inhalteselektor/internal/resolver"
	"github.com/nmxmxh/inhalteselektor/internal/server/httputil"
	"github.com/nmxmxh/inhalteselektor/pkg/contextx"
	"go.uber.org/zap"
)

func (s *Server) routes(mux *http.ServeMux) {
	base := s.opts.BasePath

	mux.Handle("GET "+base+"/contentForTask", s.resolve(resolver.Task))
	mux.Handle("GET "+base+"/contentForActivity", s.resolve(resolver.Activity))
	mux.Handle("GET "+base+"/additionalContent", s.resolve(resolver.Additional))
	mux.HandleFunc("GET "+base+"/content/{type}", s.resolveByTag)

	if s.opts.Health != nil {
		mux.Handle("GET "+base+"/health", s.opts.Health)
	}
	if s.opts.Metrics != nil {
		mux.Handle("GET "+base+"/metrics", s.opts.Metrics.Handler())
	}
	if s.opts.Statics != "" {
		mux.Handle("GET "+base+"/", http.StripPrefix(base, http.FileServer(http.Dir(s.opts.Statics))))
	}
}

func (s *Server) resolve(ct resolver.ContentType) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.answer(w, r, ct)
	})
}

// resolveByTag dispatches on the {type} path segment. Unknown tags get the
// empty answer without touching a backend.
func (s *Server) resolveByTag(w http.ResponseWriter, r *http.Request) {
	ct, err := resolver.ParseContentType(r.PathValue("type"))
	if err != nil {
		contextx.Logger(r.Context(), s.log).Info("unknown content type", zap.String("tag", r.PathValue("type")))
		httputil.WriteEmpty(w, s.log)
		return
	}
	s.answer(w, r, ct)
}

func (s *Server) answer(w http.ResponseWriter, r *http.Request, ct resolver.ContentType) {
	q := r.URL.Query()
	req := resolver.Request{
		ContentType:     ct,
		MeasureID:       q.Get("measureId"),
		ElementID:       q.Get("elementId"),
		CalledProcessID: q.Get("calledProcess"),
		UserID:          q.Get("userId"),
	}
	ctx := contextx.WithUserID(r.Context(), req.UserID)
	answer := s.resolver.Resolve(ctx, req)
	httputil.WriteJSONResponse(w, contextx.Logger(ctx, s.log), answer)
}
