package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	logx "engaged/pkg/logx"
)

func newRouter(cfg Config, deps Deps, log logx.Logger) http.Handler {
	h := &handlers{deps: deps, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLog(log))
	r.Use(bearerAuth(cfg.Token))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if deps.Status != nil {
		r.Get("/status", h.status)
	}

	r.Route("/engage", func(r chi.Router) {
		r.Get("/messages", h.listMessages)
		r.Post("/messages", h.createMessage)
		r.Route("/messages/{id}", func(r chi.Router) {
			r.Get("/", h.getMessage)
			r.Put("/", h.editMessage)
			r.Delete("/", h.removeMessage)
			r.Post("/live", h.setLive)
			r.Post("/pause", h.setPause)
			r.Post("/send", h.sendNow)
		})
		r.Get("/schedules", h.listSchedules)
		r.Post("/rules/preview", h.previewRule)
	})

	if cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				ah := r.Header.Get("Authorization")
				const p = "Bearer "
				if strings.HasPrefix(ah, p) {
					got = strings.TrimSpace(strings.TrimPrefix(ah, p))
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("api request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
