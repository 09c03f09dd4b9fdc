package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cdr.dev/slog/v3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/worklens/worklens/internal/config"
)

type Server struct {
	log    slog.Logger
	server *http.Server
}

// NewRouter assembles the API router. The httprate middleware is a coarse
// per-IP guard in front of the domain-aware per-device limiter inside the
// gateway.
func NewRouter(log slog.Logger, cfg *config.Config, h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		requestLogger(log),
		cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
		}),
		httprate.LimitByIP(cfg.Ingest.IPRateLimit, time.Minute),
	)

	r.Get("/healthz", h.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", h.postEvents)
		r.Get("/presence", h.getPresence)
		r.Post("/devices/register", h.registerDevice)
		r.Get("/report", h.getReport)
	})

	return r
}

func NewServer(log slog.Logger, cfg *config.Config, handler http.Handler) *Server {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		log:    log.Named("web"),
		server: httpServer,
	}
}

func (s *Server) Start() error {
	s.log.Info(context.Background(), "starting api server", slog.F("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info(ctx, "shutting down api server")
	return s.server.Shutdown(ctx)
}

func (s *Server) GetAddress() string {
	return s.server.Addr
}

// requestLogger emits one debug line per request after it completes.
func requestLogger(log slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(rw, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug(r.Context(), "request",
				slog.F("method", r.Method),
				slog.F("path", r.URL.Path),
				slog.F("status", ww.Status()),
				slog.F("elapsed", time.Since(start)),
			)
		})
	}
}
