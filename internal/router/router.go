package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pixelcanvas-api/internal/handler"
	"pixelcanvas-api/internal/middleware"
	"pixelcanvas-api/pkg/apierror"
	"pixelcanvas-api/pkg/response"
)

// Config holds the configuration for creating a router.
type Config struct {
	Handler      *handler.Handler
	PixelHandler *handler.PixelHandler
	AdminHandler *handler.AdminHandler
	WebSocket    http.HandlerFunc
}

// New creates and configures the HTTP router.
func New(cfg Config) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, apierror.NotFound(""))
	})

	r.Handle("/metrics", promhttp.Handler())

	if cfg.WebSocket != nil {
		r.Get("/ws", cfg.WebSocket)
		// viewers also connect on the root path
		r.Get("/", cfg.WebSocket)
	}

	r.Route("/api", func(r chi.Router) {
		if cfg.Handler != nil {
			r.Get("/health", cfg.Handler.Health)
			r.Get("/ready", cfg.Handler.Ready)
			r.Get("/status", cfg.Handler.Status)
		}

		if cfg.PixelHandler != nil {
			r.Route("/pixels", func(r chi.Router) {
				r.Get("/", cfg.PixelHandler.ListPixels)
				r.Post("/", cfg.PixelHandler.SetPixel)
				r.Delete("/", cfg.PixelHandler.DeletePixel)
				r.Get("/leaderboard", cfg.PixelHandler.Leaderboard)
			})
		}

		if cfg.AdminHandler != nil {
			r.Route("/admin", func(r chi.Router) {
				r.Get("/metrics", cfg.AdminHandler.GetMetrics)
				r.Get("/ping", cfg.AdminHandler.Ping)
				r.Get("/stats", cfg.AdminHandler.GetStats)
				r.Post("/flush", cfg.AdminHandler.Flush)
			})
		}
	})

	return r
}
