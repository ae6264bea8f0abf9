package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// RouterConfig wires the HTTP surface
type RouterConfig struct {
	Chat       *ChatHandler
	Admin      *AdminHandler
	Middleware *Middleware
	Health     http.HandlerFunc
	Metrics    http.Handler
}

// NewRouter builds the chi router
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(cfg.Middleware.RequestLogger)
	r.Use(cfg.Middleware.Recoverer)
	r.Use(cfg.Middleware.CORSMiddleware)

	if cfg.Health != nil {
		r.Get("/health", cfg.Health)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(cfg.Middleware.Identity)
		r.Use(cfg.Middleware.RateLimit)

		r.Post("/complete", cfg.Chat.HandleComplete)
		r.Post("/chat/completions", cfg.Chat.HandleChatCompletion)
	})

	if cfg.Admin != nil {
		r.Route("/admin", cfg.Admin.Routes)
	}
	return r
}
