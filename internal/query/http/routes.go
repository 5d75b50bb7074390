package queryhttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/flowbit/flowbit/internal/platform/httpx"
)

// RateLimit bounds chat requests per client IP.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// MountRoutes registers the chat endpoints onto the router.
func (h *Handler) MountRoutes(r chi.Router, limit RateLimit) {
	if h == nil {
		return
	}
	if limit.Requests <= 0 {
		limit.Requests = 50
	}
	if limit.Window <= 0 {
		limit.Window = 15 * time.Minute
	}
	limiter := httprate.Limit(limit.Requests, limit.Window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.StatusProblem(w, http.StatusTooManyRequests, "too many requests from this IP, please try again later")
		}),
	)

	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.Post("/chat-with-data", h.handleChat)
		gr.Post("/chat-stream", h.handleStream)
	})
}
