// Package server provides HTTP server construction for shop-connector.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/shop-connector/internal/connect"
)

// StoreStats reports credential store health. Optional.
type StoreStats interface {
	DecryptFailures() int64
}

// MuxConfig holds dependencies for building the HTTP handler.
type MuxConfig struct {
	Service      *connect.Service
	Stats        StoreStats
	CookieName   string
	SecureCookie bool
	Logger       *slog.Logger

	RateLimitMax    int
	RateLimitWindow time.Duration
	TrustProxy      bool
}

// NewMux builds the routing table for the connect and health endpoints.
func NewMux(cfg MuxConfig) *http.ServeMux {
	h := &handlers{
		svc:          cfg.Service,
		stats:        cfg.Stats,
		cookieName:   cfg.CookieName,
		secureCookie: cfg.SecureCookie,
		logger:       cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("GET /connect/tiktok/start", h.start)
	mux.HandleFunc("GET /connect/tiktok/callback", h.callback)
	mux.HandleFunc("POST /connect/tiktok/disconnect", h.disconnect)
	mux.HandleFunc("GET /connect/tiktok/status", h.status)
	mux.HandleFunc("POST /connect/tiktok/refresh", h.refresh)

	return mux
}

// NewHandler wraps NewMux in the middleware chain: request id, panic
// recovery, rate limiting, then request logging.
func NewHandler(cfg MuxConfig) http.Handler {
	return Chain(NewMux(cfg),
		RequestIDs,
		Recover(cfg.Logger),
		RateLimit(cfg.RateLimitMax, cfg.RateLimitWindow, cfg.TrustProxy),
		LogRequests(cfg.Logger),
	)
}
