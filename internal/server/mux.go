// Package server provides HTTP server construction for matrix-sync.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/matrix-sync/internal/auth"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Keys        *auth.Keys
	MCPHandler  http.Handler
	FeedHandler http.Handler
	Logger      *slog.Logger
}

// NewMux builds the HTTP mux with the MCP and feed endpoints. Both are
// protected by the API key middleware. A nil handler leaves its
// endpoint unregistered.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	authMiddleware := auth.Middleware(cfg.Keys, cfg.Logger)

	if cfg.MCPHandler != nil {
		mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))
	}

	if cfg.FeedHandler != nil {
		mux.Handle("/feed", authMiddleware(cfg.FeedHandler))
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}
