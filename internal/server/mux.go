// Package server provides HTTP server construction for farm-sync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/farm-sync/internal/auth"
	"github.com/alexjbarnes/farm-sync/internal/models"
)

// StatusReporter answers the unauthenticated liveness probe.
type StatusReporter interface {
	GetStatus() models.Status
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Users      auth.UserCredentials
	MCPHandler http.Handler
	Status     StatusReporter
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux with the liveness and MCP endpoints. The
// MCP endpoint is protected by basic auth middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthHandler(cfg.Status))

	authMiddleware := auth.Middleware(cfg.Users, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}

func healthHandler(s StatusReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		st := models.StatusIdle
		if s != nil {
			st = s.GetStatus()
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": string(st)})
	}
}
