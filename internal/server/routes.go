package server

import (
	"fmt"
	"net/http"
	"time"

	servermw "github.com/itsChris/guessguard/internal/server/middleware"
)

// registerRoutes wires all API endpoints.
func (s *Server) registerRoutes() {
	admin := servermw.RequireAdmin(s.jwtService, s.limiter, s.logger)
	adminOnly := func(h http.HandlerFunc) http.Handler {
		return admin(h)
	}

	// ── Public routes ─────────────────────────────────────────────────

	s.mux.HandleFunc("GET /health", s.handleHealth)
	if s.stats != nil {
		s.mux.Handle("GET /metrics", s.stats.Handler())
	}

	// Ingest. Callers are the login services feeding the ledger.
	s.mux.HandleFunc("POST /api/attempts", s.handleRecordAttempts)
	s.mux.HandleFunc("POST /api/attempts/outcomes", s.handleUpdateOutcomes)

	// ── Admin routes ──────────────────────────────────────────────────

	s.mux.Handle("GET /api/ips/{ip}", adminOnly(s.handleGetIP))
	s.mux.Handle("DELETE /api/ips/{ip}", adminOnly(s.handleForgetIP))
	s.mux.Handle("POST /api/memory/reduce", adminOnly(s.handleReduceMemory))
	s.mux.Handle("GET /api/status", adminOnly(s.handleStatus))
}

// handleHealth is the unauthenticated liveness endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": s.version,
		"uptime":  formatDuration(time.Since(s.startTime)),
	})
}

// formatDuration formats a duration as a human-readable string like "14d 3h 22m".
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
