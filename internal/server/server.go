// Package server exposes the ledger and the memory pressure monitor over
// HTTP.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/itsChris/guessguard/internal/auth"
	"github.com/itsChris/guessguard/internal/db"
	"github.com/itsChris/guessguard/internal/ledger"
	"github.com/itsChris/guessguard/internal/logging"
	"github.com/itsChris/guessguard/internal/middleware"
	"github.com/itsChris/guessguard/internal/monitor"
	servermw "github.com/itsChris/guessguard/internal/server/middleware"
	"github.com/itsChris/guessguard/internal/stats"
)

// MaxBatchSize caps the number of attempts accepted in one request.
const MaxBatchSize = 1000

// Server is the HTTP server that wires together all subsystems.
type Server struct {
	registry    *ledger.Registry
	monitor     *monitor.Monitor
	journal     *db.Journal
	stats       *stats.Stats
	ring        *logging.RingBuffer
	hasher      *logging.IPHasher
	jwtService  *auth.JWTService
	limiter     *auth.FailureLimiter
	logger      *slog.Logger
	devMode     bool
	version     string
	maxBodySize int64
	startTime   time.Time
	mux         *http.ServeMux
	handler     http.Handler
}

// Config holds the dependencies for creating a new Server.
type Config struct {
	Registry *ledger.Registry
	Monitor  *monitor.Monitor
	// Journal is optional; attempts are not persisted without it.
	Journal *db.Journal
	// Stats is optional; /metrics is not served without it.
	Stats *stats.Stats
	// Ring is optional; /api/status omits recent logs without it.
	Ring   *logging.RingBuffer
	Hasher *logging.IPHasher
	// JWTService is optional; admin endpoints are open without it.
	JWTService  *auth.JWTService
	Limiter     *auth.FailureLimiter
	Logger      *slog.Logger
	DevMode     bool
	Version     string
	MaxBodySize int64
}

// New creates a Server and registers all routes.
func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("new server: registry is required")
	}
	if cfg.Monitor == nil {
		return nil, fmt.Errorf("new server: monitor is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("new server: logger is required")
	}
	if cfg.Hasher == nil {
		cfg.Hasher = logging.NewIPHasher()
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = middleware.DefaultMaxBodySize
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{
		registry:    cfg.Registry,
		monitor:     cfg.Monitor,
		journal:     cfg.Journal,
		stats:       cfg.Stats,
		ring:        cfg.Ring,
		hasher:      cfg.Hasher,
		jwtService:  cfg.JWTService,
		limiter:     cfg.Limiter,
		logger:      cfg.Logger.With("component", "http"),
		devMode:     cfg.DevMode,
		version:     cfg.Version,
		maxBodySize: cfg.MaxBodySize,
		startTime:   time.Now(),
		mux:         http.NewServeMux(),
	}
	s.registerRoutes()

	// Recovery → RequestID → RequestLogger → MaxBody → SecurityHeaders → mux.
	var h http.Handler = servermw.SecurityHeaders(s.mux)
	h = middleware.MaxBody(s.maxBodySize)(h)
	h = middleware.RequestLogger(s.logger, s.hasher, s.devMode)(h)
	h = middleware.RequestID(h)
	h = middleware.Recovery(s.logger)(h)
	s.handler = h

	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
