package server

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/itsChris/guessguard/internal/logging"
	"github.com/itsChris/guessguard/internal/monitor"
)

const defaultStatusLogs = 50

// handleStatus returns a snapshot of the ledger, the pressure monitor,
// runtime memory, the journal, and recent warnings.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	n := defaultStatusLogs
	if v := r.URL.Query().Get("logs"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			n = min(parsed, logging.DefaultRingSize)
		}
	}

	resp := map[string]any{
		"version":        s.version,
		"uptime":         formatDuration(time.Since(s.startTime)),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"ledger": map[string]any{
			"ips": s.registry.Len(),
		},
		"pressure": map[string]any{
			"mode":        s.monitor.Mode(),
			"fraction":    s.monitor.Fraction(),
			"subscribers": s.monitor.Subscribers(),
		},
		"memory": memoryStatus(),
	}

	if s.journal != nil {
		resp["journal"] = map[string]any{
			"enabled": true,
			"pending": s.journal.Pending(),
			"dropped": s.journal.Dropped(),
		}
	} else {
		resp["journal"] = map[string]any{"enabled": false}
	}

	logs := []logging.LogEntry{}
	if s.ring != nil {
		if recent := s.ring.Recent(n); recent != nil {
			logs = recent
		}
	}
	resp["recent_logs"] = logs

	writeJSON(w, http.StatusOK, resp)
}

func memoryStatus() map[string]any {
	status := map[string]any{
		"goroutines": runtime.NumGoroutine(),
	}
	if heap, err := monitor.HeapObjectBytes(); err == nil {
		status["heap_objects"] = humanize.IBytes(heap)
		status["heap_objects_bytes"] = heap
	}
	if total, err := monitor.RuntimeMemoryBytes(); err == nil {
		status["runtime_total"] = humanize.IBytes(total)
		status["runtime_total_bytes"] = total
	}
	return status
}
