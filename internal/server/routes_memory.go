package server

import (
	"net/http"

	"github.com/itsChris/guessguard/internal/logging"
	"github.com/itsChris/guessguard/internal/monitor"
)

type subscriberFailure struct {
	Subscriber string `json:"subscriber"`
	Error      string `json:"error"`
}

type reductionResponse struct {
	Fraction    float64             `json:"fraction"`
	Subscribers int                 `json:"subscribers"`
	Removed     int                 `json:"removed"`
	DurationMS  float64             `json:"duration_ms"`
	Failures    []subscriberFailure `json:"failures"`
}

func newReductionResponse(rep monitor.Report) reductionResponse {
	resp := reductionResponse{
		Fraction:    rep.Fraction,
		Subscribers: rep.Subscribers,
		Removed:     rep.Removed,
		DurationMS:  float64(rep.Duration.Microseconds()) / 1000,
		Failures:    make([]subscriberFailure, len(rep.Failures)),
	}
	for i, f := range rep.Failures {
		resp.Failures[i] = subscriberFailure{Subscriber: f.Subscriber, Error: f.Err.Error()}
	}
	return resp
}

// handleReduceMemory broadcasts a reduction to all subscribers right away.
// Subscriber failures are reported in the body; the broadcast itself
// always completes.
func (s *Server) handleReduceMemory(w http.ResponseWriter, r *http.Request) {
	ctx := logging.WithTaskID(r.Context(), logging.GenerateTaskID("reduce"))

	s.logger.Info("memory_reduction_requested",
		"request_id", logging.RequestID(ctx),
		"task_id", logging.TaskID(ctx),
	)
	rep := s.monitor.ReduceMemoryUsage(ctx)
	writeJSON(w, http.StatusOK, newReductionResponse(rep))
}
