package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"

	"github.com/itsChris/guessguard/internal/attempt"
	apperr "github.com/itsChris/guessguard/internal/errors"
	"github.com/itsChris/guessguard/internal/logging"
)

type ipHistoryResponse struct {
	Address   netip.Addr             `json:"address"`
	Successes []attempt.LoginAttempt `json:"successes"`
	Failures  []attempt.LoginAttempt `json:"failures"`
}

func parseIPParam(r *http.Request) (netip.Addr, error) {
	raw := r.PathValue("ip")
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid address %q", raw)
	}
	return addr.Unmap(), nil
}

// handleGetIP returns the recent successes and failures of one address,
// newest first.
func (s *Server) handleGetIP(w http.ResponseWriter, r *http.Request) {
	addr, err := parseIPParam(r)
	if err != nil {
		writeError(w, r, err, apperr.ErrInvalidAddress, http.StatusBadRequest, s.devMode)
		return
	}

	h, ok := s.registry.Get(addr)
	if !ok {
		writeError(w, r, errors.New("no history for address"), apperr.ErrNotFound, http.StatusNotFound, s.devMode)
		return
	}

	resp := ipHistoryResponse{
		Address:   addr,
		Successes: h.RecentSuccesses(),
		Failures:  h.RecentFailures(),
	}
	if resp.Successes == nil {
		resp.Successes = []attempt.LoginAttempt{}
	}
	if resp.Failures == nil {
		resp.Failures = []attempt.LoginAttempt{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleForgetIP drops the history of one address.
func (s *Server) handleForgetIP(w http.ResponseWriter, r *http.Request) {
	addr, err := parseIPParam(r)
	if err != nil {
		writeError(w, r, err, apperr.ErrInvalidAddress, http.StatusBadRequest, s.devMode)
		return
	}

	if !s.registry.Forget(addr) {
		writeError(w, r, errors.New("no history for address"), apperr.ErrNotFound, http.StatusNotFound, s.devMode)
		return
	}

	s.logger.Info("ip_history_forgotten",
		"ip_hash", s.hasher.Hash(addr),
		"request_id", logging.RequestID(r.Context()),
	)
	w.WriteHeader(http.StatusNoContent)
}
