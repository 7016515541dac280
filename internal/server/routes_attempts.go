package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/itsChris/guessguard/internal/attempt"
	apperr "github.com/itsChris/guessguard/internal/errors"
	"github.com/itsChris/guessguard/internal/ledger"
	"github.com/itsChris/guessguard/internal/logging"
)

type rejectedAttempt struct {
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type recordResponse struct {
	Recorded  int               `json:"recorded"`
	Untracked int               `json:"untracked"`
	Rejected  []rejectedAttempt `json:"rejected,omitempty"`
	Keys      []string          `json:"unique_keys"`
}

// handleRecordAttempts stores one attempt or a batch of them. Missing
// unique keys are generated and missing timestamps default to now.
func (s *Server) handleRecordAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, code, status, err := decodeOneOrMany[attempt.LoginAttempt](r)
	if err != nil {
		writeError(w, r, err, code, status, s.devMode)
		return
	}
	if len(attempts) > MaxBatchSize {
		writeError(w, r, fmt.Errorf("batch of %d exceeds the limit of %d", len(attempts), MaxBatchSize),
			apperr.ErrValidation, http.StatusBadRequest, s.devMode)
		return
	}

	now := time.Now().UTC()
	resp := recordResponse{Keys: make([]string, 0, len(attempts))}
	recorded := make([]attempt.LoginAttempt, 0, len(attempts))

	for i, a := range attempts {
		if a.UniqueKey == "" {
			a.UniqueKey = attempt.NewUniqueKey()
		}
		if a.TimeOfAttempt.IsZero() {
			a.TimeOfAttempt = now
		}

		err := s.registry.RecordLoginAttempt(a)
		switch {
		case err == nil:
			a.Address = a.Address.Unmap()
			recorded = append(recorded, a)
			resp.Recorded++
			resp.Keys = append(resp.Keys, a.UniqueKey)
		case errors.Is(err, ledger.ErrUntrackedAddress):
			resp.Untracked++
		case errors.Is(err, ledger.ErrInvalidAddress):
			resp.Rejected = append(resp.Rejected, rejectedAttempt{
				Index:   i,
				Code:    apperr.ErrInvalidAddress,
				Message: "address is required",
			})
		default:
			s.logger.Error("attempt_record_failed",
				"error", err,
				"request_id", logging.RequestID(r.Context()),
				"operation", "record_attempt",
			)
			writeError(w, r, err, apperr.ErrInternal, http.StatusInternalServerError, s.devMode)
			return
		}
	}

	if resp.Recorded == 0 && resp.Untracked == 0 {
		fields := make([]fieldError, len(resp.Rejected))
		for i, rej := range resp.Rejected {
			fields[i] = fieldError{Field: fmt.Sprintf("[%d].address", rej.Index), Message: rej.Message}
		}
		writeValidationError(w, r, fields)
		return
	}

	if s.journal != nil && len(recorded) > 0 {
		s.journal.Record(recorded...)
	}

	s.logger.Debug("attempts_recorded",
		"recorded", resp.Recorded,
		"untracked", resp.Untracked,
		"rejected", len(resp.Rejected),
		"request_id", logging.RequestID(r.Context()),
		"client", logging.Client(r.Context()),
	)
	writeJSON(w, http.StatusAccepted, resp)
}

// handleUpdateOutcomes applies revised outcomes to previously recorded
// failures, identified by unique key within each address.
func (s *Server) handleUpdateOutcomes(w http.ResponseWriter, r *http.Request) {
	changed, code, status, err := decodeOneOrMany[attempt.LoginAttempt](r)
	if err != nil {
		writeError(w, r, err, code, status, s.devMode)
		return
	}
	if len(changed) > MaxBatchSize {
		writeError(w, r, fmt.Errorf("batch of %d exceeds the limit of %d", len(changed), MaxBatchSize),
			apperr.ErrValidation, http.StatusBadRequest, s.devMode)
		return
	}

	var fields []fieldError
	for i, c := range changed {
		if c.UniqueKey == "" {
			fields = append(fields, fieldError{Field: fmt.Sprintf("[%d].unique_key", i), Message: "unique_key is required"})
		}
		if !c.Address.IsValid() {
			fields = append(fields, fieldError{Field: fmt.Sprintf("[%d].address", i), Message: "address is required"})
		}
	}
	if len(fields) > 0 {
		writeValidationError(w, r, fields)
		return
	}

	updated := s.registry.UpdateLoginAttemptsWithNewOutcomes(changed)
	if s.journal != nil && updated > 0 {
		s.journal.Correct(changed)
	}

	s.logger.Debug("outcomes_updated",
		"requested", len(changed),
		"updated", updated,
		"request_id", logging.RequestID(r.Context()),
	)
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}
