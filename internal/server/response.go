package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"

	apperr "github.com/itsChris/guessguard/internal/errors"
	"github.com/itsChris/guessguard/internal/logging"
)

// errorResponse is the JSON shape returned for all API errors.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	RequestID string       `json:"request_id,omitempty"`
	Fields    []fieldError `json:"fields,omitempty"`
	Detail    string       `json:"detail,omitempty"`
	Stack     string       `json:"stack,omitempty"`
}

// fieldError describes a single field-level validation error.
type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured JSON error response. In dev mode the
// full error chain and an abbreviated stack trace are included.
func writeError(w http.ResponseWriter, r *http.Request, err error, code string, status int, devMode bool) {
	body := errorBody{
		Code:      code,
		Message:   sanitizeError(err, status),
		RequestID: logging.RequestID(r.Context()),
	}

	if devMode && err != nil {
		body.Detail = err.Error()
		body.Stack = captureStack(3)
	}

	writeJSON(w, status, errorResponse{Error: body})
}

// sanitizeError hides internal details of server-side failures.
func sanitizeError(err error, status int) string {
	if err == nil {
		return "unknown error"
	}
	if status >= 500 {
		return http.StatusText(status)
	}
	return err.Error()
}

// writeValidationError writes a 400 with field-level details.
func writeValidationError(w http.ResponseWriter, r *http.Request, fields []fieldError) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{
		Code:      apperr.ErrValidation,
		Message:   "validation failed",
		RequestID: logging.RequestID(r.Context()),
		Fields:    fields,
	}})
}

// decodeOneOrMany decodes either a single JSON object or an array of them.
func decodeOneOrMany[T any](r *http.Request) (items []T, code string, status int, err error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		code, status, err = decodeFailure(err)
		return nil, code, status, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, apperr.ErrValidation, http.StatusBadRequest, errors.New("request body is empty")
	}

	if raw[0] == '[' {
		err = json.Unmarshal(raw, &items)
	} else {
		var one T
		if err = json.Unmarshal(raw, &one); err == nil {
			items = []T{one}
		}
	}
	if err != nil {
		code, status, err = decodeFailure(err)
		return nil, code, status, err
	}
	return items, "", 0, nil
}

func decodeFailure(err error) (string, int, error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return apperr.ErrBodyTooLarge, http.StatusRequestEntityTooLarge,
			fmt.Errorf("request body too large (limit %d bytes)", maxBytesErr.Limit)
	}
	return apperr.ErrValidation, http.StatusBadRequest,
		fmt.Errorf("invalid request body: %w", err)
}

// captureStack returns an abbreviated stack trace starting skip frames up.
func captureStack(skip int) string {
	pcs := make([]uintptr, 5)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return ""
	}

	frames := runtime.CallersFrames(pcs[:n])
	var stack string
	for {
		frame, more := frames.Next()
		if stack != "" {
			stack += " -> "
		}
		stack += fmt.Sprintf("%s:%d", frame.File, frame.Line)
		if !more {
			break
		}
	}
	return stack
}
