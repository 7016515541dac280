package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMaxBody(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		unknownLength bool
		wantStatus    int
		wantHandler   bool
	}{
		{"empty", "", false, http.StatusNoContent, true},
		{"under limit", strings.Repeat("x", 100), false, http.StatusNoContent, true},
		{"exactly at limit", strings.Repeat("x", 256), false, http.StatusNoContent, true},
		{"declared over limit", strings.Repeat("x", 512), false, http.StatusRequestEntityTooLarge, false},
		{"streamed over limit", strings.Repeat("x", 512), true, http.StatusRequestEntityTooLarge, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ran := false
			handler := MaxBody(256)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ran = true
				if _, err := io.ReadAll(r.Body); err != nil {
					w.WriteHeader(http.StatusRequestEntityTooLarge)
					return
				}
				w.WriteHeader(http.StatusNoContent)
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/attempts", strings.NewReader(tt.body))
			if tt.unknownLength {
				req.ContentLength = -1
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if ran != tt.wantHandler {
				t.Errorf("handler ran = %v, want %v", ran, tt.wantHandler)
			}
		})
	}
}

func TestMaxBody_RejectionBody(t *testing.T) {
	handler := MaxBody(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/attempts", strings.NewReader(strings.Repeat("x", 64))))

	var resp struct {
		Error struct {
			Code  string `json:"code"`
			Limit int64  `json:"limit"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != "BODY_TOO_LARGE" || resp.Error.Limit != 16 {
		t.Fatalf("unexpected rejection %+v", resp.Error)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}
}
