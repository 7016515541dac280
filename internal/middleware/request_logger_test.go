package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/itsChris/guessguard/internal/logging"
)

func TestRequestLogger_LogsRequest(t *testing.T) {
	handler := RequestLogger(discardLogger(), logging.NewIPHasher(), false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))

	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestRequestLogger_CapturesStatusCode(t *testing.T) {
	handler := RequestLogger(discardLogger(), logging.NewIPHasher(), false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("GET", "/missing", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestRequestLogger_HashesClient(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	hasher := logging.NewIPHasher()

	var ctxClient string
	handler := RequestLogger(logger, hasher, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxClient = logging.Client(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest("POST", "/api/attempts", nil)
	req.RemoteAddr = "198.51.100.23:40122"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	want := hasher.Hash(netip.MustParseAddr("198.51.100.23"))
	if ctxClient != want {
		t.Errorf("expected client %q in context, got %q", want, ctxClient)
	}
	if strings.Contains(buf.String(), "198.51.100.23") {
		t.Errorf("raw client address leaked into log: %s", buf.String())
	}

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["client"] != want {
		t.Errorf("expected client %q in log, got %v", want, rec["client"])
	}
	if rec["status"] != float64(http.StatusAccepted) {
		t.Errorf("expected status 202, got %v", rec["status"])
	}
}

func TestRequestLogger_DevMode_PreservesBody(t *testing.T) {
	var receivedBody string
	handler := RequestLogger(discardLogger(), logging.NewIPHasher(), true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := make([]byte, 128)
		n, _ := r.Body.Read(b)
		receivedBody = string(b[:n])
		w.WriteHeader(http.StatusOK)
	}))

	body := `{"account":"alice"}`
	req := httptest.NewRequest("POST", "/api/attempts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if receivedBody != body {
		t.Errorf("expected body %q, got %q", body, receivedBody)
	}
}

func TestClientAddr(t *testing.T) {
	tests := []struct {
		remote string
		want   string
		ok     bool
	}{
		{"192.0.2.1:1234", "192.0.2.1", true},
		{"[2001:db8::1]:443", "2001:db8::1", true},
		{"[::ffff:192.0.2.9]:80", "192.0.2.9", true},
		{"192.0.2.5", "192.0.2.5", true},
		{"pipe", "", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = tt.remote
		got, ok := ClientAddr(req)
		if ok != tt.ok {
			t.Errorf("%q: expected ok=%v, got %v", tt.remote, tt.ok, ok)
			continue
		}
		if ok && got.String() != tt.want {
			t.Errorf("%q: expected %s, got %s", tt.remote, tt.want, got)
		}
	}
}
