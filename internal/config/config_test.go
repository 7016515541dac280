package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Pressure.Fraction != 0.2 {
		t.Errorf("expected fraction 0.2, got %v", cfg.Pressure.Fraction)
	}
	if cfg.Pressure.PollInterval != 250*time.Millisecond {
		t.Errorf("expected poll interval 250ms, got %v", cfg.Pressure.PollInterval)
	}
	if cfg.Ledger.SuccessCapacity != 32 || cfg.Ledger.FailureCapacity != 32 {
		t.Errorf("expected 32/32 capacities, got %d/%d", cfg.Ledger.SuccessCapacity, cfg.Ledger.FailureCapacity)
	}
	if limit, err := cfg.Pressure.HardLimitBytes(); err != nil || limit != 0 {
		t.Errorf("expected no hard limit, got %d (%v)", limit, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guessguard.yaml")
	yaml := `
server:
  listen: ":9000"
pressure:
  fraction: 0.5
  hard_limit: 512MiB
ledger:
  untracked_networks:
    - 10.0.0.0/8
journal:
  retention: 48h
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("GUESSGUARD_LEDGER_MAX_IPS", "500")
	t.Setenv("GUESSGUARD_SERVER_LISTEN", ":9100")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("listen", ":8080", "")
	flags.String("log-level", "info", "")
	if err := flags.Parse([]string{"--log-level=debug"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load(path, flags)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Pressure.Fraction != 0.5 {
		t.Errorf("expected fraction from file, got %v", cfg.Pressure.Fraction)
	}
	if limit, _ := cfg.Pressure.HardLimitBytes(); limit != 512<<20 {
		t.Errorf("expected 512MiB, got %d", limit)
	}
	if cfg.Journal.Retention != 48*time.Hour {
		t.Errorf("expected 48h retention, got %v", cfg.Journal.Retention)
	}
	if cfg.Ledger.MaxIPs != 500 {
		t.Errorf("expected max_ips from env, got %d", cfg.Ledger.MaxIPs)
	}
	// Env beats file; an unchanged flag does not override either.
	if cfg.Server.Listen != ":9100" {
		t.Errorf("expected listen from env, got %q", cfg.Server.Listen)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level from flag, got %q", cfg.Logging.Level)
	}

	nets, err := cfg.Ledger.Networks()
	if err != nil {
		t.Fatalf("Networks: %v", err)
	}
	if len(nets) != 1 || nets[0].String() != "10.0.0.0/8" {
		t.Errorf("unexpected networks %v", nets)
	}
}

func TestLedgerConfig_Networks(t *testing.T) {
	l := LedgerConfig{UntrackedNetworks: []string{"192.0.2.7", " 10.1.2.3/8 ", "", "2001:db8::/32"}}
	nets, err := l.Networks()
	if err != nil {
		t.Fatalf("Networks: %v", err)
	}
	got := make([]string, len(nets))
	for i, n := range nets {
		got[i] = n.String()
	}
	if strings.Join(got, ",") != "192.0.2.7/32,10.0.0.0/8,2001:db8::/32" {
		t.Fatalf("unexpected networks %v", got)
	}

	if _, err := (LedgerConfig{UntrackedNetworks: []string{"not-a-net"}}).Networks(); err == nil {
		t.Fatal("expected error for invalid network")
	}
}

func TestPressureConfig_HardLimitBytes(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
		err  bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"1GB", 1_000_000_000, false},
		{"256MiB", 256 << 20, false},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		got, err := PressureConfig{HardLimit: tt.in}.HardLimitBytes()
		if (err != nil) != tt.err {
			t.Errorf("%q: unexpected error state %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%q: expected %d, got %d", tt.in, tt.want, got)
		}
	}
}

func TestValidate_Errors(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Pressure.Fraction = 1.5
	cfg.Logging.Format = "xml"
	cfg.Journal.Enabled = true
	cfg.Journal.Path = ""

	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"pressure.fraction", "logging.format", "journal.path"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}

func TestEnvKey(t *testing.T) {
	if got := envKey("GUESSGUARD_PRESSURE_GC_MIN_INTERVAL"); got != "pressure.gc_min_interval" {
		t.Fatalf("expected pressure.gc_min_interval, got %q", got)
	}
}

func TestValidate_TLS(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ServerConfig)
		want   string
	}{
		{"unknown mode", func(s *ServerConfig) { s.TLSMode = "letsencrypt" }, "server.tls_mode"},
		{"manual without files", func(s *ServerConfig) { s.TLSMode = "manual" }, "server.tls_cert_file"},
		{"acme without hosts", func(s *ServerConfig) { s.TLSMode = "acme" }, "server.tls_hosts is required"},
		{"acme with address", func(s *ServerConfig) {
			s.TLSMode = "acme"
			s.TLSHosts = []string{"guard.example", "192.0.2.1"}
		}, "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("", nil)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.mutate(&cfg.Server)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Server.TLSMode = "acme"
	cfg.Server.TLSHosts = []string{"guard.example"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid acme config, got %v", err)
	}
}
