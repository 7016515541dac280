package diagnose

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/itsChris/guessguard/internal/config"
	"github.com/itsChris/guessguard/internal/db"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("", nil)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.Server.TLSDir = t.TempDir()
	return cfg
}

func hasCheck(checks []CheckResult, status CheckStatus, substr string) bool {
	for _, c := range checks {
		if c.Status == status && strings.Contains(c.Message, substr) {
			return true
		}
	}
	return false
}

func TestRun_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	_, err := Run(context.Background(), Options{
		Version:    "1.0.0-test",
		Config:     testConfig(t),
		Writer:     &buf,
		CgroupRoot: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"guessguard diagnostic report", "Version:     1.0.0-test", "[PASS] Configuration valid", "Mode:          gc"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestRun_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	_, err := Run(context.Background(), Options{
		Version:    "1.0.0-test",
		Config:     testConfig(t),
		JSONOutput: true,
		Writer:     &buf,
		CgroupRoot: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var result Result
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, buf.String())
	}
	if result.Version != "1.0.0-test" || result.GoVersion == "" || result.GOMAXPROCS < 1 {
		t.Errorf("unexpected header fields: %+v", result)
	}
	for _, c := range result.Checks {
		switch c.Status {
		case StatusPass, StatusWarn, StatusFail:
		default:
			t.Errorf("unexpected status %q", c.Status)
		}
	}
}

func TestRun_RequiresConfig(t *testing.T) {
	if _, err := Run(context.Background(), Options{Writer: io.Discard}); err == nil {
		t.Fatal("expected error without config")
	}
}

func TestRun_InvalidConfigFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pressure.Fraction = 2

	result, err := Run(context.Background(), Options{Config: cfg, Writer: io.Discard, CgroupRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Failed() || !hasCheck(result.Checks, StatusFail, "pressure.fraction") {
		t.Fatalf("expected a failed configuration check, got %+v", result.Checks)
	}
}

func TestCheckMemory_HardLimitAboveCgroup(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "memory.max"), []byte("268435456\n"), 0o644)

	cfg := testConfig(t)
	cfg.Pressure.HardLimit = "512MiB"
	checks, info := checkMemory(cfg, root)

	if info.Mode != "threshold" || info.CgroupLimit != 256<<20 {
		t.Fatalf("unexpected memory info %+v", info)
	}
	if !hasCheck(checks, StatusFail, "not below the cgroup memory limit") {
		t.Fatalf("expected cgroup failure, got %+v", checks)
	}

	cfg.Pressure.HardLimit = "128MiB"
	checks, _ = checkMemory(cfg, root)
	if !hasCheck(checks, StatusPass, "Threshold mode") {
		t.Fatalf("expected threshold pass, got %+v", checks)
	}
}

func TestCgroupMemoryLimit(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    uint64
		ok      bool
	}{
		{"v2 limit", "memory.max", "1073741824", 1 << 30, true},
		{"v2 unlimited", "memory.max", "max", 0, false},
		{"v1 limit", "memory/memory.limit_in_bytes", "536870912", 512 << 20, true},
		{"v1 unlimited", "memory/memory.limit_in_bytes", "9223372036854771712", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			path := filepath.Join(root, tt.file)
			os.MkdirAll(filepath.Dir(path), 0o755)
			os.WriteFile(path, []byte(tt.content+"\n"), 0o644)

			got, ok := cgroupMemoryLimit(root)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("expected %d/%t, got %d/%t", tt.want, tt.ok, got, ok)
			}
		})
	}

	if _, ok := cgroupMemoryLimit(t.TempDir()); ok {
		t.Fatal("expected no limit without cgroup files")
	}
}

func TestCheckAdminAuth(t *testing.T) {
	cfg := testConfig(t)
	if c := checkAdminAuth(cfg); c.Status != StatusWarn {
		t.Errorf("expected warn for empty secret, got %+v", c)
	}
	cfg.Server.AdminSecret = "short"
	if c := checkAdminAuth(cfg); c.Status != StatusFail {
		t.Errorf("expected fail for short secret, got %+v", c)
	}
	cfg.Server.AdminSecret = strings.Repeat("s", 32)
	if c := checkAdminAuth(cfg); c.Status != StatusPass {
		t.Errorf("expected pass, got %+v", c)
	}
}

func TestCheckTLS(t *testing.T) {
	cfg := testConfig(t)
	if checks := checkTLS(cfg, time.Now()); !hasCheck(checks, StatusWarn, "TLS disabled") {
		t.Errorf("expected disabled warning, got %+v", checks)
	}

	cfg.Server.TLSMode = "self-signed"
	if checks := checkTLS(cfg, time.Now()); !hasCheck(checks, StatusPass, "writable") {
		t.Errorf("expected writable tls dir, got %+v", checks)
	}

	cfg.Server.TLSMode = "manual"
	cfg.Server.TLSCertFile = filepath.Join(t.TempDir(), "missing.crt")
	cfg.Server.TLSKeyFile = cfg.Server.TLSCertFile
	if checks := checkTLS(cfg, time.Now()); !hasCheck(checks, StatusFail, "unreadable") {
		t.Errorf("expected unreadable certificate, got %+v", checks)
	}
}

func TestCheckJournal(t *testing.T) {
	cfg := testConfig(t)
	checks, info := checkJournal(context.Background(), cfg)
	if info.Enabled || !hasCheck(checks, StatusPass, "Journal disabled") {
		t.Fatalf("expected disabled journal, got %+v", checks)
	}

	cfg.Journal.Enabled = true
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")
	checks, _ = checkJournal(context.Background(), cfg)
	if !hasCheck(checks, StatusWarn, "does not exist yet") {
		t.Fatalf("expected missing journal warning, got %+v", checks)
	}

	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)
	database, err := db.New(ctx, cfg.Journal.Path, logger, false)
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.Migrate(ctx, database, logger); err != nil {
		t.Fatalf("db.Migrate: %v", err)
	}
	database.Close()

	checks, info = checkJournal(ctx, cfg)
	if !info.Accessible || info.Migrations < 1 || info.Attempts != 0 {
		t.Fatalf("unexpected journal info %+v", info)
	}
	if !hasCheck(checks, StatusPass, "Journal holds 0 attempts") {
		t.Fatalf("expected journal pass, got %+v", checks)
	}
}

func TestCheckWritableDir(t *testing.T) {
	if c := checkWritableDir("Dir", ""); c.Status != StatusFail {
		t.Errorf("expected fail for empty path, got %+v", c)
	}
	if c := checkWritableDir("Dir", filepath.Join(t.TempDir(), "nope")); c.Status != StatusFail {
		t.Errorf("expected fail for missing dir, got %+v", c)
	}
	dir := t.TempDir()
	if c := checkWritableDir("Dir", dir); c.Status != StatusPass {
		t.Errorf("expected pass, got %+v", c)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("expected probe file to be removed, found %d entries", len(entries))
	}
}
