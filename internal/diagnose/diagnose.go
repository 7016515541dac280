// Package diagnose inspects the host and configuration for problems that
// keep guessguard from shedding memory or journaling attempts.
package diagnose

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/itsChris/guessguard/internal/config"
	"github.com/itsChris/guessguard/internal/db"
	"github.com/itsChris/guessguard/internal/monitor"
)

// CheckStatus is the outcome of a single check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds one check outcome.
type CheckResult struct {
	Status  CheckStatus `json:"status"`
	Message string      `json:"message"`
}

// MemoryInfo describes the limits the pressure monitor works against.
type MemoryInfo struct {
	Mode         string `json:"mode"`
	HardLimit    uint64 `json:"hard_limit"`
	SoftLimit    int64  `json:"soft_limit"`
	CgroupLimit  uint64 `json:"cgroup_limit"`
	HeapObjects  uint64 `json:"heap_objects"`
	RuntimeTotal uint64 `json:"runtime_total"`
}

// JournalInfo describes the on-disk journal.
type JournalInfo struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	Accessible bool   `json:"accessible"`
	Migrations int    `json:"migrations"`
	Attempts   int64  `json:"attempts"`
}

// Result is the complete report.
type Result struct {
	Version    string        `json:"version"`
	GoVersion  string        `json:"go_version"`
	OS         string        `json:"os"`
	Arch       string        `json:"arch"`
	Kernel     string        `json:"kernel"`
	GOMAXPROCS int           `json:"gomaxprocs"`
	Checks     []CheckResult `json:"checks"`
	Memory     MemoryInfo    `json:"memory"`
	Journal    JournalInfo   `json:"journal"`
}

// Options configures Run.
type Options struct {
	Version    string
	Config     *config.Config
	JSONOutput bool
	// Writer defaults to os.Stdout.
	Writer io.Writer
	// CgroupRoot defaults to /sys/fs/cgroup.
	CgroupRoot string
}

// Run executes all checks and writes the report.
func Run(ctx context.Context, opts Options) (Result, error) {
	if opts.Config == nil {
		return Result{}, fmt.Errorf("diagnose: config is required")
	}
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}
	if opts.CgroupRoot == "" {
		opts.CgroupRoot = "/sys/fs/cgroup"
	}

	result := Result{
		Version:    opts.Version,
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		Kernel:     kernelVersion(),
		GOMAXPROCS: runtime.GOMAXPROCS(0),
	}

	cfg := opts.Config
	result.Checks = append(result.Checks, checkConfig(cfg))
	memChecks, mem := checkMemory(cfg, opts.CgroupRoot)
	result.Memory = mem
	result.Checks = append(result.Checks, memChecks...)
	result.Checks = append(result.Checks, checkAdminAuth(cfg))
	result.Checks = append(result.Checks, checkTLS(cfg, time.Now())...)
	journalChecks, journal := checkJournal(ctx, cfg)
	result.Journal = journal
	result.Checks = append(result.Checks, journalChecks...)

	if opts.JSONOutput {
		enc := json.NewEncoder(opts.Writer)
		enc.SetIndent("", "  ")
		return result, enc.Encode(result)
	}
	return result, writeText(opts.Writer, result)
}

// Failed reports whether any check failed.
func (r Result) Failed() bool {
	for _, c := range r.Checks {
		if c.Status == StatusFail {
			return true
		}
	}
	return false
}

func checkConfig(cfg *config.Config) CheckResult {
	if err := cfg.Validate(); err != nil {
		return CheckResult{StatusFail, fmt.Sprintf("Configuration invalid: %v", err)}
	}
	return CheckResult{StatusPass, "Configuration valid"}
}

func checkMemory(cfg *config.Config, cgroupRoot string) ([]CheckResult, MemoryInfo) {
	var checks []CheckResult
	info := MemoryInfo{Mode: "gc", SoftLimit: debug.SetMemoryLimit(-1)}

	hard, err := cfg.Pressure.HardLimitBytes()
	if err == nil && hard > 0 {
		info.Mode = "threshold"
		info.HardLimit = hard
	}
	info.HeapObjects, _ = monitor.HeapObjectBytes()
	info.RuntimeTotal, _ = monitor.RuntimeMemoryBytes()

	cgroup, ok := cgroupMemoryLimit(cgroupRoot)
	if ok {
		info.CgroupLimit = cgroup
	}

	switch {
	case info.HardLimit > 0 && ok && info.HardLimit >= cgroup:
		checks = append(checks, CheckResult{StatusFail, fmt.Sprintf(
			"Hard limit %s is not below the cgroup memory limit %s",
			humanize.IBytes(info.HardLimit), humanize.IBytes(cgroup))})
	case info.HardLimit > 0:
		checks = append(checks, CheckResult{StatusPass, fmt.Sprintf(
			"Threshold mode, reductions above %s", humanize.IBytes(info.HardLimit))})
	case info.SoftLimit == math.MaxInt64:
		checks = append(checks, CheckResult{StatusWarn,
			"GC mode without GOMEMLIMIT, reductions are paced by pressure.gc_min_interval only"})
	default:
		checks = append(checks, CheckResult{StatusPass, fmt.Sprintf(
			"GC mode against soft limit %s", humanize.IBytes(uint64(info.SoftLimit)))})
	}

	if !ok {
		checks = append(checks, CheckResult{StatusWarn, "No cgroup memory limit detected"})
	}
	return checks, info
}

// cgroupMemoryLimit reads the cgroup v2 limit, falling back to v1.
func cgroupMemoryLimit(root string) (uint64, bool) {
	for _, name := range []string{"memory.max", "memory/memory.limit_in_bytes"} {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		s := strings.TrimSpace(string(data))
		if s == "max" {
			return 0, false
		}
		n, err := strconv.ParseUint(s, 10, 64)
		// v1 reports "unlimited" as a huge page-aligned number.
		if err != nil || n >= math.MaxInt64/2 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func checkAdminAuth(cfg *config.Config) CheckResult {
	switch n := len(cfg.Server.AdminSecret); {
	case n == 0:
		return CheckResult{StatusWarn, "Admin endpoints are unauthenticated (server.admin_secret is empty)"}
	case n < 32:
		return CheckResult{StatusFail, fmt.Sprintf("server.admin_secret is %d bytes, at least 32 are required", n)}
	default:
		return CheckResult{StatusPass, "Admin authentication enabled"}
	}
}

func checkTLS(cfg *config.Config, now time.Time) []CheckResult {
	switch cfg.Server.TLSMode {
	case "", "off":
		return []CheckResult{{StatusWarn, "TLS disabled"}}
	case "manual":
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		if err != nil {
			return []CheckResult{{StatusFail, fmt.Sprintf("TLS certificate unreadable: %v", err)}}
		}
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return []CheckResult{{StatusFail, fmt.Sprintf("TLS certificate unparsable: %v", err)}}
		}
		left := leaf.NotAfter.Sub(now)
		switch {
		case left <= 0:
			return []CheckResult{{StatusFail, fmt.Sprintf("TLS certificate expired %s", humanize.Time(leaf.NotAfter))}}
		case left < 14*24*time.Hour:
			return []CheckResult{{StatusWarn, fmt.Sprintf("TLS certificate expires %s", humanize.Time(leaf.NotAfter))}}
		}
		return []CheckResult{{StatusPass, fmt.Sprintf("TLS certificate valid until %s", leaf.NotAfter.Format(time.DateOnly))}}
	default:
		return []CheckResult{checkWritableDir("TLS directory", cfg.Server.TLSDir)}
	}
}

func checkJournal(ctx context.Context, cfg *config.Config) ([]CheckResult, JournalInfo) {
	info := JournalInfo{Enabled: cfg.Journal.Enabled, Path: cfg.Journal.Path}
	if !cfg.Journal.Enabled {
		return []CheckResult{{StatusPass, "Journal disabled"}}, info
	}

	checks := []CheckResult{checkWritableDir("Journal directory", filepath.Dir(cfg.Journal.Path))}
	if _, err := os.Stat(cfg.Journal.Path); err != nil {
		checks = append(checks, CheckResult{StatusWarn, fmt.Sprintf("Journal %s does not exist yet", cfg.Journal.Path)})
		return checks, info
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	database, err := db.New(ctx, cfg.Journal.Path, slog.New(slog.DiscardHandler), false)
	if err != nil {
		checks = append(checks, CheckResult{StatusFail, fmt.Sprintf("Journal %s not accessible: %v", cfg.Journal.Path, err)})
		return checks, info
	}
	defer database.Close()

	info.Accessible = true
	if err := database.QueryRowContext(ctx, "SELECT COUNT(*) FROM _migrations").Scan(&info.Migrations); err != nil {
		checks = append(checks, CheckResult{StatusWarn, "Journal has no migrations applied"})
		return checks, info
	}
	if n, err := database.CountAttempts(ctx); err == nil {
		info.Attempts = n
	}
	checks = append(checks, CheckResult{StatusPass, fmt.Sprintf("Journal holds %s attempts", humanize.Comma(info.Attempts))})
	return checks, info
}

func checkWritableDir(label, dir string) CheckResult {
	if dir == "" {
		return CheckResult{StatusFail, label + " not configured"}
	}
	info, err := os.Stat(dir)
	if err != nil {
		return CheckResult{StatusFail, fmt.Sprintf("%s %s does not exist", label, dir)}
	}
	if !info.IsDir() {
		return CheckResult{StatusFail, fmt.Sprintf("%s %s is not a directory", label, dir)}
	}
	f, err := os.CreateTemp(dir, ".guessguard_diag_*")
	if err != nil {
		return CheckResult{StatusFail, fmt.Sprintf("%s %s is not writable", label, dir)}
	}
	f.Close()
	os.Remove(f.Name())
	return CheckResult{StatusPass, fmt.Sprintf("%s %s is writable", label, dir)}
}

func kernelVersion() string {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return "unknown"
	}
	if fields := strings.Fields(string(data)); len(fields) >= 3 {
		return fields[2]
	}
	return "unknown"
}

func writeText(w io.Writer, r Result) error {
	fmt.Fprintf(w, "\nguessguard diagnostic report\n")
	fmt.Fprintf(w, "============================\n")
	fmt.Fprintf(w, "Version:     %s\n", r.Version)
	fmt.Fprintf(w, "Go:          %s (GOMAXPROCS %d)\n", r.GoVersion, r.GOMAXPROCS)
	fmt.Fprintf(w, "OS:          %s/%s\n", r.OS, r.Arch)
	fmt.Fprintf(w, "Kernel:      %s\n\n", r.Kernel)

	for _, c := range r.Checks {
		fmt.Fprintf(w, "[%s] %s\n", c.Status, c.Message)
	}

	fmt.Fprintf(w, "\nMemory:\n")
	fmt.Fprintf(w, "  Mode:          %s\n", r.Memory.Mode)
	fmt.Fprintf(w, "  Heap objects:  %s\n", humanize.IBytes(r.Memory.HeapObjects))
	fmt.Fprintf(w, "  Runtime total: %s\n", humanize.IBytes(r.Memory.RuntimeTotal))
	if r.Memory.CgroupLimit > 0 {
		fmt.Fprintf(w, "  Cgroup limit:  %s\n", humanize.IBytes(r.Memory.CgroupLimit))
	}

	if r.Journal.Accessible {
		fmt.Fprintf(w, "\nJournal:\n")
		fmt.Fprintf(w, "  Path:        %s\n", r.Journal.Path)
		fmt.Fprintf(w, "  Migrations:  %d\n", r.Journal.Migrations)
		fmt.Fprintf(w, "  Attempts:    %s\n", humanize.Comma(r.Journal.Attempts))
	}
	return nil
}
