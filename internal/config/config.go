package config

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "GUESSGUARD_"

// Config holds all configuration for guessguard.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
	Ledger   LedgerConfig   `koanf:"ledger"`
	Pressure PressureConfig `koanf:"pressure"`
	Journal  JournalConfig  `koanf:"journal"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Listen        string        `koanf:"listen"`
	DevMode       bool          `koanf:"dev_mode"`
	AdminSecret   string        `koanf:"admin_secret"`
	AdminTokenTTL time.Duration `koanf:"admin_token_ttl"`
	// TLSMode is off, self-signed, manual or acme.
	TLSMode     string   `koanf:"tls_mode"`
	TLSHosts    []string `koanf:"tls_hosts"`
	TLSEmail    string   `koanf:"tls_email"`
	TLSCertFile string   `koanf:"tls_cert_file"`
	TLSKeyFile  string   `koanf:"tls_key_file"`
	TLSDir      string   `koanf:"tls_dir"`
	// ChallengeListen serves ACME HTTP-01 challenges in acme mode.
	ChallengeListen string `koanf:"challenge_listen"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// LedgerConfig sizes the per-IP histories.
type LedgerConfig struct {
	SuccessCapacity   int      `koanf:"success_capacity"`
	FailureCapacity   int      `koanf:"failure_capacity"`
	MaxIPs            int      `koanf:"max_ips"`
	Shards            int      `koanf:"shards"`
	UntrackedNetworks []string `koanf:"untracked_networks"`
}

// PressureConfig controls the memory pressure monitor.
type PressureConfig struct {
	Fraction        float64       `koanf:"fraction"`
	HardLimit       string        `koanf:"hard_limit"`
	PollInterval    time.Duration `koanf:"poll_interval"`
	GCMinInterval   time.Duration `koanf:"gc_min_interval"`
	GCPressureRatio float64       `koanf:"gc_pressure_ratio"`
}

// JournalConfig controls the on-disk attempt journal.
type JournalConfig struct {
	Enabled            bool          `koanf:"enabled"`
	Path               string        `koanf:"path"`
	Retention          time.Duration `koanf:"retention"`
	CompactionInterval time.Duration `koanf:"compaction_interval"`
	WarmStartWindow    time.Duration `koanf:"warm_start_window"`
	QueueSize          int           `koanf:"queue_size"`
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"listen":     "server.listen",
	"dev-mode":   "server.dev_mode",
	"log-level":  "logging.level",
	"log-format": "logging.format",
	"hard-limit": "pressure.hard_limit",
	"journal":    "journal.enabled",
	"tls-mode":   "server.tls_mode",
}

// Load reads configuration with priority: flags > env > yaml file > defaults.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	// GUESSGUARD_PRESSURE_HARD_LIMIT -> pressure.hard_limit
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(s, "_", ".", 1)
}

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"server.listen":               ":8080",
		"server.dev_mode":             false,
		"server.admin_secret":         "",
		"server.admin_token_ttl":      "24h",
		"server.tls_mode":             "off",
		"server.tls_hosts":            []string{},
		"server.tls_email":            "",
		"server.tls_cert_file":        "",
		"server.tls_key_file":         "",
		"server.tls_dir":              "/var/lib/guessguard/certs",
		"server.challenge_listen":     ":80",
		"logging.level":               "info",
		"logging.format":              "json",
		"ledger.success_capacity":     32,
		"ledger.failure_capacity":     32,
		"ledger.max_ips":              100_000,
		"ledger.shards":               64,
		"ledger.untracked_networks":   []string{},
		"pressure.fraction":           0.2,
		"pressure.hard_limit":         "",
		"pressure.poll_interval":      "250ms",
		"pressure.gc_min_interval":    "30s",
		"pressure.gc_pressure_ratio":  0.9,
		"journal.enabled":             false,
		"journal.path":                "/var/lib/guessguard/journal.db",
		"journal.retention":           "24h",
		"journal.compaction_interval": "1h",
		"journal.warm_start_window":   "1h",
		"journal.queue_size":          1024,
	}

	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// HardLimitBytes parses the hard limit. Empty or zero means no hard limit.
func (p PressureConfig) HardLimitBytes() (uint64, error) {
	s := strings.TrimSpace(p.HardLimit)
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("pressure.hard_limit %q: %w", p.HardLimit, err)
	}
	return n, nil
}

// Networks parses the untracked network list. Bare addresses are treated
// as single-host prefixes.
func (l LedgerConfig) Networks() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(l.UntrackedNetworks))
	for _, s := range l.UntrackedNetworks {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("ledger.untracked_networks %q: %w", s, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("ledger.untracked_networks %q: %w", s, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
}

// Validate checks ranges and parses derived values.
func (c *Config) Validate() error {
	var errs []error

	if f := c.Pressure.Fraction; math.IsNaN(f) || f <= 0 || f > 1 {
		errs = append(errs, fmt.Errorf("pressure.fraction must be in (0, 1], got %v", f))
	}
	if r := c.Pressure.GCPressureRatio; r <= 0 || r > 1 {
		errs = append(errs, fmt.Errorf("pressure.gc_pressure_ratio must be in (0, 1], got %v", r))
	}
	if c.Pressure.PollInterval <= 0 {
		errs = append(errs, errors.New("pressure.poll_interval must be positive"))
	}
	if _, err := c.Pressure.HardLimitBytes(); err != nil {
		errs = append(errs, err)
	}
	if c.Ledger.SuccessCapacity < 1 || c.Ledger.FailureCapacity < 1 {
		errs = append(errs, errors.New("ledger capacities must be at least 1"))
	}
	if c.Ledger.MaxIPs < 1 {
		errs = append(errs, errors.New("ledger.max_ips must be at least 1"))
	}
	if _, err := c.Ledger.Networks(); err != nil {
		errs = append(errs, err)
	}
	switch c.Server.TLSMode {
	case "", "off", "self-signed":
	case "manual":
		if c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "" {
			errs = append(errs, errors.New("server.tls_cert_file and server.tls_key_file are required in manual tls mode"))
		}
	case "acme":
		if len(c.Server.TLSHosts) == 0 {
			errs = append(errs, errors.New("server.tls_hosts is required in acme tls mode"))
		}
		for _, h := range c.Server.TLSHosts {
			if _, err := netip.ParseAddr(h); err == nil {
				errs = append(errs, fmt.Errorf("server.tls_hosts: acme cannot issue for address %q", h))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("server.tls_mode must be off, self-signed, manual or acme, got %q", c.Server.TLSMode))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}
	if c.Journal.Enabled {
		if c.Journal.Path == "" {
			errs = append(errs, errors.New("journal.path is required when the journal is enabled"))
		}
		if c.Journal.Retention <= 0 || c.Journal.CompactionInterval <= 0 {
			errs = append(errs, errors.New("journal.retention and journal.compaction_interval must be positive"))
		}
	}

	return errors.Join(errs...)
}
