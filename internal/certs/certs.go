// Package certs provides the certificate source for the HTTPS listener.
package certs

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"golang.org/x/crypto/acme/autocert"
)

// Mode selects where the serving certificate comes from.
type Mode string

const (
	ModeOff        Mode = "off"
	ModeSelfSigned Mode = "self-signed"
	ModeManual     Mode = "manual"
	ModeACME       Mode = "acme"
)

// ParseMode validates a mode name. The empty string means ModeOff.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModeOff, nil
	case ModeOff, ModeSelfSigned, ModeManual, ModeACME:
		return m, nil
	default:
		return "", fmt.Errorf("unknown tls mode %q", s)
	}
}

// Config describes the certificate source.
type Config struct {
	Mode Mode
	// Hosts are the DNS names or IP addresses the certificate covers. ACME
	// accepts DNS names only.
	Hosts    []string
	Email    string
	CertFile string
	KeyFile  string
	// Dir holds generated keys and the ACME cache.
	Dir string
}

// Manager owns the TLS configuration for the listener.
type Manager struct {
	mode      Mode
	tlsConfig *tls.Config
	acme      *autocert.Manager
	logger    *slog.Logger
}

// New builds a Manager for cfg. A failed ACME setup falls back to a
// self-signed certificate.
func New(cfg Config, logger *slog.Logger) (*Manager, error) {
	m := &Manager{mode: cfg.Mode, logger: logger}

	switch cfg.Mode {
	case ModeOff, "":
		m.mode = ModeOff
		return m, nil

	case ModeManual:
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, errors.New("manual tls mode requires a cert file and a key file")
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
		m.tlsConfig = serverConfig(cert)
		logger.Info("tls_configured", "mode", ModeManual, "cert_file", cfg.CertFile, "component", "certs")

	case ModeACME:
		mgr, err := newACME(cfg)
		if err != nil {
			logger.Warn("tls_acme_fallback", "error", err, "component", "certs")
			if err := m.useSelfSigned(cfg); err != nil {
				return nil, err
			}
			break
		}
		m.acme = mgr
		m.tlsConfig = mgr.TLSConfig()
		m.tlsConfig.MinVersion = tls.VersionTLS12
		logger.Info("tls_configured", "mode", ModeACME, "hosts", cfg.Hosts, "component", "certs")

	case ModeSelfSigned:
		if err := m.useSelfSigned(cfg); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown tls mode %q", cfg.Mode)
	}

	return m, nil
}

// Mode returns the mode actually in use.
func (m *Manager) Mode() Mode {
	return m.mode
}

// Enabled reports whether the listener should serve HTTPS.
func (m *Manager) Enabled() bool {
	return m.mode != ModeOff
}

// TLSConfig returns the listener configuration, or nil when TLS is off.
func (m *Manager) TLSConfig() *tls.Config {
	return m.tlsConfig
}

// ChallengeHandler answers ACME HTTP-01 challenges and hands everything
// else to fallback. Outside ACME mode it returns fallback unchanged.
func (m *Manager) ChallengeHandler(fallback http.Handler) http.Handler {
	if m.acme == nil {
		return fallback
	}
	return m.acme.HTTPHandler(fallback)
}

func (m *Manager) useSelfSigned(cfg Config) error {
	cert, generated, err := loadOrGenerate(cfg.Dir, cfg.Hosts)
	if err != nil {
		return fmt.Errorf("self-signed certificate: %w", err)
	}
	m.mode = ModeSelfSigned
	m.tlsConfig = serverConfig(cert)
	m.logger.Info("tls_configured",
		"mode", ModeSelfSigned,
		"generated", generated,
		"dir", cfg.Dir,
		"component", "certs",
	)
	return nil
}

func newACME(cfg Config) (*autocert.Manager, error) {
	if len(cfg.Hosts) == 0 {
		return nil, errors.New("acme mode requires at least one host")
	}
	if cfg.Dir == "" {
		return nil, errors.New("acme mode requires a cache directory")
	}
	return &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.Hosts...),
		Cache:      autocert.DirCache(filepath.Join(cfg.Dir, "acme")),
		Email:      cfg.Email,
	}, nil
}

func serverConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}
