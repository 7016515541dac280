package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/itsChris/guessguard/internal/auth"
	"github.com/itsChris/guessguard/internal/certs"
	"github.com/itsChris/guessguard/internal/config"
	"github.com/itsChris/guessguard/internal/db"
	"github.com/itsChris/guessguard/internal/ledger"
	"github.com/itsChris/guessguard/internal/logging"
	"github.com/itsChris/guessguard/internal/monitor"
	"github.com/itsChris/guessguard/internal/sdnotify"
	"github.com/itsChris/guessguard/internal/server"
	"github.com/itsChris/guessguard/internal/stats"
)

// Admin clients may present this many bad tokens per minute.
const adminFailuresPerMinute = 10

func runServe(cmd *cobra.Command, args []string) error {
	// ── Load configuration ───────────────────────────────────────────
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	configPath, _ := cmd.Flags().GetString("config")

	// ── Create logger ────────────────────────────────────────────────
	level, _ := logging.ParseLevel(cfg.Logging.Level)
	ring := logging.NewRingBuffer(logging.DefaultRingSize)
	logger := logging.NewWithRing(logging.Config{
		Level:   level,
		Format:  cfg.Logging.Format,
		DevMode: cfg.Server.DevMode,
	}, ring)

	hardLimit, _ := cfg.Pressure.HardLimitBytes()
	networks, _ := cfg.Ledger.Networks()

	logger.Info("guessguard_starting",
		"version", version,
		"go_version", runtime.Version(),
		"os", runtime.GOOS,
		"arch", runtime.GOARCH,
		"pid", os.Getpid(),
		"listen", cfg.Server.Listen,
		"log_level", cfg.Logging.Level,
		"dev_mode", cfg.Server.DevMode,
		"hard_limit", hardLimit,
		"journal", cfg.Journal.Enabled,
		"component", "main",
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Ledger, metrics and pressure monitor ─────────────────────────
	st := stats.New(version)

	registry, err := ledger.NewRegistry(ledger.RegistryConfig{
		Shards:            cfg.Ledger.Shards,
		MaxIPs:            cfg.Ledger.MaxIPs,
		SuccessCapacity:   cfg.Ledger.SuccessCapacity,
		FailureCapacity:   cfg.Ledger.FailureCapacity,
		UntrackedNetworks: networks,
	}, logger, ledger.WithObserver(st))
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}

	mon, err := monitor.New(monitor.Config{
		Fraction:        cfg.Pressure.Fraction,
		HardLimit:       hardLimit,
		PollInterval:    cfg.Pressure.PollInterval,
		GCMinInterval:   cfg.Pressure.GCMinInterval,
		GCPressureRatio: cfg.Pressure.GCPressureRatio,
	}, logger, monitor.WithObserver(st))
	if err != nil {
		return fmt.Errorf("create pressure monitor: %w", err)
	}
	mon.Subscribe("ledger", registry.ReduceMemory)
	mon.Subscribe("log_ring", ring.ReduceMemory)

	st.GaugeFunc("ledger_ips", "Source addresses with a tracked history.", func() float64 {
		return float64(registry.Len())
	})
	st.GaugeFunc("pressure_subscribers", "Callbacks subscribed to memory pressure broadcasts.", func() float64 {
		return float64(mon.Subscribers())
	})

	hasher := logging.NewIPHasher()

	// ── Journal (optional) ───────────────────────────────────────────
	var (
		journal       *db.Journal
		compactorDone chan struct{}
	)
	if cfg.Journal.Enabled {
		database, err := openJournalDB(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer database.Close()

		key, err := database.MetaOrInit(ctx, db.MetaLogHashKey, logging.GenerateHashKey)
		if err != nil {
			return fmt.Errorf("load log hash key: %w", err)
		}
		if err := hasher.SetKey(key); err != nil {
			return fmt.Errorf("load log hash key: %w", err)
		}

		if _, err := warmStart(ctx, database, registry, cfg.Journal.WarmStartWindow, logger); err != nil {
			return err
		}

		journal, err = db.NewJournal(database, logger, cfg.Journal.QueueSize, st.JournalDropped)
		if err != nil {
			return fmt.Errorf("create journal: %w", err)
		}
		journal.Start(ctx)

		compactor, err := monitor.NewCompactor(database, logger, cfg.Journal.CompactionInterval, cfg.Journal.Retention)
		if err != nil {
			return fmt.Errorf("create compactor: %w", err)
		}
		compactorDone = make(chan struct{})
		go func() {
			defer close(compactorDone)
			compactor.Run(ctx)
		}()
	}

	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("start pressure monitor: %w", err)
	}

	// ── Admin auth ───────────────────────────────────────────────────
	var (
		jwtSvc  *auth.JWTService
		limiter *auth.FailureLimiter
	)
	if cfg.Server.AdminSecret != "" {
		jwtSvc, err = auth.NewJWTService([]byte(cfg.Server.AdminSecret), cfg.Server.AdminTokenTTL, logger)
		if err != nil {
			return fmt.Errorf("create jwt service: %w", err)
		}
		limiter = auth.NewFailureLimiter(adminFailuresPerMinute, time.Minute)
		defer limiter.Stop()
	} else {
		logger.Warn("admin_auth_disabled",
			"reason", "server.admin_secret is empty",
			"component", "main",
		)
	}

	// ── Create HTTP server ───────────────────────────────────────────
	srv, err := server.New(server.Config{
		Registry:   registry,
		Monitor:    mon,
		Journal:    journal,
		Stats:      st,
		Ring:       ring,
		Hasher:     hasher,
		JWTService: jwtSvc,
		Limiter:    limiter,
		Logger:     logger,
		DevMode:    cfg.Server.DevMode,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	certMgr, err := newCertManager(cfg, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv,
		TLSConfig:         certMgr.TLSConfig(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var challengeServer *http.Server
	if certMgr.Mode() == certs.ModeACME {
		challengeServer = &http.Server{
			Addr:              cfg.Server.ChallengeListen,
			Handler:           certMgr.ChallengeHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	// ── Signal handling ──────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http_listening",
			"addr", cfg.Server.Listen,
			"tls", certMgr.Mode(),
			"component", "main",
		)
		var err error
		if certMgr.Enabled() {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen: %w", err)
		}
	}()
	if challengeServer != nil {
		go func() {
			logger.Info("acme_challenge_listening",
				"addr", challengeServer.Addr,
				"component", "main",
			)
			if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("acme challenge listen: %w", err)
			}
		}()
	}

	// ── Systemd notify READY and watchdog ────────────────────────────
	if err := sdnotify.Ready(fmt.Sprintf("tracking %d addresses", registry.Len())); err != nil {
		logger.Warn("sd_notify_ready_failed",
			"error", err,
			"component", "main",
		)
	}
	if interval := sdnotify.WatchdogInterval(); interval > 0 {
		go sdnotify.RunWatchdog(ctx, interval, func() error {
			if !mon.Running() {
				return errors.New("pressure monitor is not running")
			}
			return nil
		}, logger)
		logger.Info("watchdog_enabled",
			"interval", interval.String(),
			"component", "main",
		)
	}

	// ── Main loop: wait for signals or fatal errors ──────────────────
	shutdown := func() error {
		if err := sdnotify.Stopping(); err != nil {
			logger.Warn("sd_notify_stopping_failed",
				"error", err,
				"component", "main",
			)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		var shutdownErr error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown_error",
				"error", err,
				"component", "main",
			)
			shutdownErr = fmt.Errorf("shutdown: %w", err)
		}
		if challengeServer != nil {
			challengeServer.Shutdown(shutdownCtx)
		}

		mon.Stop()
		cancel()
		if compactorDone != nil {
			<-compactorDone
		}
		if journal != nil && !journal.Close(shutdownTimeout) {
			logger.Warn("journal_not_drained",
				"pending", journal.Pending(),
				"component", "main",
			)
		}

		logger.Info("shutdown_complete", "component", "main")
		return shutdownErr
	}

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				reloadConfig(cmd, configPath, logger)

			case syscall.SIGTERM, syscall.SIGINT:
				logger.Info("shutdown_requested",
					"signal", sig.String(),
					"component", "main",
				)
				return shutdown()
			}

		case err := <-errCh:
			shutdown()
			return err
		}
	}
}

// reloadConfig re-reads the configuration and logs the result. Settings
// used to construct components take effect on the next restart.
func reloadConfig(cmd *cobra.Command, configPath string, logger *slog.Logger) {
	logger.Info("config_reload_requested", "component", "main")
	if err := sdnotify.Reloading(); err != nil {
		logger.Warn("sd_notify_reloading_failed",
			"error", err,
			"component", "main",
		)
	}
	// Signal ready again even after a failed reload so systemd does not
	// consider the unit stuck reloading.
	defer sdnotify.Ready("")

	newCfg, err := config.Load(configPath, cmd.Flags())
	if err == nil {
		err = newCfg.Validate()
	}
	if err != nil {
		logger.Error("config_reload_failed",
			"error", err,
			"component", "main",
		)
		return
	}
	logger.Info("config_reloaded",
		"listen", newCfg.Server.Listen,
		"log_level", newCfg.Logging.Level,
		"pressure_fraction", newCfg.Pressure.Fraction,
		"hard_limit", newCfg.Pressure.HardLimit,
		"restart_required", true,
		"component", "main",
	)
}

func newCertManager(cfg *config.Config, logger *slog.Logger) (*certs.Manager, error) {
	mode, err := certs.ParseMode(cfg.Server.TLSMode)
	if err != nil {
		return nil, err
	}
	mgr, err := certs.New(certs.Config{
		Mode:     mode,
		Hosts:    cfg.Server.TLSHosts,
		Email:    cfg.Server.TLSEmail,
		CertFile: cfg.Server.TLSCertFile,
		KeyFile:  cfg.Server.TLSKeyFile,
		Dir:      cfg.Server.TLSDir,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("configure tls: %w", err)
	}
	return mgr, nil
}

// redirectHTTPS sends plain HTTP clients of the challenge listener to the
// HTTPS origin.
func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
	}
	http.Redirect(w, r, "https://"+host+r.URL.RequestURI(), http.StatusMovedPermanently)
}

func openJournalDB(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*db.DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	database, err := db.New(ctx, cfg.Journal.Path, logger, cfg.Server.DevMode)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Migrate(ctx, database, logger); err != nil {
		database.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return database, nil
}

// warmStart replays journaled attempts newer than window into registry.
func warmStart(ctx context.Context, database *db.DB, registry *ledger.Registry, window time.Duration, logger *slog.Logger) (int, error) {
	if window <= 0 {
		return 0, nil
	}
	start := time.Now()
	attempts, err := database.AttemptsSince(ctx, start.Add(-window))
	if err != nil {
		return 0, fmt.Errorf("warm start: %w", err)
	}

	replayed, skipped := 0, 0
	for _, a := range attempts {
		if err := registry.RecordLoginAttempt(a); err != nil {
			skipped++
			continue
		}
		replayed++
	}

	logger.Info("warm_start_completed",
		"replayed", replayed,
		"skipped", skipped,
		"ips", registry.Len(),
		"window", window.String(),
		"duration_ms", time.Since(start).Milliseconds(),
		"component", "main",
	)
	return replayed, nil
}
