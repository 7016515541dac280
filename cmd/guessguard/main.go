package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/itsChris/guessguard/internal/auth"
	"github.com/itsChris/guessguard/internal/config"
	"github.com/itsChris/guessguard/internal/diagnose"
	"github.com/itsChris/guessguard/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "guessguard",
		Short: "Per-IP login attempt ledger",
		Long: "guessguard keeps a bounded history of recent login attempts per source IP " +
			"and sheds the oldest entries when the process runs short of memory.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "path to config file")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "json", "log format (json, text)")
	root.PersistentFlags().Bool("dev-mode", false, "enable development mode")

	root.AddCommand(
		newServeCmd(),
		newVersionCmd(),
		newConfigCmd(),
		newTokenCmd(),
		newDiagnoseCmd(),
	)

	return root
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the guessguard server",
		RunE:  runServe,
	}
	cmd.Flags().String("listen", ":8080", "HTTP listen address")
	cmd.Flags().String("hard-limit", "", "memory limit that triggers reductions, e.g. 512MiB (empty: follow the GC)")
	cmd.Flags().Bool("journal", false, "persist attempts to the on-disk journal")
	cmd.Flags().String("tls-mode", "off", "certificate source (off, self-signed, manual, acme)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("guessguard %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
			fmt.Printf("  go:     %s\n", runtime.Version())
		},
	}
}

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate configuration and print the effective values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			limit, _ := cfg.Pressure.HardLimitBytes()
			mode := "gc"
			limitStr := "none"
			if limit > 0 {
				mode = "threshold"
				limitStr = humanize.IBytes(limit)
			}

			fmt.Println("configuration OK")
			fmt.Printf("  listen:            %s\n", cfg.Server.Listen)
			fmt.Printf("  admin auth:        %t\n", cfg.Server.AdminSecret != "")
			fmt.Printf("  tls:               %s\n", cfg.Server.TLSMode)
			fmt.Printf("  ledger:            %d IPs, %d successes / %d failures per IP\n",
				cfg.Ledger.MaxIPs, cfg.Ledger.SuccessCapacity, cfg.Ledger.FailureCapacity)
			fmt.Printf("  untracked:         %d networks\n", len(cfg.Ledger.UntrackedNetworks))
			fmt.Printf("  pressure mode:     %s (fraction %.2f, limit %s)\n", mode, cfg.Pressure.Fraction, limitStr)
			if cfg.Journal.Enabled {
				fmt.Printf("  journal:           %s (retention %s)\n", cfg.Journal.Path, cfg.Journal.Retention)
			} else {
				fmt.Printf("  journal:           disabled\n")
			}
			return nil
		},
	})

	return configCmd
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if gen, _ := cmd.Flags().GetBool("generate-secret"); gen {
				secret, err := auth.GenerateSecret(32)
				if err != nil {
					return err
				}
				fmt.Println(hex.EncodeToString(secret))
				return nil
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Server.AdminSecret == "" {
				return fmt.Errorf("server.admin_secret is not set; admin endpoints are open")
			}

			ttl := cfg.Server.AdminTokenTTL
			if d, _ := cmd.Flags().GetDuration("ttl"); d > 0 {
				ttl = d
			}
			subject, _ := cmd.Flags().GetString("subject")

			level, _ := logging.ParseLevel(cfg.Logging.Level)
			logger := logging.New(logging.Config{Level: level, Format: "text", Output: os.Stderr})
			svc, err := auth.NewJWTService([]byte(cfg.Server.AdminSecret), ttl, logger)
			if err != nil {
				return fmt.Errorf("create jwt service: %w", err)
			}
			token, err := svc.Generate(subject)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("subject", "admin", "token subject")
	cmd.Flags().Duration("ttl", 0, "token lifetime (default: server.admin_token_ttl)")
	cmd.Flags().Bool("generate-secret", false, "print a random secret for server.admin_secret and exit")
	return cmd
}

func newDiagnoseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Check memory limits, journal and TLS settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			// Validation problems are reported as a check, not an error.
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			jsonOut, _ := cmd.Flags().GetBool("json")
			result, err := diagnose.Run(cmd.Context(), diagnose.Options{
				Version:    version,
				Config:     cfg,
				JSONOutput: jsonOut,
				Writer:     cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}
			if result.Failed() {
				return errors.New("diagnose: one or more checks failed")
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print the report as JSON")
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		return nil, fmt.Errorf("invalid config: logging.level: %w", err)
	}
	// Dev mode forces debug logging.
	if cfg.Server.DevMode && cfg.Logging.Level == "info" {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// shutdownTimeout bounds each shutdown step.
const shutdownTimeout = 10 * time.Second
