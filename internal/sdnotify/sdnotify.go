// Package sdnotify speaks the systemd notification protocol. Every call is
// a no-op when NOTIFY_SOCKET is unset.
package sdnotify

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Ready sends READY=1, optionally with a STATUS line.
func Ready(status string) error {
	return send(withStatus(status, "READY=1")...)
}

// Stopping sends STOPPING=1 to indicate graceful shutdown has begun.
func Stopping() error {
	return send("STOPPING=1")
}

// Reloading sends RELOADING=1 to indicate config reload is in progress.
func Reloading() error {
	return send("RELOADING=1")
}

// Status updates the free-form status shown by systemctl status.
func Status(format string, args ...any) error {
	return send("STATUS=" + fmt.Sprintf(format, args...))
}

// WatchdogInterval returns half the watchdog timeout configured by
// systemd, or 0 if the watchdog is not enabled for this process.
func WatchdogInterval() time.Duration {
	usecStr := os.Getenv("WATCHDOG_USEC")
	if usecStr == "" {
		return 0
	}
	if pid := os.Getenv("WATCHDOG_PID"); pid != "" && pid != strconv.Itoa(os.Getpid()) {
		return 0
	}
	usec, err := strconv.ParseInt(usecStr, 10, 64)
	if err != nil || usec <= 0 {
		return 0
	}
	return time.Duration(usec) * time.Microsecond / 2
}

// Watchdog sends WATCHDOG=1 to reset the watchdog timer.
func Watchdog() error {
	return send("WATCHDOG=1")
}

// RunWatchdog pings the watchdog every interval until ctx is done. When
// healthy is not nil and returns an error, the ping is skipped so that
// systemd restarts a wedged process.
func RunWatchdog(ctx context.Context, interval time.Duration, healthy func() error, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if healthy != nil {
				if err := healthy(); err != nil {
					logger.Warn("sd_watchdog_skipped",
						"error", err,
						"component", "sdnotify",
					)
					continue
				}
			}
			if err := Watchdog(); err != nil {
				logger.Warn("sd_watchdog_failed",
					"error", err,
					"component", "sdnotify",
				)
			}
		}
	}
}

func withStatus(status string, states ...string) []string {
	if status != "" {
		states = append(states, "STATUS="+status)
	}
	return states
}

func send(states ...string) error {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return nil
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socketPath, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("sdnotify: dial %s: %w", socketPath, err)
	}
	defer conn.Close()

	msg := strings.Join(states, "\n")
	if _, err := conn.Write([]byte(msg)); err != nil {
		return fmt.Errorf("sdnotify: write %q: %w", msg, err)
	}
	return nil
}
