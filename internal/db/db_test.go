package db

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/itsChris/guessguard/internal/attempt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testDB creates an in-memory SQLite database with migrations applied.
func testDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()

	d, err := New(ctx, ":memory:", logger, true)
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	if err := Migrate(ctx, d, logger); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func testAttempt(key string, at time.Time, outcome attempt.Outcome) attempt.LoginAttempt {
	return attempt.LoginAttempt{
		UniqueKey:           key,
		UsernameOrAccountID: "alice",
		Address:             netip.MustParseAddr("192.0.2.44"),
		API:                 "web",
		TimeOfAttempt:       at,
		Outcome:             outcome,
	}
}

func TestMigration_Idempotent(t *testing.T) {
	ctx := context.Background()
	logger := testLogger()

	d, err := New(ctx, ":memory:", logger, false)
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	defer d.Close()

	if err := Migrate(ctx, d, logger); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}
	if err := Migrate(ctx, d, logger); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

func TestMigration_TablesExist(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	for _, table := range []string{"login_attempts", "journal_meta", "_migrations"} {
		var name string
		err := d.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestDB_WALMode(t *testing.T) {
	// In-memory SQLite reports "memory"; WAL needs a file.
	ctx := context.Background()
	d, err := New(ctx, t.TempDir()+"/journal.db", testLogger(), false)
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	defer d.Close()

	var mode string
	if err := d.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("failed to check journal mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected WAL mode, got %q", mode)
	}
}

func TestDB_WithTxRollsBackOnError(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	sentinel := errors.New("abort")
	err := d.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO journal_meta (key, value) VALUES (?, ?)", "k", "v"); err != nil {
			t.Fatalf("tx exec: %v", err)
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	if _, ok, err := d.Meta(ctx, "k"); err != nil || ok {
		t.Fatalf("expected key absent after rollback, ok=%v err=%v", ok, err)
	}
}

func TestDB_WithTxCommits(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	err := d.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO journal_meta (key, value) VALUES (?, ?)", "k", "v")
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	v, ok, err := d.Meta(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("expected committed value, got %q ok=%v err=%v", v, ok, err)
	}
}

func TestUpSection(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"no markers", "SELECT 1;", "SELECT 1;"},
		{"up only", "-- +goose Up\nSELECT 1;\n", "SELECT 1;"},
		{"up and down", "-- +goose Up\nSELECT 1;\n-- +goose Down\nSELECT 2;\n", "SELECT 1;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := upSection(tt.in); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
