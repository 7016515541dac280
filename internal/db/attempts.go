package db

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/itsChris/guessguard/internal/attempt"
)

// InsertAttempts stores attempts in one transaction. An attempt whose
// UniqueKey is already journaled replaces the stored row.
func (d *DB) InsertAttempts(ctx context.Context, attempts []attempt.LoginAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	return d.WithTx(ctx, func(tx *Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO login_attempts (unique_key, address, account, api, outcome, attempted_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(unique_key) DO UPDATE SET
				address = excluded.address,
				account = excluded.account,
				api = excluded.api,
				outcome = excluded.outcome,
				attempted_at = excluded.attempted_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, a := range attempts {
			if _, err := stmt.ExecContext(ctx,
				a.UniqueKey, a.Address.String(), a.UsernameOrAccountID, a.API,
				a.Outcome.String(), a.TimeOfAttempt.UnixMilli(),
			); err != nil {
				return fmt.Errorf("db: insert attempt %s: %w", a.UniqueKey, err)
			}
		}
		return nil
	})
}

// UpdateOutcomes rewrites the outcome of journaled failures and returns
// the number of rows changed. Unknown keys and stored successes are left
// alone, matching the in-memory ledger.
func (d *DB) UpdateOutcomes(ctx context.Context, changed []attempt.LoginAttempt) (int64, error) {
	if len(changed) == 0 {
		return 0, nil
	}
	var total int64
	err := d.WithTx(ctx, func(tx *Tx) error {
		for _, c := range changed {
			res, err := tx.ExecContext(ctx,
				"UPDATE login_attempts SET outcome = ? WHERE unique_key = ? AND outcome NOT IN (?, ?)",
				c.Outcome.String(), c.UniqueKey,
				attempt.CredentialsValid.String(), attempt.CredentialsValidButBlocked.String(),
			)
			if err != nil {
				return fmt.Errorf("db: update outcome %s: %w", c.UniqueKey, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("db: update outcome rows affected: %w", err)
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// AttemptsSince returns attempts made at or after since, oldest first.
func (d *DB) AttemptsSince(ctx context.Context, since time.Time) ([]attempt.LoginAttempt, error) {
	rows, err := d.QueryContext(ctx, `
		SELECT unique_key, address, account, api, outcome, attempted_at
		FROM login_attempts
		WHERE attempted_at >= ?
		ORDER BY attempted_at, rowid`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("db: list attempts since %s: %w", since.Format(time.RFC3339), err)
	}
	defer rows.Close()

	var attempts []attempt.LoginAttempt
	for rows.Next() {
		var (
			a               attempt.LoginAttempt
			addr, outcome   string
			attemptedMillis int64
		)
		if err := rows.Scan(&a.UniqueKey, &addr, &a.UsernameOrAccountID, &a.API, &outcome, &attemptedMillis); err != nil {
			return nil, fmt.Errorf("db: scan attempt: %w", err)
		}
		if a.Address, err = netip.ParseAddr(addr); err != nil {
			return nil, fmt.Errorf("db: attempt %s address: %w", a.UniqueKey, err)
		}
		if a.Outcome, err = attempt.ParseOutcome(outcome); err != nil {
			return nil, fmt.Errorf("db: attempt %s: %w", a.UniqueKey, err)
		}
		a.TimeOfAttempt = time.UnixMilli(attemptedMillis)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// CompactAttempts deletes attempts made before the cutoff and returns the
// number of rows deleted.
func (d *DB) CompactAttempts(ctx context.Context, before time.Time) (int64, error) {
	result, err := d.ExecContext(ctx,
		"DELETE FROM login_attempts WHERE attempted_at < ?",
		before.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("db: compact attempts: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db: compact attempts rows affected: %w", err)
	}
	return n, nil
}

// CountAttempts returns the number of journaled attempts.
func (d *DB) CountAttempts(ctx context.Context) (int64, error) {
	var n int64
	if err := d.QueryRowContext(ctx, "SELECT COUNT(*) FROM login_attempts").Scan(&n); err != nil {
		return 0, fmt.Errorf("db: count attempts: %w", err)
	}
	return n, nil
}
