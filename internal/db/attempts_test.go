package db

import (
	"context"
	"testing"
	"time"

	"github.com/itsChris/guessguard/internal/attempt"
)

func TestAttempts_InsertAndListSince(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	err := d.InsertAttempts(ctx, []attempt.LoginAttempt{
		testAttempt("old", now.Add(-2*time.Hour), attempt.CredentialsInvalidIncorrectPassword),
		testAttempt("k1", now.Add(-time.Minute), attempt.CredentialsValid),
		testAttempt("k2", now, attempt.Undetermined),
	})
	if err != nil {
		t.Fatalf("InsertAttempts: %v", err)
	}

	got, err := d.AttemptsSince(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("AttemptsSince: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(got))
	}
	if got[0].UniqueKey != "k1" || got[1].UniqueKey != "k2" {
		t.Fatalf("expected oldest first [k1 k2], got [%s %s]", got[0].UniqueKey, got[1].UniqueKey)
	}
	if got[0].Outcome != attempt.CredentialsValid {
		t.Errorf("expected outcome credentials_valid, got %s", got[0].Outcome)
	}
	if got[0].Address.String() != "192.0.2.44" || got[0].API != "web" || got[0].UsernameOrAccountID != "alice" {
		t.Errorf("unexpected fields %+v", got[0])
	}
	if !got[1].TimeOfAttempt.Equal(now) {
		t.Errorf("expected time %v, got %v", now, got[1].TimeOfAttempt)
	}
}

func TestAttempts_InsertReplacesSameKey(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	now := time.Now()

	if err := d.InsertAttempts(ctx, []attempt.LoginAttempt{testAttempt("k1", now, attempt.Undetermined)}); err != nil {
		t.Fatalf("InsertAttempts: %v", err)
	}
	if err := d.InsertAttempts(ctx, []attempt.LoginAttempt{testAttempt("k1", now, attempt.CredentialsValid)}); err != nil {
		t.Fatalf("InsertAttempts: %v", err)
	}

	n, err := d.CountAttempts(ctx)
	if err != nil {
		t.Fatalf("CountAttempts: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
}

func TestAttempts_UpdateOutcomes(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	now := time.Now()

	if err := d.InsertAttempts(ctx, []attempt.LoginAttempt{
		testAttempt("f1", now, attempt.Undetermined),
		testAttempt("f2", now, attempt.Undetermined),
		testAttempt("s1", now, attempt.CredentialsValid),
	}); err != nil {
		t.Fatalf("InsertAttempts: %v", err)
	}

	n, err := d.UpdateOutcomes(ctx, []attempt.LoginAttempt{
		testAttempt("f2", now, attempt.CredentialsInvalidNoSuchAccount),
		testAttempt("s1", now, attempt.CredentialsInvalidIncorrectPassword),
		testAttempt("missing", now, attempt.CredentialsValid),
	})
	if err != nil {
		t.Fatalf("UpdateOutcomes: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row updated, got %d", n)
	}

	got, err := d.AttemptsSince(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("AttemptsSince: %v", err)
	}
	for _, a := range got {
		want := attempt.Undetermined
		switch a.UniqueKey {
		case "f2":
			want = attempt.CredentialsInvalidNoSuchAccount
		case "s1":
			want = attempt.CredentialsValid
		}
		if a.Outcome != want {
			t.Errorf("%s: expected %s, got %s", a.UniqueKey, want, a.Outcome)
		}
	}
}

func TestAttempts_Compact(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	now := time.Now()

	var batch []attempt.LoginAttempt
	for i, age := range []time.Duration{48 * time.Hour, 30 * time.Hour, time.Hour, 0} {
		batch = append(batch, testAttempt(string(rune('a'+i)), now.Add(-age), attempt.Undetermined))
	}
	if err := d.InsertAttempts(ctx, batch); err != nil {
		t.Fatalf("InsertAttempts: %v", err)
	}

	deleted, err := d.CompactAttempts(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("CompactAttempts: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}
	n, _ := d.CountAttempts(ctx)
	if n != 2 {
		t.Fatalf("expected 2 remaining, got %d", n)
	}
}

func TestMeta_OrInit(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	calls := 0
	initial := func() (string, error) {
		calls++
		return "secret", nil
	}

	v, err := d.MetaOrInit(ctx, MetaLogHashKey, initial)
	if err != nil {
		t.Fatalf("MetaOrInit: %v", err)
	}
	if v != "secret" {
		t.Fatalf("expected %q, got %q", "secret", v)
	}

	v, err = d.MetaOrInit(ctx, MetaLogHashKey, initial)
	if err != nil {
		t.Fatalf("MetaOrInit: %v", err)
	}
	if v != "secret" || calls != 1 {
		t.Fatalf("expected stored value reused, got %q after %d calls", v, calls)
	}
}
