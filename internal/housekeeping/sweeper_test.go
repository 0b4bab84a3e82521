package housekeeping

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"condohub.io/internal/auth"
	"condohub.io/internal/obs"
	"condohub.io/internal/store/memory"
)

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	if _, err := NewSweeper(memory.New().Credentials(), "every tuesday", time.Hour); err == nil {
		t.Fatalf("expected schedule error")
	}
	if _, err := NewSweeper(nil, "@hourly", time.Hour); err == nil {
		t.Fatalf("expected missing store error")
	}
}

func TestSweeperNext(t *testing.T) {
	s, err := NewSweeper(memory.New().Credentials(), "@hourly", time.Hour)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	from := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	if got := s.Next(from); !got.Equal(time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("Next = %v", got)
	}
}

func TestRunOnceDeletesOnlyPastRetention(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := memory.New(memory.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	u := &auth.User{Email: "sweep@example.com", PasswordHash: "x", IsActive: true}
	if err := store.Users().Create(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	for hash, exp := range map[string]time.Time{
		"old":    now.Add(-48 * time.Hour),
		"recent": now.Add(-time.Hour),
		"live":   now.Add(time.Hour),
	} {
		if err := store.Credentials().Create(ctx, &auth.RefreshCredential{UserID: u.ID, TokenHash: hash, ExpiresAt: exp}); err != nil {
			t.Fatalf("create credential: %v", err)
		}
	}

	s, err := NewSweeper(store.Credentials(), "@hourly", 24*time.Hour)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	n, err := s.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
	if _, ok := store.Credential("old"); ok {
		t.Fatalf("expired credential past retention should be gone")
	}
	for _, hash := range []string{"recent", "live"} {
		if _, ok := store.Credential(hash); !ok {
			t.Fatalf("credential %s should remain", hash)
		}
	}
}

type brokenCreds struct{ auth.CredentialStore }

func (brokenCreds) DeleteExpired(context.Context, time.Duration) (int64, error) {
	return 0, errors.New("db down")
}

func TestRunOnceLogsFailure(t *testing.T) {
	var buf bytes.Buffer
	restore := obs.SetOutput(&buf)
	defer restore()

	s, err := NewSweeper(brokenCreds{}, "@hourly", time.Hour)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(buf.String(), "housekeeping: sweep failed") {
		t.Fatalf("failure not logged: %s", buf.String())
	}
}

func TestStartStop(t *testing.T) {
	s, err := NewSweeper(memory.New().Credentials(), "@every 1h", time.Hour)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
