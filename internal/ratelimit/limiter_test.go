package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func setupTestDB(t *testing.T) *bolt.DB {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestLimiter(t *testing.T, db *bolt.DB, channels map[string]LimitConfig) (*Limiter, *time.Time) {
	t.Helper()

	limiter, err := NewLimiter(db, &Config{
		Channels:      channels,
		FlushInterval: time.Hour, // Don't flush during test
	})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	t.Cleanup(func() { limiter.Stop() })

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	return limiter, &now
}

func TestNewLimiterDefaultConfig(t *testing.T) {
	db := setupTestDB(t)

	limiter, err := NewLimiter(db, nil)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	if limiter.config.FlushInterval != 10*time.Second {
		t.Errorf("expected default FlushInterval=10s, got %v", limiter.config.FlushInterval)
	}
}

func TestAllowHourlyLimit(t *testing.T) {
	limiter, now := newTestLimiter(t, setupTestDB(t), map[string]LimitConfig{
		"email": {PerHour: 3, PerDay: 10},
	})
	ctx := context.Background()
	req := Request{OwnerID: "u1", Channel: "email"}

	for i := 0; i < 3; i++ {
		result, err := limiter.Allow(ctx, req)
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !result.Allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	*now = now.Add(20 * time.Minute)
	result, _ := limiter.Allow(ctx, req)
	if result.Allowed {
		t.Fatal("request 4 should be denied")
	}
	if result.DeniedKey != "email:u1" {
		t.Errorf("DeniedKey = %q", result.DeniedKey)
	}
	if result.RetryAfter != 40*time.Minute {
		t.Errorf("RetryAfter = %v, want 40m", result.RetryAfter)
	}

	// Window rolls over
	*now = now.Add(41 * time.Minute)
	result, _ = limiter.Allow(ctx, req)
	if !result.Allowed {
		t.Error("request after the hour should be allowed")
	}
}

func TestAllowDailyLimit(t *testing.T) {
	limiter, now := newTestLimiter(t, setupTestDB(t), map[string]LimitConfig{
		"sms": {PerDay: 2},
	})
	ctx := context.Background()
	req := Request{OwnerID: "u1", Channel: "sms"}

	limiter.Allow(ctx, req)
	*now = now.Add(2 * time.Hour)
	limiter.Allow(ctx, req)

	result, _ := limiter.Allow(ctx, req)
	if result.Allowed {
		t.Fatal("third sms of the day should be denied")
	}
	if result.RetryAfter != 22*time.Hour {
		t.Errorf("RetryAfter = %v, want 22h", result.RetryAfter)
	}
}

func TestAllowIsolation(t *testing.T) {
	limiter, _ := newTestLimiter(t, setupTestDB(t), map[string]LimitConfig{
		"email": {PerHour: 1},
	})
	ctx := context.Background()

	if r, _ := limiter.Allow(ctx, Request{OwnerID: "u1", Channel: "email"}); !r.Allowed {
		t.Fatal("first email of u1 should be allowed")
	}
	if r, _ := limiter.Allow(ctx, Request{OwnerID: "u1", Channel: "email"}); r.Allowed {
		t.Error("second email of u1 should be denied")
	}
	if r, _ := limiter.Allow(ctx, Request{OwnerID: "u2", Channel: "email"}); !r.Allowed {
		t.Error("u2 has its own counter")
	}
	for i := 0; i < 5; i++ {
		if r, _ := limiter.Allow(ctx, Request{OwnerID: "u1", Channel: "call"}); !r.Allowed {
			t.Error("calls are unlimited")
		}
	}
}

func TestCheckDoesNotCount(t *testing.T) {
	limiter, _ := newTestLimiter(t, setupTestDB(t), map[string]LimitConfig{
		"email": {PerHour: 1},
	})
	ctx := context.Background()
	req := Request{OwnerID: "u1", Channel: "email"}

	for i := 0; i < 3; i++ {
		if r, _ := limiter.Check(ctx, req); !r.Allowed {
			t.Fatal("Check should not consume the limit")
		}
	}
	limiter.Allow(ctx, req)
	if r, _ := limiter.Check(ctx, req); r.Allowed {
		t.Error("Check should report the exhausted limit")
	}
}

func TestGetStats(t *testing.T) {
	limiter, now := newTestLimiter(t, setupTestDB(t), map[string]LimitConfig{
		"email": {PerHour: 10, PerDay: 100},
	})
	ctx := context.Background()
	req := Request{OwnerID: "u1", Channel: "email"}

	for i := 0; i < 4; i++ {
		limiter.Allow(ctx, req)
	}

	stats, err := limiter.GetStats(ctx, "u1", "email")
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.HourlyCount != 4 || stats.DailyCount != 4 || stats.Limit.PerHour != 10 {
		t.Errorf("stats = %+v", stats)
	}

	*now = now.Add(2 * time.Hour)
	stats, _ = limiter.GetStats(ctx, "u1", "email")
	if stats.HourlyCount != 0 || stats.DailyCount != 4 {
		t.Errorf("stats after 2h = %+v", stats)
	}
}

func TestPersistence(t *testing.T) {
	db := setupTestDB(t)
	channels := map[string]LimitConfig{"email": {PerHour: 2}}
	ctx := context.Background()
	req := Request{OwnerID: "u1", Channel: "email"}

	first, err := NewLimiter(db, &Config{Channels: channels, FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	first.Allow(ctx, req)
	first.Allow(ctx, req)
	if err := first.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	second, err := NewLimiter(db, &Config{Channels: channels, FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer second.Stop()

	if r, _ := second.Allow(ctx, req); r.Allowed {
		t.Error("counters should survive a restart")
	}
}
