// Package ratelimit caps how many steps an owner may dispatch per channel per
// hour and per day. Counters live in memory and are flushed to BoltDB so caps
// survive restarts.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRateLimits = []byte("rate_limits")

// Config contains rate limit configuration
type Config struct {
	// Per-owner caps keyed by channel (email, sms, call). Channels without
	// an entry are unlimited.
	Channels map[string]LimitConfig `yaml:"channels,omitempty"`

	// Persistence settings
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// LimitConfig contains rate limit values
type LimitConfig struct {
	PerHour int `yaml:"per_hour" json:"perHour"`
	PerDay  int `yaml:"per_day" json:"perDay"`
}

// Counter tracks rate limit counters
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Limiter implements per-owner per-channel rate limiting
type Limiter struct {
	db       *bolt.DB
	config   *Config
	counters map[string]*Counter // channel:owner -> counter
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewLimiter creates a new rate limiter
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		counters: make(map[string]*Counter),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}

	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	go l.persistLoop()

	return l, nil
}

// Request identifies whose dispatch is being counted
type Request struct {
	OwnerID string
	Channel string
}

// Result contains the rate limit check result
type Result struct {
	Allowed    bool
	DeniedKey  string
	RetryAfter time.Duration
}

// Stats contains rate limit statistics of one owner and channel
type Stats struct {
	OwnerID     string      `json:"userId"`
	Channel     string      `json:"channel"`
	HourlyCount int         `json:"hourlyCount"`
	DailyCount  int         `json:"dailyCount"`
	Limit       LimitConfig `json:"limit"`
	HourStart   time.Time   `json:"hourStart"`
	DayStart    time.Time   `json:"dayStart"`
}

// Allow checks if the dispatch is allowed and increments counters
func (l *Limiter) Allow(ctx context.Context, req Request) (*Result, error) {
	limit, ok := l.config.Channels[req.Channel]
	if !ok || req.OwnerID == "" {
		return &Result{Allowed: true}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := makeKey(req.Channel, req.OwnerID)

	counter := l.getOrCreateCounter(key, now)
	resetExpiredCounters(counter, now)

	if denied := evaluate(counter.HourlyCount, counter.DailyCount, counter, limit, now); denied != nil {
		denied.DeniedKey = key
		return denied, nil
	}

	counter.HourlyCount++
	counter.DailyCount++

	return &Result{Allowed: true}, nil
}

// Check reports whether the dispatch would be allowed without counting it
func (l *Limiter) Check(ctx context.Context, req Request) (*Result, error) {
	limit, ok := l.config.Channels[req.Channel]
	if !ok || req.OwnerID == "" {
		return &Result{Allowed: true}, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	key := makeKey(req.Channel, req.OwnerID)

	counter, exists := l.counters[key]
	if !exists {
		return &Result{Allowed: true}, nil
	}

	hourlyCount, dailyCount := counter.HourlyCount, counter.DailyCount
	if now.Sub(counter.HourStart) >= time.Hour {
		hourlyCount = 0
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		dailyCount = 0
	}

	if denied := evaluate(hourlyCount, dailyCount, counter, limit, now); denied != nil {
		denied.DeniedKey = key
		return denied, nil
	}
	return &Result{Allowed: true}, nil
}

func evaluate(hourly, daily int, counter *Counter, limit LimitConfig, now time.Time) *Result {
	if limit.PerHour > 0 && hourly >= limit.PerHour {
		return &Result{RetryAfter: counter.HourStart.Add(time.Hour).Sub(now)}
	}
	if limit.PerDay > 0 && daily >= limit.PerDay {
		return &Result{RetryAfter: counter.DayStart.Add(24 * time.Hour).Sub(now)}
	}
	return nil
}

// GetStats returns the current counters of an owner on a channel
func (l *Limiter) GetStats(ctx context.Context, ownerID, channel string) (*Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := &Stats{
		OwnerID: ownerID,
		Channel: channel,
		Limit:   l.config.Channels[channel],
	}

	counter, exists := l.counters[makeKey(channel, ownerID)]
	if !exists {
		return stats, nil
	}

	now := l.now()
	stats.HourlyCount = counter.HourlyCount
	stats.DailyCount = counter.DailyCount
	stats.HourStart = counter.HourStart
	stats.DayStart = counter.DayStart

	if now.Sub(counter.HourStart) >= time.Hour {
		stats.HourlyCount = 0
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		stats.DailyCount = 0
	}

	return stats, nil
}

// Stop stops the rate limiter and persists counters
func (l *Limiter) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	return l.persistCounters()
}

func (l *Limiter) getOrCreateCounter(key string, now time.Time) *Counter {
	counter, exists := l.counters[key]
	if !exists {
		counter = &Counter{
			HourStart: now,
			DayStart:  now,
		}
		l.counters[key] = counter
	}
	return counter
}

func resetExpiredCounters(counter *Counter, now time.Time) {
	if now.Sub(counter.HourStart) >= time.Hour {
		counter.HourlyCount = 0
		counter.HourStart = now
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		counter.DailyCount = 0
		counter.DayStart = now
	}
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var counter Counter
			if err := json.Unmarshal(v, &counter); err != nil {
				return nil // Skip invalid entries
			}
			l.counters[string(k)] = &counter
			return nil
		})
	})
}

func (l *Limiter) persistCounters() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}

		for key, counter := range l.counters {
			data, err := json.Marshal(counter)
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistCounters()
		}
	}
}

func makeKey(channel, ownerID string) string {
	return channel + ":" + ownerID
}
