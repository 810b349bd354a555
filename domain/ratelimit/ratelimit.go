// Package ratelimit enforces per-trading-account request budgets: five
// sliding-window buckets (orders/sec, orders/min, api/sec, quote/sec,
// historical/sec) plus a daily order quota that resets at a fixed wall-clock
// time in Asia/Kolkata (spec.md §4.2).
package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Bucket names one of the sliding-window limits this service enforces.
type Bucket string

const (
	BucketOrdersPerSecond  Bucket = "orders_per_second"
	BucketOrdersPerMinute  Bucket = "orders_per_minute"
	BucketAPIPerSecond     Bucket = "api_per_second"
	BucketQuotePerSecond   Bucket = "quote_per_second"
	BucketHistoricalPerSec Bucket = "historical_per_second"
)

// Limit is the (count, window) budget for a bucket.
type Limit struct {
	Count  int
	Window time.Duration
}

// DefaultLimits are the budgets from spec.md §4.2.
var DefaultLimits = map[Bucket]Limit{
	BucketOrdersPerSecond:  {Count: 10, Window: time.Second},
	BucketOrdersPerMinute:  {Count: 200, Window: time.Minute},
	BucketAPIPerSecond:     {Count: 10, Window: time.Second},
	BucketQuotePerSecond:   {Count: 1, Window: time.Second},
	BucketHistoricalPerSec: {Count: 3, Window: time.Second},
}

// window is a true sliding window: a deque of the timestamps of admitted
// requests within the last Limit.Window, trimmed lazily on every check.
type window struct {
	mu     sync.Mutex
	times  *list.List
	limit  Limit
}

func newWindow(limit Limit) *window {
	return &window{times: list.New(), limit: limit}
}

// allow evicts timestamps older than the window, then admits the request if
// doing so keeps the count at or under the limit.
func (w *window) allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.limit.Window)
	for e := w.times.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).Before(cutoff) {
			w.times.Remove(e)
		} else {
			break
		}
		e = next
	}

	if w.times.Len() >= w.limit.Count {
		return false
	}
	w.times.PushBack(now)
	return true
}

// nextAvailable returns when the window will next admit a request, given
// its oldest currently-tracked timestamp. Called only when allow just
// returned false, so w.times is known non-empty.
func (w *window) nextAvailable() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	front := w.times.Front()
	if front == nil {
		return time.Now()
	}
	return front.Value.(time.Time).Add(w.limit.Window)
}

// accountLimiters holds the five sliding windows for one trading account.
type accountLimiters struct {
	mu      sync.Mutex
	windows map[Bucket]*window
}

func newAccountLimiters(limits map[Bucket]Limit) *accountLimiters {
	al := &accountLimiters{windows: make(map[Bucket]*window, len(limits))}
	for b, l := range limits {
		al.windows[b] = newWindow(l)
	}
	return al
}

// Manager is the per-process rate limiter. Sliding windows are kept
// in-memory only (spec.md §4.2 — they protect this process's own
// concurrency, not a multi-instance budget), bounded by an LRU so a long
// tail of inactive accounts doesn't grow memory without bound. The daily
// quota, by contrast, must be shared across instances and is Redis-backed
// with an in-memory fallback for degraded mode.
type Manager struct {
	limits map[Bucket]Limit
	lru    *lru.Cache[string, *accountLimiters]

	redis            RedisQuotaStore
	dailyLimit       int
	resetHour        int
	resetMinute      int
	resetLocation    *time.Location
	fallbackMu       sync.Mutex
	fallbackCounters map[string]*dailyCounter
}

// RedisQuotaStore is the subset of go-redis used for the daily quota
// counter, narrowed to keep this package independent of the redis client
// type for testing.
type RedisQuotaStore interface {
	IncrQuota(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

type dailyCounter struct {
	count     int64
	resetsAt  time.Time
}

// NewManager builds a Manager. accountCacheSize bounds the number of
// accounts with live sliding-window state kept in memory; redis may be nil,
// in which case the daily quota runs in degraded (in-memory) mode.
func NewManager(limits map[Bucket]Limit, accountCacheSize int, dailyLimit int, redis RedisQuotaStore) *Manager {
	if limits == nil {
		limits = DefaultLimits
	}
	if accountCacheSize <= 0 {
		accountCacheSize = 1000
	}
	if dailyLimit <= 0 {
		dailyLimit = 3000
	}
	c, _ := lru.New[string, *accountLimiters](accountCacheSize)
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+1800)
	}
	return &Manager{
		limits:           limits,
		lru:              c,
		redis:            redis,
		dailyLimit:       dailyLimit,
		resetHour:        15,
		resetMinute:      30,
		resetLocation:    loc,
		fallbackCounters: make(map[string]*dailyCounter),
	}
}

func (m *Manager) limitersFor(accountID string) *accountLimiters {
	if al, ok := m.lru.Get(accountID); ok {
		return al
	}
	al := newAccountLimiters(m.limits)
	m.lru.Add(accountID, al)
	return al
}

// Allow checks the sliding window for (accountID, bucket) and admits the
// request if it is within budget. It does not consult the daily quota —
// callers placing orders must also call AllowDaily.
func (m *Manager) Allow(accountID string, bucket Bucket) bool {
	al := m.limitersFor(accountID)
	al.mu.Lock()
	w, ok := al.windows[bucket]
	al.mu.Unlock()
	if !ok {
		return true
	}
	return w.allow(time.Now())
}

// Wait blocks until (accountID, bucket) admits a request or ctx is
// cancelled, per spec.md §4.2's wait-when-not-admissible semantics — for
// callers that would rather queue briefly than fail a request outright.
// Nothing in the service calls it at present: the order engine's Place
// uses Allow, and PlaceBatch does not consult the limiter.
func (m *Manager) Wait(ctx context.Context, accountID string, bucket Bucket) error {
	al := m.limitersFor(accountID)
	al.mu.Lock()
	w, ok := al.windows[bucket]
	al.mu.Unlock()
	if !ok {
		return nil
	}

	for {
		if w.allow(time.Now()) {
			return nil
		}
		wait := time.Until(w.nextAvailable())
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// nextReset returns the next occurrence of the configured reset
// wall-clock time strictly after now, in the configured location.
func (m *Manager) nextReset(now time.Time) time.Time {
	local := now.In(m.resetLocation)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), m.resetHour, m.resetMinute, 0, 0, m.resetLocation)
	if !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// AllowDaily increments and checks the account's daily order quota, which
// resets at the configured Asia/Kolkata wall-clock boundary. Returns
// (allowed, resetAt).
func (m *Manager) AllowDaily(ctx context.Context, accountID string) (bool, time.Time, error) {
	now := time.Now()
	resetAt := m.nextReset(now)

	if m.redis != nil {
		key := "quota:daily:" + accountID + ":" + resetAt.Format("2006-01-02T15:04")
		ttl := resetAt.Sub(now) + time.Minute
		count, err := m.redis.IncrQuota(ctx, key, ttl)
		if err != nil {
			return m.allowDailyFallback(accountID, now, resetAt)
		}
		return count <= int64(m.dailyLimit), resetAt, nil
	}
	return m.allowDailyFallback(accountID, now, resetAt)
}

func (m *Manager) allowDailyFallback(accountID string, now, resetAt time.Time) (bool, time.Time, error) {
	m.fallbackMu.Lock()
	defer m.fallbackMu.Unlock()

	dc, ok := m.fallbackCounters[accountID]
	if !ok || !dc.resetsAt.Equal(resetAt) {
		dc = &dailyCounter{resetsAt: resetAt}
		m.fallbackCounters[accountID] = dc
	}
	dc.count++
	return dc.count <= int64(m.dailyLimit), resetAt, nil
}

// redisQuotaAdapter adapts infrastructure/cache.IncrWithExpiry (which takes
// a concrete *redis.Client) to the RedisQuotaStore interface so this
// package never imports go-redis directly.
type redisQuotaAdapter struct {
	incr func(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

func (a redisQuotaAdapter) IncrQuota(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return a.incr(ctx, key, ttl)
}

// NewRedisQuotaStore wraps a *redis.Client (via the cache package's
// IncrWithExpiry helper) as a RedisQuotaStore.
func NewRedisQuotaStore(incr func(ctx context.Context, key string, ttl time.Duration) (int64, error)) RedisQuotaStore {
	return redisQuotaAdapter{incr: incr}
}
