package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxLimiterEntries = 10000
	defaultLimiterIdleTTL    = 30 * time.Minute
	defaultLimiterSweep      = 5 * time.Minute
)

// RateLimitConfig configures a RateLimiter.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per identifier.
	RequestsPerSecond float64

	// Burst is the bucket size per identifier.
	Burst int

	// MaxEntries caps the number of tracked identifiers; the least recently
	// used one is evicted when full. Default 10000.
	MaxEntries int

	// IdleTTL drops identifiers not seen for this long. Default 30m.
	IdleTTL time.Duration

	Logger *slog.Logger
}

type limiterEntry struct {
	key      string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a token bucket per identifier (client IP or client ID)
// with LRU eviction.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List

	limit      rate.Limit
	burst      int
	maxEntries int
	idleTTL    time.Duration
	logger     *slog.Logger

	evictions int64
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewRateLimiter starts a limiter and its background sweep. Call Stop when done.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxLimiterEntries
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultLimiterIdleTTL
	}

	rl := &RateLimiter{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		limit:      rate.Limit(cfg.RequestsPerSecond),
		burst:      cfg.Burst,
		maxEntries: cfg.MaxEntries,
		idleTTL:    cfg.IdleTTL,
		logger:     cfg.Logger,
		stop:       make(chan struct{}),
	}

	go rl.sweepLoop(defaultLimiterSweep)

	return rl
}

// Allow consumes one token for key and reports whether the request may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.entries[key]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastSeen = now
		return entry.limiter.AllowN(now, 1)
	}

	if len(rl.entries) >= rl.maxEntries {
		rl.evictOldest()
	}

	entry := &limiterEntry{
		key:      key,
		limiter:  rate.NewLimiter(rl.limit, rl.burst),
		lastSeen: now,
	}
	rl.entries[key] = rl.lru.PushFront(entry)

	return entry.limiter.AllowN(now, 1)
}

// must hold rl.mu
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := rl.lru.Remove(elem).(*limiterEntry)
	delete(rl.entries, entry.key)
	rl.evictions++

	rl.logger.Debug("Rate limiter evicted identifier",
		"total_evictions", rl.evictions,
		"current_entries", len(rl.entries))
}

func (rl *RateLimiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Sweep(time.Now())
		case <-rl.stop:
			return
		}
	}
}

// Sweep drops identifiers idle since before now minus IdleTTL. It returns
// the number removed.
func (rl *RateLimiter) Sweep(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	// LRU order: stop at the first entry that is still fresh.
	for elem := rl.lru.Back(); elem != nil; {
		entry := elem.Value.(*limiterEntry)
		if now.Sub(entry.lastSeen) <= rl.idleTTL {
			break
		}
		prev := elem.Prev()
		rl.lru.Remove(elem)
		delete(rl.entries, entry.key)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter sweep completed",
			"removed", removed,
			"remaining", len(rl.entries))
	}
	return removed
}

// Len returns the number of tracked identifiers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Stop ends the background sweep. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
