package ingest

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/coder/quartz"
)

const limiterShards = 16

// LimiterConfig tunes the per-device rate limiter and circuit breaker.
type LimiterConfig struct {
	// Limit is the number of ordinary events a device may send per window.
	Limit int
	// Window is the counting window.
	Window time.Duration
	// ViolationThreshold is the number of over-limit windows after which the
	// device's circuit breaker opens.
	ViolationThreshold int
	// Cooldown is how long an open circuit breaker rejects ordinary events,
	// independent of the per-window counter.
	Cooldown time.Duration
}

// Decision is the outcome of a limiter check for one event.
type Decision struct {
	OK          bool
	CircuitOpen bool
	RetryAfter  time.Duration
}

type deviceRate struct {
	windowStart time.Time
	count       int
	prevCount   int
	violated    bool
	violations  int
	openUntil   time.Time
	lastTouched time.Time
}

type limiterShard struct {
	mu      sync.Mutex
	devices map[string]*deviceRate
}

// Limiter tracks per-device event rates in a sharded map so concurrent
// batches from different devices do not contend on a global lock. Stale
// entries are evicted on a schedule rather than probabilistically on
// request.
type Limiter struct {
	cfg    LimiterConfig
	clock  quartz.Clock
	shards [limiterShards]limiterShard
}

func NewLimiter(cfg LimiterConfig, clock quartz.Clock) *Limiter {
	l := &Limiter{cfg: cfg, clock: clock}
	for i := range l.shards {
		l.shards[i].devices = make(map[string]*deviceRate)
	}
	return l
}

// Allow counts one ordinary event for the device and decides whether it may
// be processed. The rate is a sliding estimate over the last full window:
// the previous window's count decays linearly as the current one fills, so a
// burst straddling a window boundary cannot exceed the cap twice over.
// Priority events must not be passed through here.
func (l *Limiter) Allow(deviceID string) Decision {
	now := l.clock.Now()
	shard := l.shard(deviceID)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	state, ok := shard.devices[deviceID]
	if !ok {
		state = &deviceRate{windowStart: now}
		shard.devices[deviceID] = state
	}
	state.lastTouched = now

	if now.Before(state.openUntil) {
		return Decision{CircuitOpen: true, RetryAfter: state.openUntil.Sub(now)}
	}

	elapsed := now.Sub(state.windowStart)
	switch {
	case elapsed >= 2*l.cfg.Window:
		// Quiet for a full window or more: nothing left to carry over.
		state.windowStart = now
		state.count = 0
		state.prevCount = 0
		state.violated = false
		elapsed = 0
	case elapsed >= l.cfg.Window:
		state.windowStart = state.windowStart.Add(l.cfg.Window)
		state.prevCount = state.count
		state.count = 0
		state.violated = false
		elapsed = now.Sub(state.windowStart)
	}

	state.count++
	carried := float64(state.prevCount) * (1 - float64(elapsed)/float64(l.cfg.Window))
	if int(carried)+state.count <= l.cfg.Limit {
		return Decision{OK: true}
	}

	// Count one violation per over-limit window, not per rejected event.
	if !state.violated {
		state.violated = true
		state.violations++
		if state.violations >= l.cfg.ViolationThreshold {
			state.openUntil = now.Add(l.cfg.Cooldown)
			state.violations = 0
			return Decision{CircuitOpen: true, RetryAfter: l.cfg.Cooldown}
		}
	}

	return Decision{RetryAfter: l.cfg.Window - elapsed}
}

// Start launches the scheduled eviction loop. It runs until ctx is
// canceled.
func (l *Limiter) Start(ctx context.Context) {
	l.clock.TickerFunc(ctx, l.cfg.Window, func() error {
		l.evict()
		return nil
	}, "limiter_evict")
}

// evict drops devices that have been quiet long enough that neither their
// window counter nor their breaker state matters anymore.
func (l *Limiter) evict() {
	cutoff := l.clock.Now().Add(-(l.cfg.Window + l.cfg.Cooldown))
	for i := range l.shards {
		shard := &l.shards[i]
		shard.mu.Lock()
		for id, state := range shard.devices {
			if state.lastTouched.Before(cutoff) && state.openUntil.Before(l.clock.Now()) {
				delete(shard.devices, id)
			}
		}
		shard.mu.Unlock()
	}
}

func (l *Limiter) shard(deviceID string) *limiterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return &l.shards[h.Sum32()%limiterShards]
}
