package security

import (
	"math"
	"sync"
	"time"
)

// bucket is a token bucket. Callers synchronize.
type bucket struct {
	tokens float64
	seen   time.Time
}

func (b *bucket) take(now time.Time, rate float64, burst int) bool {
	b.tokens = math.Min(float64(burst), b.tokens+now.Sub(b.seen).Seconds()*rate)
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RateLimiter is a single token bucket refilled at rate per second up to
// burst.
type RateLimiter struct {
	mu    sync.Mutex
	b     bucket
	rate  float64
	burst int
	now   func() time.Time
}

// newRateLimiter returns a full bucket reading time from now.
func newRateLimiter(rate float64, burst int, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		b:     bucket{tokens: float64(burst), seen: now()},
		rate:  rate,
		burst: burst,
		now:   now,
	}
}

// Allow reports whether one operation may proceed now.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.b.take(r.now(), r.rate, r.burst)
}

// KeyedRateLimiter keeps one token bucket per key (client address, token).
type KeyedRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64
	burst   int
	idle    time.Duration
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewKeyedRateLimiter creates a per-key limiter. Buckets idle for longer
// than idle are evicted by a background sweep until Stop is called.
func NewKeyedRateLimiter(rate float64, burst int, idle time.Duration) *KeyedRateLimiter {
	kl := &KeyedRateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   burst,
		idle:    idle,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if idle > 0 {
		go kl.sweepEvery(idle)
	}
	return kl
}

// Allow reports whether an operation for key may proceed.
func (kl *KeyedRateLimiter) Allow(key string) bool {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	now := kl.now()
	b, ok := kl.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(kl.burst), seen: now}
		kl.buckets[key] = b
	}
	return b.take(now, kl.rate, kl.burst)
}

// Len returns the number of tracked keys.
func (kl *KeyedRateLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.buckets)
}

// Stop ends the background sweep.
func (kl *KeyedRateLimiter) Stop() {
	kl.stopOnce.Do(func() { close(kl.stop) })
}

func (kl *KeyedRateLimiter) sweepEvery(d time.Duration) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-kl.stop:
			return
		case <-t.C:
			kl.sweep()
		}
	}
}

func (kl *KeyedRateLimiter) sweep() {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	cutoff := kl.now().Add(-kl.idle)
	for key, b := range kl.buckets {
		if b.seen.Before(cutoff) {
			delete(kl.buckets, key)
		}
	}
}

// FailureLimiter slows repeated failures for a key with a doubling delay
// and locks the key out after maxFailures within resetAfter. It guards
// access codes per certificate and client.
type FailureLimiter struct {
	mu      sync.Mutex
	entries map[string]*strikes
	now     func() time.Time

	base, ceiling time.Duration
	resetAfter    time.Duration
	maxFailures   int
	lockFor       time.Duration
}

type strikes struct {
	n      int
	last   time.Time
	locked time.Time
}

// NewFailureLimiter creates a failure limiter. Delays start at baseDelay
// and never exceed maxDelay.
func NewFailureLimiter(baseDelay, maxDelay, resetAfter time.Duration, maxFailures int, lockDuration time.Duration) *FailureLimiter {
	return &FailureLimiter{
		entries:     make(map[string]*strikes),
		now:         time.Now,
		base:        baseDelay,
		ceiling:     maxDelay,
		resetAfter:  resetAfter,
		maxFailures: maxFailures,
		lockFor:     lockDuration,
	}
}

// RecordFailure counts a failure for key and returns the delay before the
// next attempt.
func (fl *FailureLimiter) RecordFailure(key string) time.Duration {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	now := fl.now()
	s := fl.entries[key]
	if s == nil || now.Sub(s.last) > fl.resetAfter {
		s = &strikes{}
		fl.entries[key] = s
	}
	s.n++
	s.last = now
	if fl.maxFailures > 0 && s.n >= fl.maxFailures {
		s.locked = now.Add(fl.lockFor)
	}
	return fl.backoff(s.n)
}

// IsLocked reports whether key is in its lockout window.
func (fl *FailureLimiter) IsLocked(key string) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	s := fl.entries[key]
	return s != nil && fl.now().Before(s.locked)
}

// RecordSuccess forgets all failures for key.
func (fl *FailureLimiter) RecordSuccess(key string) {
	fl.mu.Lock()
	delete(fl.entries, key)
	fl.mu.Unlock()
}

// Delay returns how much of key's backoff remains.
func (fl *FailureLimiter) Delay(key string) time.Duration {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	s := fl.entries[key]
	if s == nil {
		return 0
	}
	return max(0, fl.backoff(s.n)-fl.now().Sub(s.last))
}

// backoff is base doubled for every failure after the first, capped.
func (fl *FailureLimiter) backoff(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := fl.base << min(n-1, 30)
	if d <= 0 || d > fl.ceiling {
		return fl.ceiling
	}
	return d
}
