package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	ActionSendMessage = "send_message"
	ActionChannelAuth = "channel_auth"
	ActionAPI         = "api"
)

// Policy describes a token bucket: Burst tokens, one token refilled every
// Every.
type Policy struct {
	Burst int
	Every time.Duration
}

// PerMinute spreads n tokens evenly across a minute with a burst of n.
func PerMinute(n int) Policy {
	if n <= 0 {
		n = 1
	}
	return Policy{Burst: n, Every: time.Minute / time.Duration(n)}
}

type tokenBucket struct {
	tokens     int
	policy     Policy
	lastRefill time.Time
	lastSeen   time.Time
}

func (tb *tokenBucket) allow(now time.Time) (bool, time.Duration) {
	if elapsed := now.Sub(tb.lastRefill); elapsed >= tb.policy.Every {
		refills := int(elapsed / tb.policy.Every)
		tb.tokens += refills
		if tb.tokens > tb.policy.Burst {
			tb.tokens = tb.policy.Burst
		}
		tb.lastRefill = tb.lastRefill.Add(time.Duration(refills) * tb.policy.Every)
	}
	tb.lastSeen = now

	if tb.tokens > 0 {
		tb.tokens--
		return true, 0
	}

	return false, tb.lastRefill.Add(tb.policy.Every).Sub(now)
}

// RateLimiter keeps one bucket per key and action.
type RateLimiter struct {
	buckets  map[string]*tokenBucket
	policies map[string]Policy
	fallback Policy
	now      func() time.Time
	mutex    sync.Mutex
}

func NewRateLimiter(policies map[string]Policy) *RateLimiter {
	p := map[string]Policy{
		ActionSendMessage: PerMinute(30),
		ActionChannelAuth: PerMinute(60),
		ActionAPI:         PerMinute(120),
	}
	for action, policy := range policies {
		p[action] = policy
	}

	return &RateLimiter{
		buckets:  make(map[string]*tokenBucket),
		policies: p,
		fallback: PerMinute(20),
		now:      time.Now,
	}
}

// Allow consumes a token for key/action. When the bucket is empty it returns
// false and the time until the next token.
func (rl *RateLimiter) Allow(key, action string) (bool, time.Duration) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	bucketKey := key + ":" + action

	bucket, exists := rl.buckets[bucketKey]
	if !exists {
		policy, ok := rl.policies[action]
		if !ok {
			policy = rl.fallback
		}
		bucket = &tokenBucket{
			tokens:     policy.Burst,
			policy:     policy,
			lastRefill: now,
		}
		rl.buckets[bucketKey] = bucket
	}

	return bucket.allow(now)
}

// Cleanup drops buckets idle for longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	for key, bucket := range rl.buckets {
		if now.Sub(bucket.lastSeen) > maxIdle {
			delete(rl.buckets, key)
		}
	}
}

func (rl *RateLimiter) Size() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return len(rl.buckets)
}

// Run periodically cleans up idle buckets until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup(time.Hour)
		}
	}
}
