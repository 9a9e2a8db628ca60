package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/openclaw/gateway/pkg/observability"
)

type rateEntry struct {
	at     time.Time
	tokens int
}

// rateBucket is a sliding window over recent requests and their tokens.
type rateBucket struct {
	window  time.Duration
	entries []rateEntry
}

func (b *rateBucket) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.entries) && b.entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.entries = append(b.entries[:0], b.entries[i:]...)
	}
}

func (b *rateBucket) requestCount() int { return len(b.entries) }

func (b *rateBucket) tokenCount() int {
	sum := 0
	for _, e := range b.entries {
		sum += e.tokens
	}
	return sum
}

func (b *rateBucket) add(now time.Time, tokens int) {
	b.entries = append(b.entries, rateEntry{at: now, tokens: tokens})
}

// waitTime is the interval until the oldest entry leaves the window.
func (b *rateBucket) waitTime(now time.Time) time.Duration {
	if len(b.entries) == 0 {
		return 0
	}
	wait := b.entries[0].at.Add(b.window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

type tierLimit struct {
	requests float64
	tokens   float64
}

// RateLimiter enforces dual request-per-minute and token-per-minute
// quotas per tier bucket plus a global bucket, over a sliding window.
// Cheap traffic gets a more generous multiplier, premium a stricter one.
type RateLimiter struct {
	mu sync.Mutex

	requestsPerMinute int
	tokensPerMinute   int
	window            time.Duration

	buckets    map[string]*rateBucket
	tierLimits map[string]tierLimit

	logger observability.Logger
	now    func() time.Time
}

// NewRateLimiter builds a limiter around the base per-minute quotas.
func NewRateLimiter(requestsPerMinute, tokensPerMinute int, logger observability.Logger) *RateLimiter {
	window := time.Minute
	return &RateLimiter{
		requestsPerMinute: requestsPerMinute,
		tokensPerMinute:   tokensPerMinute,
		window:            window,
		buckets: map[string]*rateBucket{
			"global":  {window: window},
			"cheap":   {window: window},
			"premium": {window: window},
		},
		tierLimits: map[string]tierLimit{
			"global":  {requests: 1.0, tokens: 1.0},
			"cheap":   {requests: 2.0, tokens: 1.5},
			"premium": {requests: 0.5, tokens: 0.5},
		},
		logger: logger.WithPrefix("rate_limiter"),
		now:    time.Now,
	}
}

// Check reports whether a request of estimatedTokens is admissible in the
// given tier bucket. Both the tier quota and the global quota must hold.
// The returned message carries a retry hint when denied.
func (r *RateLimiter) Check(estimatedTokens int, tier string) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if _, ok := r.buckets[tier]; !ok {
		tier = "global"
	}
	bucket := r.buckets[tier]
	global := r.buckets["global"]
	bucket.prune(now)
	global.prune(now)

	limits := r.tierLimits[tier]
	rpmLimit := int(float64(r.requestsPerMinute) * limits.requests)
	tpmLimit := int(float64(r.tokensPerMinute) * limits.tokens)

	if cur := bucket.requestCount(); cur >= rpmLimit {
		wait := bucket.waitTime(now)
		r.logger.Warn("request limit hit", map[string]interface{}{"tier": tier, "current": cur, "limit": rpmLimit})
		return false, fmt.Sprintf("Request limit exceeded (%d/%d). Retry in %.1fs", cur, rpmLimit, wait.Seconds())
	}
	if cur := bucket.tokenCount(); cur+estimatedTokens > tpmLimit {
		wait := bucket.waitTime(now)
		r.logger.Warn("token limit hit", map[string]interface{}{"tier": tier, "current": cur, "limit": tpmLimit})
		return false, fmt.Sprintf("Token limit exceeded (%d/%d). Retry in %.1fs", cur, tpmLimit, wait.Seconds())
	}

	if tier != "global" {
		if global.requestCount() >= r.requestsPerMinute {
			return false, fmt.Sprintf("Global request limit exceeded. Retry in %.1fs", global.waitTime(now).Seconds())
		}
		if global.tokenCount()+estimatedTokens > r.tokensPerMinute {
			return false, fmt.Sprintf("Global token limit exceeded. Retry in %.1fs", global.waitTime(now).Seconds())
		}
	}
	return true, "OK"
}

// Record adds a completed request to the tier bucket and the global
// bucket. Calls are made after successful dispatch only, so denied or
// failed requests never consume quota.
func (r *RateLimiter) Record(tokens int, tier string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if _, ok := r.buckets[tier]; !ok {
		tier = "global"
	}
	r.buckets[tier].add(now, tokens)
	if tier != "global" {
		r.buckets["global"].add(now, tokens)
	}
}

// QuotaStatus is the current usage of one quota dimension.
type QuotaStatus struct {
	Current int `json:"current"`
	Limit   int `json:"limit"`
}

// TierStatus is the usage snapshot of one bucket.
type TierStatus struct {
	Requests QuotaStatus `json:"requests"`
	Tokens   QuotaStatus `json:"tokens"`
}

// Status reports per-bucket usage against effective limits.
func (r *RateLimiter) Status() map[string]TierStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make(map[string]TierStatus, len(r.buckets))
	for tier, bucket := range r.buckets {
		bucket.prune(now)
		limits := r.tierLimits[tier]
		out[tier] = TierStatus{
			Requests: QuotaStatus{
				Current: bucket.requestCount(),
				Limit:   int(float64(r.requestsPerMinute) * limits.requests),
			},
			Tokens: QuotaStatus{
				Current: bucket.tokenCount(),
				Limit:   int(float64(r.tokensPerMinute) * limits.tokens),
			},
		}
	}
	return out
}

// Reset clears one bucket, or every bucket when tier is empty.
func (r *RateLimiter) Reset(tier string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tier != "" {
		if _, ok := r.buckets[tier]; ok {
			r.buckets[tier] = &rateBucket{window: r.window}
		}
		return
	}
	for t := range r.buckets {
		r.buckets[t] = &rateBucket{window: r.window}
	}
}
