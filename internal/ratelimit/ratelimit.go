// Package ratelimit implements per-identity token-bucket admission control.
//
// Each identity owns one bucket per limiting dimension (for example
// "identity" and "source-addr"). Capacity and refill rate come from the
// identity's configured tier; identities without an assignment use the
// default tier (100 tokens, 100/min refill). Refill is lazy: tokens are
// credited at check time from the elapsed interval, capped at capacity, so
// no background timers are needed.
//
// Buckets are created on first use and evicted after an idle timeout. Each
// identity's buckets live in an independently locked bundle, so checks for
// different identities never contend. All state is in-memory; a rejected
// check reports how long until at least one token is available.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/gluk-w/tunnelcore/internal/config"
)

// DimensionIdentity is the default limiting dimension.
const DimensionIdentity = "identity"

// CombinePolicy decides how multiple dimensions combine for admission.
type CombinePolicy int

const (
	// CombineAll admits only when every checked dimension admits.
	CombineAll CombinePolicy = iota
	// CombineAny admits when at least one checked dimension admits.
	CombineAny
)

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed    bool
	Remaining  float64       // whole tokens left after this check
	ResetAt    time.Time     // when the bucket refills to capacity
	RetryAfter time.Duration // wait until one token is available; zero when allowed
}

// ErrRateLimited is returned by Admit when a check is rejected.
type ErrRateLimited struct {
	Identity   string
	Dimension  string
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited for identity %q on %s (retry after %s)", e.Identity, e.Dimension, e.RetryAfter)
}

// bucket holds token state for one (identity, dimension) pair.
type bucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

// refill credits tokens for the elapsed interval, capped at capacity.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// identityBuckets is the independently locked bundle for one identity,
// keyed by dimension.
type identityBuckets struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter enforces token-bucket limits per (identity, dimension). The
// identity map lock is held only for bundle lookup; all bucket state is
// guarded by the bundle's own mutex.
type Limiter struct {
	mu         sync.RWMutex
	identities map[string]*identityBuckets

	tiers  *config.TierTable
	policy CombinePolicy

	cbMu sync.RWMutex
	// onReject, when set, is invoked for every rejected check (metrics hook).
	onReject func(identity, dimension string)

	// Clock function for testing.
	nowFunc func() time.Time
}

// New creates a Limiter using the given tier table and combine policy.
func New(tiers *config.TierTable, policy CombinePolicy) *Limiter {
	if tiers == nil {
		tiers = config.DefaultTierTable()
	}
	return &Limiter{
		identities: make(map[string]*identityBuckets),
		tiers:      tiers,
		policy:     policy,
		nowFunc:    time.Now,
	}
}

// OnReject registers a callback invoked for every rejected check.
func (l *Limiter) OnReject(fn func(identity, dimension string)) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	l.onReject = fn
}

func (l *Limiter) reject(identity, dimension string) {
	l.cbMu.RLock()
	fn := l.onReject
	l.cbMu.RUnlock()
	if fn != nil {
		fn(identity, dimension)
	}
}

// bundle returns the identity's bucket bundle, creating it on first use.
func (l *Limiter) bundle(identity string) *identityBuckets {
	l.mu.RLock()
	ib, ok := l.identities[identity]
	l.mu.RUnlock()
	if ok {
		return ib
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if ib, ok = l.identities[identity]; !ok {
		ib = &identityBuckets{buckets: make(map[string]*bucket)}
		l.identities[identity] = ib
	}
	return ib
}

// getOrCreate returns the bucket for dimension, creating a full one from the
// identity's tier on first use. Caller must hold ib.mu.
func (l *Limiter) getOrCreate(ib *identityBuckets, identity, dimension string, now time.Time) *bucket {
	b, ok := ib.buckets[dimension]
	if !ok {
		tier := l.tiers.TierFor(identity)
		b = &bucket{
			tokens:     tier.Capacity,
			capacity:   tier.Capacity,
			refillRate: tier.RefillPerMin / 60.0,
			lastRefill: now,
		}
		ib.buckets[dimension] = b
	}
	return b
}

// Check admits or rejects one operation for identity on the default
// dimension.
func (l *Limiter) Check(identity string) Decision {
	return l.CheckDimension(identity, DimensionIdentity)
}

// CheckDimension admits or rejects one operation for identity on the given
// dimension. On admission one token is consumed.
func (l *Limiter) CheckDimension(identity, dimension string) Decision {
	ib := l.bundle(identity)
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return l.checkLocked(ib, identity, dimension, true)
}

// checkLocked performs the admission check. When consume is false the token
// is not deducted (used for the second phase of CombineAll so a rejection on
// a later dimension does not burn tokens on earlier ones). Caller holds
// ib.mu.
func (l *Limiter) checkLocked(ib *identityBuckets, identity, dimension string, consume bool) Decision {
	now := l.nowFunc()
	b := l.getOrCreate(ib, identity, dimension, now)
	b.refill(now)
	b.lastUsed = now

	d := Decision{ResetAt: resetAt(b, now)}

	if b.tokens >= 1 {
		if consume {
			b.tokens--
		}
		d.Allowed = true
		d.Remaining = float64(int(b.tokens))
		return d
	}

	// Seconds until one whole token accrues, rounded up so a caller that
	// waits exactly RetryAfter is admitted.
	deficit := 1 - b.tokens
	d.RetryAfter = time.Duration(deficit/b.refillRate*float64(time.Second)) + time.Millisecond
	l.reject(identity, dimension)
	return d
}

// resetAt computes when the bucket is back at capacity.
func resetAt(b *bucket, now time.Time) time.Time {
	missing := b.capacity - b.tokens
	if missing <= 0 {
		return now
	}
	return now.Add(time.Duration(missing / b.refillRate * float64(time.Second)))
}

// CheckAll evaluates the configured dimensions under the combine policy and
// returns the overall decision. Under CombineAll every dimension must admit;
// tokens are consumed from all dimensions only when the whole check passes.
// Under CombineAny the first admitting dimension wins. The probe+consume
// sequence holds only the one identity's lock.
func (l *Limiter) CheckAll(identity string, dimensions []string) Decision {
	if len(dimensions) == 0 {
		return l.Check(identity)
	}

	ib := l.bundle(identity)
	ib.mu.Lock()
	defer ib.mu.Unlock()

	switch l.policy {
	case CombineAny:
		var worst Decision
		for i, dim := range dimensions {
			d := l.checkLocked(ib, identity, dim, true)
			if d.Allowed {
				return d
			}
			if i == 0 || d.RetryAfter < worst.RetryAfter {
				worst = d
			}
		}
		return worst

	default: // CombineAll
		// Probe every dimension without consuming, then consume all.
		for _, dim := range dimensions {
			if d := l.checkLocked(ib, identity, dim, false); !d.Allowed {
				return d
			}
		}
		var last Decision
		for _, dim := range dimensions {
			last = l.checkLocked(ib, identity, dim, true)
		}
		return last
	}
}

// Admit is a convenience wrapper returning an *ErrRateLimited when the check
// on the default dimension is rejected.
func (l *Limiter) Admit(identity string) error {
	d := l.Check(identity)
	if d.Allowed {
		return nil
	}
	return &ErrRateLimited{Identity: identity, Dimension: DimensionIdentity, RetryAfter: d.RetryAfter}
}

// EvictIdle removes buckets untouched for longer than maxIdle and returns
// how many were removed. Bundles are locked one identity at a time; an
// identity whose last bucket is evicted is removed entirely.
func (l *Limiter) EvictIdle(maxIdle time.Duration) int {
	l.mu.RLock()
	identities := make([]string, 0, len(l.identities))
	for identity := range l.identities {
		identities = append(identities, identity)
	}
	l.mu.RUnlock()

	now := l.nowFunc()
	evicted := 0
	for _, identity := range identities {
		l.mu.RLock()
		ib, ok := l.identities[identity]
		l.mu.RUnlock()
		if !ok {
			continue
		}

		ib.mu.Lock()
		for dim, b := range ib.buckets {
			if now.Sub(b.lastUsed) > maxIdle {
				delete(ib.buckets, dim)
				evicted++
			}
		}
		empty := len(ib.buckets) == 0
		ib.mu.Unlock()

		if empty {
			l.mu.Lock()
			// Re-check under the write lock; a concurrent check may have
			// refilled the bundle.
			if ib2, ok := l.identities[identity]; ok && ib2 == ib {
				ib.mu.Lock()
				if len(ib.buckets) == 0 {
					delete(l.identities, identity)
				}
				ib.mu.Unlock()
			}
			l.mu.Unlock()
		}
	}
	return evicted
}

// RemoveIdentity drops all buckets belonging to an identity, across every
// dimension. Called when the identity disconnects and its grace period ends.
func (l *Limiter) RemoveIdentity(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.identities, identity)
}

// BucketState is a diagnostic snapshot of one bucket.
type BucketState struct {
	Identity   string    `json:"identity"`
	Dimension  string    `json:"dimension"`
	Tokens     float64   `json:"tokens"`
	Capacity   float64   `json:"capacity"`
	LastRefill time.Time `json:"last_refill"`
}

// Snapshot returns diagnostic state for all live buckets, locking one
// identity at a time.
func (l *Limiter) Snapshot() []BucketState {
	l.mu.RLock()
	identities := make(map[string]*identityBuckets, len(l.identities))
	for identity, ib := range l.identities {
		identities[identity] = ib
	}
	l.mu.RUnlock()

	out := make([]BucketState, 0, len(identities))
	for identity, ib := range identities {
		ib.mu.Lock()
		for dim, b := range ib.buckets {
			out = append(out, BucketState{
				Identity:   identity,
				Dimension:  dim,
				Tokens:     b.tokens,
				Capacity:   b.capacity,
				LastRefill: b.lastRefill,
			})
		}
		ib.mu.Unlock()
	}
	return out
}
