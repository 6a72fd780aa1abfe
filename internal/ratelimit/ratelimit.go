// Package ratelimit implements per-key token-bucket rate limiting with
// named policies. Each policy grants a number of points per accounting
// window; exhausting the points blocks the key for the policy's block
// duration. The package has no dependency on the audit log — callers
// observe rejections through the OnRejected hook.
package ratelimit

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// Policy defines a token-bucket configuration applied to a class of
// routes: Points consumptions per Window, then Block on exhaustion.
type Policy struct {
	Points int
	Window time.Duration
	Block  time.Duration
}

// Built-in policy names.
const (
	PolicyLogin  = "login"
	PolicyAPI    = "api"
	PolicyStrict = "strict"
)

// DefaultPolicies returns the standard policy set: login attempts,
// general API traffic, and strict/admin endpoints.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		PolicyLogin:  {Points: 5, Window: 15 * time.Minute, Block: 30 * time.Minute},
		PolicyAPI:    {Points: 100, Window: time.Minute, Block: time.Minute},
		PolicyStrict: {Points: 10, Window: time.Minute, Block: 5 * time.Minute},
	}
}

// Decision is the outcome of one consumption attempt.
type Decision struct {
	Allowed    bool
	Policy     string
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// RetryAfterSeconds returns the retry delay rounded up to whole
// seconds, as served in the Retry-After header.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int((d.RetryAfter + time.Second - 1) / time.Second)
}

type bucket struct {
	remaining    int
	windowStart  time.Time
	blockedUntil time.Time
	lastSeen     time.Time
}

// Limiter tracks one bucket per (policy, key) pair. The bucket table is
// LRU-bounded so sustained attacks from many sources cannot grow memory
// without limit; a periodic sweep drops buckets idle past their policy's
// window plus block duration.
type Limiter struct {
	mu       sync.Mutex
	buckets  *lru.Cache[string, *bucket]
	policies map[string]Policy
	unknown  map[string]bool
	logger   zerolog.Logger

	allowed  uint64
	rejected uint64

	// OnRejected is invoked after every rejected consumption, outside
	// the limiter's lock. The engine wires it to the audit log so every
	// rejection produces a rate_limit_exceeded event.
	OnRejected func(policy, key string, d Decision)
}

// New creates a Limiter with the given policy set. A nil or empty
// policies map falls back to DefaultPolicies. maxKeys bounds the bucket
// table; values below 1 fall back to 50000.
func New(policies map[string]Policy, maxKeys int, logger zerolog.Logger) *Limiter {
	if len(policies) == 0 {
		policies = DefaultPolicies()
	}
	if maxKeys < 1 {
		maxKeys = 50000
	}
	cache, _ := lru.New[string, *bucket](maxKeys)
	return &Limiter{
		buckets:  cache,
		policies: policies,
		unknown:  make(map[string]bool),
		logger:   logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Policy returns the named policy, falling back to the general API
// policy for unknown names.
func (l *Limiter) Policy(name string) (Policy, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.policies[name]
	if !ok {
		p = l.policies[PolicyAPI]
	}
	return p, ok
}

// SetPolicies swaps the policy table at runtime. Buckets are kept: keys
// pick up the new limits when their window next resets, and an active
// block runs out its original duration.
func (l *Limiter) SetPolicies(policies map[string]Policy) {
	if len(policies) == 0 {
		policies = DefaultPolicies()
	}
	l.mu.Lock()
	l.policies = policies
	l.unknown = make(map[string]bool)
	l.mu.Unlock()
	l.logger.Info().Int("policies", len(policies)).Msg("rate limit policies replaced")
}

// Consume attempts to take one point from the (policy, key) bucket.
// The check-then-act sequence runs under the limiter's lock so
// concurrent consumption on the same key never loses an update.
func (l *Limiter) Consume(policyName, key string) Decision {
	now := time.Now()

	l.mu.Lock()
	p, known := l.policies[policyName]
	if !known {
		p = l.policies[PolicyAPI]
		if !l.unknown[policyName] {
			l.unknown[policyName] = true
			l.logger.Warn().Str("policy", policyName).Msg("unknown rate-limit policy, using api defaults")
		}
		policyName = PolicyAPI
	}

	ck := policyName + "|" + key
	b, ok := l.buckets.Get(ck)
	if !ok {
		b = &bucket{remaining: p.Points, windowStart: now}
		l.buckets.Add(ck, b)
	}

	// Window reset refills points but never clears an active block.
	if now.Sub(b.windowStart) >= p.Window {
		b.remaining = p.Points
		b.windowStart = now
	}
	b.lastSeen = now

	d := Decision{Policy: policyName, Limit: p.Points}

	if !b.blockedUntil.IsZero() {
		if now.Before(b.blockedUntil) {
			d.Remaining = b.remaining
			d.Reset = b.blockedUntil
			d.RetryAfter = b.blockedUntil.Sub(now)
			l.rejected++
			l.mu.Unlock()
			l.notifyRejected(policyName, key, d)
			return d
		}
		b.blockedUntil = time.Time{}
	}

	if b.remaining <= 0 {
		b.blockedUntil = now.Add(p.Block)
		d.Remaining = 0
		d.Reset = b.blockedUntil
		d.RetryAfter = p.Block
		l.rejected++
		l.mu.Unlock()
		l.notifyRejected(policyName, key, d)
		return d
	}

	b.remaining--
	d.Allowed = true
	d.Remaining = b.remaining
	d.Reset = b.windowStart.Add(p.Window)
	l.allowed++
	l.mu.Unlock()
	return d
}

func (l *Limiter) notifyRejected(policy, key string, d Decision) {
	if l.OnRejected != nil {
		l.OnRejected(policy, key, d)
	}
}

// CleanupLoop evicts buckets with no traffic for longer than their
// policy's window plus block duration. Runs until ctx is cancelled.
func (l *Limiter) CleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(time.Now())
		}
	}
}

func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ck := range l.buckets.Keys() {
		b, ok := l.buckets.Peek(ck)
		if !ok {
			continue
		}
		p := l.policyForKey(ck)
		if now.Sub(b.lastSeen) > p.Window+p.Block && (b.blockedUntil.IsZero() || now.After(b.blockedUntil)) {
			l.buckets.Remove(ck)
		}
	}
}

func (l *Limiter) policyForKey(ck string) Policy {
	for i := 0; i < len(ck); i++ {
		if ck[i] == '|' {
			if p, ok := l.policies[ck[:i]]; ok {
				return p
			}
			break
		}
	}
	return l.policies[PolicyAPI]
}

// Status is a point-in-time snapshot of limiter activity.
type Status struct {
	ActiveKeys int    `json:"active_keys"`
	Allowed    uint64 `json:"allowed"`
	Rejected   uint64 `json:"rejected"`
}

func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		ActiveKeys: l.buckets.Len(),
		Allowed:    l.allowed,
		Rejected:   l.rejected,
	}
}
