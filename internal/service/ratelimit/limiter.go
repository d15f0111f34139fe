package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limit is a token bucket: RPS refill and Burst capacity.
type Limit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Limiter keeps one token bucket per key, created lazily.
type Limiter struct {
	mu        sync.Mutex
	m         map[string]*rate.Limiter
	def       Limit
	overrides map[string]Limit
}

// New creates a keyed limiter. A key with no override uses def; a
// non-positive RPS disables limiting for that key.
func New(def Limit, overrides map[string]Limit) *Limiter {
	if overrides == nil {
		overrides = map[string]Limit{}
	}
	return &Limiter{m: make(map[string]*rate.Limiter), def: def, overrides: overrides}
}

// Allow returns true if one token can be consumed for key.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.m[key]
	if !ok {
		lim = newBucket(l.limitFor(key))
		l.m[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *Limiter) limitFor(key string) Limit {
	if o, ok := l.overrides[key]; ok {
		return o
	}
	return l.def
}

func newBucket(lim Limit) *rate.Limiter {
	if lim.RPS <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := lim.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(lim.RPS), burst)
}
