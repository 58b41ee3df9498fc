package history

import (
	"time"

	"github.com/dolthub/swiss"
	"golang.org/x/time/rate"
)

// Strategy decides whether a property may be sent at a given moment. Dirtiness is decided by the
// History; a Strategy only throttles.
type Strategy interface {
	// CanSync reports whether key may be sent at now. It must not consume any budget.
	CanSync(key Key, now time.Time) bool
	// Sent records that key was sent at now
	Sent(key Key, now time.Time)
	// Forget drops any state kept for key
	Forget(key Key)
}

// AlwaysStrategy permits every send
type AlwaysStrategy struct{}

var _ Strategy = AlwaysStrategy{}

func (AlwaysStrategy) CanSync(Key, time.Time) bool { return true }
func (AlwaysStrategy) Sent(Key, time.Time) {}
func (AlwaysStrategy) Forget(Key) {}

// RateLimitStrategy gives every property its own token bucket, refilled at Limit per second up to
// Burst tokens. Each send costs one token.
type RateLimitStrategy struct {
	limit    rate.Limit
	burst    int
	limiters *swiss.Map[Key, *rate.Limiter]
}

var _ Strategy = &RateLimitStrategy{}

func NewRateLimitStrategy(limit rate.Limit, burst int) *RateLimitStrategy {
	return &RateLimitStrategy{
		limit:    limit,
		burst:    max(burst, 1),
		limiters: swiss.NewMap[Key, *rate.Limiter](64),
	}
}

func (s *RateLimitStrategy) limiter(key Key) *rate.Limiter {
	limiter, ok := s.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(s.limit, s.burst)
		s.limiters.Put(key, limiter)
	}
	return limiter
}

func (s *RateLimitStrategy) CanSync(key Key, now time.Time) bool {
	return s.limiter(key).TokensAt(now) >= 1
}

func (s *RateLimitStrategy) Sent(key Key, now time.Time) {
	s.limiter(key).AllowN(now, 1)
}

func (s *RateLimitStrategy) Forget(key Key) {
	s.limiters.Delete(key)
}

// MinIntervalStrategy permits a property to be sent at most once per Interval
type MinIntervalStrategy struct {
	interval time.Duration
	lastSent *swiss.Map[Key, time.Time]
}

var _ Strategy = &MinIntervalStrategy{}

func NewMinIntervalStrategy(interval time.Duration) *MinIntervalStrategy {
	return &MinIntervalStrategy{
		interval: interval,
		lastSent: swiss.NewMap[Key, time.Time](64),
	}
}

func (s *MinIntervalStrategy) CanSync(key Key, now time.Time) bool {
	last, ok := s.lastSent.Get(key)
	return !ok || now.Sub(last) >= s.interval
}

func (s *MinIntervalStrategy) Sent(key Key, now time.Time) {
	s.lastSent.Put(key, now)
}

func (s *MinIntervalStrategy) Forget(key Key) {
	s.lastSent.Delete(key)
}
