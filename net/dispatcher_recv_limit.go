package net

import (
	"sync/atomic"

	"go.uber.org/ratelimit"
	"golang.org/x/time/rate"
)

// DispatcherRecvLimiter is a token bucket in front of message handlers. It never
// blocks the tick goroutine: a message without a token is dropped.
//
// The limiter is swapped atomically so a config reload on the watcher goroutine
// does not race with the tick goroutine.
type DispatcherRecvLimiter struct {
	limiter atomic.Pointer[rate.Limiter]
}

// NewTokenRecvLimiter creates a limiter allowing limit messages per second with
// the given burst. A non-positive limit disables limiting.
//
// Example usage:
// limiter := NewTokenRecvLimiter(100, 10) // 100 messages per second with a burst of 10
func NewTokenRecvLimiter(limit int, burst int) *DispatcherRecvLimiter {
	l := &DispatcherRecvLimiter{}
	l.Reload(limit, burst)
	return l
}

// Allow reports whether a message may be handled now.
func (l *DispatcherRecvLimiter) Allow() bool {
	lim := l.limiter.Load()
	return lim == nil || lim.Allow()
}

// Reload replaces the rate at runtime.
func (l *DispatcherRecvLimiter) Reload(limit int, burst int) {
	if limit <= 0 {
		l.limiter.Store(nil)
		return
	}
	if burst <= 0 {
		burst = limit
	}
	l.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
}

// recvLimiterFilter drops deliveries over the limit.
func (l *DispatcherRecvLimiter) recvLimiterFilter(d *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	if !l.Allow() {
		return errRecvLimited
	}
	return f(d)
}

// FunnelRecvLimiter is a leaky bucket that paces a producer goroutine. Take
// blocks, so it is used on socket reader goroutines, never on the tick goroutine.
type FunnelRecvLimiter struct {
	limiter atomic.Pointer[ratelimit.Limiter]
}

// NewFunnelRecvLimiter creates a pacer for limit events per second. A
// non-positive limit disables pacing.
func NewFunnelRecvLimiter(limit int) *FunnelRecvLimiter {
	l := &FunnelRecvLimiter{}
	l.Reload(limit)
	return l
}

// Take blocks until the next event may proceed.
func (l *FunnelRecvLimiter) Take() {
	if lim := l.limiter.Load(); lim != nil {
		_ = (*lim).Take()
	}
}

// Reload replaces the rate at runtime.
func (l *FunnelRecvLimiter) Reload(limit int) {
	if limit <= 0 {
		l.limiter.Store(nil)
		return
	}
	lim := ratelimit.New(limit)
	l.limiter.Store(&lim)
}
