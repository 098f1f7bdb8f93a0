// Package ratelimit bounds inbound signaling message rates per connection.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// nano-token fixed point: one message costs 1e9 nano-tokens, so a rate of X
// messages/sec refills X nano-tokens per nanosecond without float rounding.
const nanoTokensPerMessage int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// MessageLimiter is a token bucket sized for signaling traffic: capacity and
// refill rate both equal the configured messages/sec, so a client can burst
// one second's budget and then settles at the steady rate.
type MessageLimiter struct {
	mu sync.Mutex

	clock Clock

	rate int64 // messages/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewMessageLimiter(clock Clock, messagesPerSecond int) *MessageLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	rate := int64(messagesPerSecond)
	if rate < 0 {
		rate = 0
	}
	return &MessageLimiter{
		clock:     clock,
		rate:      rate,
		available: saturatingNano(rate),
		last:      clock.Now(),
	}
}

// Allow consumes one message's worth of budget if available.
func (l *MessageLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()

	if l.available < nanoTokensPerMessage {
		return false
	}
	l.available -= nanoTokensPerMessage
	return true
}

func (l *MessageLimiter) refillLocked() {
	now := l.clock.Now()
	if now.Before(l.last) {
		// Time went backwards. Skip the refill and move the reference point.
		l.last = now
		return
	}

	elapsed := now.Sub(l.last)
	if elapsed <= 0 {
		return
	}
	l.last = now

	if l.rate <= 0 {
		return
	}

	capacity := saturatingNano(l.rate)
	if l.available >= capacity {
		l.available = capacity
		return
	}

	// rate is messages/sec, which is nano-tokens per nanosecond in the fixed
	// point representation. Clamp instead of overflowing on long idle gaps.
	need := capacity - l.available
	elapsedNanos := elapsed.Nanoseconds()
	if elapsedNanos >= need/l.rate {
		l.available = capacity
		return
	}

	l.available += elapsedNanos * l.rate
	if l.available > capacity {
		l.available = capacity
	}
}

func saturatingNano(messages int64) int64 {
	if messages <= 0 {
		return 0
	}
	if messages > maxInt64/nanoTokensPerMessage {
		return maxInt64
	}
	return messages * nanoTokensPerMessage
}
