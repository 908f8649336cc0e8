// Package bucket implements the token bucket used to rate-limit admission of
// requests into execution units.
package bucket

import (
	"sync"
	"time"
)

// Rate represents the rate of token generation per second.
type Rate uint64

// Common rates.
const (
	TPS       Rate = 1
	KTPS           = 1000 * TPS
	MTPS           = 1000 * KTPS
	Unlimited Rate = 0
)

// Bucket is a token bucket. It is safe for concurrent use, and all of its
// methods can be called on a nil *Bucket, which is unlimited.
type Bucket struct {
	mu     sync.Mutex
	rate   float64 // tokens per second.
	max    float64
	tokens float64
	last   time.Time
	now    func() time.Time
}

// New creates a bucket that fills at rate tokens per second and holds at most
// burst tokens. The bucket starts full. A burst of 0 means the bucket holds
// one second worth of tokens.
//
// If rate is Unlimited, New returns nil.
func New(rate Rate, burst uint64) *Bucket {
	if rate == Unlimited {
		return nil
	}
	if burst == 0 {
		burst = uint64(rate)
	}
	b := &Bucket{
		rate:   float64(rate),
		max:    float64(burst),
		tokens: float64(burst),
		now:    time.Now,
	}
	b.last = b.now()
	return b
}

// Unlimited returns whether the bucket never runs out of tokens.
func (b *Bucket) Unlimited() bool {
	return b == nil
}

func (b *Bucket) refill() {
	n := b.now()
	if d := n.Sub(b.last); d > 0 {
		b.tokens += d.Seconds() * b.rate
		if b.tokens > b.max {
			b.tokens = b.max
		}
	}
	b.last = n
}

// Has returns whether the bucket currently holds at least n tokens. It does
// not consume any.
func (b *Bucket) Has(n uint64) bool {
	if b.Unlimited() {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return float64(n) <= b.tokens
}

// Take consumes n tokens if available and reports whether it did.
func (b *Bucket) Take(n uint64) bool {
	if b.Unlimited() {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if float64(n) > b.tokens {
		return false
	}
	b.tokens -= float64(n)
	return true
}

// When returns how long to wait until n tokens are available. It returns 0
// if they already are, or if n is more than the bucket can ever hold.
func (b *Bucket) When(n uint64) time.Duration {
	if b.Unlimited() {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if float64(n) > b.max {
		return 0
	}
	b.refill()
	missing := float64(n) - b.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / b.rate * float64(time.Second))
}
