// Package resubscribe computes holdoff intervals between subscription
// attempts. The default policy picks a random timeslot over a window that
// grows along the Fibonacci sequence; an alternate policy adapts
// cenkalti/backoff's exponential backoff to the same interface.
package resubscribe

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy computes how long to hold off before retry number retries (zero
// for the first retry). reason is the error that ended the previous attempt.
type Policy interface {
	Interval(retries uint32, reason error) time.Duration
}

// Default policy tuning. Past MaxFibonacciStepIndex the window stops growing
// and the randomized wait averages about 39 minutes.
const (
	MaxFibonacciStepIndex = 14
	WaitTimeMultiplier    = 600 * time.Millisecond
	MaxRetryWaitInterval  = 1 * time.Hour
	MinWaitTimePercent    = 30
)

// Fibonacci returns the n-th Fibonacci number, with Fibonacci(0) == 0.
func Fibonacci(n uint32) uint64 {
	var a, b uint64 = 0, 1
	for i := uint32(0); i < n; i++ {
		a, b = b, a+b
	}
	return a
}

// FibonacciPolicy is the default holdoff policy: the wait is uniformly
// random in [MinWaitTimePercent% of max, max), where max follows the
// Fibonacci sequence times WaitTimeMultiplier up to MaxRetryWaitInterval.
type FibonacciPolicy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewFibonacciPolicy returns the default policy with its own random source.
func NewFibonacciPolicy() *FibonacciPolicy {
	return NewFibonacciPolicyWithSource(rand.NewSource(rand.Int63()))
}

// NewFibonacciPolicyWithSource returns the default policy over a caller
// supplied source, for deterministic tests.
func NewFibonacciPolicyWithSource(src rand.Source) *FibonacciPolicy {
	return &FibonacciPolicy{rng: rand.New(src)}
}

// Interval implements Policy.
func (p *FibonacciPolicy) Interval(retries uint32, reason error) time.Duration {
	var max time.Duration
	if retries <= MaxFibonacciStepIndex {
		max = time.Duration(Fibonacci(retries)) * WaitTimeMultiplier
	} else {
		max = MaxRetryWaitInterval
	}
	if max == 0 {
		return 0
	}
	min := max * MinWaitTimePercent / 100
	p.mu.Lock()
	defer p.mu.Unlock()
	return min + time.Duration(p.rng.Int63n(int64(max-min)))
}

// BackoffPolicy adapts a cenkalti/backoff ExponentialBackOff. Resetting the
// retry counter to zero resets the underlying backoff.
type BackoffPolicy struct {
	mu sync.Mutex
	b  *backoff.ExponentialBackOff
}

// NewBackoffPolicy wraps b; a nil b gets library defaults with no elapsed
// time cap.
func NewBackoffPolicy(b *backoff.ExponentialBackOff) *BackoffPolicy {
	if b == nil {
		b = backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 0
	}
	return &BackoffPolicy{b: b}
}

// Interval implements Policy.
func (p *BackoffPolicy) Interval(retries uint32, reason error) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if retries == 0 {
		p.b.Reset()
	}
	d := p.b.NextBackOff()
	if d == backoff.Stop {
		d = p.b.MaxInterval
	}
	return d
}
