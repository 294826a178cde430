package retry

import (
	"context"
	"sync"
	"time"
)

// Default backoff bounds.
const (
	DefaultMinSleep = 500 * time.Millisecond
	DefaultMaxSleep = 5 * time.Minute
)

// Backoff is an exponential sleep-time calculator. It is safe for concurrent
// use; a Reset racing with a Delay simply wins or loses, the last writer's
// attempt count is kept.
type Backoff struct {
	mu       sync.Mutex
	min      time.Duration
	max      time.Duration
	attempts int
}

// NewBackoff creates a Backoff with the given floor and cap. Zero values use
// DefaultMinSleep and DefaultMaxSleep.
func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = DefaultMinSleep
	}
	if max <= 0 {
		max = DefaultMaxSleep
	}
	if max < min {
		max = min
	}
	return &Backoff{min: min, max: max}
}

// SleepTime returns how long the next Delay will sleep.
func (b *Backoff) SleepTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sleepTimeLocked()
}

func (b *Backoff) sleepTimeLocked() time.Duration {
	d := b.min
	for i := 0; i < b.attempts; i++ {
		d *= 2
		if d >= b.max || d <= 0 {
			return b.max
		}
	}
	return d
}

// Delay records a failed attempt and sleeps for the current backoff time. It
// returns early with ctx.Err() if ctx is cancelled.
func (b *Backoff) Delay(ctx context.Context) error {
	b.mu.Lock()
	d := b.sleepTimeLocked()
	b.attempts++
	b.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset returns the backoff to its floor after a success.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempts = 0
	b.mu.Unlock()
}

// Attempts returns the number of consecutive failures recorded.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
