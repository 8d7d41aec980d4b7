package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter gates dispatch throughput. It enforces a global attempts-per-second
// ceiling over a sliding one-second window plus a minimum interval between
// attempts on the same target. Acquire never rejects; it only delays.
type Limiter struct {
	mu sync.Mutex

	rate        int
	perTarget   time.Duration
	window      []time.Time
	lastAttempt map[string]time.Time

	now func() time.Time
}

// NewLimiter constructs a throughput limiter. A non-positive rate is a fatal
// configuration error: it would make every caller wait forever.
func NewLimiter(rate int, perTarget time.Duration) (*Limiter, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("throttle: attempts-per-second rate must be positive, got %d", rate)
	}
	if perTarget < 0 {
		perTarget = 0
	}
	return &Limiter{
		rate:        rate,
		perTarget:   perTarget,
		lastAttempt: make(map[string]time.Time),
		now:         time.Now,
	}, nil
}

// Acquire blocks until an attempt on targetKey may proceed, then records it.
// The per-target wait is applied first, then the global window wait; after a
// sleep the state is re-checked rather than assumed, so concurrent callers
// cannot overfill a window. Returns the total time spent waiting.
func (l *Limiter) Acquire(ctx context.Context, targetKey string) (time.Duration, error) {
	start := l.now()

	for {
		l.mu.Lock()
		now := l.now()

		if wait := l.targetWait(targetKey, now); wait > 0 {
			l.mu.Unlock()
			if err := sleep(ctx, wait); err != nil {
				return l.now().Sub(start), err
			}
			continue
		}

		l.pruneLocked(now)
		if len(l.window) >= l.rate {
			wait := l.window[0].Add(time.Second).Sub(now)
			l.mu.Unlock()
			if wait <= 0 {
				wait = time.Millisecond
			}
			if err := sleep(ctx, wait); err != nil {
				return l.now().Sub(start), err
			}
			continue
		}

		l.window = append(l.window, now)
		l.lastAttempt[targetKey] = now
		l.mu.Unlock()
		return now.Sub(start), nil
	}
}

func (l *Limiter) targetWait(targetKey string, now time.Time) time.Duration {
	if l.perTarget <= 0 {
		return 0
	}
	last, ok := l.lastAttempt[targetKey]
	if !ok {
		return 0
	}
	return l.perTarget - now.Sub(last)
}

// pruneLocked drops window entries older than one second and per-target
// entries past their cooldown, bounding memory.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Second)
	idx := 0
	for idx < len(l.window) && !l.window[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.window = append(l.window[:0], l.window[idx:]...)
	}

	if len(l.lastAttempt) > 2*l.rate {
		for key, at := range l.lastAttempt {
			if now.Sub(at) > l.perTarget {
				delete(l.lastAttempt, key)
			}
		}
	}
}

// WindowLoad reports how many attempts the current one-second window holds.
func (l *Limiter) WindowLoad() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return len(l.window)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
