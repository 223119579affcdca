package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter collapses rapid repeated calls into a single pass. Allow
// reports whether a new pass may begin; after it returns true, further
// calls return false until the cooldown elapses. Concurrent shutdown
// signal handlers share one Limiter so only the first triggers work.
// The clock is injectable so tests do not depend on wall time.
type Limiter struct {
	mu  sync.Mutex
	lim *rate.Limiter
	now func() time.Time
}

func New(cooldown time.Duration) *Limiter {
	return NewWithClock(cooldown, time.Now)
}

func NewWithClock(cooldown time.Duration, now func() time.Time) *Limiter {
	if cooldown <= 0 {
		cooldown = time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		lim: rate.NewLimiter(rate.Every(cooldown), 1),
		now: now,
	}
}

func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lim.AllowN(l.now(), 1)
}
