package throttle

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCooldownCollapsesCalls(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	l := NewWithClock(5*time.Second, clock)

	if !l.Allow() {
		t.Fatalf("first call must pass")
	}
	if l.Allow() {
		t.Fatalf("second immediate call must be throttled")
	}

	now = now.Add(2 * time.Second)
	if l.Allow() {
		t.Fatalf("call inside cooldown must be throttled")
	}

	now = now.Add(4 * time.Second)
	if !l.Allow() {
		t.Fatalf("call after cooldown must pass")
	}
	if l.Allow() {
		t.Fatalf("cooldown must restart after a pass")
	}
}

func TestConcurrentCallersGetOnePass(t *testing.T) {
	now := time.Unix(2000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	l := NewWithClock(time.Minute, clock)

	var passed int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow() {
				atomic.AddInt64(&passed, 1)
			}
		}()
	}
	wg.Wait()
	if passed != 1 {
		t.Fatalf("expected exactly one pass, got %d", passed)
	}
}
