package readiness

import (
	"bufio"
	"io"
	"strings"
	"sync"
	"time"
)

// Rule describes how a freshly spawned server is detected ready.
// When Substring is non-empty the first output line containing it marks
// the process ready. FixedDelay declares ready after a fixed interval;
// alone it is the heuristic for engines with no reliable textual
// signal, combined with Substring it is a short fallback for engines
// whose signal sometimes goes missing. AssumeAfter is
// the escape valve: the process is assumed ready after this long even
// if the expected signal never appears, so a UI is never left watching
// "starting" forever. Stabilize is the extra delay granted before
// post-start provisioning begins.
type Rule struct {
	Substring   string
	FixedDelay  time.Duration
	AssumeAfter time.Duration
	Stabilize   time.Duration
}

// Matches reports whether a single output line satisfies the rule.
func (r Rule) Matches(line string) bool {
	return r.Substring != "" && strings.Contains(line, r.Substring)
}

// Watcher consumes a process's output streams and reports readiness
// exactly once, whichever of line match, fixed delay, or assume-ready
// timeout fires first. Cancel stops the timers when the process exits
// before becoming ready.
type Watcher struct {
	rule  Rule
	ready chan struct{}
	once  sync.Once

	mu     sync.Mutex
	timers []*time.Timer
}

func NewWatcher(rule Rule) *Watcher {
	return &Watcher{rule: rule, ready: make(chan struct{})}
}

// Arm starts the rule's timers. Call once, right after spawn.
func (w *Watcher) Arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rule.FixedDelay > 0 {
		w.timers = append(w.timers, time.AfterFunc(w.rule.FixedDelay, w.markReady))
	}
	if w.rule.AssumeAfter > 0 {
		w.timers = append(w.timers, time.AfterFunc(w.rule.AssumeAfter, w.markReady))
	}
}

// Observe feeds one output line through the rule.
func (w *Watcher) Observe(line string) {
	if w.rule.Matches(line) {
		w.markReady()
	}
}

// Scan reads r line by line until EOF, observing every line. It keeps
// draining after readiness so the child never blocks on a full pipe;
// run it in its own goroutine per stream.
func (w *Watcher) Scan(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		w.Observe(sc.Text())
	}
}

// Ready is closed exactly once when the process is considered ready.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// IsReady reports whether readiness has already been declared.
func (w *Watcher) IsReady() bool {
	select {
	case <-w.ready:
		return true
	default:
		return false
	}
}

// Cancel stops pending timers without declaring readiness. Used when
// the process exits or fails while still starting.
func (w *Watcher) Cancel() {
	w.stopTimers()
}

func (w *Watcher) markReady() {
	w.once.Do(func() {
		close(w.ready)
		w.stopTimers()
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = nil
}
