package manager

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/loykin/dbnest/internal/process"
	"github.com/loykin/dbnest/internal/readiness"
	"github.com/loykin/dbnest/internal/store"
)

var (
	// ErrAlreadyRunning is returned when a start is requested for an id
	// that already holds a registry entry. The rejected start has no
	// side effects.
	ErrAlreadyRunning = errors.New("database already running")
	// ErrNotRunning is returned for operations that need a live process.
	ErrNotRunning = errors.New("database not running")
	// ErrPortInUse is returned when the record's port is taken at
	// launch time.
	ErrPortInUse = errors.New("port already in use")
)

// Handle is the in-memory state of one live engine process: the OS
// process, the record snapshot it was launched from, and the readiness
// watcher. Never persisted.
type Handle struct {
	rec     store.Record // snapshot at launch time
	binDir  string
	child   *process.Child
	watcher *readiness.Watcher
	logW    io.WriteCloser
	tail    *tailBuffer

	stopRequested atomic.Bool
	exitOnce      sync.Once
}

func (h *Handle) PID() int { return h.child.PID() }

// tailBuffer keeps the most recent stderr lines for crash reports.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailBuffer) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

// Registry is the map of live process handles, keyed by record id. It
// enforces the single-handle invariant: Put rejects an id that is
// already present. Every mutation is mirrored to the record store by
// the manager.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Handle)}
}

func (r *Registry) Get(id string) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Put registers a handle, failing if one already exists for the id.
func (r *Registry) Put(id string, h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return ErrAlreadyRunning
	}
	r.entries[id] = h
	return nil
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CountByEngine reports live handles per engine, for the running gauge.
func (r *Registry) CountByEngine() map[store.Engine]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[store.Engine]int)
	for _, h := range r.entries {
		out[h.rec.Engine]++
	}
	return out
}
