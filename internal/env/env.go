package env

import (
	"os"
	"strings"
)

// Env layers the launch environment for spawned engines: the daemon's
// own environment, then operator-set globals from config, then
// per-instance pairs. Later layers win on key collisions.
type Env struct {
	global map[string]string
	base   []string // nil means os.Environ() at merge time
}

func New() *Env {
	return &Env{global: make(map[string]string)}
}

// Set adds or replaces a global variable.
func (e *Env) Set(k, v string) {
	if e.global == nil {
		e.global = make(map[string]string)
	}
	e.global[k] = v
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	delete(e.global, k)
}

// Merge flattens base, globals and perInstance into "K=V" pairs.
// ${VAR} references are expanded from the merged set once, without
// recursion. Entries with an empty key are dropped.
func (e *Env) Merge(perInstance []string) []string {
	base := e.base
	if base == nil {
		base = os.Environ()
	}
	m := make(map[string]string, len(base)+len(e.global)+len(perInstance))
	for _, kv := range base {
		put(m, kv)
	}
	for k, v := range e.global {
		if k != "" {
			m[k] = v
		}
	}
	for _, kv := range perInstance {
		put(m, kv)
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	return out
}

func put(m map[string]string, kv string) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return
	}
	m[k] = v
}

func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	for k, v := range m {
		s = strings.ReplaceAll(s, "${"+k+"}", v)
	}
	return s
}

// TempOverrides points every conventional temp-dir variable at the
// instance's own tmp directory so concurrent instances never collide on
// a shared /tmp for sockets or scratch files.
func TempOverrides(dir string) []string {
	return []string{
		"TMPDIR=" + dir,
		"TMP=" + dir,
		"TEMP=" + dir,
	}
}
