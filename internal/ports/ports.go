package ports

import (
	"fmt"
	"net"
	"strconv"

	"github.com/loykin/dbnest/internal/store"
)

// IsFree reports whether a TCP port is bindable on 127.0.0.1. A short
// bind-and-close probe is the same check the engines themselves will
// perform at startup.
func IsFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// NextFree probes linearly upward from start for a port that is free at
// the OS level and not present in taken.
func NextFree(start, maxProbes int, taken map[int]bool, free func(int) bool) (int, error) {
	if free == nil {
		free = IsFree
	}
	for p := start; p < start+maxProbes && p <= 65535; p++ {
		if taken[p] {
			continue
		}
		if free(p) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, start+maxProbes-1)
}

// Reassignment describes one conflict resolution performed by Resolve.
type Reassignment struct {
	ID   string
	From int
	To   int
}

// Resolve deduplicates port claims among records before any of them is
// started. The first record claiming a port keeps it; later claimants
// are moved to the next free port probing upward from their original
// one. free reports OS-level availability (nil for the default prober).
// The returned slice carries the updated ports; reassignments list what
// changed so callers can persist and report them.
func Resolve(records []store.Record, free func(int) bool, maxProbes int) ([]store.Record, []Reassignment, error) {
	if free == nil {
		free = IsFree
	}
	if maxProbes <= 0 {
		maxProbes = 100
	}
	out := make([]store.Record, len(records))
	copy(out, records)

	claimed := make(map[int]bool, len(out))
	var moved []Reassignment
	for i := range out {
		p := out[i].Port
		if !claimed[p] {
			claimed[p] = true
			continue
		}
		next, err := NextFree(p+1, maxProbes, claimed, free)
		if err != nil {
			return nil, moved, fmt.Errorf("resolve port for %s: %w", out[i].ID, err)
		}
		moved = append(moved, Reassignment{ID: out[i].ID, From: p, To: next})
		out[i].Port = next
		claimed[next] = true
	}
	return out, moved, nil
}
