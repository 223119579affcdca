package ports

import (
	"net"
	"testing"

	"github.com/loykin/dbnest/internal/store"
)

func TestIsFree(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if IsFree(port) {
		t.Fatalf("port %d is held but reported free", port)
	}
	_ = l.Close()
	if !IsFree(port) {
		t.Fatalf("port %d released but reported busy", port)
	}
}

func TestNextFreeSkipsTaken(t *testing.T) {
	free := func(p int) bool { return p != 5001 }
	taken := map[int]bool{5000: true}
	got, err := NextFree(5000, 10, taken, free)
	if err != nil {
		t.Fatalf("next free: %v", err)
	}
	// 5000 claimed in the set, 5001 busy at OS level
	if got != 5002 {
		t.Fatalf("got %d, want 5002", got)
	}

	none := func(int) bool { return false }
	if _, err := NextFree(5000, 3, nil, none); err == nil {
		t.Fatalf("expected exhaustion error")
	}
}

func TestResolveFirstClaimWins(t *testing.T) {
	recs := []store.Record{
		{ID: "a", Engine: store.EnginePostgres, Port: 5433},
		{ID: "b", Engine: store.EnginePostgres, Port: 5433},
		{ID: "c", Engine: store.EngineRedis, Port: 6379},
		{ID: "d", Engine: store.EnginePostgres, Port: 5433},
	}
	allFree := func(int) bool { return true }
	out, moved, err := Resolve(recs, allFree, 50)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out[0].Port != 5433 {
		t.Fatalf("first claimant moved: %d", out[0].Port)
	}
	if out[1].Port != 5434 || out[3].Port != 5435 {
		t.Fatalf("colliders not probed upward: b=%d d=%d", out[1].Port, out[3].Port)
	}
	if out[2].Port != 6379 {
		t.Fatalf("unrelated record touched: %d", out[2].Port)
	}
	if len(moved) != 2 || moved[0].ID != "b" || moved[0].From != 5433 || moved[0].To != 5434 {
		t.Fatalf("unexpected reassignments: %+v", moved)
	}
	// input slice must be left alone
	if recs[1].Port != 5433 {
		t.Fatalf("input mutated: %d", recs[1].Port)
	}
}

func TestResolveSkipsOSBusyPorts(t *testing.T) {
	busy := map[int]bool{5434: true}
	free := func(p int) bool { return !busy[p] }
	recs := []store.Record{
		{ID: "a", Engine: store.EnginePostgres, Port: 5433},
		{ID: "b", Engine: store.EnginePostgres, Port: 5433},
	}
	out, moved, err := Resolve(recs, free, 50)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out[1].Port != 5435 {
		t.Fatalf("expected 5435 (5434 busy), got %d", out[1].Port)
	}
	if len(moved) != 1 || moved[0].To != 5435 {
		t.Fatalf("unexpected reassignments: %+v", moved)
	}
}
