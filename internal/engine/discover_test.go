package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/loykin/dbnest/internal/store"
)

func touchExec(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o750); err != nil {
		t.Fatal(err)
	}
}

func TestDiscoverPrefersHint(t *testing.T) {
	dir := t.TempDir()
	touchExec(t, filepath.Join(dir, "postgres"))
	s, _ := ForEngine(store.EnginePostgres)
	got, err := Discover(store.Record{ID: "x", Engine: store.EnginePostgres, Port: 5432, BinaryHint: dir}, s)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if got != dir {
		t.Fatalf("hint ignored: %s", got)
	}
}

func TestDiscoverStaleHintFallsThrough(t *testing.T) {
	s, _ := ForEngine(store.EngineRedis)
	// Hint points nowhere; PATH may or may not have redis-server, both
	// outcomes are fine as long as the stale hint itself is not returned.
	stale := filepath.Join(t.TempDir(), "gone")
	got, err := Discover(store.Record{ID: "x", Engine: store.EngineRedis, Port: 6379, BinaryHint: stale}, s)
	if err == nil && got == stale {
		t.Fatal("stale hint returned")
	}
	if err != nil && !errors.Is(err, ErrBinaryNotFound) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProbeCellarMatchesMajorMinor(t *testing.T) {
	prefix := t.TempDir()
	touchExec(t, filepath.Join(prefix, "Cellar", "postgresql@16", "16.4", "bin", "postgres"))
	touchExec(t, filepath.Join(prefix, "Cellar", "postgresql@16", "16.9", "bin", "postgres"))
	s, _ := ForEngine(store.EnginePostgres)

	dir := probeCellar(prefix, s, "16.9")
	if filepath.Base(filepath.Dir(filepath.Dir(dir))) != "16.9" {
		t.Fatalf("wanted 16.9 keg, got %s", dir)
	}

	// Major-only constraint picks the newest matching keg.
	dir = probeCellar(prefix, s, "16")
	if filepath.Base(filepath.Dir(filepath.Dir(dir))) != "16.9" {
		t.Fatalf("wanted newest 16.x keg, got %s", dir)
	}

	if got := probeCellar(prefix, s, "15"); got != "" {
		t.Fatalf("version 15 matched a 16 keg: %s", got)
	}
}

func TestMajorOf(t *testing.T) {
	cases := map[string]string{
		"16.4":    "16",
		"16":      "16",
		"v8.0.36": "8",
		"":        "",
		"latest":  "",
	}
	for in, want := range cases {
		if got := MajorOf(in); got != want {
			t.Fatalf("MajorOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAllBinaryNames(t *testing.T) {
	names := AllBinaryNames()
	want := map[string]bool{"postgres": false, "mysqld": false, "mongod": false, "redis-server": false}
	for _, n := range names {
		want[n] = true
	}
	for n, seen := range want {
		if !seen {
			t.Fatalf("missing %s in %v", n, names)
		}
	}
}
