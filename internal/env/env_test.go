package env

import (
	"slices"
	"strings"
	"testing"
)

func lookup(list []string, key string) (string, bool) {
	for _, kv := range list {
		if v, ok := strings.CutPrefix(kv, key+"="); ok {
			return v, true
		}
	}
	return "", false
}

func TestMergeOrder(t *testing.T) {
	e := New()
	e.base = []string{"HOME=/home/u", "LANG=C"}
	e.Set("LANG", "en_US.UTF-8")

	got := e.Merge([]string{"LANG=ko_KR.UTF-8", "PORT=5433"})

	if v, _ := lookup(got, "LANG"); v != "ko_KR.UTF-8" {
		t.Fatalf("per-instance override lost: %q", v)
	}
	if v, _ := lookup(got, "HOME"); v != "/home/u" {
		t.Fatalf("base lost: %q", v)
	}
	if v, _ := lookup(got, "PORT"); v != "5433" {
		t.Fatalf("per-instance addition lost: %q", v)
	}
}

func TestMergeExpansion(t *testing.T) {
	e := New()
	e.base = []string{"BASE=/var/db"}
	got := e.Merge([]string{"DATA=${BASE}/data"})
	if v, _ := lookup(got, "DATA"); v != "/var/db/data" {
		t.Fatalf("expansion failed: %q", v)
	}
}

func TestMergeSkipsMalformed(t *testing.T) {
	e := New()
	e.base = []string{}
	got := e.Merge([]string{"=oops", "OK=1", "novalue"})
	if _, ok := lookup(got, "OK"); !ok {
		t.Fatalf("valid entry dropped")
	}
	for _, kv := range got {
		if strings.HasPrefix(kv, "=") {
			t.Fatalf("malformed entry kept: %q", kv)
		}
	}
}

func TestTempOverrides(t *testing.T) {
	got := TempOverrides("/data/x/tmp")
	want := []string{"TMPDIR=/data/x/tmp", "TMP=/data/x/tmp", "TEMP=/data/x/tmp"}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v", got)
	}
}
