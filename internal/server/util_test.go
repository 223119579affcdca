package server

import "testing"

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{
		"":         "",
		"/":        "",
		"api":      "/api",
		"/api/v1/": "/api/v1",
		" /x ":     "/x",
	}
	for in, want := range cases {
		if got := sanitizeBase(in); got != want {
			t.Fatalf("sanitizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsSafeName(t *testing.T) {
	for _, ok := range []string{"db1", "my-db_2", "a.b"} {
		if !isSafeName(ok) {
			t.Fatalf("%q rejected", ok)
		}
	}
	for _, bad := range []string{"", "..", "a/b", `a\b`, "x..y", "sp ace", "uni©"} {
		if isSafeName(bad) {
			t.Fatalf("%q accepted", bad)
		}
	}
}
