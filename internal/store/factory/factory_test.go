package factory

import (
	"path/filepath"
	"testing"
)

func TestNewFromDSNSelection(t *testing.T) {
	if _, err := NewFromDSN(""); err == nil {
		t.Fatal("empty DSN must be rejected")
	}
	if _, err := NewFromDSN("   "); err == nil {
		t.Fatal("blank DSN must be rejected")
	}

	// sql.Open does not dial, so a postgres DSN yields a store object
	// without a reachable server.
	st, err := NewFromDSN("postgresql://dbnest@localhost/dbnest")
	if err != nil || st == nil {
		t.Fatalf("postgres dsn: err=%v store=%T", err, st)
	}
	_ = st.Close()

	for _, dsn := range []string{
		"sqlite://" + filepath.Join(t.TempDir(), "records.db"),
		"sqlite://:memory:",
		filepath.Join(t.TempDir(), "bare-path.db"),
	} {
		st, err := NewFromDSN(dsn)
		if err != nil || st == nil {
			t.Fatalf("sqlite dsn %q: err=%v store=%T", dsn, err, st)
		}
		_ = st.Close()
	}
}
