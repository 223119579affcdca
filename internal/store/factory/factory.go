package factory

import (
	"errors"
	"strings"

	"github.com/loykin/dbnest/internal/store"
	"github.com/loykin/dbnest/internal/store/postgres"
	"github.com/loykin/dbnest/internal/store/sqlite"
)

// NewFromDSN opens the record store named by dsn:
//
//	sqlite://<path>            file-backed sqlite (default engine)
//	postgres://... (or postgresql://)  shared postgres
//
// A bare filesystem path is treated as a sqlite file.
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("store DSN is empty")
	}
	switch {
	case hasScheme(d, "postgres", "postgresql"):
		return postgres.New(d)
	case hasScheme(d, "sqlite"):
		return sqlite.New(d[len("sqlite://"):])
	default:
		return sqlite.New(d)
	}
}

func hasScheme(dsn string, schemes ...string) bool {
	for _, s := range schemes {
		if len(dsn) >= len(s)+3 && strings.EqualFold(dsn[:len(s)+3], s+"://") {
			return true
		}
	}
	return false
}
