package factory

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/loykin/dbnest/internal/events"
	"github.com/loykin/dbnest/internal/events/clickhouse"
	"github.com/loykin/dbnest/internal/events/postgres"
	"github.com/loykin/dbnest/internal/events/sqlite"
	"github.com/loykin/dbnest/internal/events/webhook"
)

// NewSinkFromDSN opens the durable event sink named by dsn:
//
//	sqlite://<path>                         file-backed sqlite
//	postgres://... (or postgresql://)       shared postgres
//	clickhouse://host:port?table=<name>     clickhouse native protocol
//	http://... or https://...               webhook POST per event
//
// A bare filesystem path is treated as a sqlite file.
func NewSinkFromDSN(dsn string) (events.Sink, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("event sink DSN is empty")
	}
	scheme, _, ok := strings.Cut(d, "://")
	if !ok {
		return sqlite.New(d)
	}
	switch strings.ToLower(scheme) {
	case "sqlite":
		return sqlite.New(d)
	case "postgres", "postgresql":
		return postgres.New(d)
	case "http", "https":
		return webhook.New(d), nil
	case "clickhouse":
		return newClickHouse(d)
	default:
		return nil, fmt.Errorf("unsupported event sink DSN %q", d)
	}
}

func newClickHouse(dsn string) (events.Sink, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	addr := u.Host
	if addr == "" {
		addr = "localhost:9000"
	}
	table := u.Query().Get("table")
	if table == "" {
		table = "database_events"
	}
	return clickhouse.New(addr, table)
}
