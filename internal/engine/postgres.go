package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/loykin/dbnest/internal/process"
	"github.com/loykin/dbnest/internal/readiness"
	"github.com/loykin/dbnest/internal/store"
)

// pgAdminUser is the bootstrap superuser initdb creates.
const pgAdminUser = "postgres"

type postgres struct{}

func (postgres) Engine() store.Engine  { return store.EnginePostgres }
func (postgres) ServerBinary() string  { return "postgres" }
func (postgres) BinaryNames() []string { return []string{"postgres"} }
func (postgres) DefaultPort() int      { return 5432 }

func (postgres) BrewFormulas(version string) []string {
	if maj := MajorOf(version); maj != "" {
		return []string{"postgresql@" + maj, "postgresql"}
	}
	// Recent majors first so an unversioned record picks the newest keg.
	return []string{"postgresql@17", "postgresql@16", "postgresql@15", "postgresql@14", "postgresql"}
}

func (postgres) NeedsInit() bool { return true }

// PG_VERSION is written by initdb as the last step of a successful run.
func (postgres) Initialized(dataDir string) bool {
	return exists(filepath.Join(dataDir, "PG_VERSION"))
}

func (postgres) InitPlans(binDir string, rec store.Record, l Layout) []InitPlan {
	initdb := tool(binDir, "initdb")
	base := []string{"-D", l.DataDir, "-U", pgAdminUser, "--auth=trust"}
	return []InitPlan{
		{Desc: "initdb", Cmd: process.Cmd{Name: initdb, Args: base}},
		// Locale setup is the usual initdb failure on stripped-down
		// hosts; the fallback pins a locale-free UTF8 cluster.
		{Desc: "initdb --no-locale", Cmd: process.Cmd{Name: initdb, Args: append(append([]string{}, base...), "--no-locale", "-E", "UTF8")}},
	}
}

func (postgres) ServeCommand(binDir string, rec store.Record, l Layout) process.Cmd {
	return process.Cmd{
		Name: tool(binDir, "postgres"),
		Args: []string{
			"-D", l.DataDir,
			"-p", fmt.Sprintf("%d", rec.Port),
			"-k", l.RunDir,
			"-c", "listen_addresses=127.0.0.1",
			// Output goes to our rotated capture, not the collector.
			"-c", "logging_collector=off",
			"-c", "log_min_messages=warning",
		},
	}
}

func (postgres) Readiness() readiness.Rule {
	return readiness.Rule{
		Substring:   "database system is ready to accept connections",
		AssumeAfter: 30 * time.Second,
		Stabilize:   500 * time.Millisecond,
	}
}

func (postgres) StopCommand(binDir string, rec store.Record, l Layout) (process.Cmd, bool) {
	return process.Cmd{
		Name: tool(binDir, "pg_ctl"),
		Args: []string{"-D", l.DataDir, "stop", "-m", "fast", "-t", "5"},
	}, true
}

func (p postgres) Ping(ctx context.Context, run process.Runner, binDir string, rec store.Record, l Layout) error {
	_, err := run(ctx, p.psql(binDir, rec, "postgres", "SELECT 1"))
	return err
}

func (p postgres) Configure(ctx context.Context, run process.Runner, binDir string, rec store.Record, l Layout) error {
	var st steps

	user := rec.Username
	db := targetDatabase(rec, pgAdminUser)

	if db != "postgres" {
		out, err := run(ctx, p.psql(binDir, rec, "postgres",
			"CREATE DATABASE "+quoteIdent(db)))
		st.fail("create database", out, err, "already exists")
	}

	if user != "" && user != pgAdminUser {
		// The bootstrap role cannot be renamed from its own session, so
		// a second superuser is created instead of renaming postgres.
		out, err := run(ctx, p.psql(binDir, rec, "postgres",
			"CREATE ROLE "+quoteIdent(user)+" LOGIN SUPERUSER"))
		st.fail("create role", out, err, "already exists")
	}

	if user == "" {
		user = pgAdminUser
	}
	if rec.Password != "" {
		out, err := run(ctx, p.psql(binDir, rec, "postgres",
			"ALTER ROLE "+quoteIdent(user)+" WITH PASSWORD "+quoteLit(rec.Password)))
		st.fail("set password", out, err)
	}

	out, err := run(ctx, p.psql(binDir, rec, "postgres",
		"GRANT ALL PRIVILEGES ON DATABASE "+quoteIdent(db)+" TO "+quoteIdent(user)))
	st.fail("grant database", out, err)

	// Postgres 15+ requires an explicit schema-level grant on public.
	out, err = run(ctx, p.psql(binDir, rec, db,
		"GRANT ALL ON SCHEMA public TO "+quoteIdent(user)))
	st.fail("grant schema", out, err)

	return st.err()
}

// psql connects over loopback as the bootstrap user. initdb ran with
// --auth=trust, so provisioning works before any password is set.
func (postgres) psql(binDir string, rec store.Record, db, sql string) process.Cmd {
	return process.Cmd{
		Name: tool(binDir, "psql"),
		Args: []string{
			"-h", "127.0.0.1",
			"-p", fmt.Sprintf("%d", rec.Port),
			"-U", pgAdminUser,
			"-d", db,
			"-v", "ON_ERROR_STOP=1",
			"-At", "-c", sql,
		},
		Env: append(processEnvBase(), "PGPASSWORD="+rec.Password, "PGCONNECT_TIMEOUT=3"),
	}
}

// targetDatabase names the database the configurator ensures exists:
// the requested username when set, else the engine default.
func targetDatabase(rec store.Record, def string) string {
	if rec.Username != "" {
		return rec.Username
	}
	return def
}
