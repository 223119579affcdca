package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/dbnest/internal/process"
	"github.com/loykin/dbnest/internal/readiness"
	"github.com/loykin/dbnest/internal/store"
)

// mysqlAdminUser is the account --initialize-insecure leaves without a
// password.
const mysqlAdminUser = "root"

type mysql struct{}

func (mysql) Engine() store.Engine  { return store.EngineMySQL }
func (mysql) ServerBinary() string  { return "mysqld" }
func (mysql) BinaryNames() []string { return []string{"mysqld"} }
func (mysql) DefaultPort() int      { return 3306 }

func (mysql) BrewFormulas(version string) []string {
	if maj := MajorOf(version); maj != "" {
		return []string{"mysql@" + maj, "mysql"}
	}
	return []string{"mysql", "mysql@8.4", "mysql@8.0"}
}

func (mysql) NeedsInit() bool { return true }

// The mysql/ system schema directory is created by --initialize.
func (mysql) Initialized(dataDir string) bool {
	return exists(filepath.Join(dataDir, "mysql"))
}

func (mysql) InitPlans(binDir string, rec store.Record, l Layout) []InitPlan {
	mysqld := tool(binDir, "mysqld")
	return []InitPlan{
		{Desc: "mysqld --initialize-insecure", Cmd: process.Cmd{Name: mysqld, Args: []string{
			"--no-defaults", "--initialize-insecure", "--datadir=" + l.DataDir,
		}}},
		// Fallback: plain --initialize generates a throwaway root
		// password; the configurator replaces credentials afterwards.
		{Desc: "mysqld --initialize", Cmd: process.Cmd{Name: mysqld, Args: []string{
			"--no-defaults", "--initialize", "--datadir=" + l.DataDir,
		}}},
	}
}

func (mysql) ServeCommand(binDir string, rec store.Record, l Layout) process.Cmd {
	return process.Cmd{
		Name: tool(binDir, "mysqld"),
		Args: []string{
			"--no-defaults",
			"--datadir=" + l.DataDir,
			"--port=" + fmt.Sprintf("%d", rec.Port),
			"--bind-address=127.0.0.1",
			"--socket=" + filepath.Join(l.RunDir, "mysql.sock"),
			"--pid-file=" + filepath.Join(l.RunDir, "mysql.pid"),
			"--mysqlx=OFF",
			// Keep a long-lived local instance from growing unbounded.
			"--innodb-buffer-pool-size=128M",
			"--binlog-expire-logs-seconds=86400",
		},
	}
}

func (mysql) Readiness() readiness.Rule {
	return readiness.Rule{
		Substring:   "ready for connections",
		AssumeAfter: 45 * time.Second,
		Stabilize:   500 * time.Millisecond,
	}
}

func (m mysql) StopCommand(binDir string, rec store.Record, l Layout) (process.Cmd, bool) {
	return process.Cmd{
		Name: tool(binDir, "mysqladmin"),
		Args: append(m.clientArgs(rec, rec.Password), "shutdown"),
	}, true
}

func (m mysql) Ping(ctx context.Context, run process.Runner, binDir string, rec store.Record, l Layout) error {
	_, err := m.execSQL(ctx, run, binDir, rec, "SELECT 1")
	return err
}

func (m mysql) Configure(ctx context.Context, run process.Runner, binDir string, rec store.Record, l Layout) error {
	var st steps

	db := targetDatabase(rec, "mysql")
	if db != "mysql" {
		out, err := m.execSQL(ctx, run, binDir, rec,
			"CREATE DATABASE IF NOT EXISTS "+backtickIdent(db))
		st.fail("create database", out, err)
	}

	user := rec.Username
	if user != "" && user != mysqlAdminUser {
		// Renaming root would cut off the admin path used by the
		// remaining steps (and by later credential updates), so the
		// requested account is created alongside it with full grants.
		out, err := m.execSQL(ctx, run, binDir, rec,
			"CREATE USER IF NOT EXISTS "+mysqlAccount(user)+" IDENTIFIED BY "+quoteLit(rec.Password))
		st.fail("create user", out, err)
		out, err = m.execSQL(ctx, run, binDir, rec,
			"GRANT ALL PRIVILEGES ON *.* TO "+mysqlAccount(user)+" WITH GRANT OPTION")
		st.fail("grant", out, err)
		out, err = m.execSQL(ctx, run, binDir, rec,
			"ALTER USER "+mysqlAccount(user)+" IDENTIFIED BY "+quoteLit(rec.Password))
		st.fail("set password", out, err)
	} else if rec.Password != "" {
		out, err := m.execSQL(ctx, run, binDir, rec,
			"ALTER USER 'root'@'localhost' IDENTIFIED BY "+quoteLit(rec.Password))
		st.fail("set password", out, err)
	}

	out, err := m.execSQL(ctx, run, binDir, rec, "FLUSH PRIVILEGES")
	st.fail("flush privileges", out, err)

	return st.err()
}

// execSQL runs one statement as the admin account. A fresh
// --initialize-insecure instance has a passwordless root, so the
// passwordless attempt comes first and the recorded password is only
// used when the server rejects it.
func (m mysql) execSQL(ctx context.Context, run process.Runner, binDir string, rec store.Record, stmt string) (string, error) {
	out, err := run(ctx, m.sql(binDir, rec, "", stmt))
	if err != nil && rec.Password != "" && isAccessDenied(out, err) {
		return run(ctx, m.sql(binDir, rec, rec.Password, stmt))
	}
	return out, err
}

func isAccessDenied(out string, err error) bool {
	low := strings.ToLower(out)
	if err != nil {
		low += " " + strings.ToLower(err.Error())
	}
	return strings.Contains(low, "access denied")
}

func (mysql) clientArgs(rec store.Record, password string) []string {
	args := []string{
		"--host=127.0.0.1",
		"--port=" + fmt.Sprintf("%d", rec.Port),
		"--user=" + mysqlAdminUser,
		"--connect-timeout=3",
	}
	if password != "" {
		args = append(args, "--password="+password)
	}
	return args
}

func (m mysql) sql(binDir string, rec store.Record, password, stmt string) process.Cmd {
	return process.Cmd{
		Name: tool(binDir, "mysql"),
		Args: append(m.clientArgs(rec, password), "--batch", "--execute", stmt),
	}
}

// mysqlAccount quotes a 'user'@'%' account usable from local TCP.
func mysqlAccount(user string) string {
	return quoteLit(user) + "@'%'"
}
