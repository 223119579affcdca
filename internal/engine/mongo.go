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

type mongo struct{}

func (mongo) Engine() store.Engine  { return store.EngineMongo }
func (mongo) ServerBinary() string  { return "mongod" }
func (mongo) BinaryNames() []string { return []string{"mongod"} }
func (mongo) DefaultPort() int      { return 27017 }

func (mongo) BrewFormulas(version string) []string {
	if maj := MajorOf(version); maj != "" {
		return []string{"mongodb-community@" + maj, "mongodb-community"}
	}
	return []string{"mongodb-community", "mongodb-community@8.0", "mongodb-community@7.0"}
}

// mongod initializes its own dbpath on first start.
func (mongo) NeedsInit() bool { return false }

// WiredTiger's catalog file marks a dbpath that has been started once.
// An empty dir is also fine: mongod creates everything itself.
func (mongo) Initialized(dataDir string) bool {
	return exists(filepath.Join(dataDir, "WiredTiger"))
}

func (mongo) InitPlans(binDir string, rec store.Record, l Layout) []InitPlan { return nil }

func (mongo) ServeCommand(binDir string, rec store.Record, l Layout) process.Cmd {
	return process.Cmd{
		Name: tool(binDir, "mongod"),
		Args: []string{
			"--dbpath", l.DataDir,
			"--port", fmt.Sprintf("%d", rec.Port),
			"--bind_ip", "127.0.0.1",
			"--pidfilepath", filepath.Join(l.RunDir, "mongod.pid"),
			"--unixSocketPrefix", l.RunDir,
			// Logs stay on stdout so the readiness scanner sees the
			// ready line; rotation is handled by our capture writer.
			"--setParameter", "diagnosticDataCollectionEnabled=false",
			"--wiredTigerCacheSizeGB", "0.5",
		},
	}
}

func (mongo) Readiness() readiness.Rule {
	return readiness.Rule{
		Substring:   "Waiting for connections",
		AssumeAfter: 30 * time.Second,
		Stabilize:   500 * time.Millisecond,
	}
}

func (m mongo) StopCommand(binDir string, rec store.Record, l Layout) (process.Cmd, bool) {
	return m.eval(binDir, rec, "admin", "db.shutdownServer({force: false})"), true
}

func (m mongo) Ping(ctx context.Context, run process.Runner, binDir string, rec store.Record, l Layout) error {
	_, err := run(ctx, m.eval(binDir, rec, "admin", "db.runCommand({ping: 1})"))
	return err
}

func (m mongo) Configure(ctx context.Context, run process.Runner, binDir string, rec store.Record, l Layout) error {
	if rec.Username == "" {
		return nil
	}
	var st steps

	// createUser with the root role covers both user and database
	// provisioning; the target database itself is created lazily by
	// the first write, which is normal for mongod.
	create := fmt.Sprintf("db.createUser({user: %s, pwd: %s, roles: [{role: 'root', db: 'admin'}]})",
		jsString(rec.Username), jsString(rec.Password))
	out, err := run(ctx, m.eval(binDir, rec, "admin", create))
	if err != nil {
		st.fail("create user", out, err, "already exists")
		// Existing user: reconcile the password instead.
		update := fmt.Sprintf("db.updateUser(%s, {pwd: %s})",
			jsString(rec.Username), jsString(rec.Password))
		out, err = run(ctx, m.eval(binDir, rec, "admin", update))
		st.fail("update user", out, err)
	}

	return st.err()
}

func (mongo) eval(binDir string, rec store.Record, db, js string) process.Cmd {
	return process.Cmd{
		Name: tool(binDir, "mongosh"),
		Args: []string{
			"--host", "127.0.0.1",
			"--port", fmt.Sprintf("%d", rec.Port),
			"--quiet",
			"--norc",
			db,
			"--eval", js,
		},
	}
}

// jsString single-quotes a JS string literal for mongosh --eval.
func jsString(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'', '\\':
			out = append(out, '\\', s[i])
		default:
			out = append(out, s[i])
		}
	}
	return string(append(out, '\''))
}
