package engine

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// processEnvBase is the supervisor's own environment, the base for
// client-tool invocations that need extra variables.
func processEnvBase() []string {
	return os.Environ()
}

// quoteIdent double-quotes a SQL identifier (postgres/mysql-ANSI).
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// quoteLit single-quotes a SQL string literal.
func quoteLit(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}

// backtickIdent quotes a MySQL identifier.
func backtickIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

// steps accumulates provisioning step failures. Each step is wrapped
// individually so one failure never aborts the remaining steps; the
// joined error is reported to the caller for logging.
type steps struct {
	errs []error
}

// fail records a step failure unless the output marks a tolerated
// condition (e.g. "already exists").
func (s *steps) fail(name string, out string, err error, tolerate ...string) {
	if err == nil {
		return
	}
	low := strings.ToLower(out + " " + err.Error())
	for _, t := range tolerate {
		if strings.Contains(low, strings.ToLower(t)) {
			return
		}
	}
	s.errs = append(s.errs, fmt.Errorf("%s: %w", name, err))
}

func (s *steps) err() error {
	return errors.Join(s.errs...)
}
