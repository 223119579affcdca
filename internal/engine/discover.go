package engine

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/loykin/dbnest/internal/store"
)

// brewPrefixes are the package-manager install roots probed in order:
// Apple Silicon homebrew, Intel homebrew / manual installs, linuxbrew.
var brewPrefixes = []string{
	"/opt/homebrew",
	"/usr/local",
	"/home/linuxbrew/.linuxbrew",
}

// Discover resolves the directory holding the engine's binaries:
// the record's cached hint first, then versioned homebrew kegs
// (filtered by the record's engine version major/minor), then PATH.
// The returned dir is suitable for caching back into the record.
func Discover(rec store.Record, s Strategy) (string, error) {
	if rec.BinaryHint != "" {
		if exists(filepath.Join(rec.BinaryHint, s.ServerBinary())) {
			return rec.BinaryHint, nil
		}
		// Stale hint: the keg was upgraded or removed. Fall through to
		// a fresh probe.
	}

	formulas := s.BrewFormulas(rec.EngineVersion)
	for _, prefix := range brewPrefixes {
		for _, f := range formulas {
			for _, sub := range []string{"bin", "sbin"} {
				dir := filepath.Join(prefix, "opt", f, sub)
				if exists(filepath.Join(dir, s.ServerBinary())) {
					return dir, nil
				}
			}
		}
		// Versioned cellar kegs not linked into opt/.
		if dir := probeCellar(prefix, s, rec.EngineVersion); dir != "" {
			return dir, nil
		}
	}

	if p, err := exec.LookPath(s.ServerBinary()); err == nil {
		return filepath.Dir(p), nil
	}

	return "", fmt.Errorf("%w: %s (engine %s, looked in homebrew prefixes and PATH)",
		ErrBinaryNotFound, s.ServerBinary(), s.Engine())
}

// probeCellar scans <prefix>/Cellar/<formula>/<version>/bin for a
// server binary whose keg version matches the requested major/minor.
func probeCellar(prefix string, s Strategy, version string) string {
	for _, f := range s.BrewFormulas(version) {
		base := filepath.Join(prefix, "Cellar", f)
		entries, err := os.ReadDir(base)
		if err != nil {
			continue
		}
		var best string
		var bestVer string
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			kegVer := e.Name()
			if version != "" && !sameMajorMinor(kegVer, version) {
				continue
			}
			for _, sub := range []string{"bin", "sbin"} {
				dir := filepath.Join(base, kegVer, sub)
				if exists(filepath.Join(dir, s.ServerBinary())) {
					if bestVer == "" || semver.Compare(canon(kegVer), canon(bestVer)) > 0 {
						best, bestVer = dir, kegVer
					}
				}
			}
		}
		if best != "" {
			return best
		}
	}
	return ""
}

func sameMajorMinor(a, b string) bool {
	ca, cb := canon(a), canon(b)
	if !semver.IsValid(ca) || !semver.IsValid(cb) {
		return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
	}
	if semver.Major(ca) != semver.Major(cb) {
		return false
	}
	// A bare major version ("16") constrains only the major.
	if strings.Count(strings.TrimPrefix(cb, "v"), ".") == 0 || strings.Count(strings.TrimPrefix(ca, "v"), ".") == 0 {
		return true
	}
	return semver.MajorMinor(ca) == semver.MajorMinor(cb)
}

func canon(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// MajorOf extracts the numeric major version from a record's engine
// version string, or "" when unset/unparseable. Used to build
// versioned formula names like postgresql@16.
func MajorOf(version string) string {
	c := canon(version)
	if !semver.IsValid(c) {
		return ""
	}
	return strings.TrimPrefix(semver.Major(c), "v")
}
