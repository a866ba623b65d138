package conbuilder

import (
	"encoding/hex"
	"sort"
	"strings"

	"lukechampine.com/blake3"
)

// wouldInstallPrefix marks the apt-get simulation lines that matter.
// Example: Inst gettext (0.19.8.1-4 Debian:unstable [amd64]) []
const wouldInstallPrefix = "Inst "

// fingerprintLen is the hex prefix kept from the digest. Short on purpose;
// the collision probability over a handful of dependency sets is negligible.
const fingerprintLen = 10

// Dependency is one (package, version) pair from a resolution.
type Dependency struct {
	Name    string
	Version string
}

// DependencySet is a deduplicated, order-irrelevant set of dependencies.
type DependencySet []Dependency

// ParseSimulatedInstall extracts the dependency set from apt-get build-dep -s
// output. Lines without the "Inst " prefix are ignored; a recognized line
// that does not carry a parenthesized version is a fatal parse failure.
func ParseSimulatedInstall(lines []string) (DependencySet, error) {
	seen := make(map[Dependency]bool)
	for _, line := range lines {
		if !strings.HasPrefix(line, wouldInstallPrefix) {
			continue
		}
		fields := strings.SplitN(line, " ", 4)
		if len(fields) != 4 {
			return nil, &ParseError{Line: line, Reason: "expected four fields"}
		}
		version := fields[2]
		if !strings.HasPrefix(version, "(") {
			return nil, &ParseError{Line: line, Reason: "version field does not start with ("}
		}
		version = version[1:]
		if version == "" {
			return nil, &ParseError{Line: line, Reason: "empty version"}
		}
		seen[Dependency{Name: fields[1], Version: version}] = true
	}

	set := make(DependencySet, 0, len(seen))
	for dep := range seen {
		set = append(set, dep)
	}
	set.sort()
	return set, nil
}

func (s DependencySet) sort() {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Name != s[j].Name {
			return s[i].Name < s[j].Name
		}
		return s[i].Version < s[j].Version
	})
}

// Canonical returns the sorted name:version token list, one per line. This is
// both the hashed form and the manifest format.
func (s DependencySet) Canonical() string {
	sorted := make(DependencySet, len(s))
	copy(sorted, s)
	sorted.sort()
	tokens := make([]string, len(sorted))
	for i, dep := range sorted {
		tokens[i] = dep.Name + ":" + dep.Version
	}
	return strings.Join(tokens, "\n")
}

// Fingerprint derives the short deterministic cache key for the set.
func (s DependencySet) Fingerprint() string {
	h := blake3.New(32, nil)
	h.Write([]byte(s.Canonical()))
	return hex.EncodeToString(h.Sum(nil))[:fingerprintLen]
}

// FingerprintEngine derives a dependency set and cache key by running the
// dependency tool in simulate mode over a read-only view of the base system
// with the source tree bound at /srv.
type FingerprintEngine struct {
	spawn *Nspawn
}

func NewFingerprintEngine(spawn *Nspawn) *FingerprintEngine {
	return &FingerprintEngine{spawn: spawn}
}

// Compute runs the simulated resolution. No persistent side effects.
func (e *FingerprintEngine) Compute(l1Content, sourceDir string) (DependencySet, string, error) {
	out, err := e.spawn.Capture(NspawnOptions{
		Dir:        l1Content,
		ReadOnly:   true,
		BindSource: sourceDir,
	}, "/usr/bin/apt-get", "build-dep", "-s", ".")
	if err != nil {
		return nil, "", err
	}
	deps, err := ParseSimulatedInstall(out)
	if err != nil {
		return nil, "", err
	}
	return deps, deps.Fingerprint(), nil
}
